package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"authhub.org/internal/config"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var (
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "authhub",
	Short: "Identity and authorization service",
	Long: `authhub authenticates users and services, resolves project-scoped
permissions and brokers single sign-on for registered projects.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "authhub %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (yaml, json or toml)")
	rootCmd.AddCommand(versionCmd, serveCmd, migrateCmd, keysCmd, usersCmd)
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
