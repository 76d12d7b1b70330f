package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"authhub.org/internal/migrate"
	"authhub.org/internal/obs"
	"authhub.org/internal/store/pg"
)

var migrateDSN string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeDB, err := migrationManager()
		if err != nil {
			return err
		}
		defer closeDB()
		n, err := m.Up(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeDB, err := migrationManager()
		if err != nil {
			return err
		}
		defer closeDB()
		name, err := m.Down(cmd.Context())
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", name)
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, closeDB, err := migrationManager()
		if err != nil {
			return err
		}
		defer closeDB()
		list, err := m.Status(cmd.Context())
		if err != nil {
			return err
		}
		for _, mig := range list {
			state := "pending"
			if mig.Applied {
				state = "applied"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", state, mig.Name)
		}
		return nil
	},
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrateDSN, "dsn", "", "PostgreSQL DSN (defaults to pg_dsn from the config)")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
}

func migrationManager() (*migrate.Manager, func(), error) {
	dsn := migrateDSN
	if dsn == "" {
		dsn = cfg.PGDSN
	}
	if dsn == "" {
		return nil, nil, errors.New("no PostgreSQL DSN: set AUTHHUB_PG_DSN or pass --dsn")
	}
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	s, err := pg.Open(dsn)
	if err != nil {
		return nil, nil, err
	}
	m := migrate.NewManager(s.DB(), pg.Migrations, "migrations", migrate.WithLogger(logger.Named("migrate")))
	return m, func() {
		_ = s.Close()
		_ = logger.Sync()
	}, nil
}
