package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"authhub.org/internal/auth"
)

var (
	keyName        string
	keyPrincipal   string
	keyProject     string
	keyAllowed     []string
	keyPermissions []string
	keyTTL         time.Duration
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Issue API and service keys",
	Long:  "Issue API and service keys. The raw secret is printed once and cannot be recovered.",
}

var keysAPICmd = &cobra.Command{
	Use:   "api",
	Short: "Issue an API key for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store auth.Store) error {
			key, raw, err := auth.NewKeyIssuer(store, nil).IssueAPIKey(ctx, auth.APIKeySpec{
				Name:        keyName,
				PrincipalID: keyPrincipal,
				Permissions: keyPermissions,
				TTL:         keyTTL,
			})
			if err != nil {
				return err
			}
			printKey(cmd.OutOrStdout(), key.ID, raw, key.ExpiresAt)
			return nil
		})
	},
}

var keysServiceCmd = &cobra.Command{
	Use:   "service",
	Short: "Issue a service key for backend-to-backend calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store auth.Store) error {
			key, raw, err := auth.NewKeyIssuer(store, nil).IssueServiceKey(ctx, auth.ServiceKeySpec{
				Name:            keyName,
				ProjectCode:     strings.ToLower(keyProject),
				AllowedProjects: keyAllowed,
				Permissions:     keyPermissions,
				TTL:             keyTTL,
			})
			if err != nil {
				return err
			}
			printKey(cmd.OutOrStdout(), key.ID, raw, key.ExpiresAt)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{keysAPICmd, keysServiceCmd} {
		c.Flags().StringVar(&keyName, "name", "", "human readable key name")
		c.Flags().StringSliceVar(&keyPermissions, "permission", nil, "permission code carried by the key (repeatable)")
		c.Flags().DurationVar(&keyTTL, "ttl", 0, "lifetime of the key; zero never expires")
		_ = c.MarkFlagRequired("name")
	}
	keysAPICmd.Flags().StringVar(&keyPrincipal, "user", "", "id of the user the key acts for")
	_ = keysAPICmd.MarkFlagRequired("user")
	keysServiceCmd.Flags().StringVar(&keyProject, "project", "", "project the service belongs to")
	keysServiceCmd.Flags().StringSliceVar(&keyAllowed, "allow", nil, "additional project the service may act in (repeatable)")
	keysCmd.AddCommand(keysAPICmd, keysServiceCmd)
}

// withStore opens the configured persistent store for one command. Keys
// issued into the in-memory backend would vanish with the process.
func withStore(ctx context.Context, fn func(context.Context, auth.Store) error) error {
	return withBackend(ctx, func(ctx context.Context, b *backend) error {
		return fn(ctx, b.store)
	})
}

func withBackend(ctx context.Context, fn func(context.Context, *backend) error) error {
	if cfg.StoreBackend != "postgres" {
		return errors.New("key and user management requires store_backend=postgres")
	}
	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b)
}

func printKey(w io.Writer, id, raw string, expires *time.Time) {
	fmt.Fprintf(w, "id:      %s\n", id)
	if expires != nil {
		fmt.Fprintf(w, "expires: %s\n", expires.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "secret:  %s\n", raw)
	fmt.Fprintln(w, "store the secret now; it is not shown again")
}
