package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"authhub.org/internal/auth"
	"authhub.org/internal/ids"
)

var (
	userName      string
	userEmail     string
	userDisplay   string
	userSuperuser bool

	grantUser    string
	grantRole    string
	grantProject string
	grantTTL     time.Duration
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Bootstrap users and role assignments",
}

var usersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user; the password is read from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && password == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(password, "\r\n")
		if len(password) < 8 {
			return errors.New("password must be at least 8 characters")
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(ctx context.Context, store auth.Store) error {
			now := time.Now().UTC()
			u, err := store.CreateUser(ctx, auth.User{
				ID:           ids.NewAt(now),
				Username:     strings.ToLower(strings.TrimSpace(userName)),
				Email:        strings.ToLower(strings.TrimSpace(userEmail)),
				DisplayName:  userDisplay,
				PasswordHash: hash,
				IsActive:     true,
				IsVerified:   true,
				IsSuperuser:  userSuperuser,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", u.Username, u.ID)
			return nil
		})
	},
}

var usersGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Assign a role to a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd.Context(), func(ctx context.Context, b *backend) error {
			resolver := auth.NewResolver(b.store, auth.WithPermissionCache(b.permissionCache(cfg, nil)))
			req := auth.GrantRequest{
				PrincipalID: grantUser,
				RoleCode:    grantRole,
				ProjectCode: strings.ToLower(grantProject),
				GrantedBy:   "cli",
			}
			if grantTTL > 0 {
				exp := time.Now().UTC().Add(grantTTL)
				req.ExpiresAt = &exp
			}
			a, err := resolver.Grant(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %s to %s (%s)\n", grantRole, grantUser, a.ID)
			return nil
		})
	},
}

func init() {
	usersCreateCmd.Flags().StringVar(&userName, "username", "", "login name")
	usersCreateCmd.Flags().StringVar(&userEmail, "email", "", "email address")
	usersCreateCmd.Flags().StringVar(&userDisplay, "display-name", "", "display name")
	usersCreateCmd.Flags().BoolVar(&userSuperuser, "superuser", false, "bypass every permission check")
	_ = usersCreateCmd.MarkFlagRequired("username")

	usersGrantCmd.Flags().StringVar(&grantUser, "user", "", "user id")
	usersGrantCmd.Flags().StringVar(&grantRole, "role", "", "role code, e.g. acme.admin")
	usersGrantCmd.Flags().StringVar(&grantProject, "project", "", "project scope; empty grants globally")
	usersGrantCmd.Flags().DurationVar(&grantTTL, "ttl", 0, "assignment lifetime; zero never expires")
	_ = usersGrantCmd.MarkFlagRequired("user")
	_ = usersGrantCmd.MarkFlagRequired("role")

	usersCmd.AddCommand(usersCreateCmd, usersGrantCmd)
}
