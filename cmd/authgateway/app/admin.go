package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yourorg/authgateway/internal/directory"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the configured SQL backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			switch cfg.Storage.Backend {
			case directory.BackendPostgres, directory.BackendSQLite:
			default:
				return fmt.Errorf("backend %q has no schema to migrate", cfg.Storage.Backend)
			}
			// Opening a SQL directory applies pending migrations.
			return withDirectory(cmd, func(context.Context, directory.Directory) error {
				cmd.Println("migrations applied")
				return nil
			})
		},
	}
}

func newGrantRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant-role <user-id> <role>",
		Short: "Grant a role to a user, e.g. to bootstrap the first admin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, role := args[0], strings.TrimSpace(args[1])
			if role == "" {
				return errors.New("role must not be empty")
			}
			return withDirectory(cmd, func(ctx context.Context, dir directory.Directory) error {
				ok, err := dir.AddRole(ctx, userID, role)
				if err != nil {
					return fmt.Errorf("failed to grant role: %w", err)
				}
				if !ok {
					return fmt.Errorf("user %s not found", userID)
				}
				cmd.Printf("granted %s to %s\n", role, userID)
				return nil
			})
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every user (only when storage.test_mode is set)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDirectory(cmd, func(ctx context.Context, dir directory.Directory) error {
				if err := dir.PurgeAll(ctx); err != nil {
					return err
				}
				cmd.Println("directory purged")
				return nil
			})
		},
	}
}

func withDirectory(cmd *cobra.Command, fn func(context.Context, directory.Directory) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	dir, err := directory.New(ctx, cfg.DirectoryConfig())
	if err != nil {
		return err
	}
	defer dir.Close()
	return fn(ctx, dir)
}
