// Package app provides the authgateway command tree.
package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yourorg/authgateway/internal/config"
)

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "authgateway",
		Short:             "Federated login and token gateway",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Long: `authgateway signs users in through external identity providers, keeps a
directory of gateway identities and issues short-lived access tokens with
rotating refresh tokens.`,
	}
	root.PersistentFlags().String("config", "", "path to the YAML config file (default: $AUTHGW_CONFIG or ./configs/config.<env>.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newGrantRoleCmd())
	root.AddCommand(newPurgeCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
