package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-live/terminal-service/pkg/jwt"
)

func newTokenCmd() *cobra.Command {
	var (
		userID   string
		username string
		roles    []string
		agent    bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if agent {
				roles = append(roles, cfg.Auth.AgentRole)
			}
			manager, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			token, err := manager.Sign(userID, username, roles)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "subject user id")
	cmd.Flags().StringVar(&username, "username", "", "display name")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim, repeatable")
	cmd.Flags().BoolVar(&agent, "agent", false, "add the configured agent role")
	cmd.MarkFlagRequired("user-id")
	cmd.MarkFlagRequired("username")
	return cmd
}
