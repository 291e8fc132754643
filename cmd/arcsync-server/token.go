package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/arcsync/arcsync/internal/server/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		role      string
		endpoints []string
	)
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath(cmd.Flags()), cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Auth.Validate(); err != nil {
				return err
			}
			if cfg.Auth.TokenSecret == "" {
				return errors.New("auth `token_secret` is not configured")
			}
			if !cfg.Auth.Enabled {
				slog.Warn("auth is disabled; the server will not check this token")
			}
			expiry, _ := cmd.Flags().GetDuration("expiry")

			token, err := auth.NewAuthService(&cfg.Auth).IssueToken(args[0], auth.Role(role), endpoints, expiry)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&role, "role", "r", string(auth.RoleSource), "source or admin")
	cmd.Flags().StringSliceVarP(&endpoints, "endpoint", "e", nil, "limit a source token to these endpoints")
	cmd.Flags().Duration("expiry", 0, "token lifetime; 0 uses the configured default, negative never expires")
	return cmd
}
