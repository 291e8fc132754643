package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/arcsync/arcsync/internal/server"
	"github.com/arcsync/arcsync/internal/utils"
)

// addServerFlags registers the flags shared by setup and run.
func addServerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.SortFlags = false
	f.StringP("archive", "a", "", "archive root directory")
	f.StringP("bind", "b", "", "HTTP listen address")
	f.String("cert", "", "TLS certificate file")
	f.String("key", "", "TLS key file")
	f.String("rate-limit", "", "sync rate limit per client IP, e.g. 50-S")
	f.StringSlice("cors-origin", nil, "allowed CORS origin for the admin API")
	f.String("stream-addr", "", "listen address for framed TCP streams")
	f.String("log-dir", "", "also write JSON logs to this directory")
}

func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write the server config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(cmd.Flags())
			cfg, err := loadConfig(path, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Auth.Enabled && cfg.Auth.TokenSecret == "" {
				if cfg.Auth.TokenSecret, err = newSecret(); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true
			if err := utils.EnsureDir(cfg.Archive.Root); err != nil {
				return fmt.Errorf("create archive root: %w", err)
			}
			if err := saveConfig(path, cfg); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "arcsync server configured")
			fmt.Fprintf(out, "Config Path: %s\n", green(path))
			fmt.Fprintf(out, "Archive:     %s\n", cyan(cfg.Archive.Root))
			fmt.Fprintf(out, "HTTP:        %s\n", cyan(cfg.HTTP.Addr))
			if cfg.Stream.Addr != "" {
				fmt.Fprintf(out, "Stream:      %s\n", cyan(cfg.Stream.Addr))
			}
			if cfg.Mirror.Enabled() {
				fmt.Fprintf(out, "Mirror:      s3://%s (%s)\n", cyan(cfg.Mirror.BucketName), cfg.Mirror.Region)
			}
			if cfg.Auth.Enabled {
				fmt.Fprintf(out, "Auth:        %s, secret %s\n", cyan(cfg.Auth.TokenIssuer), gray(utils.MaskSecret(cfg.Auth.TokenSecret)))
			} else {
				fmt.Fprintf(out, "Auth:        %s\n", gray("disabled"))
			}
			return nil
		},
	}

	addServerFlags(cmd)
	f := cmd.Flags()
	f.Bool("auth", false, "require bearer tokens")
	f.String("issuer", "", "token issuer")
	f.Duration("token-expiry", 0, "default token lifetime, 0 for none")
	f.String("bucket", "", "S3 mirror bucket")
	f.String("region", "", "S3 mirror region")
	f.String("access-key", "", "S3 mirror access key")
	f.String("secret-key", "", "S3 mirror secret key")
	f.String("s3-endpoint", "", "S3-compatible endpoint URL")
	f.String("mirror-prefix", "", "key prefix for mirrored objects")
	return cmd
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath(cmd.Flags()), cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.LogDir != "" {
				verbose, _ := cmd.Flags().GetBool("verbose")
				name := fmt.Sprintf("arcsync-server-%s.log", time.Now().Format("20060102"))
				if err := setupLogging(cmd.ErrOrStderr(), verbose, filepath.Join(cfg.LogDir, name)); err != nil {
					return err
				}
			}

			srv, err := server.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return srv.Start(cmd.Context())
		},
	}
	addServerFlags(cmd)
	return cmd
}
