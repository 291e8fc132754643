package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arcsync/arcsync/internal/utils"
)

func init() {
	rootCmd.AddCommand(newSetupCmd())
}

func newSetupCmd() *cobra.Command {
	var serverURL, encoding, token string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write the global client config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGlobal(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("server") {
				g.ServerURL = serverURL
			}
			if cmd.Flags().Changed("encoding") {
				g.Encoding = encoding
			}
			if cmd.Flags().Changed("token") {
				g.Token = token
			}
			if err := g.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true
			if err := g.Save(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "arcsync client configured")
			fmt.Fprintf(out, "Config Path: %s\n", green.Render(g.Path))
			fmt.Fprintf(out, "Server:      %s\n", cyan.Render(utils.MaskURL(g.ServerURL)))
			fmt.Fprintf(out, "Encoding:    %s\n", cyan.Render(g.Encoding))
			if g.Token != "" {
				fmt.Fprintf(out, "Token:       %s\n", gray.Render(utils.MaskSecret(g.Token)))
			}
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVarP(&serverURL, "server", "s", "", "archive URL (http, https, ws, wss or tcp)")
	cmd.Flags().StringVarP(&encoding, "encoding", "e", "", "wire encoding: msgpack or json")
	cmd.Flags().StringVarP(&token, "token", "t", "", "bearer token for the archive")
	return cmd
}
