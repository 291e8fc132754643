package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arcsync/arcsync/internal/client/config"
	"github.com/arcsync/arcsync/internal/client/journal"
	"github.com/arcsync/arcsync/internal/utils"
)

func init() {
	rootCmd.AddCommand(newInitCmd())
}

func newInitCmd() *cobra.Command {
	var endpoint string
	var excludes []string

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Bind a directory to an archive endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadGlobal(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			src, err := config.Init(sourceDir(args), endpoint, g)
			if err != nil {
				return err
			}
			if len(excludes) > 0 {
				src.Excludes = excludes
				if err := src.Validate(); err != nil {
					return err
				}
				if err := src.Save(); err != nil {
					return err
				}
			}

			j, err := journal.Open(src.StateDBPath())
			if err != nil {
				return err
			}
			defer j.Close()
			if err := j.Init(cmd.Context(), src.Endpoint, src.SourceID); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "arcsync source initialized")
			fmt.Fprintf(out, "Source:    %s\n", green.Render(src.Root))
			fmt.Fprintf(out, "Endpoint:  %s\n", cyan.Render(src.Endpoint))
			fmt.Fprintf(out, "Source ID: %s\n", cyan.Render(src.SourceID))
			fmt.Fprintf(out, "Server:    %s\n", cyan.Render(utils.MaskURL(src.ServerURL)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "archive endpoint name")
	cmd.Flags().StringSliceVarP(&excludes, "exclude", "x", nil, "glob of paths to leave out (repeatable)")
	cmd.MarkFlagRequired("endpoint")
	return cmd
}
