package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func newStatusCmd() *cobra.Command {
	var showPaths bool

	cmd := &cobra.Command{
		Use:   "status [dir]",
		Short: "Show the sync state of a source directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine(cmd, sourceDir(args))
			if err != nil {
				return err
			}
			defer engine.Close()
			cmd.SilenceUsage = true

			st, err := engine.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			lastSync := gray.Render("never")
			if t := st.Meta.LastSyncTime(); !t.IsZero() {
				lastSync = humanize.Time(t)
			}
			fmt.Fprintf(out, "Endpoint:  %s (%s)\n", cyan.Render(st.Meta.Endpoint), st.Meta.Policy)
			fmt.Fprintf(out, "Source ID: %s\n", st.Meta.SourceID)
			fmt.Fprintf(out, "Version:   %d\n", st.Meta.Version)
			fmt.Fprintf(out, "Last sync: %s\n", lastSync)
			fmt.Fprintf(out, "Entries:   %s\n", humanize.Comma(int64(st.Entries)))
			switch {
			case st.Meta.Readopt:
				fmt.Fprintf(out, "Recovery:  %s\n", yellow.Render("next sync re-adopts from an empty base"))
			case st.Meta.NeedsRehash || st.Meta.Pending != 0:
				fmt.Fprintf(out, "Recovery:  %s\n", yellow.Render("next sync re-hashes every file"))
			}

			local := st.Local
			if local.Total() == 0 {
				fmt.Fprintf(out, "Local:     %s\n", green.Render("no changes"))
			} else {
				fmt.Fprintf(out, "Local:     %d changes (+%d ~%d -%d)\n", local.Total(), local.Added, local.Edited+local.Replaced, local.Removed)
				if showPaths {
					for _, p := range st.LocalPaths {
						fmt.Fprintf(out, "  %s\n", p)
					}
				}
			}
			if st.ScanErrors > 0 {
				fmt.Fprintf(out, "Unreadable: %s\n", yellow.Render(fmt.Sprint(st.ScanErrors)))
			}
			for _, f := range st.Failures {
				fmt.Fprintf(out, "%s %s %s: %s (%d attempts)\n", red.Render("failed"), f.Op, f.Path, f.Error, f.Attempts)
			}
			for _, p := range st.Phantoms {
				fmt.Fprintf(out, "%s %s\n", gray.Render("archived only"), p)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showPaths, "paths", "p", false, "list changed paths")
	return cmd
}
