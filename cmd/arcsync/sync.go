package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/arcsync/arcsync/internal/client/config"
	syncer "github.com/arcsync/arcsync/internal/client/sync"
	"github.com/arcsync/arcsync/internal/syncproto"
	"github.com/arcsync/arcsync/internal/transport"
)

var errPartial = errors.New("some changes could not be applied, rerun sync or use --skip-failed")

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

func newSyncCmd() *cobra.Command {
	var opts syncer.Options
	var watch bool
	var settle, interval time.Duration

	cmd := &cobra.Command{
		Use:   "sync [dir]",
		Short: "Sync a source directory with its archive endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine(cmd, sourceDir(args))
			if err != nil {
				return err
			}
			defer engine.Close()
			cmd.SilenceUsage = true
			out := cmd.OutOrStdout()

			if watch {
				err := engine.Watch(cmd.Context(), syncer.WatchOptions{
					Options:  opts,
					Settle:   settle,
					Interval: interval,
					OnOutcome: func(o *syncer.Outcome, err error) {
						if o != nil {
							printOutcome(out, o)
						}
					},
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			outcome, err := engine.Sync(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printOutcome(out, outcome)
			if outcome.Partial {
				return errPartial
			}
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().BoolVar(&opts.FullRehash, "full-rehash", false, "hash every file instead of trusting size and mtime")
	cmd.Flags().BoolVar(&opts.SkipFailed, "skip-failed", false, "accept paths that failed on the previous run")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and sync on changes")
	cmd.Flags().DurationVar(&settle, "settle", syncer.DefaultSettle, "quiet time before a watch sync")
	cmd.Flags().DurationVar(&interval, "interval", syncer.DefaultInterval, "sync at least this often in watch mode")
	return cmd
}

func openEngine(cmd *cobra.Command, dir string) (*syncer.SyncEngine, error) {
	g, err := loadGlobal(cmd)
	if err != nil {
		return nil, err
	}
	src, err := config.LoadSource(dir, g)
	if err != nil {
		return nil, err
	}
	t, err := transport.New(src.ServerURL, transport.Options{
		Encoding: syncproto.ParseEncoding(src.Encoding),
		SourceID: src.SourceID,
		Token:    src.Token,
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("source", "root", src.Root, "endpoint", src.Endpoint, "server", src.ServerURL)
	return syncer.NewSyncEngine(cmd.Context(), src, transport.WithRetry(t, transport.DefaultRetry))
}

func printOutcome(w io.Writer, o *syncer.Outcome) {
	state := green.Render("synced")
	if o.Partial {
		state = red.Render("partial")
	}
	fmt.Fprintf(w, "%s %s v%d (%s) in %s\n", state, cyan.Render(o.Endpoint), o.Version, o.Policy, o.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  sent     %d changes, %s\n", o.Uploaded.Total(), humanize.Bytes(uint64(o.UploadedBytes)))
	fmt.Fprintf(w, "  received %d changes (+%d ~%d -%d)\n", o.Applied.Total(), o.Applied.Added, o.Applied.Edited+o.Applied.Replaced, o.Applied.Removed)

	for _, c := range o.Conflicts {
		line := fmt.Sprintf("  %s %s: %s", yellow.Render("conflict"), c.Path, c.Resolution)
		if c.CopyPath != "" {
			line += ", copy at " + c.CopyPath
		}
		fmt.Fprintln(w, line)
	}
	for _, m := range o.Markers {
		fmt.Fprintf(w, "  %s local version kept at %s\n", yellow.Render("marker"), m)
	}
	for _, e := range o.ScanErrors {
		fmt.Fprintf(w, "  %s %s\n", yellow.Render("unreadable"), e)
	}
	for _, e := range o.Failures {
		fmt.Fprintf(w, "  %s %s\n", red.Render("failed"), e)
	}
	for _, p := range o.Tolerated {
		fmt.Fprintf(w, "  %s %s\n", gray.Render("skipped"), p)
	}
}
