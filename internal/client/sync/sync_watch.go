package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultSettle   = 500 * time.Millisecond
	DefaultInterval = 5 * time.Minute
)

type WatchOptions struct {
	Options
	// Settle is how long the tree must stay quiet before a sync starts.
	Settle time.Duration
	// Interval forces a sync when nothing changed locally, to pick up
	// changes from other sources.
	Interval time.Duration
	// OnOutcome is called after every round.
	OnOutcome func(*Outcome, error)
}

// Watch syncs once, then again whenever the source tree settles after a
// change or the interval passes. It returns when ctx ends.
func (se *SyncEngine) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	se.watcher = NewFileWatcher(se.cfg.Root, func(rel string) bool {
		return se.ignore.ShouldIgnore(rel, false)
	})
	if err := se.watcher.Start(ctx); err != nil {
		return err
	}
	defer func() {
		se.watcher.Stop()
		se.watcher = nil
	}()

	run := func() {
		outcome, err := se.Sync(ctx, opts.Options)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("sync failed", "error", err)
		}
		if opts.OnOutcome != nil {
			opts.OnOutcome(outcome, err)
		}
	}
	run()

	// a timer, not a ticker, so a slow round does not queue ticks
	interval := time.NewTimer(opts.Interval)
	defer interval.Stop()
	settle := time.NewTimer(opts.Settle)
	settle.Stop()
	dirty := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case rel := <-se.watcher.Events():
			slog.Debug("source changed", "path", rel)
			dirty = true
			settle.Reset(opts.Settle)
		case <-settle.C:
			if dirty {
				dirty = false
				run()
				interval.Reset(opts.Interval)
			}
		case <-interval.C:
			run()
			interval.Reset(opts.Interval)
		}
	}
}
