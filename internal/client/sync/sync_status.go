package sync

import (
	"context"
	"slices"

	"github.com/arcsync/arcsync/internal/client/journal"
	"github.com/arcsync/arcsync/internal/snapshot"
)

// Status is the confirmed state of a source and what a sync would upload.
type Status struct {
	Meta     *journal.Meta
	Entries  int
	Phantoms []string
	Failures []journal.Failure
	// Local counts changes since the confirmed base.
	Local      snapshot.Stats
	LocalPaths []string
	ScanErrors int
}

// Status scans the source without touching the archive.
func (se *SyncEngine) Status(ctx context.Context) (*Status, error) {
	meta, err := se.journal.Meta(ctx)
	if err != nil {
		return nil, err
	}
	base, err := se.journal.Base(ctx)
	if err != nil {
		return nil, err
	}
	phantoms, err := se.journal.Phantoms(ctx)
	if err != nil {
		return nil, err
	}
	failures, err := se.journal.Failures(ctx)
	if err != nil {
		return nil, err
	}

	if meta.Readopt {
		base = snapshot.Empty()
	}
	se.ignore.Load()
	scan, err := se.scanner.Scan(ctx, base, false)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Meta:       meta,
		Entries:    base.Len(),
		Phantoms:   phantoms.ToSlice(),
		Failures:   failures,
		Local:      scan.Delta.Stats(),
		LocalPaths: scan.Delta.Paths(),
		ScanErrors: len(scan.Errors),
	}
	slices.Sort(st.Phantoms)
	return st, nil
}
