package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"

	"github.com/arcsync/arcsync/internal/client/apply"
	"github.com/arcsync/arcsync/internal/client/config"
	"github.com/arcsync/arcsync/internal/client/journal"
	"github.com/arcsync/arcsync/internal/client/localstate"
	"github.com/arcsync/arcsync/internal/snapshot"
	"github.com/arcsync/arcsync/internal/syncproto"
	"github.com/arcsync/arcsync/internal/transport"
)

var (
	ErrSyncAlreadyRunning = errors.New("sync already running")
	// ErrSourceChanged means a file changed between scanning and upload.
	ErrSourceChanged = errors.New("source changed during sync")
)

type Options struct {
	// FullRehash hashes every file instead of trusting size and mtime.
	FullRehash bool
	// SkipFailed tolerates paths that already failed on the previous run.
	// The confirmed base takes the archive's value for them, so the local
	// state is offered again as a change on the next run.
	SkipFailed bool
}

// Outcome summarizes one sync run.
type Outcome struct {
	Endpoint      string
	Policy        string
	Version       uint64
	CommitID      string
	Committed     bool
	Uploaded      snapshot.Stats
	UploadedBytes int64
	Applied       snapshot.Stats
	Conflicts     []syncproto.ConflictRecord
	Markers       []string
	Phantoms      []string
	ScanErrors    []*localstate.PathError
	Failures      []*localstate.PathError
	Tolerated     []string
	// Partial is set when some changes could not be applied. The confirmed
	// base was not advanced.
	Partial  bool
	Duration time.Duration
}

// SyncEngine runs sync rounds for one source directory.
type SyncEngine struct {
	cfg       *config.Source
	transport transport.Transport
	journal   *journal.Journal
	ignore    *localstate.IgnoreList
	scanner   *localstate.Scanner
	applier   *apply.Engine
	fileLock  *flock.Flock
	watcher   *FileWatcher
	muSync    sync.Mutex
}

// NewSyncEngine opens the journal of the source described by cfg. Round
// trips go through t.
func NewSyncEngine(ctx context.Context, cfg *config.Source, t transport.Transport) (*SyncEngine, error) {
	if err := os.MkdirAll(config.MetaDir(cfg.Root), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	j, err := journal.Open(cfg.StateDBPath())
	if err != nil {
		return nil, err
	}
	if err := j.Init(ctx, cfg.Endpoint, cfg.SourceID); err != nil {
		j.Close()
		return nil, err
	}

	ignore := localstate.NewIgnoreList(cfg.Root, cfg.Excludes)
	ignore.Load()

	return &SyncEngine{
		cfg:       cfg,
		transport: t,
		journal:   j,
		ignore:    ignore,
		scanner:   localstate.NewScanner(cfg.Root, ignore, cfg.Workers),
		applier:   apply.New(cfg.Root, ignore.ShouldIgnore),
		fileLock:  flock.New(cfg.LockFilePath()),
	}, nil
}

func (se *SyncEngine) Close() error {
	return errors.Join(se.transport.Close(), se.journal.Close())
}

func (se *SyncEngine) lock() error {
	if !se.muSync.TryLock() {
		return ErrSyncAlreadyRunning
	}
	locked, err := se.fileLock.TryLock()
	if err != nil {
		se.muSync.Unlock()
		return fmt.Errorf("lock source: %w", err)
	}
	if !locked {
		se.muSync.Unlock()
		return ErrSyncAlreadyRunning
	}
	return nil
}

func (se *SyncEngine) unlock() {
	if err := se.fileLock.Unlock(); err != nil {
		slog.Warn("failed to release source lock", "error", err)
	}
	se.muSync.Unlock()
}

// Sync runs one round: scan, round trip, apply, commit. A round that could
// not apply everything returns an Outcome with Partial set and a nil error.
func (se *SyncEngine) Sync(ctx context.Context, opts Options) (*Outcome, error) {
	if err := se.lock(); err != nil {
		return nil, err
	}
	defer se.unlock()

	tStart := time.Now()

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
	prevFailures, err := se.journal.Failures(ctx)
	if err != nil {
		return nil, err
	}

	fullRehash := opts.FullRehash || meta.NeedsRehash || meta.Pending != 0
	if meta.Readopt {
		slog.Info("re-adopting source from an empty base", "endpoint", meta.Endpoint, "version", meta.Version)
		base = snapshot.Empty()
	}

	se.ignore.Load()
	tScan := time.Now()
	scan, err := se.scanner.Scan(ctx, base, fullRehash)
	if err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}
	tScanned := time.Since(tScan)

	// a path created again locally is no longer a phantom
	for p, c := range scan.Delta {
		if c.New != nil {
			phantoms.Remove(p)
		}
	}

	req, uploaded, err := se.buildRequest(base, scan)
	if err != nil {
		return nil, err
	}

	resp, err := se.transport.RoundTrip(ctx, req)
	if err != nil {
		return nil, se.roundTripFailed(ctx, meta, err)
	}

	delta, err := checkResponse(req, resp)
	if err != nil {
		return nil, se.roundTripFailed(ctx, meta, err)
	}

	for _, p := range resp.Phantoms {
		phantoms.Add(p)
	}
	skip := mapset.NewThreadUnsafeSet[string]()
	for p, c := range delta {
		if !isPhantom(p, phantoms) {
			continue
		}
		skip.Add(p)
		if c.New == nil {
			// the archive dropped it as well
			phantoms.Remove(p)
		}
	}
	keep := mapset.NewThreadUnsafeSet[string]()
	for _, c := range resp.Conflicts {
		if c.LocalLost() {
			keep.Add(c.Path)
		}
	}

	if err := se.journal.SetPending(ctx, resp.Version); err != nil {
		return nil, err
	}
	tApply := time.Now()
	report, err := se.applier.Apply(ctx, apply.Input{Delta: delta, Blobs: resp.Blobs, Keep: keep, Skip: skip})
	if err != nil {
		return nil, err
	}
	tApplied := time.Since(tApply)
	if se.watcher != nil {
		for p := range report.Applied {
			se.watcher.IgnoreOnce(p)
		}
	}

	outcome := &Outcome{
		Endpoint:      resp.Endpoint,
		Policy:        resp.Policy,
		Version:       resp.Version,
		CommitID:      resp.CommitID,
		Committed:     resp.Committed,
		Uploaded:      scan.Delta.Stats(),
		UploadedBytes: uploaded,
		Applied:       report.Applied.Stats(),
		Conflicts:     resp.Conflicts,
		Markers:       report.Markers,
		Phantoms:      phantoms.ToSlice(),
		ScanErrors:    scan.Errors,
		Failures:      report.Failures,
	}
	slices.Sort(outcome.Phantoms)

	blocking := report.Failures
	if opts.SkipFailed && len(report.Failures) > 0 {
		blocking, outcome.Tolerated = splitTolerated(report.Failures, prevFailures)
	}
	if len(blocking) > 0 {
		outcome.Partial = true
		if err := se.journal.RecordFailures(ctx, resp.Version, toFailures(report.Failures)); err != nil {
			return nil, err
		}
		outcome.Duration = time.Since(tStart)
		slog.Warn("sync incomplete, base not advanced",
			"endpoint", resp.Endpoint, "version", resp.Version, "failed", len(report.Failures))
		return outcome, nil
	}

	commitDelta := delta.Clone()
	for p := range skip.Iter() {
		delete(commitDelta, p)
	}
	next, err := scan.Current.Apply(commitDelta, resp.Version, resp.CommitID)
	if err != nil {
		return nil, &syncproto.ProtocolError{Reason: "response does not apply to local state: " + err.Error()}
	}
	if err := se.journal.Commit(ctx, journal.Commit{Base: next, Policy: resp.Policy, Phantoms: outcome.Phantoms}); err != nil {
		return nil, fmt.Errorf("commit base: %w", err)
	}

	outcome.Duration = time.Since(tStart)
	slog.Info("sync",
		"endpoint", resp.Endpoint,
		"policy", resp.Policy,
		"version", resp.Version,
		"uploaded", outcome.Uploaded.Total(),
		"uploadedBytes", humanize.Bytes(uint64(uploaded)),
		"applied", outcome.Applied.Total(),
		"conflicts", len(resp.Conflicts),
		"phantoms", len(outcome.Phantoms),
		"tolerated", len(outcome.Tolerated),
		"tsScan", tScanned,
		"tsApply", tApplied,
		"tsTotal", outcome.Duration,
	)
	return outcome, nil
}

// roundTripFailed stores what the next run must do to recover from err.
func (se *SyncEngine) roundTripFailed(ctx context.Context, meta *journal.Meta, err error) error {
	var rerr error
	switch {
	case errors.Is(err, transport.ErrVersionConflict):
		slog.Warn("archive does not know our base, next run re-adopts", "version", meta.Version, "error", err)
		rerr = se.journal.SetRecovery(ctx, meta.NeedsRehash, true)
	case syncproto.IsProtocolError(err):
		slog.Warn("protocol mismatch, next run re-hashes", "error", err)
		rerr = se.journal.SetRecovery(ctx, true, meta.Readopt)
	}
	if rerr != nil {
		slog.Error("failed to store recovery state", "error", rerr)
	}
	return err
}

func isPhantom(p string, phantoms mapset.Set[string]) bool {
	if phantoms.Cardinality() == 0 {
		return false
	}
	if phantoms.Contains(p) {
		return true
	}
	for _, a := range snapshot.Ancestors(p) {
		if phantoms.Contains(a) {
			return true
		}
	}
	return false
}

// splitTolerated separates failures seen on the previous run from new ones.
func splitTolerated(failures []*localstate.PathError, prev []journal.Failure) ([]*localstate.PathError, []string) {
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, f := range prev {
		seen.Add(f.Path)
	}
	var blocking []*localstate.PathError
	var tolerated []string
	for _, f := range failures {
		if seen.Contains(f.Path) {
			tolerated = append(tolerated, f.Path)
			continue
		}
		blocking = append(blocking, f)
	}
	return blocking, tolerated
}

func toFailures(errs []*localstate.PathError) []journal.Failure {
	out := make([]journal.Failure, 0, len(errs))
	for _, e := range errs {
		out = append(out, journal.Failure{Path: e.Path, Op: e.Op, Error: e.Err.Error()})
	}
	return out
}
