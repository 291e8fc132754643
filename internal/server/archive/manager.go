package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arcsync/arcsync/internal/merge"
	"github.com/arcsync/arcsync/internal/snapshot"
	"github.com/arcsync/arcsync/internal/syncproto"
	"github.com/arcsync/arcsync/internal/utils"
)

const defaultCacheSize = 64

// Mirror receives every object added to the store.
type Mirror interface {
	Enqueue(hash, path string)
}

type Config struct {
	// Root holds one tree per endpoint plus the .arcsync metadata dir.
	Root string
	// CacheSize bounds the number of endpoints kept in memory.
	CacheSize int
	Mirror    Mirror
}

// Manager owns every endpoint under one archive root.
type Manager struct {
	root       string
	stagingDir string
	store      *store
	objects    *ObjectStore
	locks      *lockTable
	cache      *lru.Cache[string, *endpointState]
	mirror     Mirror
	flock      *flock.Flock
}

// Open locks the archive root, opens its database and replays commits that
// were recorded but not fully applied to the trees.
func Open(ctx context.Context, cfg Config) (*Manager, error) {
	root, err := utils.ResolvePath(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("archive root: %w", err)
	}
	meta := filepath.Join(root, snapshot.MetaDir)
	if err := utils.EnsureDir(meta); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	fl := flock.New(filepath.Join(meta, "archive.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock archive: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrArchiveLocked, root)
	}

	m, err := open(ctx, root, meta, cfg)
	if err != nil {
		fl.Unlock()
		return nil, err
	}
	m.flock = fl
	return m, nil
}

func open(ctx context.Context, root, meta string, cfg Config) (*Manager, error) {
	objects, err := NewObjectStore(filepath.Join(meta, "objects"))
	if err != nil {
		return nil, err
	}

	// staged blobs of interrupted requests were never referenced
	stagingDir := filepath.Join(meta, "staging")
	if err := os.RemoveAll(stagingDir); err != nil {
		return nil, fmt.Errorf("clear staging: %w", err)
	}
	if err := utils.EnsureDir(stagingDir); err != nil {
		return nil, fmt.Errorf("create staging: %w", err)
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, *endpointState](size)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, filepath.Join(meta, "archive.db"))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		root:       root,
		stagingDir: stagingDir,
		store:      st,
		objects:    objects,
		locks:      newLockTable(),
		cache:      cache,
		mirror:     cfg.Mirror,
	}
	if err := m.recover(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) Close() error {
	err := m.store.Close()
	if m.flock != nil {
		m.flock.Unlock()
	}
	return err
}

func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) treeRoot(name string) string {
	return filepath.Join(m.root, name)
}

// recover replays the pending commit of every endpoint.
func (m *Manager) recover(ctx context.Context) error {
	rows, err := m.store.endpoints(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Pending == 0 || row.Halted {
			continue
		}
		unlock := m.locks.Lock(row.Name)
		_, err := m.load(ctx, row.Name)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// load returns the endpoint state, reading it from the store on a cache
// miss. A cache miss may replay a pending commit into the tree, so callers
// hold the endpoint lock exclusively.
func (m *Manager) load(ctx context.Context, name string) (*endpointState, error) {
	if st, ok := m.cache.Get(name); ok {
		return st, nil
	}

	row, err := m.store.endpoint(ctx, name)
	if err != nil {
		return nil, err
	}
	policy, err := merge.ParsePolicy(row.Policy)
	if err != nil {
		return nil, err
	}
	records, err := m.store.entries(ctx, name)
	if err != nil {
		return nil, err
	}
	head, err := snapshot.FromRecords(row.Version, row.CommitID, records)
	if err != nil {
		return nil, fmt.Errorf("load snapshot of %q: %w", name, err)
	}

	st := &endpointState{
		name:       name,
		policy:     policy,
		head:       head,
		halted:     row.Halted,
		haltReason: row.HaltReason,
		pending:    row.Pending,
		updatedAt:  row.UpdatedAt,
	}
	if st.pending != 0 && !st.halted {
		m.replay(ctx, st)
	}
	m.cache.Add(name, st)
	return st, nil
}

// view returns cached endpoint state under the read lock. A cache miss
// upgrades to the exclusive lock for load. The caller releases the returned
// unlock func.
func (m *Manager) view(ctx context.Context, name string) (*endpointState, func(), error) {
	unlock := m.locks.RLock(name)
	if st, ok := m.cache.Get(name); ok {
		return st, unlock, nil
	}
	unlock()

	unlock = m.locks.Lock(name)
	st, err := m.load(ctx, name)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return st, unlock, nil
}

// replay re-applies the pending commit to the tree. Failure halts the
// endpoint.
func (m *Manager) replay(ctx context.Context, st *endpointState) {
	slog.Warn("archive replay", "endpoint", st.name, "version", st.pending)
	row, err := m.store.commit(ctx, st.name, st.pending)
	if err == nil {
		var d snapshot.Delta
		if d, err = row.delta(); err == nil {
			err = applyTree(m.treeRoot(st.name), d, m.objects)
		}
	}
	if err != nil {
		m.halt(ctx, st, fmt.Sprintf("replay version %d: %v", st.pending, err))
		return
	}
	if err := m.store.markApplied(ctx, st.name, st.pending); err != nil {
		slog.Error("archive replay", "endpoint", st.name, "error", err)
		return
	}
	st.pending = 0
}

func (m *Manager) halt(ctx context.Context, st *endpointState, reason string) {
	slog.Error("archive endpoint halted", "endpoint", st.name, "reason", reason)
	st.halted = true
	st.haltReason = reason
	if err := m.store.setHalted(context.WithoutCancel(ctx), st.name, true, reason); err != nil {
		slog.Error("archive persist halt", "endpoint", st.name, "error", err)
	}
}

// Create adds an empty endpoint with the given policy.
func (m *Manager) Create(ctx context.Context, name, policy string) (*EndpointInfo, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	p, err := merge.ParsePolicy(policy)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(name)
	defer unlock()

	if err := m.store.createEndpoint(ctx, name, string(p.Name())); err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(m.treeRoot(name)); err != nil {
		return nil, fmt.Errorf("create tree: %w", err)
	}
	slog.Info("archive endpoint created", "endpoint", name, "policy", p.Name())

	st, err := m.load(ctx, name)
	if err != nil {
		return nil, err
	}
	info := st.info()
	return &info, nil
}

func (m *Manager) Info(ctx context.Context, name string) (*EndpointInfo, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrEndpointNotFound, name)
	}
	st, unlock, err := m.view(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()
	info := st.info()
	return &info, nil
}

func (m *Manager) List(ctx context.Context) ([]EndpointInfo, error) {
	rows, err := m.store.endpoints(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]EndpointInfo, 0, len(rows))
	for _, row := range rows {
		info, err := m.Info(ctx, row.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, nil
}

// Snapshot returns the current head of an endpoint.
func (m *Manager) Snapshot(ctx context.Context, name string) (*snapshot.Snapshot, error) {
	st, unlock, err := m.view(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return st.head, nil
}

// Sync merges one source's changes into the endpoint and returns what the
// source must apply to converge.
func (m *Manager) Sync(ctx context.Context, req *syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
	name := req.Endpoint
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrEndpointNotFound, name)
	}

	unlock := m.locks.Lock(name)
	defer unlock()

	st, err := m.load(ctx, name)
	if err != nil {
		return nil, err
	}
	if st.halted {
		return nil, fmt.Errorf("%w: %s", ErrEndpointHalted, st.haltReason)
	}

	head := st.head
	base, remote, err := m.baseFor(ctx, st, req.BaseVersion, req.BaseCommitID)
	if err != nil {
		return nil, err
	}

	local, err := snapshot.DeltaFromRecords(req.Delta)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	stage, err := newStaging(m.stagingDir)
	if err != nil {
		return nil, err
	}
	defer stage.cleanup()
	if err := m.stageBlobs(stage, local, req.Blobs); err != nil {
		return nil, err
	}

	res, err := merge.Resolve(merge.Input{
		Base:    base,
		Head:    head,
		Local:   local,
		Remote:  remote,
		Policy:  st.policy,
		Content: merge.Sources{merge.ContentMap(req.Blobs), m.objects},
		Tag:     req.SourceID,
	})
	if errors.Is(err, merge.ErrBaseMismatch) {
		return nil, fmt.Errorf("%w: %w", ErrVersionConflict, err)
	}
	if err != nil {
		return nil, err
	}

	added, err := stage.promote(m.objects)
	if err != nil {
		return nil, err
	}
	for _, h := range slices.Sorted(maps.Keys(res.Blobs)) {
		if err := m.objects.Put(h, res.Blobs[h]); err != nil {
			return nil, err
		}
		added = append(added, h)
	}

	resp := &syncproto.SyncResponse{
		Endpoint: name,
		Policy:   string(st.policy.Name()),
		Version:  head.Version,
		CommitID: head.CommitID,
		Delta:    res.Response.Records(),
		Phantoms: res.Phantoms,
	}
	for _, c := range res.Conflicts {
		resp.Conflicts = append(resp.Conflicts, syncproto.NewConflictRecord(c))
	}

	if len(res.Commit) > 0 {
		next, err := m.commit(ctx, st, res, req.SourceID)
		if err != nil {
			return nil, err
		}
		resp.Version, resp.CommitID, resp.Committed = next.Version, next.CommitID, true
	}

	content := merge.Sources{merge.ContentMap(req.Blobs), merge.ContentMap(res.Blobs), m.objects}
	if resp.Blobs, err = responseBlobs(res.Response, content); err != nil {
		return nil, err
	}
	m.mirrorObjects(added)

	var sent int
	for _, b := range resp.Blobs {
		sent += len(b)
	}
	stats := res.Commit.Stats()
	slog.Info("archive sync",
		"endpoint", name,
		"source", req.SourceID,
		"base", req.BaseVersion,
		"version", resp.Version,
		"committed", stats.Total(),
		"response", len(resp.Delta),
		"conflicts", len(resp.Conflicts),
		"sent", humanize.Bytes(uint64(sent)),
	)
	return resp, nil
}

// baseFor rebuilds the snapshot the source last agreed on and the changes
// committed since.
func (m *Manager) baseFor(ctx context.Context, st *endpointState, version uint64, commitID string) (*snapshot.Snapshot, snapshot.Delta, error) {
	head := st.head
	if commitID == "" {
		commitID = snapshot.NullCommitID
	}
	if version > head.Version {
		return nil, nil, fmt.Errorf("%w: base %d is ahead of head %d", ErrVersionConflict, version, head.Version)
	}
	if version == 0 {
		if commitID != snapshot.NullCommitID {
			return nil, nil, fmt.Errorf("%w: version 0 with commit %s", ErrVersionConflict, commitID)
		}
		return snapshot.Empty(), snapshot.Diff(snapshot.Empty(), head), nil
	}
	if version == head.Version {
		if commitID != head.CommitID {
			return nil, nil, fmt.Errorf("%w: commit %s is not head %d", ErrVersionConflict, commitID, version)
		}
		return head, snapshot.Delta{}, nil
	}

	commits, err := m.store.commitsAfter(ctx, st.name, version-1)
	if err != nil {
		return nil, nil, err
	}
	if len(commits) == 0 || commits[0].Version != version || commits[0].CommitID != commitID {
		return nil, nil, fmt.Errorf("%w: commit %s does not match version %d", ErrVersionConflict, commitID, version)
	}

	remote := snapshot.Delta{}
	for _, c := range commits[1:] {
		d, err := c.delta()
		if err != nil {
			return nil, nil, err
		}
		if remote, err = snapshot.Compose(remote, d); err != nil {
			return nil, nil, fmt.Errorf("compose commit %d: %w", c.Version, err)
		}
	}
	base, err := head.Apply(snapshot.Invert(remote), version, commitID)
	if err != nil {
		return nil, nil, fmt.Errorf("rebuild base %d: %w", version, err)
	}
	return base, remote, nil
}

// stageBlobs verifies the content of every file the source adds or edits.
func (m *Manager) stageBlobs(stage *staging, local snapshot.Delta, blobs map[string][]byte) error {
	seen := map[string]bool{}
	for _, p := range local.Paths() {
		f, ok := local[p].New.(snapshot.File)
		if !ok || seen[f.Hash] {
			continue
		}
		seen[f.Hash] = true
		data, ok := blobs[f.Hash]
		switch {
		case ok:
			if err := stage.add(f.Hash, data); err != nil {
				return fmt.Errorf("%w: %q: %w", ErrInvalidRequest, p, err)
			}
		case !m.objects.Has(f.Hash):
			return fmt.Errorf("%w: %q needs %s", ErrMissingBlob, p, f.Hash)
		}
	}
	return nil
}

func (m *Manager) commit(ctx context.Context, st *endpointState, res *merge.Result, source string) (*snapshot.Snapshot, error) {
	prev := st.head.Version
	row := &commitRow{
		Endpoint: st.name,
		Version:  prev + 1,
		CommitID: snapshot.NewCommitID(),
		Source:   source,
	}
	if err := m.store.appendCommit(ctx, st.name, prev, row, res.Commit); err != nil {
		m.cache.Remove(st.name)
		return nil, err
	}

	// the commit is durable from here on
	ctx = context.WithoutCancel(ctx)
	next := res.Merged.WithVersion(row.Version, row.CommitID)
	st.head = next
	st.pending = row.Version
	st.updatedAt = row.CreatedAt

	if err := applyTree(m.treeRoot(st.name), res.Commit, m.objects); err != nil {
		m.halt(ctx, st, fmt.Sprintf("apply version %d: %v", row.Version, err))
		return nil, fmt.Errorf("%w: %w", ErrEndpointHalted, err)
	}
	if err := m.store.markApplied(ctx, st.name, row.Version); err != nil {
		slog.Warn("archive clear pending", "endpoint", st.name, "error", err)
	} else {
		st.pending = 0
	}
	return next, nil
}

func (m *Manager) mirrorObjects(hashes []string) {
	if m.mirror == nil {
		return
	}
	for _, h := range hashes {
		m.mirror.Enqueue(h, m.objects.Path(h))
	}
}

func responseBlobs(d snapshot.Delta, content merge.ContentSource) (map[string][]byte, error) {
	out := map[string][]byte{}
	for _, c := range d {
		f, ok := c.New.(snapshot.File)
		if !ok {
			continue
		}
		if _, done := out[f.Hash]; done {
			continue
		}
		data, err := content.Content(f.Hash)
		if err != nil {
			return nil, fmt.Errorf("response content: %w", err)
		}
		out[f.Hash] = data
	}
	return out, nil
}

// Verify compares the materialized tree with the snapshot. A mismatch
// halts the endpoint until Release.
func (m *Manager) Verify(ctx context.Context, name string) (*VerifyReport, error) {
	unlock := m.locks.Lock(name)
	defer unlock()

	st, err := m.load(ctx, name)
	if err != nil {
		return nil, err
	}
	onDisk, err := scanTree(m.treeRoot(name))
	if err != nil {
		return nil, fmt.Errorf("scan tree: %w", err)
	}

	report := &VerifyReport{Endpoint: name, Version: st.head.Version, Checked: len(onDisk)}
	for _, p := range st.head.Paths() {
		got, ok := onDisk[p]
		switch {
		case !ok:
			report.Missing = append(report.Missing, p)
		case !snapshot.Equal(st.head.Lookup(p), got):
			report.Modified = append(report.Modified, p)
		}
	}
	for _, p := range slices.Sorted(maps.Keys(onDisk)) {
		if _, ok := st.head.Get(p); !ok {
			report.Extra = append(report.Extra, p)
		}
	}

	if !report.OK() {
		m.halt(ctx, st, fmt.Sprintf("verify: %d missing, %d extra, %d modified",
			len(report.Missing), len(report.Extra), len(report.Modified)))
	}
	return report, nil
}

// Release clears a halt after an operator reconciled the tree.
func (m *Manager) Release(ctx context.Context, name string) error {
	unlock := m.locks.Lock(name)
	defer unlock()

	if err := m.store.release(ctx, name); err != nil {
		return err
	}
	m.cache.Remove(name)
	slog.Info("archive endpoint released", "endpoint", name)
	return nil
}
