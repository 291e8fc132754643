package sync

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcsync/arcsync/internal/client/config"
	"github.com/arcsync/arcsync/internal/client/localstate"
	"github.com/arcsync/arcsync/internal/server/archive"
	"github.com/arcsync/arcsync/internal/server/handlers/syncapi"
	"github.com/arcsync/arcsync/internal/snapshot"
	"github.com/arcsync/arcsync/internal/syncproto"
	"github.com/arcsync/arcsync/internal/transport"
)

func newArchive(t *testing.T, endpoint, policy string) *archive.Manager {
	t.Helper()
	m, err := archive.Open(context.Background(), archive.Config{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	_, err = m.Create(context.Background(), endpoint, policy)
	require.NoError(t, err)
	return m
}

type source struct {
	root   string
	engine *SyncEngine
	link   *transport.Loopback
}

func newSource(t *testing.T, m *archive.Manager, endpoint, id string, excludes ...string) *source {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Source{
		Endpoint:  endpoint,
		SourceID:  id,
		ServerURL: config.DefaultServerURL,
		Excludes:  excludes,
		Workers:   2,
		Root:      root,
		Path:      config.SourcePath(root),
	}
	require.NoError(t, cfg.Validate())

	link := &transport.Loopback{Handler: syncapi.New(m, 0).HandleMessage}
	se, err := NewSyncEngine(context.Background(), cfg, link)
	require.NoError(t, err)
	t.Cleanup(func() { se.Close() })
	return &source{root: root, engine: se, link: link}
}

func (s *source) sync(t *testing.T, opts Options) *Outcome {
	t.Helper()
	out, err := s.engine.Sync(context.Background(), opts)
	require.NoError(t, err)
	return out
}

func (s *source) write(t *testing.T, p, content string) {
	t.Helper()
	abs := filepath.Join(s.root, filepath.FromSlash(p))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func (s *source) read(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(p)))
	require.NoError(t, err)
	return string(data)
}

func (s *source) exists(p string) bool {
	_, err := os.Lstat(filepath.Join(s.root, filepath.FromSlash(p)))
	return err == nil
}

// tree renders the source without its metadata dir and conflict markers.
func (s *source) tree(t *testing.T) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(s.root, func(abs string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		rel, _ := filepath.Rel(s.root, abs)
		rel = filepath.ToSlash(rel)
		switch {
		case rel == ".":
			return nil
		case snapshot.IsMetaPath(rel):
			return filepath.SkipDir
		case localstate.IsMarkedPath(rel):
			return nil
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(abs)
			require.NoError(t, err)
			out[rel] = "-> " + target
		case d.IsDir():
			out[rel] = "dir"
		default:
			out[rel] = s.read(t, rel)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestSync_SourcesConverge(t *testing.T) {
	m := newArchive(t, "docs", "bijective")
	laptop := newSource(t, m, "docs", "laptop")
	phone := newSource(t, m, "docs", "phone")

	laptop.write(t, "a.txt", "alpha")
	laptop.write(t, "dir/b.txt", "beta")
	require.NoError(t, os.Symlink("a.txt", filepath.Join(laptop.root, "link")))

	out := laptop.sync(t, Options{})
	assert.True(t, out.Committed)
	assert.Equal(t, uint64(1), out.Version)
	assert.Equal(t, 4, out.Uploaded.Added)

	out = phone.sync(t, Options{})
	assert.Equal(t, 4, out.Applied.Added)
	assert.Equal(t, laptop.tree(t), phone.tree(t))

	phone.write(t, "a.txt", "omega, longer")
	require.NoError(t, os.RemoveAll(filepath.Join(phone.root, "dir")))
	out = phone.sync(t, Options{})
	assert.Equal(t, uint64(2), out.Version)
	assert.Equal(t, 1, out.Uploaded.Edited)
	assert.Equal(t, 2, out.Uploaded.Removed)

	laptop.sync(t, Options{})
	assert.Equal(t, map[string]string{"a.txt": "omega, longer", "link": "-> a.txt"}, laptop.tree(t))
	assert.Equal(t, laptop.tree(t), phone.tree(t))

	// converged sources have nothing left to exchange
	for _, s := range []*source{laptop, phone} {
		out := s.sync(t, Options{})
		assert.False(t, out.Committed)
		assert.Zero(t, out.Uploaded.Total())
		assert.Zero(t, out.Applied.Total())
		assert.Equal(t, uint64(2), out.Version)
	}

	head, err := m.Snapshot(context.Background(), "docs")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "link"}, head.Paths())
}

func TestSync_EmptiedDirectoryAndSymlinkTargets(t *testing.T) {
	m := newArchive(t, "docs", "bijective")
	laptop := newSource(t, m, "docs", "laptop")
	phone := newSource(t, m, "docs", "phone")

	laptop.write(t, "path/to/N", "n")
	laptop.write(t, "keep/only.txt", "x")
	require.NoError(t, os.Symlink("path/to/N", filepath.Join(laptop.root, "rel")))
	require.NoError(t, os.Symlink("/nowhere/at/all", filepath.Join(laptop.root, "dangling")))
	laptop.sync(t, Options{})
	phone.sync(t, Options{})

	require.NoError(t, os.Remove(filepath.Join(phone.root, "keep", "only.txt")))
	out := phone.sync(t, Options{})
	assert.Equal(t, 1, out.Uploaded.Removed)
	laptop.sync(t, Options{})

	want := map[string]string{
		"path":      "dir",
		"path/to":   "dir",
		"path/to/N": "n",
		"keep":      "dir",
		"rel":       "-> path/to/N",
		"dangling":  "-> /nowhere/at/all",
	}
	assert.Equal(t, want, laptop.tree(t))
	assert.Equal(t, want, phone.tree(t))
}

func TestSync_BijectiveConflictKeepsLoser(t *testing.T) {
	m := newArchive(t, "docs", "bijective")
	laptop := newSource(t, m, "docs", "laptop")
	phone := newSource(t, m, "docs", "phone")

	laptop.write(t, "notes.txt", "from laptop")
	phone.write(t, "notes.txt", "from phone")
	laptop.sync(t, Options{})
	out := phone.sync(t, Options{})
	require.Len(t, out.Conflicts, 1)
	assert.Equal(t, "notes.txt", out.Conflicts[0].Path)

	phoneWins := snapshot.HashBytes([]byte("from phone")) > snapshot.HashBytes([]byte("from laptop"))
	if phoneWins {
		assert.Equal(t, "from phone", phone.read(t, "notes.txt"))
		assert.Empty(t, out.Markers)
	} else {
		assert.Equal(t, "from laptop", phone.read(t, "notes.txt"))
		assert.Equal(t, []string{"notes.conflict.txt"}, out.Markers)
		assert.Equal(t, "from phone", phone.read(t, "notes.conflict.txt"))
	}

	laptop.sync(t, Options{})
	assert.Equal(t, phone.read(t, "notes.txt"), laptop.read(t, "notes.txt"))

	// markers are never uploaded
	out = phone.sync(t, Options{})
	assert.Zero(t, out.Uploaded.Total())
}

func TestSync_InjectiveKeepsRemovedFilesAsPhantoms(t *testing.T) {
	m := newArchive(t, "photos", "injective")
	camera := newSource(t, m, "photos", "camera")

	camera.write(t, "img1.jpg", "pixels")
	camera.write(t, "img2.jpg", "more pixels")
	camera.sync(t, Options{})

	require.NoError(t, os.Remove(filepath.Join(camera.root, "img1.jpg")))
	out := camera.sync(t, Options{})
	assert.Equal(t, []string{"img1.jpg"}, out.Phantoms)
	assert.False(t, camera.exists("img1.jpg"))

	head, err := m.Snapshot(context.Background(), "photos")
	require.NoError(t, err)
	assert.Contains(t, head.Paths(), "img1.jpg")

	// a new source still gets the archived file
	laptop := newSource(t, m, "photos", "laptop")
	laptop.sync(t, Options{})
	assert.Equal(t, "pixels", laptop.read(t, "img1.jpg"))

	laptop.write(t, "img1.jpg", "retouched")
	laptop.sync(t, Options{})

	out = camera.sync(t, Options{})
	assert.False(t, out.Partial)
	assert.False(t, camera.exists("img1.jpg"))
	assert.Contains(t, out.Phantoms, "img1.jpg")

	status, err := camera.engine.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"img1.jpg"}, status.Phantoms)
	assert.Zero(t, status.Local.Total())

	// bringing the file back ends the phantom
	camera.write(t, "img1.jpg", "pixels")
	out = camera.sync(t, Options{})
	assert.NotContains(t, out.Phantoms, "img1.jpg")
}

func TestSync_PartialApplyKeepsBase(t *testing.T) {
	m := newArchive(t, "docs", "bijective")
	laptop := newSource(t, m, "docs", "laptop")
	phone := newSource(t, m, "docs", "phone")

	laptop.write(t, "x.txt", "v1")
	laptop.write(t, "y.txt", "y1")
	laptop.sync(t, Options{})
	phone.sync(t, Options{})

	laptop.write(t, "x.txt", "v2")
	laptop.write(t, "y.txt", "y2")
	laptop.sync(t, Options{})

	// x.txt changes on the phone after its scan
	phone.link.Intercept = func(*syncproto.SyncRequest) error {
		phone.link.Intercept = nil
		phone.write(t, "x.txt", "edited mid sync")
		return nil
	}
	out := phone.sync(t, Options{})
	require.True(t, out.Partial)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "x.txt", out.Failures[0].Path)
	assert.ErrorIs(t, out.Failures[0], localstate.ErrLocalChanged)
	assert.Equal(t, "y2", phone.read(t, "y.txt"))

	meta, err := phone.engine.journal.Meta(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), meta.Version)
	assert.Equal(t, uint64(2), meta.Pending)
	failures, err := phone.engine.journal.Failures(context.Background())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Attempts)

	// the next run offers both files again and converges
	out = phone.sync(t, Options{})
	assert.False(t, out.Partial)
	assert.Equal(t, 2, out.Uploaded.Edited)

	meta, err = phone.engine.journal.Meta(context.Background())
	require.NoError(t, err)
	assert.Zero(t, meta.Pending)
	assert.Equal(t, out.Version, meta.Version)
	failures, err = phone.engine.journal.Failures(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failures)

	laptop.sync(t, Options{})
	assert.Equal(t, laptop.tree(t), phone.tree(t))
}

func TestSync_SkipFailedToleratesRepeatFailures(t *testing.T) {
	m := newArchive(t, "docs", "bijective")
	laptop := newSource(t, m, "docs", "laptop")
	// the phone keeps an unsynced file where the archive has a directory
	phone := newSource(t, m, "docs", "phone", "d")
	phone.write(t, "d", "local only")

	laptop.write(t, "d/f.txt", "f")
	laptop.write(t, "ok.txt", "ok")
	laptop.sync(t, Options{})

	out := phone.sync(t, Options{})
	require.True(t, out.Partial)
	assert.Len(t, out.Failures, 2)
	assert.Equal(t, "ok", phone.read(t, "ok.txt"))

	// without the flag nothing changes
	out = phone.sync(t, Options{})
	assert.True(t, out.Partial)

	out = phone.sync(t, Options{SkipFailed: true})
	assert.False(t, out.Partial)
	assert.ElementsMatch(t, []string{"d", "d/f.txt"}, out.Tolerated)
	assert.Equal(t, "local only", phone.read(t, "d"))

	meta, err := phone.engine.journal.Meta(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), meta.Version)
	failures, err := phone.engine.journal.Failures(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestSync_VersionConflictReadopts(t *testing.T) {
	m := newArchive(t, "docs", "bijective")
	laptop := newSource(t, m, "docs", "laptop")
	laptop.write(t, "a.txt", "alpha")
	laptop.write(t, "b.txt", "beta")
	laptop.sync(t, Options{})

	// the archive was rebuilt and no longer knows version 1
	fresh := newArchive(t, "docs", "bijective")
	laptop.link.Handler = syncapi.New(fresh, 0).HandleMessage

	_, err := laptop.engine.Sync(context.Background(), Options{})
	require.ErrorIs(t, err, transport.ErrVersionConflict)
	meta, err := laptop.engine.journal.Meta(context.Background())
	require.NoError(t, err)
	assert.True(t, meta.Readopt)

	out := laptop.sync(t, Options{})
	assert.Equal(t, 2, out.Uploaded.Added)
	assert.Equal(t, uint64(1), out.Version)

	meta, err = laptop.engine.journal.Meta(context.Background())
	require.NoError(t, err)
	assert.False(t, meta.Readopt)

	head, err := fresh.Snapshot(context.Background(), "docs")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, head.Paths())
}

func TestSync_ProtocolMismatchForcesRehash(t *testing.T) {
	m := newArchive(t, "docs", "bijective")
	laptop := newSource(t, m, "docs", "laptop")
	laptop.write(t, "a.txt", "alpha")

	laptop.link.Intercept = func(*syncproto.SyncRequest) error {
		return &syncproto.ProtocolError{Reason: "test"}
	}
	_, err := laptop.engine.Sync(context.Background(), Options{})
	require.True(t, syncproto.IsProtocolError(err))

	meta, err := laptop.engine.journal.Meta(context.Background())
	require.NoError(t, err)
	assert.True(t, meta.NeedsRehash)
	assert.Zero(t, meta.Version)

	laptop.link.Intercept = nil
	out := laptop.sync(t, Options{})
	assert.Equal(t, 1, out.Uploaded.Added)

	meta, err = laptop.engine.journal.Meta(context.Background())
	require.NoError(t, err)
	assert.False(t, meta.NeedsRehash)
}

func TestSync_EndpointErrors(t *testing.T) {
	m := newArchive(t, "docs", "bijective")
	stray := newSource(t, m, "missing", "laptop")
	_, err := stray.engine.Sync(context.Background(), Options{})
	assert.ErrorIs(t, err, transport.ErrEndpointNotFound)

	meta, err := stray.engine.journal.Meta(context.Background())
	require.NoError(t, err)
	assert.False(t, meta.Readopt)
	assert.False(t, meta.NeedsRehash)
}

func TestSync_SingleRun(t *testing.T) {
	m := newArchive(t, "docs", "bijective")
	laptop := newSource(t, m, "docs", "laptop")

	laptop.engine.muSync.Lock()
	_, err := laptop.engine.Sync(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrSyncAlreadyRunning)
	laptop.engine.muSync.Unlock()

	other := flock.New(laptop.engine.cfg.LockFilePath())
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	_, err = laptop.engine.Sync(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrSyncAlreadyRunning)
	require.NoError(t, other.Unlock())

	laptop.sync(t, Options{})
}

func TestCheckResponse(t *testing.T) {
	f := snapshot.FileFor([]byte("data"))
	delta := snapshot.Delta{"a.txt": snapshot.Added(f)}.Records()
	req := &syncproto.SyncRequest{Endpoint: "docs", BaseVersion: 3}

	tests := []struct {
		name string
		resp *syncproto.SyncResponse
		ok   bool
	}{
		{name: "valid", resp: &syncproto.SyncResponse{Endpoint: "docs", Version: 3, Delta: delta, Blobs: map[string][]byte{f.Hash: []byte("data")}}, ok: true},
		{name: "other endpoint", resp: &syncproto.SyncResponse{Endpoint: "photos", Version: 3}},
		{name: "older version", resp: &syncproto.SyncResponse{Endpoint: "docs", Version: 2}},
		{name: "missing content", resp: &syncproto.SyncResponse{Endpoint: "docs", Version: 4, Delta: delta}},
		{name: "wrong content", resp: &syncproto.SyncResponse{Endpoint: "docs", Version: 4, Delta: delta, Blobs: map[string][]byte{f.Hash: []byte("tampered")}}},
		{name: "metadata path", resp: &syncproto.SyncResponse{Endpoint: "docs", Version: 4, Delta: snapshot.Delta{".arcsync/x": snapshot.Added(snapshot.Dir{})}.Records()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := checkResponse(req, tt.resp)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, syncproto.IsProtocolError(err), "got %v", err)
			}
		})
	}
}
