package apply

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcsync/arcsync/internal/client/localstate"
	"github.com/arcsync/arcsync/internal/snapshot"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
}

func readFile(t *testing.T, root, p string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
	require.NoError(t, err)
	return string(data)
}

func blobsFor(contents ...string) map[string][]byte {
	out := make(map[string][]byte, len(contents))
	for _, c := range contents {
		out[snapshot.HashBytes([]byte(c))] = []byte(c)
	}
	return out
}

func noIgnore(string, bool) bool { return false }

func TestApply_CreatesTree(t *testing.T) {
	root := t.TempDir()
	e := New(root, noIgnore)

	d := snapshot.Delta{
		"docs":           snapshot.Added(snapshot.Dir{}),
		"docs/sub":       snapshot.Added(snapshot.Dir{}),
		"docs/sub/a.txt": snapshot.Added(snapshot.FileFor([]byte("alpha"))),
		"link":           snapshot.Added(snapshot.Symlink{Target: "docs/sub/a.txt"}),
	}
	report, err := e.Apply(context.Background(), Input{Delta: d, Blobs: blobsFor("alpha")})
	require.NoError(t, err)
	assert.False(t, report.Partial())
	assert.Len(t, report.Applied, 4)

	assert.Equal(t, "alpha", readFile(t, root, "docs/sub/a.txt"))
	target, err := os.Readlink(filepath.Join(root, "link"))
	require.NoError(t, err)
	assert.Equal(t, "docs/sub/a.txt", target)

	// a second run finds everything in place
	report, err = e.Apply(context.Background(), Input{Delta: d, Blobs: blobsFor("alpha")})
	require.NoError(t, err)
	assert.False(t, report.Partial())
	assert.Len(t, report.Applied, 4)
}

func TestApply_RemovesDeepestFirst(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a/b/c.txt": "c"})
	e := New(root, noIgnore)

	d := snapshot.Delta{
		"a":         snapshot.Removed(snapshot.Dir{}),
		"a/b":       snapshot.Removed(snapshot.Dir{}),
		"a/b/c.txt": snapshot.Removed(snapshot.FileFor([]byte("c"))),
	}
	report, err := e.Apply(context.Background(), Input{Delta: d})
	require.NoError(t, err)
	assert.False(t, report.Partial())
	assert.NoDirExists(t, filepath.Join(root, "a"))
}

func TestApply_ReplaceFileWithDir(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"x": "was a file"})
	e := New(root, noIgnore)

	d := snapshot.Delta{
		"x":       snapshot.Edited(snapshot.FileFor([]byte("was a file")), snapshot.Dir{}),
		"x/y.txt": snapshot.Added(snapshot.FileFor([]byte("y"))),
	}
	report, err := e.Apply(context.Background(), Input{Delta: d, Blobs: blobsFor("y")})
	require.NoError(t, err)
	assert.False(t, report.Partial())
	assert.Equal(t, "y", readFile(t, root, "x/y.txt"))
}

func TestApply_LocalChangeFailsAndBlocksChildren(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"d": "edited locally", "ok.txt": "old"})
	e := New(root, noIgnore)

	d := snapshot.Delta{
		"d":       snapshot.Edited(snapshot.FileFor([]byte("original")), snapshot.Dir{}),
		"d/f.txt": snapshot.Added(snapshot.FileFor([]byte("f"))),
		"ok.txt":  snapshot.Edited(snapshot.FileFor([]byte("old")), snapshot.FileFor([]byte("new"))),
	}
	report, err := e.Apply(context.Background(), Input{Delta: d, Blobs: blobsFor("f", "new")})
	require.NoError(t, err)
	require.True(t, report.Partial())
	require.Len(t, report.Failures, 2)

	byPath := map[string]*localstate.PathError{}
	for _, f := range report.Failures {
		byPath[f.Path] = f
	}
	assert.ErrorIs(t, byPath["d"], localstate.ErrLocalChanged)
	assert.ErrorIs(t, byPath["d/f.txt"], localstate.ErrParentFailed)

	assert.Contains(t, report.Applied, "ok.txt")
	assert.Equal(t, "new", readFile(t, root, "ok.txt"))
	assert.Equal(t, "edited locally", readFile(t, root, "d"))
}

func TestApply_KeepMovesLocalToMarker(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"notes.txt": "mine", "old.txt": "mine too"})
	e := New(root, noIgnore)

	d := snapshot.Delta{
		"notes.txt": snapshot.Edited(snapshot.FileFor([]byte("mine")), snapshot.FileFor([]byte("theirs"))),
		"old.txt":   snapshot.Removed(snapshot.FileFor([]byte("mine too"))),
	}
	report, err := e.Apply(context.Background(), Input{
		Delta: d,
		Blobs: blobsFor("theirs"),
		Keep:  mapset.NewSet("notes.txt", "old.txt"),
	})
	require.NoError(t, err)
	assert.False(t, report.Partial())
	assert.ElementsMatch(t, []string{"notes.conflict.txt", "old.conflict.txt"}, report.Markers)

	assert.Equal(t, "theirs", readFile(t, root, "notes.txt"))
	assert.Equal(t, "mine", readFile(t, root, "notes.conflict.txt"))
	assert.Equal(t, "mine too", readFile(t, root, "old.conflict.txt"))
	assert.NoFileExists(t, filepath.Join(root, "old.txt"))
}

func TestApply_DirWithMarkerIsNotRemoved(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"d/a.conflict.txt": "kept"})
	e := New(root, func(p string, _ bool) bool { return localstate.IsMarkedPath(p) })

	report, err := e.Apply(context.Background(), Input{Delta: snapshot.Delta{"d": snapshot.Removed(snapshot.Dir{})}})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.ErrorIs(t, report.Failures[0], ErrNotEmpty)
	assert.DirExists(t, filepath.Join(root, "d"))
}

func TestApply_IgnoredLeftoversGoWithDir(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"d/.DS_Store": "junk"})
	e := New(root, func(p string, _ bool) bool { return filepath.Base(p) == ".DS_Store" })

	report, err := e.Apply(context.Background(), Input{Delta: snapshot.Delta{"d": snapshot.Removed(snapshot.Dir{})}})
	require.NoError(t, err)
	assert.False(t, report.Partial())
	assert.NoDirExists(t, filepath.Join(root, "d"))
}

func TestApply_BadContent(t *testing.T) {
	root := t.TempDir()
	e := New(root, noIgnore)

	f := snapshot.FileFor([]byte("expected"))
	report, err := e.Apply(context.Background(), Input{
		Delta: snapshot.Delta{
			"corrupt.txt": snapshot.Added(f),
			"missing.txt": snapshot.Added(snapshot.FileFor([]byte("nowhere"))),
		},
		Blobs: map[string][]byte{f.Hash: []byte("tampered")},
	})
	require.NoError(t, err)
	require.Len(t, report.Failures, 2)
	assert.ErrorIs(t, report.Failures[0], ErrCorruptContent)
	assert.ErrorIs(t, report.Failures[1], ErrMissingContent)
	assert.NoFileExists(t, filepath.Join(root, "corrupt.txt"))
}

func TestApply_SkipAndCancel(t *testing.T) {
	root := t.TempDir()
	e := New(root, noIgnore)
	d := snapshot.Delta{
		"a.txt": snapshot.Added(snapshot.FileFor([]byte("a"))),
		"b.txt": snapshot.Added(snapshot.FileFor([]byte("b"))),
	}

	report, err := e.Apply(context.Background(), Input{Delta: d, Blobs: blobsFor("a", "b"), Skip: mapset.NewSet("b.txt")})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt"}, report.Skipped)
	assert.NoFileExists(t, filepath.Join(root, "b.txt"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New(t.TempDir(), noIgnore).Apply(ctx, Input{Delta: d, Blobs: blobsFor("a", "b")})
	assert.ErrorIs(t, err, context.Canceled)
}
