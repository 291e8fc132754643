package apply

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/renameio"

	"github.com/arcsync/arcsync/internal/client/localstate"
	"github.com/arcsync/arcsync/internal/queue"
	"github.com/arcsync/arcsync/internal/snapshot"
)

var (
	ErrMissingContent = errors.New("apply: content missing")
	ErrCorruptContent = errors.New("apply: content does not match its hash")
	ErrNotEmpty       = errors.New("apply: directory not empty")
)

// IgnoreFunc reports whether a local path is outside the synced tree.
type IgnoreFunc func(p string, isDir bool) bool

// Input is one delta to bring the source tree to the archive's state.
type Input struct {
	Delta snapshot.Delta
	// Blobs holds the content of every file the delta creates.
	Blobs map[string][]byte
	// Keep lists paths whose local file lost a conflict. It is moved to a
	// conflict marker instead of being overwritten or removed.
	Keep mapset.Set[string]
	// Skip lists paths left untouched.
	Skip mapset.Set[string]
}

// Report describes what an Apply call did.
type Report struct {
	// Applied holds every change now reflected on disk.
	Applied  snapshot.Delta
	Failures []*localstate.PathError
	Markers  []string
	Skipped  []string
}

// Partial reports whether some changes could not be applied.
func (r *Report) Partial() bool {
	return len(r.Failures) > 0
}

type step struct {
	path   string
	change snapshot.Change
	remove bool
}

// Engine applies deltas to a source tree.
type Engine struct {
	root   string
	ignore IgnoreFunc
}

func New(root string, ignore IgnoreFunc) *Engine {
	return &Engine{root: root, ignore: ignore}
}

// Apply runs removals deepest first, then creations shallowest first. A
// failing path is reported and its descendants are skipped; unrelated paths
// continue. The returned error is only set when ctx ends.
func (e *Engine) Apply(ctx context.Context, in Input) (*Report, error) {
	report := &Report{Applied: snapshot.Delta{}}

	pq := queue.New[step]()
	for _, p := range in.Delta.Paths() {
		c := in.Delta[p]
		if in.Skip != nil && in.Skip.Contains(p) {
			report.Skipped = append(report.Skipped, p)
			continue
		}
		if c.RemovesOld() {
			pq.Push(step{path: p, change: c, remove: true}, -snapshot.Depth(p))
		}
		if c.New != nil {
			pq.Push(step{path: p, change: c}, snapshot.Depth(p))
		}
	}

	failed := mapset.NewThreadUnsafeSet[string]()
	fail := func(op, p string, err error) {
		failed.Add(p)
		report.Failures = append(report.Failures, &localstate.PathError{Op: op, Path: p, Err: err})
		slog.Warn("apply failed", "op", op, "path", p, "error", err)
	}

	for {
		s, ok := pq.Pop()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if s.remove {
			marker, err := e.remove(s.path, s.change, in.Keep)
			if err != nil {
				fail("remove", s.path, err)
				continue
			}
			if marker != "" {
				report.Markers = append(report.Markers, marker)
			}
			if s.change.New == nil {
				report.Applied[s.path] = s.change
			}
			continue
		}

		if failed.Contains(s.path) {
			// the removal half of a replacement already failed
			continue
		}
		if anc := failedAncestor(s.path, failed); anc != "" {
			fail("create", s.path, fmt.Errorf("%w: %s", localstate.ErrParentFailed, anc))
			continue
		}
		marker, err := e.create(s.path, s.change, in.Blobs, in.Keep)
		if err != nil {
			fail("create", s.path, err)
			continue
		}
		if marker != "" {
			report.Markers = append(report.Markers, marker)
		}
		report.Applied[s.path] = s.change
	}

	if len(report.Failures) > 0 || len(report.Markers) > 0 {
		slog.Info("apply done", "applied", len(report.Applied), "failed", len(report.Failures), "markers", len(report.Markers))
	}
	return report, nil
}

func failedAncestor(p string, failed mapset.Set[string]) string {
	if failed.Cardinality() == 0 {
		return ""
	}
	for _, a := range snapshot.Ancestors(p) {
		if failed.Contains(a) {
			return a
		}
	}
	return ""
}

func (e *Engine) abs(p string) string {
	return filepath.Join(e.root, filepath.FromSlash(p))
}

// remove deletes the old entry at p. A path already in its end state counts
// as done so a delta can be applied twice.
func (e *Engine) remove(p string, c snapshot.Change, keep mapset.Set[string]) (string, error) {
	local, err := localstate.Stat(e.root, p)
	if err != nil {
		return "", err
	}
	if local == nil {
		return "", nil
	}
	if !snapshot.Equal(local, c.Old) {
		if c.New != nil && snapshot.Equal(local, c.New) {
			return "", nil
		}
		return "", fmt.Errorf("%w: expected %s, found %s", localstate.ErrLocalChanged, snapshot.Describe(c.Old), snapshot.Describe(local))
	}

	switch local.(type) {
	case snapshot.File:
		if keep != nil && keep.Contains(p) {
			return e.mark(p)
		}
		return "", os.Remove(e.abs(p))
	case snapshot.Dir:
		return "", e.removeDir(p)
	default:
		return "", os.Remove(e.abs(p))
	}
}

// removeDir removes a directory whose tracked children are gone. Ignored
// leftovers go with it; anything else, conflict markers included, keeps it.
func (e *Engine) removeDir(p string) error {
	abs := e.abs(p)
	children, err := os.ReadDir(abs)
	if err != nil {
		return err
	}
	for _, child := range children {
		cp := p + "/" + child.Name()
		if localstate.IsMarkedPath(cp) || e.ignore == nil || !e.ignore(cp, child.IsDir()) {
			return fmt.Errorf("%w: %s", ErrNotEmpty, child.Name())
		}
	}
	return os.RemoveAll(abs)
}

func (e *Engine) mark(p string) (string, error) {
	marked, err := localstate.SetMarker(e.abs(p))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(e.root, marked)
	if err != nil {
		return "", err
	}
	slog.Info("kept local version", "path", p, "marker", filepath.ToSlash(rel))
	return filepath.ToSlash(rel), nil
}

func (e *Engine) create(p string, c snapshot.Change, blobs map[string][]byte, keep mapset.Set[string]) (string, error) {
	expected := c.Old
	if c.RemovesOld() {
		expected = nil
	}

	local, err := localstate.Stat(e.root, p)
	if err != nil {
		return "", err
	}
	if snapshot.Equal(local, c.New) {
		return "", e.touch(p, c.New)
	}
	if !snapshot.Equal(local, expected) {
		return "", fmt.Errorf("%w: expected %s, found %s", localstate.ErrLocalChanged, snapshot.Describe(expected), snapshot.Describe(local))
	}

	var marker string
	if _, isFile := local.(snapshot.File); isFile && keep != nil && keep.Contains(p) {
		if marker, err = e.mark(p); err != nil {
			return "", err
		}
	}

	abs := e.abs(p)
	switch n := c.New.(type) {
	case snapshot.File:
		err = writeFile(abs, n, blobs[n.Hash])
	case snapshot.Symlink:
		err = renameio.Symlink(n.Target, abs)
	case snapshot.Dir:
		if err = os.Mkdir(abs, 0o755); errors.Is(err, fs.ErrExist) {
			err = nil
		}
	}
	return marker, err
}

// touch aligns the mtime of an already present file with the delta.
func (e *Engine) touch(p string, entry snapshot.Entry) error {
	f, ok := entry.(snapshot.File)
	if !ok || f.ModTime.IsZero() {
		return nil
	}
	return os.Chtimes(e.abs(p), f.ModTime, f.ModTime)
}

func writeFile(abs string, f snapshot.File, data []byte) error {
	if data == nil && f.Size > 0 {
		return fmt.Errorf("%w: %s", ErrMissingContent, f.Hash)
	}
	if snapshot.HashBytes(data) != f.Hash {
		return fmt.Errorf("%w: %s", ErrCorruptContent, f.Hash)
	}

	t, err := renameio.TempFile(filepath.Dir(abs), abs)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := t.Write(data); err != nil {
		return err
	}
	if err := t.Chmod(0o644); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return err
	}
	if !f.ModTime.IsZero() {
		return os.Chtimes(abs, f.ModTime, f.ModTime)
	}
	return nil
}
