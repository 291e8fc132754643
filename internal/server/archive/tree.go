package archive

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/renameio"

	"github.com/arcsync/arcsync/internal/snapshot"
)

// applyTree makes the materialized tree under root show the end state of
// every change in d. Each step is idempotent so a crashed commit can be
// replayed.
func applyTree(root string, d snapshot.Delta, objects *ObjectStore) error {
	var removals, writes []string
	for p, c := range d {
		if c.RemovesOld() {
			removals = append(removals, p)
		}
		if c.New != nil {
			writes = append(writes, p)
		}
	}
	slices.SortFunc(removals, func(a, b string) int {
		return cmp.Or(cmp.Compare(snapshot.Depth(b), snapshot.Depth(a)), cmp.Compare(a, b))
	})
	slices.SortFunc(writes, func(a, b string) int {
		return cmp.Or(cmp.Compare(snapshot.Depth(a), snapshot.Depth(b)), cmp.Compare(a, b))
	})

	for _, p := range removals {
		if err := os.RemoveAll(treePath(root, p)); err != nil {
			return fmt.Errorf("remove %q: %w", p, err)
		}
	}
	for _, p := range writes {
		if err := writeEntry(root, p, d[p].New, objects); err != nil {
			return fmt.Errorf("write %q: %w", p, err)
		}
	}
	return nil
}

func treePath(root, p string) string {
	return filepath.Join(root, filepath.FromSlash(p))
}

func writeEntry(root, p string, e snapshot.Entry, objects *ObjectStore) error {
	target := treePath(root, p)
	return snapshot.Match(e,
		func(f snapshot.File) error {
			if err := clearNonFile(target, false); err != nil {
				return err
			}
			return copyObject(objects, f, target)
		},
		func(l snapshot.Symlink) error {
			if err := clearNonFile(target, true); err != nil {
				return err
			}
			return renameio.Symlink(l.Target, target)
		},
		func(snapshot.Dir) error {
			info, err := os.Lstat(target)
			if err == nil && !info.IsDir() {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			return os.MkdirAll(target, 0o755)
		},
	)
}

// clearNonFile removes a directory left at target by a replay. Symlinks
// also replace regular files.
func clearNonFile(target string, link bool) error {
	info, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() || (link && info.Mode().IsRegular()) {
		return os.RemoveAll(target)
	}
	return nil
}

func copyObject(objects *ObjectStore, f snapshot.File, target string) error {
	data, err := objects.Content(f.Hash)
	if err != nil {
		return err
	}
	t, err := renameio.TempFile(filepath.Dir(target), target)
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
		return os.Chtimes(target, f.ModTime, f.ModTime)
	}
	return nil
}

// scanTree reads the materialized tree under root.
func scanTree(root string) (map[string]snapshot.Entry, error) {
	out := map[string]snapshot.Entry{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		p := filepath.ToSlash(rel)
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			out[p] = snapshot.Symlink{Target: target}
		case d.IsDir():
			out[p] = snapshot.Dir{}
		case d.Type().IsRegular():
			hash, size, err := snapshot.HashFile(path)
			if err != nil {
				return err
			}
			out[p] = snapshot.File{Hash: hash, Size: size}
		}
		return nil
	})
	return out, err
}
