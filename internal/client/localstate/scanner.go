package localstate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/arcsync/arcsync/internal/snapshot"
)

// Scanner computes the current state of a source tree and its delta against
// the last confirmed base.
type Scanner struct {
	root    string
	ignore  *IgnoreList
	workers int
}

// Result of one scan. Current carries the base's version and commit id and
// is only a tentative base until the server round trip succeeds.
type Result struct {
	Delta   snapshot.Delta
	Current *snapshot.Snapshot
	// Errors lists paths that could not be read. They keep their base entry.
	Errors      []*PathError
	Hashed      int
	HashedBytes int64
}

func NewScanner(root string, ignore *IgnoreList, workers int) *Scanner {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Scanner{root: root, ignore: ignore, workers: workers}
}

type hashJob struct {
	path  string
	mtime time.Time
}

// Scan walks the tree. Files whose size and mtime match their base entry
// reuse its hash unless fullRehash is set.
func (s *Scanner) Scan(ctx context.Context, base *snapshot.Snapshot, fullRehash bool) (*Result, error) {
	if base == nil {
		base = snapshot.Empty()
	}
	start := time.Now()

	entries := map[string]snapshot.Entry{}
	res := &Result{}
	var unreadable []string
	var jobs []hashJob

	fail := func(op, p string, err error) {
		res.Errors = append(res.Errors, &PathError{Op: op, Path: p, Err: err})
		unreadable = append(unreadable, p)
	}

	err := filepath.WalkDir(s.root, func(abs string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, abs)
		if err != nil {
			return err
		}
		if rel == "." {
			return walkErr
		}
		p := filepath.ToSlash(rel)

		if walkErr != nil {
			fail("scan", p, walkErr)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		isDir := d.IsDir()
		if s.ignore != nil && s.ignore.ShouldIgnore(p, isDir) {
			if isDir {
				return fs.SkipDir
			}
			return nil
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(abs)
			if err != nil {
				fail("readlink", p, err)
				return nil
			}
			entries[p] = snapshot.Symlink{Target: target}
		case isDir:
			entries[p] = snapshot.Dir{}
		case d.Type().IsRegular():
			info, err := d.Info()
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				fail("stat", p, err)
				return nil
			}
			if old, ok := base.Lookup(p).(snapshot.File); ok && !fullRehash &&
				!old.ModTime.IsZero() && old.Size == info.Size() && old.ModTime.Equal(info.ModTime()) {
				entries[p] = old
				return nil
			}
			jobs = append(jobs, hashJob{path: p, mtime: info.ModTime()})
		default:
			slog.Debug("skip special file", "path", p, "mode", d.Type().String())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.root, err)
	}

	if err := s.hash(ctx, jobs, entries, res, fail); err != nil {
		return nil, err
	}

	// unreadable paths keep their base state so they do not look removed
	for _, p := range unreadable {
		if e := base.Lookup(p); e != nil {
			entries[p] = e
		}
		for _, bp := range base.Paths() {
			if snapshot.IsUnder(bp, p) {
				entries[bp] = base.Lookup(bp)
			}
		}
	}

	res.Current = snapshot.New(base.Version, base.CommitID, entries)
	res.Delta = snapshot.Diff(base, res.Current)

	stats := res.Delta.Stats()
	slog.Debug("scan done", "root", s.root, "entries", res.Current.Len(),
		"added", stats.Added, "removed", stats.Removed, "edited", stats.Edited, "replaced", stats.Replaced,
		"hashed", res.Hashed, "hashedBytes", humanize.Bytes(uint64(res.HashedBytes)),
		"errors", len(res.Errors), "took", time.Since(start))
	return res, nil
}

func (s *Scanner) hash(ctx context.Context, jobs []hashJob, entries map[string]snapshot.Entry, res *Result, fail func(op, p string, err error)) error {
	if len(jobs) == 0 {
		return nil
	}

	files := make([]snapshot.Entry, len(jobs))
	errs := make([]error, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hash, size, err := snapshot.HashFile(filepath.Join(s.root, filepath.FromSlash(job.path)))
			if err != nil {
				errs[i] = err
				return nil
			}
			files[i] = snapshot.File{Hash: hash, Size: size, ModTime: job.mtime}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("hash files: %w", err)
	}

	for i, job := range jobs {
		switch {
		case errors.Is(errs[i], fs.ErrNotExist):
			// removed while scanning
		case errs[i] != nil:
			fail("hash", job.path, errs[i])
		default:
			f := files[i].(snapshot.File)
			entries[job.path] = f
			res.Hashed++
			res.HashedBytes += f.Size
		}
	}
	return nil
}

// Stat reads the entry at the relative path p under root. A missing path
// yields nil. Regular files are hashed.
func Stat(root, p string) (snapshot.Entry, error) {
	abs := filepath.Join(root, filepath.FromSlash(p))
	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	mode := info.Mode()
	switch {
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(abs)
		if err != nil {
			return nil, err
		}
		return snapshot.Symlink{Target: target}, nil
	case mode.IsDir():
		return snapshot.Dir{}, nil
	case mode.IsRegular():
		hash, size, err := snapshot.HashFile(abs)
		if err != nil {
			return nil, err
		}
		return snapshot.File{Hash: hash, Size: size, ModTime: info.ModTime()}, nil
	default:
		return nil, fmt.Errorf("unsupported file type %s", mode.Type())
	}
}
