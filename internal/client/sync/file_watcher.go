package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	// DefaultIgnoreTimeout bounds how long an IgnoreOnce mark waits for its event.
	DefaultIgnoreTimeout = time.Second
	watchQuiet           = 50 * time.Millisecond
	watchBuffer          = 256
)

// FileWatcher reports changed paths under a source root as slash separated
// relative paths. Repeated events on one path within the quiet period are
// reported once.
type FileWatcher struct {
	root   string
	skip   func(rel string) bool
	quiet  time.Duration
	raw    chan notify.EventInfo
	out    chan string
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	ignore map[string]time.Time
}

// NewFileWatcher watches root recursively. Paths for which skip returns
// true are never reported.
func NewFileWatcher(root string, skip func(rel string) bool) *FileWatcher {
	return &FileWatcher{
		root:   root,
		skip:   skip,
		quiet:  watchQuiet,
		out:    make(chan string, watchBuffer),
		stop:   make(chan struct{}),
		ignore: make(map[string]time.Time),
	}
}

func (fw *FileWatcher) Start(ctx context.Context) error {
	// events carry resolved paths
	if root, err := filepath.EvalSymlinks(fw.root); err == nil {
		fw.root = root
	}
	fw.raw = make(chan notify.EventInfo, watchBuffer)
	if err := notify.Watch(filepath.Join(fw.root, "..."), fw.raw, notify.All); err != nil {
		return err
	}
	slog.Debug("watching source", "root", fw.root)
	fw.wg.Add(1)
	go fw.loop(ctx)
	return nil
}

func (fw *FileWatcher) Stop() {
	close(fw.stop)
	if fw.raw != nil {
		notify.Stop(fw.raw)
	}
	fw.wg.Wait()
}

func (fw *FileWatcher) Events() <-chan string {
	return fw.out
}

// IgnoreOnce swallows the next report for the slash separated path rel, if
// it comes within DefaultIgnoreTimeout. Used for files the sync writes
// itself. Marks are relative so they match however the root resolves.
func (fw *FileWatcher) IgnoreOnce(rel string) {
	fw.mu.Lock()
	fw.ignore[rel] = time.Now().Add(DefaultIgnoreTimeout)
	fw.mu.Unlock()
}

func (fw *FileWatcher) consumeIgnore(rel string, now time.Time) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	until, ok := fw.ignore[rel]
	delete(fw.ignore, rel)
	for p, t := range fw.ignore {
		if now.After(t) {
			delete(fw.ignore, p)
		}
	}
	return ok && now.Before(until)
}

// loop owns the due map, so only the ignore marks need the mutex.
func (fw *FileWatcher) loop(ctx context.Context) {
	defer fw.wg.Done()

	due := make(map[string]time.Time)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stop:
			return
		case ev, ok := <-fw.raw:
			if !ok {
				return
			}
			abs := ev.Path()
			rel, err := filepath.Rel(fw.root, abs)
			if err != nil || rel == "." || !filepath.IsLocal(rel) {
				continue
			}
			if fw.skip != nil && fw.skip(filepath.ToSlash(rel)) {
				continue
			}
			due[abs] = time.Now().Add(fw.quiet)
			timer.Reset(fw.quiet)
		case now := <-timer.C:
			next := time.Duration(0)
			for abs, at := range due {
				if wait := at.Sub(now); wait > 0 {
					if next == 0 || wait < next {
						next = wait
					}
					continue
				}
				delete(due, abs)
				fw.emit(abs, now)
			}
			if next > 0 {
				timer.Reset(next)
			}
		}
	}
}

func (fw *FileWatcher) emit(abs string, now time.Time) {
	rel, _ := filepath.Rel(fw.root, abs)
	rel = filepath.ToSlash(rel)
	if fw.consumeIgnore(rel, now) {
		return
	}
	select {
	case fw.out <- rel:
	default:
		// the consumer resyncs the whole tree, so one report is enough
		slog.Debug("watch event dropped", "path", rel)
	}
}
