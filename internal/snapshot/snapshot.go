package snapshot

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidPath  = errors.New("snapshot: invalid path")
	ErrInvalidEntry = errors.New("snapshot: invalid entry")
	ErrInvalidDelta = errors.New("snapshot: invalid delta")
	ErrBrokenTree   = errors.New("snapshot: broken tree")
)

// NullCommitID identifies the empty snapshot every tree starts from.
var NullCommitID = strings.Repeat("0", 64)

// NewCommitID returns a random 64 hex character commit id.
func NewCommitID() string {
	a, b := uuid.New(), uuid.New()
	return hex.EncodeToString(a[:]) + hex.EncodeToString(b[:])
}

// Snapshot is an agreed path to Entry mapping at a version. It is never
// mutated after construction; Apply returns a new Snapshot.
type Snapshot struct {
	Version  uint64
	CommitID string
	entries  map[string]Entry
}

// Empty returns the version 0 snapshot.
func Empty() *Snapshot {
	return &Snapshot{CommitID: NullCommitID, entries: map[string]Entry{}}
}

// New builds a snapshot from entries. The map is copied.
func New(version uint64, commitID string, entries map[string]Entry) *Snapshot {
	m := make(map[string]Entry, len(entries))
	for p, e := range entries {
		if e != nil {
			m[p] = e
		}
	}
	if commitID == "" {
		commitID = NullCommitID
	}
	return &Snapshot{Version: version, CommitID: commitID, entries: m}
}

// Get returns the entry at p.
func (s *Snapshot) Get(p string) (Entry, bool) {
	if s == nil {
		return nil, false
	}
	e, ok := s.entries[p]
	return e, ok
}

// Lookup returns the entry at p or nil.
func (s *Snapshot) Lookup(p string) Entry {
	e, _ := s.Get(p)
	return e
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Paths returns all paths in lexical order.
func (s *Snapshot) Paths() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.entries))
	for p := range s.entries {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Entries returns a copy of the mapping.
func (s *Snapshot) Entries() map[string]Entry {
	out := make(map[string]Entry, s.Len())
	if s == nil {
		return out
	}
	for p, e := range s.entries {
		out[p] = e
	}
	return out
}

// Records flattens the snapshot in path order.
func (s *Snapshot) Records() []Record {
	paths := s.Paths()
	out := make([]Record, 0, len(paths))
	for _, p := range paths {
		out = append(out, ToRecord(p, s.entries[p]))
	}
	return out
}

// FromRecords rebuilds a snapshot from stored records.
func FromRecords(version uint64, commitID string, records []Record) (*Snapshot, error) {
	m := make(map[string]Entry, len(records))
	for _, r := range records {
		e, err := r.Entry()
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		m[r.Path] = e
	}
	return New(version, commitID, m), nil
}

// Apply returns the snapshot reached by applying d. Every change's Old side
// must match the current entry.
func (s *Snapshot) Apply(d Delta, version uint64, commitID string) (*Snapshot, error) {
	next := s.Entries()
	for p, c := range d {
		if !Equal(next[p], c.Old) {
			return nil, fmt.Errorf("%w: %q expected %s, have %s", ErrInvalidDelta, p, Describe(c.Old), Describe(next[p]))
		}
		if c.New == nil {
			delete(next, p)
		} else {
			next[p] = c.New
		}
	}
	return New(version, commitID, next), nil
}

// WithVersion returns the same entries under a new version.
func (s *Snapshot) WithVersion(version uint64, commitID string) *Snapshot {
	return &Snapshot{Version: version, CommitID: commitID, entries: s.entries}
}

// Validate checks that every path has a directory parent.
func (s *Snapshot) Validate() error {
	for p := range s.entries {
		parent := Parent(p)
		if parent == "" {
			continue
		}
		pe, ok := s.entries[parent]
		if !ok {
			return fmt.Errorf("%w: %q has no parent", ErrBrokenTree, p)
		}
		if !IsDir(pe) {
			return fmt.Errorf("%w: parent of %q is a %s", ErrBrokenTree, p, pe.Kind())
		}
	}
	return nil
}
