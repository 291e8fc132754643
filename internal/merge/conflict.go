package merge

import (
	"errors"
	"fmt"

	"github.com/arcsync/arcsync/internal/snapshot"
)

var (
	ErrUnknownPolicy = errors.New("merge: unknown policy")
	ErrBaseMismatch  = errors.New("merge: requester delta does not apply to base")
	ErrUnresolvable  = errors.New("merge: tree could not be repaired")
	ErrNoContent     = errors.New("merge: content unavailable")
)

// Resolution records how a conflict was settled.
type Resolution string

const (
	// RemoteWins replaced the requester's value with the committed one.
	RemoteWins Resolution = "remote-wins"
	// LocalWins replaced the committed value with the requester's one.
	LocalWins Resolution = "local-wins"
	// KeptBoth stored the requester's value as a conflict copy.
	KeptBoth Resolution = "kept-both"
	// KeptParent kept a removed directory that still has entries.
	KeptParent Resolution = "kept-parent"
)

// Conflict is a path where the requester and committed changes disagreed.
type Conflict struct {
	Path       string
	Base       snapshot.Entry
	Local      snapshot.Entry
	Remote     snapshot.Entry
	Resolution Resolution
	CopyPath   string
}

// LocalLost reports whether the requester's value at Path was replaced
// without being kept elsewhere.
func (c Conflict) LocalLost() bool {
	return c.Resolution == RemoteWins && c.Local != nil
}

func (c Conflict) String() string {
	s := fmt.Sprintf("%s: %s (local %s, remote %s)", c.Path, c.Resolution, snapshot.Describe(c.Local), snapshot.Describe(c.Remote))
	if c.CopyPath != "" {
		s += " copy at " + c.CopyPath
	}
	return s
}

// ContentSource resolves file content by hash.
type ContentSource interface {
	Content(hash string) ([]byte, error)
}

// ContentMap is an in-memory ContentSource.
type ContentMap map[string][]byte

func (m ContentMap) Content(hash string) ([]byte, error) {
	data, ok := m[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoContent, hash)
	}
	return data, nil
}

// Sources chains content sources, first hit wins.
type Sources []ContentSource

func (s Sources) Content(hash string) ([]byte, error) {
	for _, src := range s {
		if src == nil {
			continue
		}
		if data, err := src.Content(hash); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoContent, hash)
}
