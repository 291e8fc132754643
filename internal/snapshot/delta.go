package snapshot

import (
	"fmt"
	"slices"
)

// Op classifies a Change.
type Op uint8

const (
	OpNone Op = iota
	OpAdded
	OpRemoved
	OpEdited
	// OpReplaced is a kind change at the same path. It is always handled as
	// a removal of Old followed by an addition of New.
	OpReplaced
)

func (o Op) String() string {
	switch o {
	case OpAdded:
		return "added"
	case OpRemoved:
		return "removed"
	case OpEdited:
		return "edited"
	case OpReplaced:
		return "replaced"
	default:
		return "none"
	}
}

// Change is the end state of one path: Old is the state it is applied to and
// New the state it produces. A nil side means the path is absent.
type Change struct {
	Old Entry
	New Entry
}

func Added(e Entry) Change         { return Change{New: e} }
func Removed(e Entry) Change       { return Change{Old: e} }
func Edited(old, new Entry) Change { return Change{Old: old, New: new} }

func (c Change) IsNoop() bool    { return Equal(c.Old, c.New) }
func (c Change) Reverse() Change { return Change{Old: c.New, New: c.Old} }

func (c Change) String() string {
	return fmt.Sprintf("%s(%s -> %s)", c.Op(), Describe(c.Old), Describe(c.New))
}

// RemovesOld reports whether applying c deletes an existing entry first.
func (c Change) RemovesOld() bool {
	op := c.Op()
	return op == OpRemoved || op == OpReplaced
}

// CreatesNew reports whether applying c creates an entry from nothing.
func (c Change) CreatesNew() bool {
	op := c.Op()
	return op == OpAdded || op == OpReplaced
}

func (c Change) Op() Op {
	switch {
	case c.IsNoop():
		return OpNone
	case c.Old == nil:
		return OpAdded
	case c.New == nil:
		return OpRemoved
	case c.Old.Kind() != c.New.Kind():
		return OpReplaced
	default:
		return OpEdited
	}
}

// Delta maps paths to changes. It holds at most one change per path.
type Delta map[string]Change

// Paths returns the changed paths in lexical order.
func (d Delta) Paths() []string {
	out := make([]string, 0, len(d))
	for p := range d {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (d Delta) Clone() Delta {
	out := make(Delta, len(d))
	for p, c := range d {
		out[p] = c
	}
	return out
}

// Stats counts changes by op.
type Stats struct {
	Added, Removed, Edited, Replaced int
}

func (s Stats) Total() int { return s.Added + s.Removed + s.Edited + s.Replaced }

func (d Delta) Stats() Stats {
	var s Stats
	for _, c := range d {
		switch c.Op() {
		case OpAdded:
			s.Added++
		case OpRemoved:
			s.Removed++
		case OpEdited:
			s.Edited++
		case OpReplaced:
			s.Replaced++
		}
	}
	return s
}

// Validate checks that d applies to base: Added paths are absent, all other
// changes start from the entry base holds, and no change is a no-op.
func (d Delta) Validate(base *Snapshot) error {
	for p, c := range d {
		if c.IsNoop() {
			return fmt.Errorf("%w: no-op change at %q", ErrInvalidDelta, p)
		}
		cur, ok := base.Get(p)
		if c.Old == nil && ok {
			return fmt.Errorf("%w: %q added but present in base", ErrInvalidDelta, p)
		}
		if c.Old != nil && !Equal(cur, c.Old) {
			return fmt.Errorf("%w: %q expected %s in base, have %s", ErrInvalidDelta, p, Describe(c.Old), Describe(cur))
		}
	}
	return nil
}

// Diff classifies every path of the union of old and cur.
func Diff(old, cur *Snapshot) Delta {
	d := make(Delta)
	for p, o := range old.Entries() {
		n := cur.Lookup(p)
		if !Equal(o, n) {
			d[p] = Change{Old: o, New: n}
		}
	}
	for p, n := range cur.Entries() {
		if _, ok := old.Get(p); !ok {
			d[p] = Added(n)
		}
	}
	return d
}

// Compose returns the delta equivalent to applying first and then second.
// Changes that cancel out are dropped. second must continue where first
// left off for every path both touch.
func Compose(first, second Delta) (Delta, error) {
	out := first.Clone()
	for p, c2 := range second {
		c1, ok := out[p]
		if !ok {
			out[p] = c2
			continue
		}
		if !Equal(c1.New, c2.Old) {
			return nil, fmt.Errorf("%w: discontinuous history at %q: %s then %s", ErrInvalidDelta, p, c1, c2)
		}
		c := Change{Old: c1.Old, New: c2.New}
		if c.IsNoop() {
			delete(out, p)
		} else {
			out[p] = c
		}
	}
	return out, nil
}

// Invert returns the delta that undoes d.
func Invert(d Delta) Delta {
	out := make(Delta, len(d))
	for p, c := range d {
		out[p] = c.Reverse()
	}
	return out
}
