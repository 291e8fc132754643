package snapshot

import (
	"fmt"
	"time"
)

// Record is the flat form of an Entry used for storage and the wire.
type Record struct {
	Path    string `json:"path" msgpack:"p" db:"path"`
	Kind    Kind   `json:"kind" msgpack:"k" db:"kind"`
	Hash    string `json:"hash,omitempty" msgpack:"h,omitempty" db:"hash"`
	Size    int64  `json:"size,omitempty" msgpack:"s,omitempty" db:"size"`
	ModTime int64  `json:"mtime,omitempty" msgpack:"m,omitempty" db:"mtime"`
	Target  string `json:"target,omitempty" msgpack:"t,omitempty" db:"target"`
}

// ToRecord flattens e. A nil entry yields a zero-kind record.
func ToRecord(path string, e Entry) Record {
	if e == nil {
		return Record{Path: path}
	}
	return Match(e,
		func(f File) Record {
			r := Record{Path: path, Kind: KindFile, Hash: f.Hash, Size: f.Size}
			if !f.ModTime.IsZero() {
				r.ModTime = f.ModTime.UnixNano()
			}
			return r
		},
		func(l Symlink) Record {
			return Record{Path: path, Kind: KindSymlink, Target: l.Target}
		},
		func(Dir) Record {
			return Record{Path: path, Kind: KindDir}
		},
	)
}

// Entry converts the record back. A zero kind yields nil.
func (r Record) Entry() (Entry, error) {
	switch r.Kind {
	case 0:
		return nil, nil
	case KindFile:
		if r.Hash == "" {
			return nil, fmt.Errorf("%w: file %q without hash", ErrInvalidEntry, r.Path)
		}
		var mtime time.Time
		if r.ModTime != 0 {
			mtime = time.Unix(0, r.ModTime)
		}
		return File{Hash: r.Hash, Size: r.Size, ModTime: mtime}, nil
	case KindSymlink:
		return Symlink{Target: r.Target}, nil
	case KindDir:
		return Dir{}, nil
	default:
		return nil, fmt.Errorf("%w: %q has %s", ErrInvalidEntry, r.Path, r.Kind)
	}
}

// ChangeRecord is the flat form of a Change.
type ChangeRecord struct {
	Path string  `json:"path" msgpack:"p"`
	Old  *Record `json:"old,omitempty" msgpack:"o,omitempty"`
	New  *Record `json:"new,omitempty" msgpack:"n,omitempty"`
}

// Records flattens the delta in path order.
func (d Delta) Records() []ChangeRecord {
	out := make([]ChangeRecord, 0, len(d))
	for _, p := range d.Paths() {
		c := d[p]
		cr := ChangeRecord{Path: p}
		if c.Old != nil {
			r := ToRecord(p, c.Old)
			cr.Old = &r
		}
		if c.New != nil {
			r := ToRecord(p, c.New)
			cr.New = &r
		}
		out = append(out, cr)
	}
	return out
}

// DeltaFromRecords rebuilds a delta, rejecting malformed or duplicate paths.
func DeltaFromRecords(records []ChangeRecord) (Delta, error) {
	d := make(Delta, len(records))
	for _, cr := range records {
		p, err := CleanPath(cr.Path)
		if err != nil {
			return nil, err
		}
		if _, dup := d[p]; dup {
			return nil, fmt.Errorf("%w: duplicate path %q", ErrInvalidDelta, p)
		}
		var c Change
		if cr.Old != nil {
			if c.Old, err = cr.Old.Entry(); err != nil {
				return nil, err
			}
		}
		if cr.New != nil {
			if c.New, err = cr.New.Entry(); err != nil {
				return nil, err
			}
		}
		if c.IsNoop() {
			return nil, fmt.Errorf("%w: no-op change for %q", ErrInvalidDelta, p)
		}
		d[p] = c
	}
	return d, nil
}
