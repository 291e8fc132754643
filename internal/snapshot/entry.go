package snapshot

import (
	"fmt"
	"time"
)

// Kind identifies the variant of an Entry.
type Kind uint8

const (
	KindFile Kind = iota + 1
	KindSymlink
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	case KindDir:
		return "dir"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Entry is a filesystem object tracked in a Snapshot.
// The set of implementations is closed: File, Symlink and Dir.
type Entry interface {
	Kind() Kind
	isEntry()
}

// File is a regular file. Hash is the hex SHA-256 of the content and is the
// file's identity. ModTime is only a hint for skipping re-hashing.
type File struct {
	Hash    string
	Size    int64
	ModTime time.Time
}

// Symlink stores the link target verbatim. Targets are never resolved.
type Symlink struct {
	Target string
}

// Dir is a directory. Existence is its only attribute.
type Dir struct{}

func (File) Kind() Kind    { return KindFile }
func (Symlink) Kind() Kind { return KindSymlink }
func (Dir) Kind() Kind     { return KindDir }

func (File) isEntry()    {}
func (Symlink) isEntry() {}
func (Dir) isEntry()     {}

// Match dispatches on the variant of e. Every variant must be handled, so
// adding a kind breaks all callers at compile time.
func Match[T any](e Entry, file func(File) T, link func(Symlink) T, dir func(Dir) T) T {
	switch v := e.(type) {
	case File:
		return file(v)
	case Symlink:
		return link(v)
	case Dir:
		return dir(v)
	default:
		panic(fmt.Sprintf("snapshot: unknown entry type %T", e))
	}
}

// Equal reports whether a and b describe the same content. A nil entry means
// the path is absent; two nils are equal.
func Equal(a, b Entry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	return Match(a,
		func(f File) bool {
			g := b.(File)
			return f.Size == g.Size && f.Hash == g.Hash
		},
		func(l Symlink) bool {
			return l.Target == b.(Symlink).Target
		},
		func(Dir) bool {
			return true
		},
	)
}

// IsDir reports whether e is a directory.
func IsDir(e Entry) bool {
	_, ok := e.(Dir)
	return ok
}

// Describe renders e for logs and conflict reports.
func Describe(e Entry) string {
	if e == nil {
		return "absent"
	}
	return Match(e,
		func(f File) string { return fmt.Sprintf("file:%s:%d", shortHash(f.Hash), f.Size) },
		func(l Symlink) string { return "symlink:" + l.Target },
		func(Dir) string { return "dir" },
	)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
