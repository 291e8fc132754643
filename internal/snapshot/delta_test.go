package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func file(hash string, size int64) File {
	return File{Hash: hash, Size: size, ModTime: time.Unix(1700000000, 0)}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Entry
		want bool
	}{
		{"both absent", nil, nil, true},
		{"absent vs dir", nil, Dir{}, false},
		{"same file different mtime", File{Hash: "aa", Size: 1, ModTime: time.Unix(1, 0)}, File{Hash: "aa", Size: 1, ModTime: time.Unix(2, 0)}, true},
		{"different hash", file("aa", 1), file("bb", 1), false},
		{"different size", file("aa", 1), file("aa", 2), false},
		{"symlink verbatim", Symlink{Target: "path/to/N"}, Symlink{Target: "path/to/N"}, true},
		{"symlink not normalized", Symlink{Target: "a/../b"}, Symlink{Target: "b"}, false},
		{"dirs", Dir{}, Dir{}, true},
		{"file vs dir", file("aa", 1), Dir{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestDiffClassification(t *testing.T) {
	old := New(3, "", map[string]Entry{
		"docs":           Dir{},
		"docs/a.txt":     file("aa", 1),
		"docs/b.txt":     file("bb", 1),
		"docs/link":      Symlink{Target: "a.txt"},
		"docs/same.txt":  file("cc", 2),
		"docs/typechg":   file("dd", 3),
		"docs/emptydir":  Dir{},
		"docs/emptydir2": Dir{},
	})
	cur := New(0, "", map[string]Entry{
		"docs":           Dir{},
		"docs/a.txt":     file("a2", 1),
		"docs/link":      Symlink{Target: "b.txt"},
		"docs/same.txt":  File{Hash: "cc", Size: 2, ModTime: time.Unix(1, 0)},
		"docs/typechg":   Dir{},
		"docs/new.txt":   file("ee", 5),
		"docs/emptydir":  Dir{},
		"docs/emptydir2": Dir{},
	})

	d := Diff(old, cur)

	for p := range union(old, cur) {
		o, inOld := old.Get(p)
		n, inCur := cur.Get(p)
		c, inDelta := d[p]
		switch {
		case !inOld && inCur:
			require.True(t, inDelta, p)
			assert.Equal(t, OpAdded, c.Op(), p)
		case inOld && !inCur:
			require.True(t, inDelta, p)
			assert.Equal(t, OpRemoved, c.Op(), p)
		case !Equal(o, n):
			require.True(t, inDelta, p)
			assert.Contains(t, []Op{OpEdited, OpReplaced}, c.Op(), p)
		default:
			assert.False(t, inDelta, p)
		}
	}

	assert.Equal(t, OpEdited, d["docs/a.txt"].Op())
	assert.Equal(t, OpRemoved, d["docs/b.txt"].Op())
	assert.Equal(t, OpEdited, d["docs/link"].Op())
	assert.Equal(t, OpReplaced, d["docs/typechg"].Op())
	assert.Equal(t, OpAdded, d["docs/new.txt"].Op())
	assert.NotContains(t, d, "docs/same.txt")
	assert.NoError(t, d.Validate(old))
}

func union(a, b *Snapshot) map[string]struct{} {
	out := map[string]struct{}{}
	for _, p := range a.Paths() {
		out[p] = struct{}{}
	}
	for _, p := range b.Paths() {
		out[p] = struct{}{}
	}
	return out
}

func TestApplyDiffReachesTarget(t *testing.T) {
	old := New(1, "", map[string]Entry{"a": file("aa", 1), "d": Dir{}, "d/x": file("xx", 2)})
	cur := New(0, "", map[string]Entry{"a": Symlink{Target: "d/x"}, "d": Dir{}, "n": file("nn", 9)})

	next, err := old.Apply(Diff(old, cur), 2, "c2")
	require.NoError(t, err)
	assert.Empty(t, Diff(next, cur))
	assert.Equal(t, uint64(2), next.Version)

	// the old snapshot is untouched
	assert.Equal(t, 3, old.Len())
	_, err = next.Apply(Diff(old, cur), 3, "c3")
	assert.ErrorIs(t, err, ErrInvalidDelta)
}

func TestComposeAndInvert(t *testing.T) {
	s0 := New(0, "", map[string]Entry{"a": file("aa", 1), "b": file("bb", 1)})
	s1 := New(1, "", map[string]Entry{"a": file("a1", 1), "c": Dir{}})
	s2 := New(2, "", map[string]Entry{"a": file("a2", 1), "b": file("bb", 1), "c": Dir{}})

	d01, d12 := Diff(s0, s1), Diff(s1, s2)
	d02, err := Compose(d01, d12)
	require.NoError(t, err)
	assert.Equal(t, Diff(s0, s2), d02)
	assert.NotContains(t, d02, "b", "removed then restored cancels out")

	back, err := s2.Apply(Invert(d02), 0, "")
	require.NoError(t, err)
	assert.Empty(t, Diff(back, s0))

	_, err = Compose(d01, d01)
	assert.ErrorIs(t, err, ErrInvalidDelta)
}

func TestValidateRejectsBadDelta(t *testing.T) {
	base := New(1, "", map[string]Entry{"a": file("aa", 1)})

	assert.ErrorIs(t, Delta{"a": Added(file("bb", 1))}.Validate(base), ErrInvalidDelta)
	assert.ErrorIs(t, Delta{"z": Removed(file("zz", 1))}.Validate(base), ErrInvalidDelta)
	assert.ErrorIs(t, Delta{"a": Edited(file("aa", 1), file("aa", 1))}.Validate(base), ErrInvalidDelta)
	assert.NoError(t, Delta{"a": Edited(file("aa", 1), Dir{})}.Validate(base))
}

func TestSnapshotValidate(t *testing.T) {
	ok := New(1, "", map[string]Entry{"d": Dir{}, "d/e": Dir{}, "d/e/f": file("ff", 1)})
	assert.NoError(t, ok.Validate())

	orphan := New(1, "", map[string]Entry{"d/e": Dir{}})
	assert.ErrorIs(t, orphan.Validate(), ErrBrokenTree)

	underFile := New(1, "", map[string]Entry{"d": file("dd", 1), "d/e": Dir{}})
	assert.ErrorIs(t, underFile.Validate(), ErrBrokenTree)
}

func TestDeltaRecords(t *testing.T) {
	d := Delta{
		"a":      Added(file("aa", 1)),
		"b":      Removed(Symlink{Target: "x"}),
		"c":      Edited(file("cc", 1), Dir{}),
		"dir/ok": Added(Dir{}),
	}
	back, err := DeltaFromRecords(d.Records())
	require.NoError(t, err)
	assert.Equal(t, len(d), len(back))
	for p, c := range d {
		assert.True(t, Equal(c.Old, back[p].Old), p)
		assert.True(t, Equal(c.New, back[p].New), p)
	}

	_, err = DeltaFromRecords([]ChangeRecord{{Path: "../etc/passwd", New: &Record{Kind: KindDir}}})
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = DeltaFromRecords([]ChangeRecord{{Path: ".arcsync/state.db", New: &Record{Kind: KindDir}}})
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = DeltaFromRecords([]ChangeRecord{{Path: "a"}})
	assert.ErrorIs(t, err, ErrInvalidDelta)
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "a/b", NormPath("/a//b/"))
	assert.Equal(t, "a/b", NormPath(`a\b`))
	assert.Equal(t, "", NormPath("."))
	assert.Equal(t, "a/b", Parent("a/b/c"))
	assert.Equal(t, "", Parent("a"))
	assert.Equal(t, 3, Depth("a/b/c"))
	assert.True(t, IsUnder("a/b", "a"))
	assert.False(t, IsUnder("ab", "a"))
	assert.Equal(t, []string{"a", "a/b"}, Ancestors("a/b/c"))
	assert.Len(t, NewCommitID(), 64)
	assert.NotEqual(t, NewCommitID(), NewCommitID())
}
