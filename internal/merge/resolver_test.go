package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcsync/arcsync/internal/snapshot"
)

func content(s string) snapshot.File {
	return snapshot.FileFor([]byte(s))
}

type fixture struct {
	base   *snapshot.Snapshot
	head   *snapshot.Snapshot
	local  snapshot.Delta
	remote snapshot.Delta
	blobs  ContentMap
}

// newFixture builds base, the requester tree and the committed head from
// plain maps. String values are file contents, "/" marks a directory and
// "->x" a symlink to x.
func newFixture(t *testing.T, base, requester, head map[string]string) *fixture {
	t.Helper()
	blobs := ContentMap{}
	build := func(m map[string]string, version uint64) *snapshot.Snapshot {
		entries := map[string]snapshot.Entry{}
		for p, v := range m {
			switch {
			case v == "/":
				entries[p] = snapshot.Dir{}
			case len(v) > 2 && v[:2] == "->":
				entries[p] = snapshot.Symlink{Target: v[2:]}
			default:
				f := content(v)
				blobs[f.Hash] = []byte(v)
				entries[p] = f
			}
		}
		s := snapshot.New(version, "", entries)
		require.NoError(t, s.Validate())
		return s
	}
	b, r, h := build(base, 1), build(requester, 0), build(head, 2)
	return &fixture{
		base:   b,
		head:   h,
		local:  snapshot.Diff(b, r),
		remote: snapshot.Diff(b, h),
		blobs:  blobs,
	}
}

func (f *fixture) resolve(t *testing.T, policy Policy) *Result {
	t.Helper()
	res, err := Resolve(Input{
		Base:    f.base,
		Head:    f.head,
		Local:   f.local,
		Remote:  f.remote,
		Policy:  policy,
		Content: f.blobs,
		Tag:     "srcA1234xyz",
	})
	require.NoError(t, err)
	return res
}

// requesterFinal is the requester tree after applying the response.
func (f *fixture) requesterFinal(t *testing.T, res *Result) *snapshot.Snapshot {
	t.Helper()
	tentative, err := f.base.Apply(f.local, 0, "")
	require.NoError(t, err)
	final, err := tentative.Apply(res.Response, 0, "")
	require.NoError(t, err)
	return final
}

func TestResolveDisjointChanges(t *testing.T) {
	f := newFixture(t,
		map[string]string{"a.txt": "a", "b.txt": "b", "d": "/"},
		map[string]string{"a.txt": "a2", "b.txt": "b", "d": "/", "d/new": "n"},
		map[string]string{"a.txt": "a", "d": "/", "link": "->d/new"},
	)
	res := f.resolve(t, BijectivePolicy{})

	assert.Empty(t, res.Conflicts)
	assert.Equal(t, []string{"a.txt", "d/new"}, res.Commit.Paths())
	assert.Equal(t, []string{"b.txt", "link"}, res.Response.Paths())
	assert.Equal(t, snapshot.OpRemoved, res.Response["b.txt"].Op())
	assert.Empty(t, snapshot.Diff(f.requesterFinal(t, res), res.Merged))
}

func TestResolveCompatibleChanges(t *testing.T) {
	f := newFixture(t,
		map[string]string{"a": "a", "gone": "x"},
		map[string]string{"a": "same", "new": "n"},
		map[string]string{"a": "same", "new": "n"},
	)
	res := f.resolve(t, BijectivePolicy{})
	assert.Empty(t, res.Commit)
	assert.Empty(t, res.Response)
	assert.Empty(t, res.Conflicts)
}

func TestResolveBijectiveEditEdit(t *testing.T) {
	f := newFixture(t,
		map[string]string{"x": "base"},
		map[string]string{"x": "from local"},
		map[string]string{"x": "from remote"},
	)
	res := f.resolve(t, BijectivePolicy{})

	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, "x", c.Path)

	l, r := content("from local"), content("from remote")
	winner := r
	if l.Hash > r.Hash {
		winner = l
		assert.Equal(t, LocalWins, c.Resolution)
		assert.Contains(t, res.Commit, "x")
		assert.Empty(t, res.Response)
	} else {
		assert.Equal(t, RemoteWins, c.Resolution)
		assert.True(t, c.LocalLost())
		assert.Empty(t, res.Commit)
		assert.Contains(t, res.Response, "x")
	}
	got, _ := res.Merged.Get("x")
	assert.True(t, snapshot.Equal(winner, got))
	assert.Empty(t, snapshot.Diff(f.requesterFinal(t, res), res.Merged))

	// same inputs, same answer
	again := f.resolve(t, BijectivePolicy{})
	assert.Equal(t, res.Conflicts, again.Conflicts)
}

func TestResolveBijectiveExistenceBeatsRemoval(t *testing.T) {
	f := newFixture(t,
		map[string]string{"x": "base", "y": "base"},
		map[string]string{"x": "edited locally"},
		map[string]string{"y": "edited remotely"},
	)
	res := f.resolve(t, BijectivePolicy{})

	require.Len(t, res.Conflicts, 2)
	assert.Equal(t, LocalWins, res.Conflicts[0].Resolution)
	assert.Equal(t, RemoteWins, res.Conflicts[1].Resolution)
	assert.False(t, res.Conflicts[1].LocalLost(), "requester removed y, nothing local is lost")

	assert.Equal(t, snapshot.OpAdded, res.Commit["x"].Op())
	assert.Equal(t, snapshot.OpAdded, res.Response["y"].Op())
	assert.Equal(t, 2, res.Merged.Len())
	assert.Empty(t, snapshot.Diff(f.requesterFinal(t, res), res.Merged))
}

func TestResolveBijectiveKeepsNonEmptyDirectory(t *testing.T) {
	f := newFixture(t,
		map[string]string{"d": "/", "d/x": "x"},
		map[string]string{},
		map[string]string{"d": "/", "d/x": "x", "d/y": "y"},
	)
	res := f.resolve(t, BijectivePolicy{})

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "d", res.Conflicts[0].Path)
	assert.Equal(t, KeptParent, res.Conflicts[0].Resolution)
	assert.Equal(t, []string{"d/x"}, res.Commit.Paths())
	assert.Equal(t, []string{"d", "d/y"}, res.Response.Paths())
	assert.ElementsMatch(t, []string{"d", "d/y"}, res.Merged.Paths())
	assert.Empty(t, snapshot.Diff(f.requesterFinal(t, res), res.Merged))
}

func TestResolveBijectiveRemoteRemovedDirectory(t *testing.T) {
	f := newFixture(t,
		map[string]string{"d": "/", "d/x": "x"},
		map[string]string{"d": "/", "d/x": "x", "d/new": "n"},
		map[string]string{},
	)
	res := f.resolve(t, BijectivePolicy{})

	assert.ElementsMatch(t, []string{"d", "d/new"}, res.Merged.Paths())
	assert.Equal(t, snapshot.OpRemoved, res.Response["d/x"].Op())
	assert.NotContains(t, res.Response, "d")
	assert.Empty(t, snapshot.Diff(f.requesterFinal(t, res), res.Merged))
}

func TestResolveBijectiveFileDisplacingDirectory(t *testing.T) {
	f := newFixture(t,
		map[string]string{"d": "/"},
		map[string]string{"d": "now a file"},
		map[string]string{"d": "/", "d/y": "y"},
	)
	res := f.resolve(t, BijectivePolicy{})

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, RemoteWins, res.Conflicts[0].Resolution)
	assert.True(t, res.Conflicts[0].LocalLost())
	assert.Empty(t, res.Commit)
	assert.Equal(t, snapshot.OpReplaced, res.Response["d"].Op())
	assert.Empty(t, snapshot.Diff(f.requesterFinal(t, res), res.Merged))
}

func TestResolveBijectiveBaseMismatch(t *testing.T) {
	base := snapshot.New(1, "", map[string]snapshot.Entry{"a": content("a")})
	_, err := Resolve(Input{
		Base:   base,
		Head:   base,
		Local:  snapshot.Delta{"a": snapshot.Added(content("b"))},
		Policy: BijectivePolicy{},
	})
	assert.ErrorIs(t, err, ErrBaseMismatch)
}

func TestResolveInjectiveKeepsBoth(t *testing.T) {
	f := newFixture(t,
		map[string]string{"notes.txt": "base", "old.jpg": "photo"},
		map[string]string{"notes.txt": "local"},
		map[string]string{"notes.txt": "remote", "old.jpg": "photo"},
	)
	res := f.resolve(t, InjectivePolicy{})

	copyPath := "notes.from-srcA1234.txt"
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, KeptBoth, res.Conflicts[0].Resolution)
	assert.Equal(t, copyPath, res.Conflicts[0].CopyPath)
	assert.False(t, res.Conflicts[0].LocalLost())

	assert.Equal(t, []string{copyPath}, res.Commit.Paths())
	assert.Equal(t, []string{copyPath, "notes.txt"}, res.Response.Paths())

	archived, _ := res.Merged.Get("notes.txt")
	assert.True(t, snapshot.Equal(content("remote"), archived))
	kept, _ := res.Merged.Get(copyPath)
	assert.True(t, snapshot.Equal(content("local"), kept))

	// local removal never reaches the archive
	assert.Equal(t, []string{"old.jpg"}, res.Phantoms)
	_, still := res.Merged.Get("old.jpg")
	assert.True(t, still)
}

func TestResolveInjectiveRemovalAgainstRemoteEdit(t *testing.T) {
	f := newFixture(t,
		map[string]string{"a": "base"},
		map[string]string{},
		map[string]string{"a": "edited"},
	)
	res := f.resolve(t, InjectivePolicy{})
	assert.Empty(t, res.Conflicts)
	assert.Empty(t, res.Commit)
	assert.Empty(t, res.Response)
	assert.Equal(t, []string{"a"}, res.Phantoms)
}

func TestResolveInjectiveReaddedPhantom(t *testing.T) {
	base := snapshot.New(1, "", map[string]snapshot.Entry{"p": content("one")})
	in := Input{
		Base:   base,
		Head:   base,
		Policy: InjectivePolicy{},
		Local:  snapshot.Delta{"p": snapshot.Added(content("one"))},
	}
	res, err := Resolve(in)
	require.NoError(t, err)
	assert.Empty(t, res.Commit)

	in.Local = snapshot.Delta{"p": snapshot.Added(content("two"))}
	res, err = Resolve(in)
	require.NoError(t, err)
	assert.Equal(t, snapshot.OpEdited, res.Commit["p"].Op())
}

func TestResolveInjectiveRelocatesUnderDisplacedDirectory(t *testing.T) {
	f := newFixture(t,
		map[string]string{"q": "/"},
		map[string]string{"q": "/", "q/y": "y"},
		map[string]string{"q": "a file now"},
	)
	res := f.resolve(t, InjectivePolicy{})

	cp := "q.from-srcA1234"
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, KeptBoth, res.Conflicts[0].Resolution)
	assert.Equal(t, cp, res.Conflicts[0].CopyPath)

	assert.ElementsMatch(t, []string{"q", cp, cp + "/y"}, res.Merged.Paths())
	assert.Equal(t, snapshot.OpRemoved, res.Response["q/y"].Op())
	assert.Equal(t, snapshot.OpReplaced, res.Response["q"].Op())
	assert.Equal(t, snapshot.OpAdded, res.Response[cp+"/y"].Op())
	assert.Empty(t, snapshot.Diff(f.requesterFinal(t, res), res.Merged))
}

func TestResolveBlockInjectiveMergesDisjointEdits(t *testing.T) {
	f := newFixture(t,
		map[string]string{"doc.md": "1\n2\n3\n4\n5\n"},
		map[string]string{"doc.md": "1\nX\n3\n4\n5\n"},
		map[string]string{"doc.md": "1\n2\n3\n4\nY\n"},
	)
	res := f.resolve(t, NewBlockInjectivePolicy())

	assert.Empty(t, res.Conflicts)
	merged := []byte("1\nX\n3\n4\nY\n")
	want := snapshot.FileFor(merged)
	got, _ := res.Merged.Get("doc.md")
	assert.True(t, snapshot.Equal(want, got))
	assert.Equal(t, merged, res.Blobs[want.Hash])
	assert.Equal(t, snapshot.OpEdited, res.Commit["doc.md"].Op())
	assert.Equal(t, snapshot.OpEdited, res.Response["doc.md"].Op())
}

func TestResolveBlockInjectiveOverlapKeepsBoth(t *testing.T) {
	f := newFixture(t,
		map[string]string{"doc.md": "1\n2\n3\n"},
		map[string]string{"doc.md": "1\nX\n3\n"},
		map[string]string{"doc.md": "1\nZ\n3\n"},
	)
	res := f.resolve(t, NewBlockInjectivePolicy())

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, KeptBoth, res.Conflicts[0].Resolution)
	assert.Equal(t, "doc.from-srcA1234.md", res.Conflicts[0].CopyPath)
	assert.Empty(t, res.Blobs)
}

func TestCopyPathAvoidsTakenNames(t *testing.T) {
	f := newFixture(t,
		map[string]string{"a.txt": "base", "a.from-srcA1234.txt": "older copy"},
		map[string]string{"a.txt": "local", "a.from-srcA1234.txt": "older copy"},
		map[string]string{"a.txt": "remote", "a.from-srcA1234.txt": "older copy"},
	)
	res := f.resolve(t, InjectivePolicy{})
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "a.from-srcA1234-2.txt", res.Conflicts[0].CopyPath)
}

func TestResolveInjectiveRetryReusesCopy(t *testing.T) {
	first := newFixture(t,
		map[string]string{"a.txt": "base"},
		map[string]string{"a.txt": "local"},
		map[string]string{"a.txt": "remote"},
	)
	res := first.resolve(t, InjectivePolicy{})
	require.Len(t, res.Conflicts, 1)
	cp := res.Conflicts[0].CopyPath
	assert.Equal(t, "a.from-srcA1234.txt", cp)

	// the same request again after the first one was committed
	retry := newFixture(t,
		map[string]string{"a.txt": "base"},
		map[string]string{"a.txt": "local"},
		map[string]string{"a.txt": "remote", cp: "local"},
	)
	again := retry.resolve(t, InjectivePolicy{})
	assert.Empty(t, again.Commit)
	require.Len(t, again.Conflicts, 1)
	assert.Equal(t, KeptBoth, again.Conflicts[0].Resolution)
	assert.Equal(t, cp, again.Conflicts[0].CopyPath)
	assert.Equal(t, res.Response, again.Response)
	assert.ElementsMatch(t, []string{"a.txt", cp}, again.Merged.Paths())
}

func TestResolveInjectiveNewContentGetsNewCopy(t *testing.T) {
	f := newFixture(t,
		map[string]string{"a.txt": "base"},
		map[string]string{"a.txt": "local again"},
		map[string]string{"a.txt": "remote", "a.from-srcA1234.txt": "local"},
	)
	res := f.resolve(t, InjectivePolicy{})
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "a.from-srcA1234-2.txt", res.Conflicts[0].CopyPath)
	assert.Equal(t, snapshot.OpAdded, res.Commit["a.from-srcA1234-2.txt"].Op())
}

func TestParsePolicy(t *testing.T) {
	for _, name := range []string{"bijective", "Injective", " block-injective "} {
		p, err := ParsePolicy(name)
		require.NoError(t, err)
		assert.NotNil(t, p)
	}
	_, err := ParsePolicy("mirror")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}
