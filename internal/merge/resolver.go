package merge

import (
	"fmt"
	"maps"
	"path"
	"regexp"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/arcsync/arcsync/internal/snapshot"
)

// Input is everything the resolver needs for one request.
type Input struct {
	// Base is the archive snapshot the requester last agreed on.
	Base *snapshot.Snapshot
	// Head is the current archive snapshot.
	Head *snapshot.Snapshot
	// Local holds the requester's changes relative to Base.
	Local snapshot.Delta
	// Remote holds the committed changes from Base to Head.
	Remote snapshot.Delta
	Policy Policy
	// Content serves base, requester and committed file content.
	Content ContentSource
	// Tag names conflict copies made for this requester.
	Tag string
}

// Result is the outcome of a merge.
type Result struct {
	// Commit takes Head to Merged.
	Commit snapshot.Delta
	// Response takes the requester's tree (Base plus Local) to its new state.
	Response snapshot.Delta
	// Merged is Head with Commit applied. Version fields are left to the caller.
	Merged *snapshot.Snapshot
	// Conflicts in path order.
	Conflicts []Conflict
	// Blobs holds content created by the merge, keyed by hash.
	Blobs map[string][]byte
	// Phantoms are requester removals the archive did not take.
	Phantoms []string
}

// Resolve merges the requester's changes with the committed ones. It does not
// touch any state outside its arguments.
func Resolve(in Input) (*Result, error) {
	if in.Policy == nil {
		return nil, fmt.Errorf("%w: nil", ErrUnknownPolicy)
	}
	if in.Base == nil {
		in.Base = snapshot.Empty()
	}
	if in.Head == nil {
		in.Head = in.Base
	}

	local, err := rebase(in.Base, in.Local, in.Policy.AppendOnly())
	if err != nil {
		return nil, err
	}

	m := &merger{
		in:        in,
		local:     local,
		remote:    in.Remote,
		commit:    snapshot.Delta{},
		response:  snapshot.Delta{},
		conflicts: map[string]Conflict{},
		blobs:     map[string][]byte{},
		copies:    map[string]string{},
		tag:       copyTag(in.Tag),
	}
	if m.remote == nil {
		m.remote = snapshot.Delta{}
	}

	paths := mapset.NewThreadUnsafeSet[string]()
	for p := range m.local {
		paths.Add(p)
	}
	for p := range m.remote {
		paths.Add(p)
	}
	sorted := paths.ToSlice()
	slices.Sort(sorted)

	phantoms := mapset.NewThreadUnsafeSet[string]()
	for _, p := range sorted {
		l, lok := m.local[p]
		r, rok := m.remote[p]
		switch {
		case lok && !rok:
			if l.New == nil && in.Policy.AppendOnly() {
				phantoms.Add(p)
				continue
			}
			m.setArchive(p, l.New)
		case rok && !lok:
			m.setRequester(p, r.New)
		case snapshot.Equal(l.New, r.New):
			// both sides reached the same state
		case l.New == nil && in.Policy.AppendOnly():
			phantoms.Add(p)
		default:
			if err := m.resolveClash(p, l, r); err != nil {
				return nil, err
			}
		}
	}

	if err := m.repair(); err != nil {
		return nil, err
	}

	merged, err := in.Head.Apply(m.commit, in.Head.Version, in.Head.CommitID)
	if err != nil {
		return nil, fmt.Errorf("apply merged delta: %w", err)
	}
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnresolvable, err)
	}

	res := &Result{
		Commit:   m.commit,
		Response: m.response,
		Merged:   merged,
		Blobs:    m.blobs,
		Phantoms: phantoms.ToSlice(),
	}
	slices.Sort(res.Phantoms)
	for _, p := range slices.Sorted(maps.Keys(m.conflicts)) {
		res.Conflicts = append(res.Conflicts, m.conflicts[p])
	}
	return res, nil
}

// rebase rewrites local so every change starts from base. Append-only
// policies tolerate stale requester state, for example a re-added path the
// archive still holds. Other policies reject it.
func rebase(base *snapshot.Snapshot, local snapshot.Delta, appendOnly bool) (snapshot.Delta, error) {
	out := make(snapshot.Delta, len(local))
	for p, c := range local {
		cur := base.Lookup(p)
		if snapshot.Equal(cur, c.Old) {
			if !c.IsNoop() {
				out[p] = c
			}
			continue
		}
		if !appendOnly {
			return nil, fmt.Errorf("%w: %q expected %s, base has %s", ErrBaseMismatch, p, snapshot.Describe(c.Old), snapshot.Describe(cur))
		}
		rc := snapshot.Change{Old: cur, New: c.New}
		if !rc.IsNoop() {
			out[p] = rc
		}
	}
	return out, nil
}

type merger struct {
	in        Input
	local     snapshot.Delta
	remote    snapshot.Delta
	commit    snapshot.Delta
	response  snapshot.Delta
	conflicts map[string]Conflict
	blobs     map[string][]byte
	copies    map[string]string
	tag       string
}

func (m *merger) base(p string) snapshot.Entry { return m.in.Base.Lookup(p) }
func (m *merger) head(p string) snapshot.Entry { return m.in.Head.Lookup(p) }

// requester is the requester's state at p before the response is applied.
func (m *merger) requester(p string) snapshot.Entry {
	if c, ok := m.local[p]; ok {
		return c.New
	}
	return m.base(p)
}

// archive is the archived state at p after the commit.
func (m *merger) archive(p string) snapshot.Entry {
	if c, ok := m.commit[p]; ok {
		return c.New
	}
	return m.head(p)
}

func (m *merger) setArchive(p string, e snapshot.Entry) {
	c := snapshot.Change{Old: m.head(p), New: e}
	if c.IsNoop() {
		delete(m.commit, p)
		return
	}
	m.commit[p] = c
}

func (m *merger) setRequester(p string, e snapshot.Entry) {
	c := snapshot.Change{Old: m.requester(p), New: e}
	if c.IsNoop() {
		delete(m.response, p)
		return
	}
	m.response[p] = c
}

// settle makes e the final value at p on both sides.
func (m *merger) settle(p string, e snapshot.Entry) {
	m.setArchive(p, e)
	m.setRequester(p, e)
}

func (m *merger) resolveClash(p string, l, r snapshot.Change) error {
	out, err := m.in.Policy.Resolve(&Clash{
		Path:    p,
		Base:    m.base(p),
		Local:   l.New,
		Remote:  r.New,
		Content: m.in.Content,
	})
	if err != nil {
		return fmt.Errorf("resolve %q: %w", p, err)
	}

	m.settle(p, out.Final)
	if out.Merged != nil {
		if f, ok := out.Final.(snapshot.File); ok {
			m.blobs[f.Hash] = out.Merged
		}
	}

	var copyPath string
	if out.Copy != nil {
		copyPath = m.copyFor(p, out.Copy)
		m.settle(copyPath, out.Copy)
	}
	if out.Resolution != "" {
		m.conflicts[p] = Conflict{
			Path:       p,
			Base:       m.base(p),
			Local:      l.New,
			Remote:     r.New,
			Resolution: out.Resolution,
			CopyPath:   copyPath,
		}
	}
	return nil
}

// repair restores a valid tree: every archived entry needs a directory
// parent. Removed parents come back; parents displaced by a file or symlink
// either become directories again or, for append-only policies, the
// requester's entries move under a conflict copy.
func (m *merger) repair() error {
	limit := 2*(len(m.commit)+len(m.remote)) + 8
	for range limit {
		tree := m.archiveTree()
		bad := m.brokenParents(tree)
		if len(bad) == 0 {
			return nil
		}
		m.fixParent(bad[0], tree[bad[0]])
	}
	return ErrUnresolvable
}

// brokenParents lists, top down, the paths that must be directories in tree
// but are not. Only parents touched by the commit can be broken.
func (m *merger) brokenParents(tree map[string]snapshot.Entry) []string {
	lost := mapset.NewThreadUnsafeSet[string]()
	bad := mapset.NewThreadUnsafeSet[string]()
	for p, c := range m.commit {
		if snapshot.IsDir(c.Old) && !snapshot.IsDir(c.New) {
			lost.Add(p)
		}
		if c.New == nil {
			continue
		}
		if q := snapshot.Parent(p); q != "" && !snapshot.IsDir(tree[q]) {
			bad.Add(q)
		}
	}
	if lost.Cardinality() > 0 {
		for p := range tree {
			if q := snapshot.Parent(p); lost.Contains(q) && !snapshot.IsDir(tree[q]) {
				bad.Add(q)
			}
		}
	}
	out := bad.ToSlice()
	slices.Sort(out)
	return out
}

func (m *merger) fixParent(q string, qe snapshot.Entry) {
	conflict := Conflict{Path: q, Base: m.base(q), Local: m.requester(q), Remote: m.head(q)}
	if prev, ok := m.conflicts[q]; ok {
		conflict = prev
	}

	switch {
	case qe == nil:
		m.settle(q, snapshot.Dir{})
		conflict.Resolution = KeptParent

	case m.in.Policy.AppendOnly() && snapshot.Equal(m.head(q), qe):
		m.relocateUnder(q)
		conflict.Resolution = KeptBoth
		conflict.CopyPath = m.copies[q]

	case m.in.Policy.AppendOnly():
		cp := m.copyFor(q, qe)
		m.settle(cp, qe)
		m.settle(q, snapshot.Dir{})
		conflict.Resolution = KeptBoth
		conflict.CopyPath = cp

	default:
		if snapshot.Equal(m.requester(q), qe) {
			conflict.Resolution = RemoteWins
		} else {
			conflict.Resolution = LocalWins
		}
		m.settle(q, snapshot.Dir{})
	}
	m.conflicts[q] = conflict
}

// relocateUnder moves the requester's new entries below q to the conflict
// copy of q, leaving the archived non-directory at q untouched.
func (m *merger) relocateUnder(q string) {
	cp := m.copyFor(q, nil)
	m.settle(cp, snapshot.Dir{})

	for _, p := range m.commit.Paths() {
		if !snapshot.IsUnder(p, q) {
			continue
		}
		e := m.commit[p].New
		delete(m.commit, p)
		m.setRequester(p, nil)
		if e != nil {
			m.settle(cp+strings.TrimPrefix(p, q), e)
		}
	}
}

func (m *merger) archiveTree() map[string]snapshot.Entry {
	tree := m.in.Head.Entries()
	for p, c := range m.commit {
		if c.New == nil {
			delete(tree, p)
		} else {
			tree[p] = c.New
		}
	}
	return tree
}

// copyFor returns the conflict copy path for p, allocating it on first use.
// An archived copy of p already holding keep is reused, so a retried request
// settles on the copy its first attempt made. Directories are never reused.
func (m *merger) copyFor(p string, keep snapshot.Entry) string {
	if cp, ok := m.copies[p]; ok {
		return cp
	}
	reuse := keep != nil && !snapshot.IsDir(keep)
	for i := 1; ; i++ {
		cand := copyName(p, m.tag, i)
		if reuse && snapshot.Equal(m.archive(cand), keep) {
			m.copies[p] = cand
			return cand
		}
		if !m.taken(cand) {
			m.copies[p] = cand
			return cand
		}
	}
}

// copyName is the i-th conflict copy name of p, <stem>.from-<tag>[-i]<ext>.
func copyName(p, tag string, i int) string {
	dir, name := path.Split(p)
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}
	if i > 1 {
		return fmt.Sprintf("%s%s.from-%s-%d%s", dir, stem, tag, i, ext)
	}
	return fmt.Sprintf("%s%s.from-%s%s", dir, stem, tag, ext)
}

func (m *merger) taken(p string) bool {
	if m.archive(p) != nil || m.requester(p) != nil {
		return true
	}
	_, inRemote := m.remote[p]
	_, inResponse := m.response[p]
	return inRemote || inResponse
}

var tagSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func copyTag(tag string) string {
	tag = tagSanitizer.ReplaceAllString(tag, "")
	if len(tag) > 8 {
		tag = tag[:8]
	}
	if tag == "" {
		return "conflict"
	}
	return tag
}
