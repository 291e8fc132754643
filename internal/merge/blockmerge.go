package merge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/restic/chunker"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/arcsync/arcsync/internal/snapshot"
)

const (
	// Files up to this size that look like text merge line by line.
	lineMergeLimit = 1 << 20

	minChunkSize = 256 << 10
	maxChunkSize = 4 << 20
)

// chunkPolynomial is fixed so every server cuts the same content the same way.
const chunkPolynomial = chunker.Pol(0x3DA3358B4DC173)

// BlockInjectivePolicy merges concurrent edits of one file when they touch
// disjoint chunks. Overlapping edits and every non-file clash fall back to
// the injective conflict copy.
type BlockInjectivePolicy struct {
	fallback InjectivePolicy
}

func NewBlockInjectivePolicy() *BlockInjectivePolicy {
	return &BlockInjectivePolicy{}
}

func (*BlockInjectivePolicy) Name() PolicyName { return BlockInjective }
func (*BlockInjectivePolicy) AppendOnly() bool { return true }

func (p *BlockInjectivePolicy) Resolve(c *Clash) (Outcome, error) {
	base, bok := c.Base.(snapshot.File)
	local, lok := c.Local.(snapshot.File)
	remote, rok := c.Remote.(snapshot.File)
	if !bok || !lok || !rok || c.Content == nil {
		return p.fallback.Resolve(c)
	}

	var data [3][]byte
	for i, f := range []snapshot.File{base, local, remote} {
		b, err := c.Content.Content(f.Hash)
		if err != nil {
			return Outcome{}, fmt.Errorf("load %s: %w", f.Hash, err)
		}
		data[i] = b
	}

	merged, ok, err := MergeContent(data[0], data[1], data[2])
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return p.fallback.Resolve(c)
	}

	final := snapshot.FileFor(merged)
	final.ModTime = local.ModTime
	if remote.ModTime.After(final.ModTime) {
		final.ModTime = remote.ModTime
	}
	return Outcome{Final: final, Merged: merged}, nil
}

// hunk replaces base tokens [start, end) with repl.
type hunk struct {
	start, end int
	repl       []rune
}

// MergeContent three-way merges local and remote edits of base. It reports
// false when the edits overlap.
func MergeContent(base, local, remote []byte) ([]byte, bool, error) {
	split := splitLines
	if len(base) > lineMergeLimit || len(local) > lineMergeLimit || len(remote) > lineMergeLimit ||
		!isText(base) || !isText(local) || !isText(remote) {
		split = splitChunks
	}

	var chunks [3][][]byte
	for i, b := range [][]byte{base, local, remote} {
		c, err := split(b)
		if err != nil {
			return nil, false, err
		}
		chunks[i] = c
	}

	tok := newTokenizer()
	b, l, r := tok.runes(chunks[0]), tok.runes(chunks[1]), tok.runes(chunks[2])

	lh, rh := hunks(b, l), hunks(b, r)
	all, ok := combine(lh, rh)
	if !ok {
		return nil, false, nil
	}

	var out []rune
	pos := 0
	for _, h := range all {
		out = append(out, b[pos:h.start]...)
		out = append(out, h.repl...)
		pos = h.end
	}
	out = append(out, b[pos:]...)
	return tok.bytes(out), true, nil
}

// hunks diffs edited against base and groups the edits by base range.
func hunks(base, edited []rune) []hunk {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	diffs := dmp.DiffMainRunes(base, edited, false)

	var out []hunk
	var cur *hunk
	pos := 0
	flush := func() {
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}
	for _, d := range diffs {
		n := []rune(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			pos += len(n)
		case diffmatchpatch.DiffDelete:
			if cur == nil {
				cur = &hunk{start: pos, end: pos}
			}
			pos += len(n)
			cur.end = pos
		case diffmatchpatch.DiffInsert:
			if cur == nil {
				cur = &hunk{start: pos, end: pos}
			}
			cur.repl = append(cur.repl, n...)
		}
	}
	flush()
	return out
}

// combine interleaves two hunk lists. Hunks that overlap or touch conflict
// unless they are identical.
func combine(a, b []hunk) ([]hunk, bool) {
	out := make([]hunk, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j == len(b):
			out = append(out, a[i])
			i++
		case i == len(a):
			out = append(out, b[j])
			j++
		case a[i].start == b[j].start && a[i].end == b[j].end && slices.Equal(a[i].repl, b[j].repl):
			out = append(out, a[i])
			i++
			j++
		case a[i].start <= b[j].end && b[j].start <= a[i].end:
			return nil, false
		case a[i].start < b[j].start:
			out = append(out, a[i])
			i++
		default:
			out = append(out, b[j])
			j++
		}
	}
	return out, true
}

func splitLines(data []byte) ([][]byte, error) {
	var out [][]byte
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			out = append(out, data)
			break
		}
		out = append(out, data[:i+1])
		data = data[i+1:]
	}
	return out, nil
}

func splitChunks(data []byte) ([][]byte, error) {
	c := chunker.NewWithBoundaries(bytes.NewReader(data), chunkPolynomial, minChunkSize, maxChunkSize)
	buf := make([]byte, maxChunkSize)
	var out [][]byte
	for {
		chunk, err := c.Next(buf)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("chunk content: %w", err)
		}
		out = append(out, bytes.Clone(chunk.Data))
	}
}

func isText(data []byte) bool {
	return utf8.Valid(data) && bytes.IndexByte(data, 0) < 0
}

// tokenizer maps distinct chunks to runes so the rune differ can compare
// chunk sequences.
type tokenizer struct {
	ids    map[uint64][]tokenEntry
	chunks [][]byte
}

type tokenEntry struct {
	data []byte
	r    rune
}

func newTokenizer() *tokenizer {
	return &tokenizer{ids: map[uint64][]tokenEntry{}}
}

func (t *tokenizer) runes(chunks [][]byte) []rune {
	out := make([]rune, len(chunks))
	for i, c := range chunks {
		out[i] = t.token(c)
	}
	return out
}

func (t *tokenizer) token(c []byte) rune {
	h := xxhash.Sum64(c)
	for _, e := range t.ids[h] {
		if bytes.Equal(e.data, c) {
			return e.r
		}
	}
	r := indexRune(len(t.chunks))
	t.chunks = append(t.chunks, c)
	t.ids[h] = append(t.ids[h], tokenEntry{data: c, r: r})
	return r
}

func (t *tokenizer) bytes(rs []rune) []byte {
	var buf bytes.Buffer
	for _, r := range rs {
		buf.Write(t.chunks[runeIndex(r)])
	}
	return buf.Bytes()
}

// indexRune skips the surrogate range so every token is a valid rune.
func indexRune(i int) rune {
	r := rune(i + 1)
	if r >= 0xD800 {
		r += 0x800
	}
	return r
}

func runeIndex(r rune) int {
	if r >= 0xD800+0x800 {
		r -= 0x800
	}
	return int(r) - 1
}
