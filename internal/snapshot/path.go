package snapshot

import (
	"fmt"
	"path"
	"strings"
)

// MetaDir is the per-tree metadata directory. It is never part of a Snapshot.
const MetaDir = ".arcsync"

// NormPath converts an OS path to the slash separated relative form used as
// Snapshot keys.
func NormPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	p = strings.TrimLeft(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// CleanPath normalizes p and rejects paths that escape the tree or point into
// the metadata directory.
func CleanPath(p string) (string, error) {
	n := NormPath(p)
	if n == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if n == ".." || strings.HasPrefix(n, "../") {
		return "", fmt.Errorf("%w: %q escapes the tree", ErrInvalidPath, p)
	}
	if IsMetaPath(n) {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidPath, p)
	}
	return n, nil
}

// IsMetaPath reports whether p is the metadata dir or inside it.
func IsMetaPath(p string) bool {
	return p == MetaDir || strings.HasPrefix(p, MetaDir+"/")
}

// Parent returns the parent of p, or "" for top level paths.
func Parent(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return ""
	}
	return p[:i]
}

// Depth is the number of path components in p.
func Depth(p string) int {
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// IsUnder reports whether p is strictly below dir.
func IsUnder(p, dir string) bool {
	return dir != "" && strings.HasPrefix(p, dir+"/")
}

// Ancestors returns the parents of p from the top down.
func Ancestors(p string) []string {
	var out []string
	for q := Parent(p); q != ""; q = Parent(q) {
		out = append(out, q)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
