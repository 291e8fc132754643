package localstate

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/arcsync/arcsync/internal/snapshot"
	"github.com/arcsync/arcsync/internal/utils"
)

// IgnoreFile holds per-source gitignore rules at the source root.
const IgnoreFile = ".arcsyncignore"

var defaultIgnoreLines = []string{
	// python
	".ipynb_checkpoints/",
	"__pycache__/",
	"*.py[cod]",
	".venv/",
	// IDE/Editor-specific
	".vscode",
	".idea",
	// General excludes
	"*.tmp",
	"*.swp",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// IgnoreList decides which source paths are never scanned or synced. The
// metadata dir and conflict markers are always ignored.
type IgnoreList struct {
	baseDir  string
	excludes []string
	ignore   *gitignore.GitIgnore
}

func NewIgnoreList(baseDir string, excludes []string) *IgnoreList {
	return &IgnoreList{baseDir: baseDir, excludes: excludes}
}

// ValidateExcludes checks that every exclude is a valid doublestar pattern.
func ValidateExcludes(excludes []string) error {
	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(pattern) {
			return &PathError{Op: "exclude", Path: pattern, Err: doublestar.ErrBadPattern}
		}
	}
	return nil
}

// Load compiles the default rules and the source's ignore file.
func (s *IgnoreList) Load() {
	ignorePath := filepath.Join(s.baseDir, IgnoreFile)
	ignoreLines := append([]string(nil), defaultIgnoreLines...)

	if utils.FileExists(ignorePath) {
		rules := 0
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("failed to open ignore file", "path", ignorePath, "error", err)
		} else {
			defer file.Close()

			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line != "" && !strings.HasPrefix(line, "#") {
					ignoreLines = append(ignoreLines, line)
					rules++
				}
			}

			if err := scanner.Err(); err != nil {
				slog.Warn("error reading ignore file", "path", ignorePath, "error", err)
			} else {
				slog.Debug("loaded ignore file", "path", ignorePath, "rules", rules)
			}
		}
	}

	s.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
}

// ShouldIgnore reports whether the slash separated relative path p is
// excluded. isDir lets directory-only rules ("logs/") match.
func (s *IgnoreList) ShouldIgnore(p string, isDir bool) bool {
	if snapshot.IsMetaPath(p) || IsMarkedPath(p) {
		return true
	}
	for _, pattern := range s.excludes {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	if s.ignore == nil {
		return false
	}
	if isDir && s.ignore.MatchesPath(p+"/") {
		return true
	}
	return s.ignore.MatchesPath(p)
}
