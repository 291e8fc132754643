package localstate

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/arcsync/arcsync/internal/utils"
)

// ConflictMarker tags local content that lost a merge. Marked files stay on
// disk for the user and are never synced.
const ConflictMarker = ".conflict"

// timeFormat is sortable so rotated markers list in time order.
const timeFormat = "20060102150405"

var markerRegex = regexp.MustCompile(`` + regexp.QuoteMeta(ConflictMarker) + `(\.\d{14})?(\.[^/]*)?$`)

// SetMarker moves the file at path to its marked name and returns it. An
// existing marker is rotated with a timestamp first.
func SetMarker(filePath string) (string, error) {
	if !utils.FileExists(filePath) {
		return "", fmt.Errorf("cannot mark file: source file does not exist: %s", filePath)
	}

	markedPath := MarkedPath(filePath)
	if utils.FileExists(markedPath) {
		rotatedPath := rotatedPath(markedPath, time.Now())
		if err := os.Rename(markedPath, rotatedPath); err != nil {
			return "", fmt.Errorf("rotate marker %s: %w", markedPath, err)
		}
		slog.Debug("rotated marker", "from", markedPath, "to", rotatedPath)
	}

	if err := os.Rename(filePath, markedPath); err != nil {
		return "", fmt.Errorf("mark %s: %w", filePath, err)
	}
	return markedPath, nil
}

// IsMarkedPath reports whether the base name of p carries a conflict marker,
// rotated or not.
func IsMarkedPath(p string) bool {
	return markerRegex.MatchString(path.Base(filepath.ToSlash(p)))
}

// MarkedPath returns the marker name for p: "a.txt" becomes "a.conflict.txt".
func MarkedPath(p string) string {
	stem, ext := splitExt(p)
	return stem + ConflictMarker + ext
}

// "a.conflict.txt" becomes "a.conflict.20250712234500.txt"
func rotatedPath(p string, t time.Time) string {
	stem, ext := splitExt(p)
	return fmt.Sprintf("%s.%s%s", stem, t.Format(timeFormat), ext)
}

// splitExt keeps dotfiles such as ".bashrc" whole.
func splitExt(p string) (string, string) {
	ext := filepath.Ext(p)
	stem := strings.TrimSuffix(p, ext)
	if stem == "" || strings.HasSuffix(stem, "/") || strings.HasSuffix(stem, string(filepath.Separator)) {
		return p, ""
	}
	return stem, ext
}
