package archive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/arcsync/arcsync/internal/snapshot"
)

// staging holds the blobs of one request until all of them are verified.
type staging struct {
	dir    string
	hashes []string
}

func newStaging(root string) (*staging, error) {
	dir := filepath.Join(root, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &staging{dir: dir}, nil
}

func (s *staging) add(hash string, data []byte) error {
	if got := snapshot.HashBytes(data); got != hash {
		return fmt.Errorf("%w: want %s, got %s", ErrBlobMismatch, hash, got)
	}
	if err := os.WriteFile(filepath.Join(s.dir, hash), data, 0o444); err != nil {
		return fmt.Errorf("stage blob: %w", err)
	}
	s.hashes = append(s.hashes, hash)
	return nil
}

// promote moves every staged blob into the object store.
func (s *staging) promote(objects *ObjectStore) ([]string, error) {
	for _, h := range s.hashes {
		if err := objects.Adopt(h, filepath.Join(s.dir, h)); err != nil {
			return nil, fmt.Errorf("promote blob %s: %w", h, err)
		}
	}
	return s.hashes, nil
}

func (s *staging) cleanup() {
	os.RemoveAll(s.dir)
}
