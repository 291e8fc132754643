package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/arcsync/arcsync/internal/merge"
	"github.com/arcsync/arcsync/internal/snapshot"
	"github.com/arcsync/arcsync/internal/utils"
)

// ObjectStore is a content-addressed blob directory. Objects are never
// removed, so every archived version stays recoverable.
type ObjectStore struct {
	root string
}

func NewObjectStore(root string) (*ObjectStore, error) {
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}
	return &ObjectStore{root: root}, nil
}

// Path shards a hash as ab/cd/ef/gh/<rest>.
func (o *ObjectStore) Path(hash string) string {
	if len(hash) <= 8 {
		return filepath.Join(o.root, hash)
	}
	return filepath.Join(o.root, hash[0:2], hash[2:4], hash[4:6], hash[6:8], hash[8:])
}

func (o *ObjectStore) Has(hash string) bool {
	_, err := os.Stat(o.Path(hash))
	return err == nil
}

// Put stores data under hash after checking they match.
func (o *ObjectStore) Put(hash string, data []byte) error {
	if got := snapshot.HashBytes(data); got != hash {
		return fmt.Errorf("%w: want %s, got %s", ErrBlobMismatch, hash, got)
	}
	if o.Has(hash) {
		return nil
	}
	p := o.Path(hash)
	if err := utils.EnsureParent(p); err != nil {
		return err
	}
	if err := renameio.WriteFile(p, data, 0o444); err != nil {
		return fmt.Errorf("write object %s: %w", hash, err)
	}
	return nil
}

// Adopt moves an already verified file into the store.
func (o *ObjectStore) Adopt(hash, src string) error {
	p := o.Path(hash)
	if o.Has(hash) {
		return os.Remove(src)
	}
	if err := utils.EnsureParent(p); err != nil {
		return err
	}
	return os.Rename(src, p)
}

func (o *ObjectStore) Content(hash string) ([]byte, error) {
	data, err := os.ReadFile(o.Path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", merge.ErrNoContent, hash)
	}
	return data, err
}

var _ merge.ContentSource = (*ObjectStore)(nil)
