package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalStore implements Store on the local filesystem.
// Writes go to a temporary file in the target directory and are renamed into
// place, so a reader never observes a partially written artifact.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating artifact directory %q: %w", dir, err)
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) path(id uuid.UUID) string {
	return filepath.Join(s.root, filepath.FromSlash(objectName("", id)))
}

func (s *LocalStore) Put(ctx context.Context, id uuid.UUID, data []byte) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	p := s.path(id)
	obj := Object{Key: p, Checksum: Digest(data), SizeBytes: int64(len(data))}

	existing, err := os.ReadFile(p)
	switch {
	case err == nil:
		if Digest(existing) != obj.Checksum {
			return Object{}, fmt.Errorf("%w: content mismatch for artifact %s", ErrStorage, id)
		}
		return obj, nil
	case !errors.Is(err, fs.ErrNotExist):
		return Object{}, fmt.Errorf("%w: reading %s: %v", ErrStorage, p, err)
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return Object{}, fmt.Errorf("%w: creating directory: %v", ErrStorage, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("%w: creating temp file: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Object{}, fmt.Errorf("%w: writing %s: %v", ErrStorage, id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Object{}, fmt.Errorf("%w: syncing %s: %v", ErrStorage, id, err)
	}
	if err := tmp.Close(); err != nil {
		return Object{}, fmt.Errorf("%w: closing %s: %v", ErrStorage, id, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return Object{}, fmt.Errorf("%w: renaming %s: %v", ErrStorage, id, err)
	}

	return obj, nil
}

func (s *LocalStore) Get(ctx context.Context, id uuid.UUID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrStorage, id, err)
	}
	return data, nil
}

func (s *LocalStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: deleting %s: %v", ErrStorage, id, err)
	}
	return nil
}

func (s *LocalStore) Close() error {
	return nil
}
