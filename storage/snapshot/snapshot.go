// Package snapshot persists the last rendered telemetry snapshot so that
// get_long_status can be answered before the first live batch after a
// restart.
package snapshot

import (
	"context"
	"os"
	"path/filepath"

	"github.com/c360/gantrybridge/errors"
)

// DefaultFileName is the snapshot file written next to the working directory.
const DefaultFileName = "last_measurements.xml"

// Store loads and saves the last snapshot. Load returns errors.ErrKeyNotFound
// when nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, snapshot []byte) error
}

// FileStore keeps the snapshot in a single file, replaced atomically.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultFileName
	}
	return &FileStore{path: path}
}

// Path returns the snapshot file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the snapshot file.
func (s *FileStore) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "FileStore", "Load", s.path)
		}
		return nil, errors.WrapTransient(err, "FileStore", "Load", "read snapshot")
	}
	if len(data) == 0 {
		return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "FileStore", "Load", "empty snapshot file")
	}
	return data, nil
}

// Save writes to a temporary file in the same directory and renames it over
// the snapshot, so readers never see a partial document.
func (s *FileStore) Save(ctx context.Context, snapshot []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errors.WrapTransient(err, "FileStore", "Save", "create temporary file")
	}
	name := tmp.Name()

	if _, err := tmp.Write(snapshot); err != nil {
		tmp.Close()
		os.Remove(name)
		return errors.WrapTransient(err, "FileStore", "Save", "write snapshot")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return errors.WrapTransient(err, "FileStore", "Save", "close snapshot")
	}
	if err := os.Rename(name, s.path); err != nil {
		os.Remove(name)
		return errors.WrapTransient(err, "FileStore", "Save", "replace snapshot")
	}
	return nil
}

// Seed returns the first snapshot found in stores, in order. Stores that have
// nothing or fail are skipped; ok is false when none has a snapshot.
func Seed(ctx context.Context, stores ...Store) (data []byte, ok bool) {
	for _, s := range stores {
		if s == nil {
			continue
		}
		if data, err := s.Load(ctx); err == nil {
			return data, true
		}
	}
	return nil, false
}
