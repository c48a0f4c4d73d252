package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore persists the cache as a JSON mapping of fingerprint to entry
// metadata. Writes go through a temp file and rename so a crash mid-flush
// never leaves a truncated cache behind.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the given path. The file is created
// on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the whole mapping. A missing file is an empty cache, not an
// error; anything else (unreadable, corrupt JSON) is a CacheIOError.
func (s *FileStore) Load(_ context.Context) (map[string]*Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]*Entry), nil
	}
	if err != nil {
		return nil, &CacheIOError{Op: "load", Err: err}
	}

	entries := make(map[string]*Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &CacheIOError{Op: "load", Err: fmt.Errorf("corrupt cache file %s: %w", s.path, err)}
	}
	return entries, nil
}

// Save writes the whole mapping atomically.
func (s *FileStore) Save(_ context.Context, entries map[string]*Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return &CacheIOError{Op: "flush", Err: err}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".cache-*.json")
	if err != nil {
		return &CacheIOError{Op: "flush", Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &CacheIOError{Op: "flush", Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &CacheIOError{Op: "flush", Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return &CacheIOError{Op: "flush", Err: err}
	}
	return nil
}
