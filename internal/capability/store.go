package capability

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Document file names inside the base directory.
const (
	ProbedFile    = "capabilities.json"
	OverridesFile = "overrides.json"
)

// Store persists one capability layer as a whole document keyed by "<provider>:<model>".
type Store interface {
	// Load returns every persisted entry. A missing document is an empty map.
	Load() (map[string]CachedCapabilityEntry, error)

	// Save replaces the document with entries.
	Save(entries map[string]CachedCapabilityEntry) error

	// Location describes where the document lives, for error reports.
	Location() string
}

// FileStore is a JSON document on local disk, replaced atomically on save.
type FileStore struct {
	path string
}

// NewFileStore returns a store for the document at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Location returns the document path.
func (s *FileStore) Location() string { return s.path }

// Load reads and parses the document.
func (s *FileStore) Load() (map[string]CachedCapabilityEntry, error) {
	f, err := openNoFollowRead(s.path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return map[string]CachedCapabilityEntry{}, nil
		}
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	entries := map[string]CachedCapabilityEntry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(s.path), err)
	}
	return entries, nil
}

// Save writes entries to a temp file in the same directory and renames it
// over the document, so readers never see a partial write.
func (s *FileStore) Save(entries map[string]CachedCapabilityEntry) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	_ = os.Chmod(tmpPath, 0600)

	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// MemoryStore keeps the document in memory. Used by tests and by callers
// that want a throwaway cache.
type MemoryStore struct {
	Entries map[string]CachedCapabilityEntry
	LoadErr error
	Saves   int
}

// Location implements Store.
func (s *MemoryStore) Location() string { return "memory" }

// Load implements Store.
func (s *MemoryStore) Load() (map[string]CachedCapabilityEntry, error) {
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	out := make(map[string]CachedCapabilityEntry, len(s.Entries))
	for k, v := range s.Entries {
		out[k] = v
	}
	return out, nil
}

// Save implements Store.
func (s *MemoryStore) Save(entries map[string]CachedCapabilityEntry) error {
	s.Saves++
	s.Entries = make(map[string]CachedCapabilityEntry, len(entries))
	for k, v := range entries {
		s.Entries[k] = v
	}
	return nil
}
