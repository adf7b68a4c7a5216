// Package store persists the server enablement snapshot, the only host state
// that outlives a restart.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"McpHost/internal/models"
)

// FileStore keeps the snapshot in a single JSON document that is fully
// overwritten on every save.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by path. The file is created on the
// first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns an empty snapshot when the file does not exist yet.
func (s *FileStore) Load(_ context.Context) (models.PersistedServerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := models.PersistedServerState{Servers: map[string]bool{}}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return models.PersistedServerState{Servers: map[string]bool{}}, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	if state.Servers == nil {
		state.Servers = map[string]bool{}
	}
	return state, nil
}

// Save writes to a temporary sibling and renames it over the target, so a
// crash leaves either the previous or the new snapshot.
func (s *FileStore) Save(_ context.Context, state models.PersistedServerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".server_state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
