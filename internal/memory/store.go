// Package memory provides the project-scoped persistent key/value
// store agents use to carry knowledge between conversations.
package memory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/troupe-dev/troupe/internal/common/logger"
	"github.com/troupe-dev/troupe/internal/store"
)

// Store persists string values per project. Writes are atomic and
// serialized per project; values are opaque to the runtime.
type Store struct {
	root   *store.Root
	logger *logger.Logger
}

// NewStore creates a memory store over the given state root.
func NewStore(root *store.Root, log *logger.Logger) *Store {
	return &Store{
		root:   root,
		logger: log.WithComponent("memory"),
	}
}

// Save stores value under key for the project.
func (s *Store) Save(projectPath, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	lock := s.root.ProjectLock(projectPath)
	lock.Lock()
	defer lock.Unlock()

	entries, path, err := s.load(projectPath)
	if err != nil {
		return err
	}
	entries[key] = value
	return store.WriteJSONAtomic(path, entries)
}

// Retrieve returns the value for key and whether it exists.
func (s *Store) Retrieve(projectPath, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}

	lock := s.root.ProjectLock(projectPath)
	lock.Lock()
	defer lock.Unlock()

	entries, _, err := s.load(projectPath)
	if err != nil {
		return "", false, err
	}
	value, ok := entries[key]
	return value, ok, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(projectPath, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	lock := s.root.ProjectLock(projectPath)
	lock.Lock()
	defer lock.Unlock()

	entries, path, err := s.load(projectPath)
	if err != nil {
		return err
	}
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return store.WriteJSONAtomic(path, entries)
}

// List returns a copy of all entries for the project.
func (s *Store) List(projectPath string) (map[string]string, error) {
	lock := s.root.ProjectLock(projectPath)
	lock.Lock()
	defer lock.Unlock()

	entries, _, err := s.load(projectPath)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out, nil
}

// load reads the memory file, treating corrupt files as empty after
// they have been quarantined. Callers hold the project lock.
func (s *Store) load(projectPath string) (map[string]string, string, error) {
	path, err := s.root.MemoryPath(projectPath)
	if err != nil {
		return nil, "", err
	}

	entries := make(map[string]string)
	if _, err := store.ReadJSON(path, &entries); err != nil {
		var ce *store.CorruptError
		if !errors.As(err, &ce) {
			return nil, "", fmt.Errorf("failed to load memory: %w", err)
		}
		s.logger.Warn("Quarantined corrupt memory file: " + ce.Quarantined)
		entries = make(map[string]string)
	}
	return entries, path, nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("memory key is required")
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("memory key contains NUL")
	}
	return nil
}
