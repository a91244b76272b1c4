package migrate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LegacyStorage is the old string key/value area being migrated away from.
type LegacyStorage interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (string, bool, error)
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
}

// DirStorage reads a legacy storage dump laid out as one file per key.
type DirStorage struct {
	Dir string
}

func (s DirStorage) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid legacy key %q", key)
	}
	return filepath.Join(s.Dir, key), nil
}

// Get reads the file named key.
func (s DirStorage) Get(key string) (string, bool, error) {
	path, err := s.path(key)
	if err != nil {
		return "", false, err
	}
	// #nosec G304 - path is confined to the dump directory
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read legacy key %s: %w", key, err)
	}
	return string(data), true, nil
}

// Remove deletes the file named key.
func (s DirStorage) Remove(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove legacy key %s: %w", key, err)
	}
	return nil
}

// MapStorage is an in-memory LegacyStorage.
type MapStorage struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMapStorage returns a MapStorage seeded with values.
func NewMapStorage(values map[string]string) *MapStorage {
	m := &MapStorage{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

func (m *MapStorage) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MapStorage) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Len returns the number of keys left.
func (m *MapStorage) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}
