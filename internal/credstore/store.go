package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Keys under which the credential pair is persisted.
const (
	KeyAccess  = "access"
	KeyRefresh = "refresh"
)

// Store is durable key-value persistence for the credential pair. It performs
// no validation; Clear is the single "log the user out" primitive and removes
// every key the client owns.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Clear() error
}

// FileStore persists values as a JSON object in a single file, the desktop
// analogue of browser-local storage. Writes are atomic (temp file + rename)
// and the file is kept private to the owning user.
type FileStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// OpenFile loads (or lazily creates) a file-backed store at path.
func OpenFile(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("credstore: path is required")
	}
	s := &FileStore{path: path, values: map[string]string{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("credstore: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		// A corrupt file is treated as empty; the next write replaces it.
		s.values = map[string]string{}
	}
	return s, nil
}

func (s *FileStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.flush()
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = map[string]string{}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("credstore: clear %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("credstore: mkdir: %w", err)
	}
	data, err := json.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("credstore: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("credstore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("credstore: rename: %w", err)
	}
	return nil
}

// Mem is an in-memory store used in tests and by the upload-link flow, which
// never persists credentials.
type Mem struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMem() *Mem {
	return &Mem{values: map[string]string{}}
}

func (m *Mem) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (m *Mem) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Mem) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = map[string]string{}
	return nil
}
