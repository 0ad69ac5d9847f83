package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Memory is a map-backed Backend for tests. All operations are
// mutex-guarded so concurrent pipeline/scheduler tests are race-free.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

func (m *Memory) key(path string) (string, error) {
	cleaned, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(cleaned), nil
}

func (m *Memory) ReadFile(path string) ([]byte, error) {
	k, err := m.key(path)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) WriteFile(path string, data []byte, _ os.FileMode) error {
	k, err := m.key(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[k] = append([]byte(nil), data...)
	return nil
}

// WriteFileAtomic is identical to WriteFile for the in-memory backend;
// map assignment is already all-or-nothing.
func (m *Memory) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return m.WriteFile(path, data, perm)
}

func (m *Memory) AppendLine(path string, line []byte) error {
	k, err := m.key(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := append([]byte(nil), m.files[k]...)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	m.files[k] = buf
	return nil
}

func (m *Memory) ReadLines(path string) ([][]byte, error) {
	data, err := m.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return splitLines(data), nil
}

func (m *Memory) Remove(path string) error {
	k, err := m.key(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, k)
	return nil
}

func (m *Memory) Exists(path string) (bool, error) {
	k, err := m.key(path)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[k]
	return ok, nil
}

func (m *Memory) List(dir string) ([]string, error) {
	k, err := m.key(dir)
	if err != nil {
		return nil, err
	}
	prefix := k + "/"
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	for path := range m.files {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		name, _, _ := strings.Cut(rest, "/")
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
