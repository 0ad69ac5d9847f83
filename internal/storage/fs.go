package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FS is the filesystem-backed Backend rooted at a data directory.
//
// Files are created 0600 and directories 0700: the vault key and the
// encrypted blob live here, so nothing may be group- or world-readable.
type FS struct {
	root string
}

// NewFS creates a filesystem backend rooted at root, creating the
// directory if it does not exist.
func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, fmt.Errorf("storage: root directory is required")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &FS{root: root}, nil
}

// Root returns the backend's root directory.
func (f *FS) Root() string {
	return f.root
}

// Resolve returns the absolute path for a relative storage path. Exposed
// for the vault file watcher, which needs a real path to hand to fsnotify.
func (f *FS) Resolve(path string) (string, error) {
	cleaned, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.root, cleaned), nil
}

func (f *FS) ReadFile(path string) ([]byte, error) {
	abs, err := f.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

func (f *FS) WriteFile(path string, data []byte, perm os.FileMode) error {
	abs, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0700); err != nil {
		return fmt.Errorf("storage: mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, data, perm); err != nil {
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	return nil
}

func (f *FS) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	abs, err := f.Resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("storage: mkdir for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(abs)+".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: write temp for %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: chmod temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename into %s: %w", path, err)
	}
	return nil
}

func (f *FS) AppendLine(path string, line []byte) error {
	abs, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0700); err != nil {
		return fmt.Errorf("storage: mkdir for %s: %w", path, err)
	}
	fh, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("storage: open %s for append: %w", path, err)
	}
	defer fh.Close()

	if _, err := fh.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("storage: append %s: %w", path, err)
	}
	return nil
}

func (f *FS) ReadLines(path string) ([][]byte, error) {
	data, err := f.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return splitLines(data), nil
}

func (f *FS) Remove(path string) error {
	abs, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove %s: %w", path, err)
	}
	return nil
}

func (f *FS) Exists(path string) (bool, error) {
	abs, err := f.Resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	return true, nil
}

func (f *FS) List(dir string) ([]string, error) {
	abs, err := f.Resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// splitLines splits newline-delimited data, dropping a trailing empty
// line but preserving empty lines in the middle so audit verification
// can report them by line number.
func splitLines(data []byte) [][]byte {
	lines := bytes.Split(data, []byte{'\n'})
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}
