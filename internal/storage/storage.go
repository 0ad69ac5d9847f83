// Package storage provides the persistence port used by every chittydna
// component that touches disk.
//
// Core logic never opens files directly and never hardcodes paths. It
// addresses content through a Backend rooted at a data directory, which
// keeps the vault, audit log, and pipeline state testable against an
// in-memory implementation.
package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Errors for storage operations.
var (
	// ErrNotFound is returned when the requested path does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidPath is returned for paths that escape the data directory.
	ErrInvalidPath = errors.New("storage: invalid path")
)

// Backend is the storage port. Paths are relative, slash-separated, and
// always resolved inside the backend's root.
type Backend interface {
	// ReadFile returns the full contents of path.
	ReadFile(path string) ([]byte, error)

	// WriteFile writes data to path, creating parent directories.
	WriteFile(path string, data []byte, perm os.FileMode) error

	// WriteFileAtomic writes data via a temporary file and rename so a
	// crash never leaves a partially written file at path.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error

	// AppendLine appends line plus a trailing newline to path, creating
	// the file if needed.
	AppendLine(path string, line []byte) error

	// ReadLines returns the newline-delimited contents of path, one
	// element per line, without the line terminator.
	ReadLines(path string) ([][]byte, error)

	// Remove deletes path. Removing a missing path is not an error.
	Remove(path string) error

	// Exists reports whether path exists.
	Exists(path string) (bool, error)

	// List returns the names of entries directly under dir, sorted.
	List(dir string) ([]string, error)
}

// cleanPath normalizes a relative path and rejects traversal outside the
// root. Returned paths use the platform separator.
func cleanPath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}
