// Package storage provides file-based JSON storage on an afero filesystem.
//
// Storage maps a key path to a JSON file under a base directory. StateStore
// builds on it to persist the flat key/value namespaces backing the state
// cache, one file per namespace.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrCorrupt wraps decode failures of a stored file.
	ErrCorrupt = errors.New("corrupt data")
)

const (
	dirPerm    os.FileMode = 0o755
	filePerm   os.FileMode = 0o644
	secretPerm os.FileMode = 0o600
)

// Storage provides file-based JSON storage.
type Storage struct {
	fs       afero.Fs
	basePath string
	mu       sync.RWMutex
	locks    map[string]locker
}

// New creates a new Storage rooted at basePath on fs. A nil fs means the
// OS filesystem.
func New(fs afero.Fs, basePath string) *Storage {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Storage{
		fs:       fs,
		basePath: basePath,
		locks:    make(map[string]locker),
	}
}

// Fs returns the underlying filesystem.
func (s *Storage) Fs() afero.Fs { return s.fs }

// pathToFile converts a path slice to a file path.
func (s *Storage) pathToFile(path []string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...) + ".json"
}

// pathToDir converts a path slice to a directory path.
func (s *Storage) pathToDir(path []string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...)
}

// Get retrieves a value from storage.
func (s *Storage) Get(ctx context.Context, path []string, v any) error {
	data, err := afero.ReadFile(s.fs, s.pathToFile(path))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read file: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: failed to unmarshal: %w", ErrCorrupt, err)
	}

	return nil
}

// Put stores a value in storage with file locking.
func (s *Storage) Put(ctx context.Context, path []string, v any) error {
	return s.put(path, v, filePerm)
}

func (s *Storage) put(path []string, v any, perm os.FileMode) error {
	filePath := s.pathToFile(path)

	lock, err := s.lockFile(filePath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	return s.writeLocked(filePath, v, perm)
}

// lockFile creates the parent directory of filePath, which also holds the
// lock file, and acquires the lock.
func (s *Storage) lockFile(filePath string) (locker, error) {
	if err := s.fs.MkdirAll(filepath.Dir(filePath), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return lock, nil
}

// writeLocked writes to a temp file first, then renames it into place.
func (s *Storage) writeLocked(filePath string, v any, perm os.FileMode) error {
	if err := s.fs.MkdirAll(filepath.Dir(filePath), dirPerm); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, data, perm); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := s.fs.Rename(tmpPath, filePath); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

// Delete removes a value from storage.
func (s *Storage) Delete(ctx context.Context, path []string) error {
	filePath := s.pathToFile(path)
	if ok, _ := afero.DirExists(s.fs, filepath.Dir(filePath)); !ok {
		return nil // Nothing was ever stored
	}

	lock, err := s.lockFile(filePath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if err := s.fs.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// List returns all items at a path.
func (s *Storage) List(ctx context.Context, path []string) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.pathToDir(path))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var items []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			items = append(items, name)
		} else if strings.HasSuffix(name, ".json") {
			items = append(items, strings.TrimSuffix(name, ".json"))
		}
	}

	return items, nil
}

// Exists checks if a path exists.
func (s *Storage) Exists(ctx context.Context, path []string) bool {
	ok, err := afero.Exists(s.fs, s.pathToFile(path))
	return err == nil && ok
}

// getLock returns the lock guarding a file path.
func (s *Storage) getLock(filePath string) locker {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		lock = newLocker(s.fs, filePath)
		s.locks[filePath] = lock
	}

	return lock
}
