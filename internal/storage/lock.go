package storage

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/afero"
)

// locker serialises writers of one file.
type locker interface {
	Lock() error
	Unlock() error
}

// newLocker returns a cross-process flock on the OS filesystem and an
// in-process mutex on any other filesystem.
func newLocker(fs afero.Fs, path string) locker {
	if _, ok := fs.(*afero.OsFs); ok {
		return NewFileLock(path)
	}
	return &memLock{}
}

type memLock struct {
	mu sync.Mutex
}

func (l *memLock) Lock() error {
	l.mu.Lock()
	return nil
}

func (l *memLock) Unlock() error {
	l.mu.Unlock()
	return nil
}

// FileLock provides file-based locking for concurrent access.
type FileLock struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewFileLock creates a new file lock.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Lock acquires an exclusive lock on the file.
func (l *FileLock) Lock() error {
	l.mu.Lock()

	if err := os.MkdirAll(filepath.Dir(l.path), dirPerm); err != nil {
		l.mu.Unlock()
		return err
	}

	var err error
	l.file, err = os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return err
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX); err != nil {
		l.file.Close()
		l.mu.Unlock()
		return err
	}

	return nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)

	l.file.Close()
	os.Remove(l.path + ".lock")

	l.file = nil
	l.mu.Unlock()

	return nil
}
