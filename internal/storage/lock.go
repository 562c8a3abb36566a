package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// PathLock is an exclusive cross-process advisory lock scoped to one
// data file. Every reader and writer of a shared store file, including
// out-of-process tools, must take this lock for the full load-mutate-save
// cycle. The lock lives in a ".lock" sibling so the guarded file itself
// can be atomically replaced while held.
type PathLock struct {
	file *os.File
}

// LockPath blocks until the exclusive lock for path is acquired.
func LockPath(path string) (*PathLock, error) {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("locking %s: %w", lockPath, err)
	}
	return &PathLock{file: file}, nil
}

// Unlock releases the lock. Safe to call once on every exit path.
func (l *PathLock) Unlock() {
	if l.file == nil {
		return
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
}

// WithLock runs fn while holding the exclusive lock for path.
func WithLock(path string, fn func() error) error {
	lock, err := LockPath(path)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return fn()
}
