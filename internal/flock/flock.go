// Package flock provides a non-blocking exclusive advisory lock on a file,
// used to keep two processes from working on the same vault at once.
package flock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = errors.New("flock: already locked")

// Lock is a held file lock.
type Lock struct {
	f *os.File
}

// TryLock creates path if needed and takes an exclusive lock on it without
// blocking.
func TryLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("flock: failed to create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("flock: failed to open %s: %w", path, err)
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	return &Lock{f: f}, nil
}

// Unlock releases the lock. Calling it twice is a no-op.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
