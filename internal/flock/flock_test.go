package flock

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestTryLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "safe.lock")

	first, err := TryLock(path)
	if err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}

	// flock locks are per open file description, so a second open conflicts
	if _, err := TryLock(path); !errors.Is(err, ErrLocked) {
		t.Errorf("second TryLock: expected ErrLocked, got %v", err)
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := first.Unlock(); err != nil {
		t.Errorf("second Unlock should be a no-op, got %v", err)
	}

	again, err := TryLock(path)
	if err != nil {
		t.Fatalf("TryLock after Unlock failed: %v", err)
	}
	again.Unlock()
}
