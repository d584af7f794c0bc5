package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forest6511/safectl/pkg/crypto"
)

func newKey(t *testing.T) *crypto.Key {
	t.Helper()
	raw, _ := crypto.GenerateKey()
	key, err := crypto.NewKey(raw)
	if err != nil {
		t.Fatalf("NewKey failed: %v", err)
	}
	return key
}

func TestLoadAndKey(t *testing.T) {
	s := New()
	if _, _, err := s.Key(); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked before Load, got %v", err)
	}

	first := newKey(t)
	s.Load("a", first)
	key, id, err := s.Key()
	if err != nil || key != first || id != "a" {
		t.Fatalf("Key() = (%p, %q, %v)", key, id, err)
	}

	second := newKey(t)
	s.Load("b", second)
	if !first.Destroyed() {
		t.Error("replaced key should be destroyed")
	}

	s.Close()
	if !second.Destroyed() {
		t.Error("Close should destroy the key")
	}
	if _, _, err := s.Key(); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked after Close, got %v", err)
	}
}

func TestWaitReady(t *testing.T) {
	s := New()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.WaitReady(context.Background()) }()
	s.Load("a", newKey(t))

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitReady failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitReady did not return after Load")
	}

	s.Close()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if err := s.WaitReady(ctx2); err == nil {
		t.Error("WaitReady should block again after Close")
	}
}
