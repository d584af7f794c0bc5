// Package session holds the unlocked master key for the lifetime of the
// process once a vault has been opened and migrated.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/forest6511/safectl/pkg/crypto"
)

// ErrLocked is returned by Key when no key is loaded.
var ErrLocked = errors.New("session: vault is locked")

// Session is safe for concurrent use.
type Session struct {
	mu     sync.Mutex
	key    *crypto.Key
	safeID string
	ready  chan struct{}
}

// New returns a locked session.
func New() *Session {
	return &Session{ready: make(chan struct{})}
}

// Load takes ownership of key and marks the session ready. A previously
// loaded key is destroyed.
func (s *Session) Load(safeID string, key *crypto.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != nil {
		s.key.Destroy()
	}
	s.key = key
	s.safeID = safeID
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
}

// Key returns the loaded key and the vault it belongs to. The key stays
// owned by the session.
func (s *Session) Key() (*crypto.Key, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil || s.key.Destroyed() {
		return nil, "", ErrLocked
	}
	return s.key, s.safeID, nil
}

// WaitReady blocks until a key is loaded or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close destroys the key and returns the session to the locked state.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		s.key.Destroy()
		s.key = nil
	}
	s.safeID = ""
	select {
	case <-s.ready:
		s.ready = make(chan struct{})
	default:
	}
}
