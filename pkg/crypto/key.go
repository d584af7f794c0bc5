package crypto

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrKeyDestroyed is returned when a Key is used after Destroy or Move.
var ErrKeyDestroyed = errors.New("crypto: key has been destroyed")

// Key is a single-owner protected key buffer. The plaintext lives sealed in
// a memguard enclave and is only exposed inside Use, in mlocked memory that
// is wiped when the callback returns. Ownership is transferred with Move;
// the previous holder can no longer read the key.
type Key struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
}

// NewKey seals raw into a protected Key. raw is wiped in all cases.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != KeyLength {
		SecureWipe(raw)
		return nil, ErrInvalidKeyLength
	}
	// NewBufferFromBytes wipes raw after copying it into locked memory
	buf := memguard.NewBufferFromBytes(raw)
	return &Key{enclave: buf.Seal()}, nil
}

// Use opens the key for the duration of fn. The slice passed to fn must not
// be retained.
func (k *Key) Use(fn func(key []byte) error) error {
	k.mu.Lock()
	enclave := k.enclave
	k.mu.Unlock()
	if enclave == nil {
		return ErrKeyDestroyed
	}

	buf, err := enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Encrypt seals plaintext under the key.
func (k *Key) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	var out []byte
	err := k.Use(func(key []byte) error {
		var err error
		out, err = Encrypt(key, plaintext, associatedData)
		return err
	})
	return out, err
}

// Decrypt opens blob under the key.
func (k *Key) Decrypt(blob, associatedData []byte) ([]byte, error) {
	var out []byte
	err := k.Use(func(key []byte) error {
		var err error
		out, err = Decrypt(key, blob, associatedData)
		return err
	})
	return out, err
}

// Move transfers ownership to a new Key and leaves k destroyed.
func (k *Key) Move() *Key {
	k.mu.Lock()
	defer k.mu.Unlock()
	moved := &Key{enclave: k.enclave}
	k.enclave = nil
	return moved
}

// Destroy drops the sealed key. Safe to call more than once and on nil.
func (k *Key) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	k.enclave = nil
	k.mu.Unlock()
}

// Destroyed reports whether the key can no longer be used.
func (k *Key) Destroyed() bool {
	if k == nil {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.enclave == nil
}
