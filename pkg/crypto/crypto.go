// Package crypto provides the cryptographic primitives used by safectl.
//
// Every blob produced by Encrypt is self-contained: the random 12-byte nonce
// is prepended to the AES-256-GCM ciphertext, so callers store and pass a
// single byte slice. Associated data is optional and must be supplied
// identically on decryption.
//
// # Security Features
//
//   - AES-256-GCM authenticated encryption with optional associated data
//   - Argon2id password-based key derivation (64MB memory, 3 iterations, 4 threads)
//   - Hardware-cipher key wrapping for biometric unlock
//   - Protected in-memory key buffers backed by memguard
//   - Secure memory wiping for transient key copies
//
// # Example Usage
//
//	salt, _ := crypto.GenerateSalt()
//	key, err := crypto.DeriveKey([]byte("password"), salt)
//
//	blob, err := crypto.Encrypt(key, plaintext, nil)
//	plaintext, err := crypto.Decrypt(key, blob, nil)
//
//	crypto.SecureWipe(key)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// SaltLength is the length of generated salts in bytes.
	SaltLength = 32
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrEncryptionFailed indicates the plaintext could not be sealed, usually a malformed key.
	ErrEncryptionFailed = errors.New("crypto: encryption failed")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the blob is shorter than nonce plus GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrEmptyPasswordDerivation indicates DeriveKey was called with an empty password.
	ErrEmptyPasswordDerivation = errors.New("crypto: cannot derive a key from an empty password")
)

// KDFParams holds the Argon2id cost parameters.
type KDFParams struct {
	Memory     uint32 // KiB
	Iterations uint32
	Threads    uint8
}

// DefaultKDFParams are the production Argon2id parameters.
var DefaultKDFParams = KDFParams{
	Memory:     Argon2Memory,
	Iterations: Argon2Time,
	Threads:    Argon2Threads,
}

// DeriveKey derives a 256-bit key from a password using Argon2id with
// DefaultKDFParams. The same password and salt always yield the same key.
func DeriveKey(password, salt []byte) ([]byte, error) {
	return DeriveKeyWithParams(password, salt, DefaultKDFParams)
}

// DeriveKeyWithParams is DeriveKey with explicit cost parameters.
func DeriveKeyWithParams(password, salt []byte, p KDFParams) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPasswordDerivation
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Threads == 0 {
		return nil, fmt.Errorf("crypto: invalid KDF parameters %+v", p)
	}
	return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Threads, KeyLength), nil
}

// Encrypt seals plaintext with AES-256-GCM under key. A fresh random nonce
// is generated per call and prepended to the returned blob. associatedData
// may be nil.
func Encrypt(key, plaintext, associatedData []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, ErrInvalidKeyLength)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, NonceLength, NonceLength+len(plaintext)+gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	// Seal appends to nonce so the result is nonce || ciphertext || tag
	return gcm.Seal(nonce, nonce, plaintext, associatedData), nil
}

// Decrypt opens a blob produced by Encrypt. Any authentication failure
// (wrong key, tampered data, different associated data) returns
// ErrDecryptionFailed and no plaintext.
func Decrypt(key, blob, associatedData []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrInvalidKeyLength)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}

	if len(blob) < NonceLength+gcm.Overhead() {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrCiphertextTooShort)
	}

	plaintext, err := gcm.Open(nil, blob[:NonceLength], blob[NonceLength:], associatedData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateKey returns KeyLength random bytes.
func GenerateKey() ([]byte, error) {
	return randomBytes(KeyLength)
}

// GenerateSalt returns SaltLength random bytes.
func GenerateSalt() ([]byte, error) {
	return randomBytes(SaltLength)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: failed to read random bytes: %w", err)
	}
	return b, nil
}

// DeriveSubKey expands secret into an independent 32-byte key bound to info
// using HKDF-SHA256.
func DeriveSubKey(secret []byte, info string) ([]byte, error) {
	out := make([]byte, KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("crypto: failed to derive sub key: %w", err)
	}
	return out, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	runtime.KeepAlive(b)
}
