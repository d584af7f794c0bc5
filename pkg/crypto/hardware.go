package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrBiometricKeyInvalidated indicates the hardware key protecting a wrapped
// master key is gone, typically because biometric enrollment changed.
var ErrBiometricKeyInvalidated = errors.New("crypto: biometric key permanently invalidated")

// HardwareCipher is a platform-backed cipher whose key never leaves the
// secure element. Implementations return ErrBiometricKeyInvalidated once the
// underlying key has been invalidated.
type HardwareCipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Wrap encrypts key with the hardware cipher.
func Wrap(key []byte, hc HardwareCipher) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	wrapped, err := hc.Encrypt(key)
	if err != nil {
		if errors.Is(err, ErrBiometricKeyInvalidated) {
			return nil, err
		}
		return nil, fmt.Errorf("crypto: failed to wrap key: %w", err)
	}
	return wrapped, nil
}

// Unwrap recovers a key previously produced by Wrap.
func Unwrap(wrapped []byte, hc HardwareCipher) ([]byte, error) {
	key, err := hc.Decrypt(wrapped)
	if err != nil {
		if errors.Is(err, ErrBiometricKeyInvalidated) {
			return nil, err
		}
		return nil, fmt.Errorf("crypto: failed to unwrap key: %w", err)
	}
	if len(key) != KeyLength {
		SecureWipe(key)
		return nil, ErrInvalidKeyLength
	}
	return key, nil
}

const softwareCipherInfo = "safectl-device-cipher-v1"

// SoftwareCipher is a HardwareCipher backed by a device secret file. It is
// used on hosts without a secure element and in tests. Deleting or replacing
// the device file invalidates every key wrapped with it.
type SoftwareCipher struct {
	path string
}

// NewSoftwareCipher opens the device secret at path, creating it with 0600
// permissions when absent.
func NewSoftwareCipher(path string) (*SoftwareCipher, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		secret, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		defer SecureWipe(secret)
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("crypto: failed to create device key directory: %w", err)
		}
		if err := os.WriteFile(path, secret, 0600); err != nil {
			return nil, fmt.Errorf("crypto: failed to write device key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("crypto: failed to stat device key: %w", err)
	}
	return &SoftwareCipher{path: path}, nil
}

// Invalidate removes the device secret, permanently invalidating wrapped keys.
func (c *SoftwareCipher) Invalidate() error {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("crypto: failed to remove device key: %w", err)
	}
	return nil
}

func (c *SoftwareCipher) aead() (aeadCloser, error) {
	secret, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return aeadCloser{}, ErrBiometricKeyInvalidated
		}
		return aeadCloser{}, fmt.Errorf("crypto: failed to read device key: %w", err)
	}
	defer SecureWipe(secret)

	key, err := DeriveSubKey(secret, softwareCipherInfo)
	if err != nil {
		return aeadCloser{}, err
	}
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		SecureWipe(key)
		return aeadCloser{}, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	return aeadCloser{aead: a, key: key}, nil
}

// Encrypt implements HardwareCipher with XChaCha20-Poly1305.
func (c *SoftwareCipher) Encrypt(plaintext []byte) ([]byte, error) {
	a, err := c.aead()
	if err != nil {
		return nil, err
	}
	defer a.close()

	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt implements HardwareCipher. An authentication failure means the
// device secret changed since wrapping and is reported as invalidation.
func (c *SoftwareCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	a, err := c.aead()
	if err != nil {
		return nil, err
	}
	defer a.close()

	if len(ciphertext) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := a.aead.Open(nil, ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, ErrBiometricKeyInvalidated
	}
	return plaintext, nil
}

type aeadCloser struct {
	aead cipher.AEAD
	key  []byte
}

func (a aeadCloser) close() { SecureWipe(a.key) }
