// Package masterkey recovers the plaintext master key of a vault, either by
// deriving it from a password and the stored salt or by unwrapping it with a
// hardware-backed biometric cipher.
package masterkey

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/forest6511/safectl/pkg/crypto"
	"github.com/forest6511/safectl/pkg/safe"
)

var (
	// ErrMasterKeyNotGenerated indicates no salt or wrapped key is stored for the vault.
	ErrMasterKeyNotGenerated = errors.New("masterkey: no master key material stored for this safe")

	// ErrWrongPassword indicates the candidate key does not open the key-test value.
	ErrWrongPassword = errors.New("masterkey: unable to load the master key with the provided credential")
)

// CryptoReader reads the wrapped key material of a vault.
type CryptoReader interface {
	Read(ctx context.Context, safeID string) (*safe.SafeCrypto, error)
}

// Acquirer produces master keys. It never validates the key itself; callers
// run Verify before trusting it.
type Acquirer struct {
	repo   CryptoReader
	params crypto.KDFParams
}

// New returns an Acquirer deriving keys with params.
func New(repo CryptoReader, params crypto.KDFParams) *Acquirer {
	return &Acquirer{repo: repo, params: params}
}

func (a *Acquirer) read(ctx context.Context, safeID string) (*safe.SafeCrypto, error) {
	c, err := a.repo.Read(ctx, safeID)
	if errors.Is(err, safe.ErrSafeNotFound) {
		return nil, ErrMasterKeyNotGenerated
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ByPassword derives the master key from password and the stored salt.
func (a *Acquirer) ByPassword(ctx context.Context, safeID string, password []byte) (*crypto.Key, error) {
	c, err := a.read(ctx, safeID)
	if err != nil {
		return nil, err
	}
	if len(c.Salt) == 0 {
		return nil, ErrMasterKeyNotGenerated
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := crypto.DeriveKeyWithParams(password, c.Salt, a.params)
	if err != nil {
		return nil, err
	}
	return crypto.NewKey(raw)
}

// ByBiometric unwraps the stored biometric material with hc.
func (a *Acquirer) ByBiometric(ctx context.Context, safeID string, hc crypto.HardwareCipher) (*crypto.Key, error) {
	c, err := a.read(ctx, safeID)
	if err != nil {
		return nil, err
	}
	if len(c.BiometricCryptoMaterial) == 0 {
		return nil, ErrMasterKeyNotGenerated
	}

	raw, err := crypto.Unwrap(c.BiometricCryptoMaterial, hc)
	if err != nil {
		return nil, err
	}
	return crypto.NewKey(raw)
}

// Verify checks that key opens c.EncTest to the known test value.
// associatedData must match what the test value was sealed with; it is nil
// for every vault that no longer carries a legacy username.
func Verify(key *crypto.Key, c *safe.SafeCrypto, associatedData []byte) error {
	plain, err := key.Decrypt(c.EncTest, associatedData)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return ErrWrongPassword
		}
		return fmt.Errorf("masterkey: failed to open key-test value: %w", err)
	}
	defer crypto.SecureWipe(plain)

	if subtle.ConstantTimeCompare(plain, []byte(safe.MasterKeyTestValue)) != 1 {
		return ErrWrongPassword
	}
	return nil
}
