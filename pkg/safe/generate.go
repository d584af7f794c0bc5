package safe

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/forest6511/safectl/pkg/crypto"
)

// MasterKeyTestValue is the known plaintext sealed as encTest.
const MasterKeyTestValue = "44c5dac9-17ba-4690-9275-c7471b2e0582"

// GenerateCrypto produces a fresh record under key: a key-test value and
// newly generated index, item-edition and bubbles keys, each wrapped by the
// master key. When hc is non-nil the master key is also wrapped for
// biometric unlock. The returned record has no ID.
func GenerateCrypto(key *crypto.Key, salt []byte, hc crypto.HardwareCipher) (*SafeCrypto, error) {
	c := &SafeCrypto{Salt: cloneBytes(salt)}

	encTest, err := key.Encrypt([]byte(MasterKeyTestValue), nil)
	if err != nil {
		return nil, fmt.Errorf("safe: failed to encrypt key-test value: %w", err)
	}
	c.EncTest = encTest

	for _, target := range []*[]byte{&c.EncIndexKey, &c.EncItemEditionKey, &c.EncBubblesKey} {
		aux, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		wrapped, err := key.Encrypt(aux, nil)
		crypto.SecureWipe(aux)
		if err != nil {
			return nil, fmt.Errorf("safe: failed to wrap auxiliary key: %w", err)
		}
		*target = wrapped
	}

	if hc != nil {
		err := key.Use(func(raw []byte) error {
			wrapped, err := crypto.Wrap(raw, hc)
			if err != nil {
				return err
			}
			c.BiometricCryptoMaterial = wrapped
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("safe: failed to wrap master key for biometric: %w", err)
		}
	}

	return c, nil
}

// Provision creates a new vault: a fresh salt, a master key derived from
// password, and a complete record. The caller owns the returned key.
func Provision(ctx context.Context, repo *Repository, password []byte, params crypto.KDFParams, hc crypto.HardwareCipher) (*SafeCrypto, *crypto.Key, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, nil, err
	}

	raw, err := crypto.DeriveKeyWithParams(password, salt, params)
	if err != nil {
		return nil, nil, err
	}
	key, err := crypto.NewKey(raw)
	if err != nil {
		return nil, nil, err
	}

	c, err := GenerateCrypto(key, salt, hc)
	if err != nil {
		key.Destroy()
		return nil, nil, err
	}
	c.ID = uuid.NewString()

	if err := repo.Write(ctx, c); err != nil {
		key.Destroy()
		return nil, nil, err
	}
	return c, key, nil
}
