package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/forest6511/safectl/pkg/crypto"
	"github.com/forest6511/safectl/pkg/masterkey"
	"github.com/forest6511/safectl/pkg/safe"
	"github.com/forest6511/safectl/pkg/store"
)

// LegacyUsernameKey is the datastore entry holding the username that early
// vaults used as associated data.
const LegacyUsernameKey = "username"

// UsernameRemoval re-seals every blob that was bound to the legacy username
// so that it opens without associated data, then deletes the username.
//
// Writes happen in order: item store, SafeCrypto, username. Every blob that
// already opens without associated data is left as is, so a run interrupted
// between any two writes resumes cleanly.
type UsernameRemoval struct {
	transition
}

// NewUsernameRemoval returns the 0->1 step.
func NewUsernameRemoval() *UsernameRemoval {
	return &UsernameRemoval{transition{from: 0}}
}

func (s *UsernameRemoval) Name() string        { return "username_removal" }
func (s *UsernameRemoval) ReentrantSafe() bool { return true }

func (s *UsernameRemoval) Execute(ctx context.Context, mc *Context) error {
	username, err := mc.Settings.Get(LegacyUsernameKey)
	if err != nil {
		return stepErr(s, "read username", CodeStorage, err)
	}
	if username == nil {
		return nil
	}

	c, err := mc.Repo.Read(ctx, mc.SafeID)
	if err != nil {
		return stepErr(s, "read safe crypto", CodeStorage, err)
	}

	// 1. The test value must open, with or without the username
	test, err := openLegacy(mc.Key, c.EncTest, username)
	if err != nil || string(test) != safe.MasterKeyTestValue {
		return stepErr(s, "check key-test value", CodeWrongPassword, masterkey.ErrWrongPassword)
	}
	crypto.SecureWipe(test)

	// 2. Index key, needed to re-seal index words
	var indexKey []byte
	if len(c.EncIndexKey) > 0 {
		indexKey, err = openLegacy(mc.Key, c.EncIndexKey, username)
		if err != nil {
			return stepErr(s, "open index key", CodeUsernameRemoval, fmt.Errorf("%w: %w", ErrDecryptionWrongKey, err))
		}
		defer crypto.SecureWipe(indexKey)
	}

	// 3. Item keys and index words
	err = mc.Store.WithTx(ctx, func(tx *store.Tx) error {
		keys, err := tx.ItemKeys(ctx, mc.SafeID)
		if err != nil {
			return err
		}
		for _, k := range keys {
			resealed, changed, err := resealKey(mc.Key, k.EncValue, username)
			if err != nil {
				return fmt.Errorf("%w: item %s: %w", ErrItemKeyDecryption, k.ItemID, err)
			}
			if !changed {
				continue
			}
			if err := tx.UpdateItemKey(ctx, k.ItemID, resealed); err != nil {
				return err
			}
		}

		words, err := tx.IndexWords(ctx, mc.SafeID)
		if err != nil {
			return err
		}
		if len(words) > 0 && indexKey == nil {
			return errors.New("migration: index words present but index key is missing")
		}
		for _, w := range words {
			resealed, changed, err := resealRaw(indexKey, w.EncWord, username)
			if err != nil {
				return fmt.Errorf("%w: index word %d: %w", ErrDecryptionWrongKey, w.ID, err)
			}
			if !changed {
				continue
			}
			if err := tx.UpdateIndexWord(ctx, w.ID, resealed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return stepErr(s, "re-encrypt item store", CodeUsernameRemoval, err)
	}

	// 4. SafeCrypto fields, committed as one record
	updated := c.Clone()
	for _, f := range []*[]byte{&updated.EncTest, &updated.EncIndexKey, &updated.EncItemEditionKey, &updated.EncBubblesKey} {
		if len(*f) == 0 {
			continue
		}
		resealed, _, err := resealKey(mc.Key, *f, username)
		if err != nil {
			return stepErr(s, "re-encrypt safe crypto", CodeUsernameRemoval, err)
		}
		*f = resealed
	}
	if err := mc.Repo.Write(ctx, updated); err != nil {
		return stepErr(s, "write safe crypto", CodeStorage, err)
	}

	// 5. Only now is the username no longer needed
	if err := mc.Settings.Delete(LegacyUsernameKey); err != nil {
		return stepErr(s, "delete username", CodeStorage, err)
	}
	return nil
}

// openLegacy opens blob sealed with or without the legacy associated data.
func openLegacy(key *crypto.Key, blob, ad []byte) ([]byte, error) {
	plain, err := key.Decrypt(blob, ad)
	if err == nil {
		return plain, nil
	}
	if plain, err2 := key.Decrypt(blob, nil); err2 == nil {
		return plain, nil
	}
	return nil, err
}

// resealKey re-encrypts blob under key without associated data. changed is
// false when blob already opens without it.
func resealKey(key *crypto.Key, blob, ad []byte) (out []byte, changed bool, err error) {
	if plain, err := key.Decrypt(blob, nil); err == nil {
		crypto.SecureWipe(plain)
		return blob, false, nil
	}
	plain, err := key.Decrypt(blob, ad)
	if err != nil {
		return nil, false, err
	}
	defer crypto.SecureWipe(plain)
	out, err = key.Encrypt(plain, nil)
	return out, err == nil, err
}

func resealRaw(key, blob, ad []byte) (out []byte, changed bool, err error) {
	if plain, err := crypto.Decrypt(key, blob, nil); err == nil {
		crypto.SecureWipe(plain)
		return blob, false, nil
	}
	plain, err := crypto.Decrypt(key, blob, ad)
	if err != nil {
		return nil, false, err
	}
	defer crypto.SecureWipe(plain)
	out, err = crypto.Encrypt(key, plain, nil)
	return out, err == nil, err
}
