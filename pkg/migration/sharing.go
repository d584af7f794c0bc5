package migration

import (
	"context"
	"fmt"

	"github.com/forest6511/safectl/pkg/crypto"
	"github.com/forest6511/safectl/pkg/store"
)

// Contact sharing modes
const (
	SharingModeCypherText = "cypher_text"
	SharingModeDeeplink   = "deeplink"
)

// ContactSharingMode converts the legacy boolean sharing flag of every
// contact into a sharing mode. Each contact field is sealed under the
// contact's local key, which is wrapped by the vault's bubbles key.
// Contacts already holding a mode are skipped.
type ContactSharingMode struct {
	transition
}

// NewContactSharingMode returns the 5->6 step.
func NewContactSharingMode() *ContactSharingMode {
	return &ContactSharingMode{transition{from: 5}}
}

func (s *ContactSharingMode) Name() string        { return "contact_sharing_mode" }
func (s *ContactSharingMode) ReentrantSafe() bool { return true }

func (s *ContactSharingMode) Execute(ctx context.Context, mc *Context) error {
	c, err := mc.Repo.Read(ctx, mc.SafeID)
	if err != nil {
		return stepErr(s, "read safe crypto", CodeStorage, err)
	}

	err = mc.Store.WithTx(ctx, func(tx *store.Tx) error {
		contacts, err := tx.Contacts(ctx, mc.SafeID)
		if err != nil || len(contacts) == 0 {
			return err
		}
		if len(c.EncBubblesKey) == 0 {
			return fmt.Errorf("migration: %d contacts but no bubbles key", len(contacts))
		}

		bubblesKey, err := mc.Key.Decrypt(c.EncBubblesKey, nil)
		if err != nil {
			return fmt.Errorf("%w: bubbles key: %w", ErrDecryptionWrongKey, err)
		}
		defer crypto.SecureWipe(bubblesKey)

		for _, ct := range contacts {
			enc, changed, err := convertSharingMode(bubblesKey, ct)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			if err := tx.UpdateContactSharingMode(ctx, ct.ID, enc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return stepErr(s, "convert sharing modes", CodeDecryptionWrongKey, err)
	}
	return nil
}

func convertSharingMode(bubblesKey []byte, ct store.Contact) ([]byte, bool, error) {
	localKey, err := crypto.Decrypt(bubblesKey, ct.EncLocalKey, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: local key of contact %s: %w", ErrDecryptionWrongKey, ct.ID, err)
	}
	defer crypto.SecureWipe(localKey)

	mode, err := crypto.Decrypt(localKey, ct.EncSharingMode, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: sharing mode of contact %s: %w", ErrDecryptionWrongKey, ct.ID, err)
	}

	var next string
	switch {
	case len(mode) == 1 && mode[0] == 0:
		next = SharingModeCypherText
	case len(mode) == 1 && mode[0] == 1:
		next = SharingModeDeeplink
	case string(mode) == SharingModeCypherText, string(mode) == SharingModeDeeplink:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("migration: contact %s has unknown sharing mode", ct.ID)
	}

	enc, err := crypto.Encrypt(localKey, []byte(next), nil)
	if err != nil {
		return nil, false, err
	}
	return enc, true, nil
}
