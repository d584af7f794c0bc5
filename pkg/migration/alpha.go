package migration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/safectl/pkg/crypto"
	"github.com/forest6511/safectl/pkg/store"
)

// AlphaIndex computes the alphabetical position of every item from its
// decrypted name and stores it in index_alpha. Names are never rewritten.
// The result depends only on the names, so re-running it is harmless.
type AlphaIndex struct {
	transition
}

// NewAlphaIndex returns the 3->4 step.
func NewAlphaIndex() *AlphaIndex {
	return &AlphaIndex{transition{from: 3}}
}

func (s *AlphaIndex) Name() string        { return "alpha_index" }
func (s *AlphaIndex) ReentrantSafe() bool { return true }

type sortEntry struct {
	id   string
	name string
}

func (s *AlphaIndex) Execute(ctx context.Context, mc *Context) error {
	err := mc.Store.WithTx(ctx, func(tx *store.Tx) error {
		items, err := tx.Items(ctx, mc.SafeID)
		if err != nil {
			return err
		}

		entries := make([]sortEntry, 0, len(items))
		for _, it := range items {
			name, err := itemName(ctx, tx, mc.Key, it)
			if err != nil {
				return err
			}
			entries = append(entries, sortEntry{id: it.ID, name: name})
		}

		sortEntries(entries)
		for i, e := range entries {
			if err := tx.SetIndexAlpha(ctx, e.id, float64(i)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return stepErr(s, "compute alpha index", CodeAlphaIndex, err)
	}
	return nil
}

// itemName returns the cleaned name of it, or "" for an unnamed item.
func itemName(ctx context.Context, tx *store.Tx, key *crypto.Key, it store.Item) (string, error) {
	if len(it.EncName) == 0 {
		return "", nil
	}
	encKey, err := tx.ItemKey(ctx, it.ID)
	if err != nil {
		return "", err
	}
	itemKey, err := key.Decrypt(encKey, nil)
	if err != nil {
		return "", fmt.Errorf("%w: item %s: %w", ErrItemKeyDecryption, it.ID, err)
	}
	defer crypto.SecureWipe(itemKey)

	name, err := crypto.Decrypt(itemKey, it.EncName, nil)
	if err != nil {
		return "", fmt.Errorf("%w: name of item %s: %w", ErrDecryptionWrongKey, it.ID, err)
	}
	defer crypto.SecureWipe(name)
	return CleanName(string(name)), nil
}

// CleanName folds a name for sorting: accents are stripped, case is
// lowered and surrounding space trimmed.
func CleanName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	return strings.TrimSpace(strings.ToLower(folded))
}

// sortEntries orders by collated name, unnamed first, ties by id.
func sortEntries(entries []sortEntry) {
	col := collate.New(language.Und)
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if (a.name == "") != (b.name == "") {
			return a.name == ""
		}
		if c := col.CompareString(a.name, b.name); c != 0 {
			return c < 0
		}
		return a.id < b.id
	})
}
