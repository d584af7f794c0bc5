package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Item is the part of an item record the migration chain reads or writes.
// EncName is nil for unnamed items.
type Item struct {
	ID         string
	SafeID     string
	EncName    []byte
	IndexAlpha float64
}

// ItemKey is an item-specific key wrapped by the master key.
type ItemKey struct {
	ItemID   string
	EncValue []byte
}

// IndexWord is one encrypted search index entry.
type IndexWord struct {
	ID      int64
	ItemID  string
	EncWord []byte
}

// Backup is the metadata row of an auto-backup file.
type Backup struct {
	ID        string
	SafeID    string
	Path      string
	CreatedAt time.Time
}

// Contact is a bubbles contact whose fields are sealed under its local key,
// which is itself wrapped by the vault's bubbles key.
type Contact struct {
	ID             string
	SafeID         string
	EncName        []byte
	EncSharingMode []byte
	EncLocalKey    []byte
}

// Tx exposes the store operations available inside WithTx.
type Tx struct {
	tx *sql.Tx
}

// InsertItem adds an item and its wrapped item key.
func (t *Tx) InsertItem(ctx context.Context, it Item, encKey []byte) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO item (id, safe_id, enc_name, index_alpha) VALUES (?, ?, ?, ?)",
		it.ID, it.SafeID, it.EncName, it.IndexAlpha)
	if err != nil {
		return fmt.Errorf("store: failed to insert item: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, "INSERT INTO item_key (item_id, enc_value) VALUES (?, ?)", it.ID, encKey); err != nil {
		return fmt.Errorf("store: failed to insert item key: %w", err)
	}
	return nil
}

// Items returns every item of a vault ordered by id.
func (t *Tx) Items(ctx context.Context, safeID string) ([]Item, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT id, enc_name, index_alpha FROM item WHERE safe_id = ? ORDER BY id", safeID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it := Item{SafeID: safeID}
		if err := rows.Scan(&it.ID, &it.EncName, &it.IndexAlpha); err != nil {
			return nil, fmt.Errorf("store: failed to scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SetIndexAlpha updates the alphabetical sort index of an item.
func (t *Tx) SetIndexAlpha(ctx context.Context, itemID string, index float64) error {
	return t.execOne(ctx, "UPDATE item SET index_alpha = ? WHERE id = ?", index, itemID)
}

// ItemKey returns the wrapped key of one item.
func (t *Tx) ItemKey(ctx context.Context, itemID string) ([]byte, error) {
	var enc []byte
	err := t.tx.QueryRowContext(ctx, "SELECT enc_value FROM item_key WHERE item_id = ?", itemID).Scan(&enc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read item key: %w", err)
	}
	return enc, nil
}

// ItemKeys returns the wrapped keys of every item of a vault.
func (t *Tx) ItemKeys(ctx context.Context, safeID string) ([]ItemKey, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT k.item_id, k.enc_value FROM item_key k
		JOIN item i ON i.id = k.item_id
		WHERE i.safe_id = ? ORDER BY k.item_id`, safeID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query item keys: %w", err)
	}
	defer rows.Close()

	var keys []ItemKey
	for rows.Next() {
		var k ItemKey
		if err := rows.Scan(&k.ItemID, &k.EncValue); err != nil {
			return nil, fmt.Errorf("store: failed to scan item key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateItemKey replaces the wrapped key of an item.
func (t *Tx) UpdateItemKey(ctx context.Context, itemID string, enc []byte) error {
	return t.execOne(ctx, "UPDATE item_key SET enc_value = ? WHERE item_id = ?", enc, itemID)
}

// InsertIndexWord adds a search index entry.
func (t *Tx) InsertIndexWord(ctx context.Context, safeID, itemID string, enc []byte) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO index_word (safe_id, item_id, enc_word) VALUES (?, ?, ?)", safeID, itemID, enc)
	if err != nil {
		return fmt.Errorf("store: failed to insert index word: %w", err)
	}
	return nil
}

// IndexWords returns every search index entry of a vault.
func (t *Tx) IndexWords(ctx context.Context, safeID string) ([]IndexWord, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT id, item_id, enc_word FROM index_word WHERE safe_id = ? ORDER BY id", safeID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query index words: %w", err)
	}
	defer rows.Close()

	var words []IndexWord
	for rows.Next() {
		var w IndexWord
		if err := rows.Scan(&w.ID, &w.ItemID, &w.EncWord); err != nil {
			return nil, fmt.Errorf("store: failed to scan index word: %w", err)
		}
		words = append(words, w)
	}
	return words, rows.Err()
}

// UpdateIndexWord replaces the encrypted value of an index entry.
func (t *Tx) UpdateIndexWord(ctx context.Context, id int64, enc []byte) error {
	return t.execOne(ctx, "UPDATE index_word SET enc_word = ? WHERE id = ?", enc, id)
}

// InsertBackupIfMissing records a backup file unless its path is already
// known. It reports whether a row was inserted.
func (t *Tx) InsertBackupIfMissing(ctx context.Context, b Backup) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO backup (id, safe_id, path, created_at) VALUES (?, ?, ?, ?)",
		b.ID, b.SafeID, b.Path, b.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("store: failed to insert backup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Backups returns the backup rows of a vault, newest first.
func (t *Tx) Backups(ctx context.Context, safeID string) ([]Backup, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT id, path, created_at FROM backup WHERE safe_id = ? ORDER BY created_at DESC", safeID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query backups: %w", err)
	}
	defer rows.Close()

	var backups []Backup
	for rows.Next() {
		b := Backup{SafeID: safeID}
		if err := rows.Scan(&b.ID, &b.Path, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

// InsertContact adds a contact.
func (t *Tx) InsertContact(ctx context.Context, c Contact) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO contact (id, safe_id, enc_name, enc_sharing_mode, enc_local_key) VALUES (?, ?, ?, ?, ?)",
		c.ID, c.SafeID, c.EncName, c.EncSharingMode, c.EncLocalKey)
	if err != nil {
		return fmt.Errorf("store: failed to insert contact: %w", err)
	}
	return nil
}

// Contacts returns every contact of a vault.
func (t *Tx) Contacts(ctx context.Context, safeID string) ([]Contact, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT id, enc_name, enc_sharing_mode, enc_local_key FROM contact WHERE safe_id = ? ORDER BY id", safeID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		c := Contact{SafeID: safeID}
		if err := rows.Scan(&c.ID, &c.EncName, &c.EncSharingMode, &c.EncLocalKey); err != nil {
			return nil, fmt.Errorf("store: failed to scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// UpdateContactSharingMode replaces the encrypted sharing mode of a contact.
func (t *Tx) UpdateContactSharingMode(ctx context.Context, contactID string, enc []byte) error {
	return t.execOne(ctx, "UPDATE contact SET enc_sharing_mode = ? WHERE id = ?", enc, contactID)
}

func (t *Tx) execOne(ctx context.Context, query string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
