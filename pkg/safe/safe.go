// Package safe implements the safe key repository: the persisted per-vault
// record of wrapped key material.
package safe

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrSafeNotFound is returned when no record exists for a SafeId.
	ErrSafeNotFound = errors.New("safe: no crypto record for this safe")

	// ErrInvalidRecord is returned when a record misses required fields.
	ErrInvalidRecord = errors.New("safe: crypto record is missing required fields")
)

// Auxiliary key names, as reported by MissingAuxiliaryKeys.
const (
	KeyIndex       = "index"
	KeyItemEdition = "item_edition"
	KeyBubbles     = "bubbles"
)

// SafeCrypto is the wrapped key material of one vault. Optional fields are
// nil when absent.
type SafeCrypto struct {
	ID                      string
	Salt                    []byte
	EncTest                 []byte
	EncIndexKey             []byte
	EncBubblesKey           []byte
	EncItemEditionKey       []byte
	BiometricCryptoMaterial []byte
	AutoDestructionKey      []byte
}

// Clone returns a deep copy.
func (c *SafeCrypto) Clone() *SafeCrypto {
	return &SafeCrypto{
		ID:                      c.ID,
		Salt:                    cloneBytes(c.Salt),
		EncTest:                 cloneBytes(c.EncTest),
		EncIndexKey:             cloneBytes(c.EncIndexKey),
		EncBubblesKey:           cloneBytes(c.EncBubblesKey),
		EncItemEditionKey:       cloneBytes(c.EncItemEditionKey),
		BiometricCryptoMaterial: cloneBytes(c.BiometricCryptoMaterial),
		AutoDestructionKey:      cloneBytes(c.AutoDestructionKey),
	}
}

// Equal reports whether two records hold byte-identical material.
func (c *SafeCrypto) Equal(o *SafeCrypto) bool {
	return c.ID == o.ID &&
		bytes.Equal(c.Salt, o.Salt) &&
		bytes.Equal(c.EncTest, o.EncTest) &&
		bytes.Equal(c.EncIndexKey, o.EncIndexKey) &&
		bytes.Equal(c.EncBubblesKey, o.EncBubblesKey) &&
		bytes.Equal(c.EncItemEditionKey, o.EncItemEditionKey) &&
		bytes.Equal(c.BiometricCryptoMaterial, o.BiometricCryptoMaterial) &&
		bytes.Equal(c.AutoDestructionKey, o.AutoDestructionKey)
}

// MissingAuxiliaryKeys lists the auxiliary keys that are absent.
func (c *SafeCrypto) MissingAuxiliaryKeys() []string {
	var missing []string
	if len(c.EncIndexKey) == 0 {
		missing = append(missing, KeyIndex)
	}
	if len(c.EncItemEditionKey) == 0 {
		missing = append(missing, KeyItemEdition)
	}
	if len(c.EncBubblesKey) == 0 {
		missing = append(missing, KeyBubbles)
	}
	return missing
}

// FillMissing returns a copy of current where every absent auxiliary key is
// taken from generated. Keys already present in current are never replaced.
func FillMissing(current, generated *SafeCrypto) *SafeCrypto {
	merged := current.Clone()
	if len(merged.EncIndexKey) == 0 {
		merged.EncIndexKey = cloneBytes(generated.EncIndexKey)
	}
	if len(merged.EncItemEditionKey) == 0 {
		merged.EncItemEditionKey = cloneBytes(generated.EncItemEditionKey)
	}
	if len(merged.EncBubblesKey) == 0 {
		merged.EncBubblesKey = cloneBytes(generated.EncBubblesKey)
	}
	if len(merged.BiometricCryptoMaterial) == 0 {
		merged.BiometricCryptoMaterial = cloneBytes(generated.BiometricCryptoMaterial)
	}
	return merged
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Repository stores SafeCrypto records in a sqlite metadata file. Writers
// must be serialized by the caller; the internal mutex only guards the
// connection lifecycle.
type Repository struct {
	path string
	db   *sql.DB
	mu   sync.RWMutex
}

// Open opens (creating if needed) the metadata store at path and brings
// its schema up to date.
func Open(path string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("safe: failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("safe: failed to open metadata store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateMetaSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("safe: failed to set file permissions: %w", err)
	}

	return &Repository{path: path, db: db}, nil
}

// Close closes the metadata store.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// Read returns the record of safeID.
func (r *Repository) Read(ctx context.Context, safeID string) (*SafeCrypto, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := &SafeCrypto{ID: safeID}
	err := r.db.QueryRowContext(ctx, `
		SELECT salt, enc_test, enc_index_key, enc_bubbles_key, enc_item_edition_key,
		       biometric_crypto_material, auto_destruction_key
		FROM safe_crypto WHERE id = ?
	`, safeID).Scan(
		&c.Salt, &c.EncTest, &c.EncIndexKey, &c.EncBubblesKey, &c.EncItemEditionKey,
		&c.BiometricCryptoMaterial, &c.AutoDestructionKey,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSafeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("safe: failed to read crypto record: %w", err)
	}
	return c, nil
}

// Write replaces the whole record of c.ID in a single statement, so a
// partially updated record is never visible.
func (r *Repository) Write(ctx context.Context, c *SafeCrypto) error {
	if c.ID == "" || len(c.Salt) == 0 || len(c.EncTest) == 0 {
		return ErrInvalidRecord
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO safe_crypto (
			id, salt, enc_test, enc_index_key, enc_bubbles_key, enc_item_edition_key,
			biometric_crypto_material, auto_destruction_key, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			salt = excluded.salt,
			enc_test = excluded.enc_test,
			enc_index_key = excluded.enc_index_key,
			enc_bubbles_key = excluded.enc_bubbles_key,
			enc_item_edition_key = excluded.enc_item_edition_key,
			biometric_crypto_material = excluded.biometric_crypto_material,
			auto_destruction_key = excluded.auto_destruction_key,
			updated_at = excluded.updated_at
	`, c.ID, c.Salt, c.EncTest, c.EncIndexKey, c.EncBubblesKey, c.EncItemEditionKey,
		c.BiometricCryptoMaterial, c.AutoDestructionKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("safe: failed to write crypto record: %w", err)
	}
	return nil
}

// Delete removes the record of safeID. Deleting an unknown safe is not an error.
func (r *Repository) Delete(ctx context.Context, safeID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, err := r.db.ExecContext(ctx, "DELETE FROM safe_crypto WHERE id = ?", safeID); err != nil {
		return fmt.Errorf("safe: failed to delete crypto record: %w", err)
	}
	return nil
}

// List returns all SafeIds ordered by creation.
func (r *Repository) List(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx, "SELECT id FROM safe_crypto ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("safe: failed to list safes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CheckIntegrity runs PRAGMA integrity_check on the metadata store.
func (r *Repository) CheckIntegrity(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result string
	if err := r.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("safe: integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("safe: integrity check failed: %s", result)
	}
	return nil
}
