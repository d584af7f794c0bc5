// Package store is the main item store: items, item keys, search index
// words, backup metadata and contacts. The file is a SQLCipher database that
// is either plaintext or encrypted at rest with a 32-byte raw key.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mutecomm/go-sqlcipher/v4"
)

// DriverName is the database/sql driver registered by go-sqlcipher.
const DriverName = "sqlite3"

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS item (
	id TEXT PRIMARY KEY,
	safe_id TEXT NOT NULL,
	enc_name BLOB,
	index_alpha REAL NOT NULL DEFAULT 0,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_item_safe ON item(safe_id);

CREATE TABLE IF NOT EXISTS item_key (
	item_id TEXT PRIMARY KEY REFERENCES item(id) ON DELETE CASCADE,
	enc_value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS index_word (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	safe_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	enc_word BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_index_word_safe ON index_word(safe_id);

CREATE TABLE IF NOT EXISTS backup (
	id TEXT PRIMARY KEY,
	safe_id TEXT NOT NULL,
	path TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS contact (
	id TEXT PRIMARY KEY,
	safe_id TEXT NOT NULL,
	enc_name BLOB NOT NULL,
	enc_sharing_mode BLOB NOT NULL,
	enc_local_key BLOB NOT NULL
);
`

// DSN builds the go-sqlcipher data source name for path. A nil key opens
// the file as plaintext SQLite.
func DSN(path string, key []byte) string {
	dsn := path + "?_foreign_keys=1&_busy_timeout=5000"
	if len(key) > 0 {
		dsn += "&_pragma_key=" + url.QueryEscape("x'"+hex.EncodeToString(key)+"'") + "&_pragma_cipher_page_size=4096"
	}
	return dsn
}

// Store wraps the main database.
type Store struct {
	path string
	db   *sql.DB
}

// Open opens or creates the store at path. key is nil for a plaintext store.
func Open(path string, key []byte) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("store: failed to create directory: %w", err)
	}

	db, err := sql.Open(DriverName, DSN(path, key))
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to create schema: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to set file permissions: %w", err)
	}

	return &Store{path: path, db: db}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// WithTx runs fn in one transaction. The transaction is committed only if fn
// returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit: %w", err)
	}
	return nil
}

// DeleteSafe removes every row owned by a vault.
func (s *Store) DeleteSafe(ctx context.Context, safeID string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, q := range []string{
			"DELETE FROM item_key WHERE item_id IN (SELECT id FROM item WHERE safe_id = ?)",
			"DELETE FROM item WHERE safe_id = ?",
			"DELETE FROM index_word WHERE safe_id = ?",
			"DELETE FROM backup WHERE safe_id = ?",
			"DELETE FROM contact WHERE safe_id = ?",
		} {
			if _, err := tx.tx.ExecContext(ctx, q, safeID); err != nil {
				return fmt.Errorf("store: failed to delete safe rows: %w", err)
			}
		}
		return nil
	})
}
