package safe

import (
	"database/sql"
	"fmt"
)

// Metadata store schema versions. These track the layout of the sqlite
// metadata file only; the per-vault cryptographic schema version lives in
// the settings store.
const (
	// metaSchemaV1 creates the safe_crypto table
	metaSchemaV1 = 1
	// metaSchemaV2 adds auto_destruction_key and updated_at
	metaSchemaV2 = 2
	// currentMetaSchema is the current metadata schema version
	currentMetaSchema = metaSchemaV2
)

// metaSchemaVersion returns the stored metadata schema version, or 0 for an
// empty database.
func metaSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='meta_schema_version'
	`).Scan(&tableName)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("safe: failed to check meta_schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM meta_schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("safe: failed to get metadata schema version: %w", err)
	}
	return version, nil
}

func setMetaSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS meta_schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create meta_schema_version table: %w", err)
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO meta_schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to set metadata schema version: %w", err)
	}
	return nil
}

// migrateMetaSchema brings the metadata file to currentMetaSchema, one
// transaction per version.
func migrateMetaSchema(db *sql.DB) error {
	version, err := metaSchemaVersion(db)
	if err != nil {
		return err
	}

	upgrades := []struct {
		version int
		apply   func(tx *sql.Tx) error
	}{
		{metaSchemaV1, metaToV1},
		{metaSchemaV2, metaToV2},
	}

	for _, u := range upgrades {
		if version >= u.version {
			continue
		}
		if err := applyMeta(db, u.version, u.apply); err != nil {
			return fmt.Errorf("safe: metadata migration to v%d failed: %w", u.version, err)
		}
	}
	return nil
}

func applyMeta(db *sql.DB, version int, apply func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := apply(tx); err != nil {
		return err
	}
	if err := setMetaSchemaVersion(tx, version); err != nil {
		return err
	}
	return tx.Commit()
}

func metaToV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS safe_crypto (
			id TEXT PRIMARY KEY,
			salt BLOB NOT NULL,
			enc_test BLOB NOT NULL,
			enc_index_key BLOB,
			enc_bubbles_key BLOB,
			enc_item_edition_key BLOB,
			biometric_crypto_material BLOB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create safe_crypto table: %w", err)
	}
	return nil
}

// metaToV2 is idempotent: columns are only added when missing.
func metaToV2(tx *sql.Tx) error {
	columns, err := getTableColumns(tx, "safe_crypto")
	if err != nil {
		return fmt.Errorf("failed to get table columns: %w", err)
	}

	if !columns["auto_destruction_key"] {
		if _, err := tx.Exec("ALTER TABLE safe_crypto ADD COLUMN auto_destruction_key BLOB"); err != nil {
			return fmt.Errorf("failed to add auto_destruction_key column: %w", err)
		}
	}
	if !columns["updated_at"] {
		if _, err := tx.Exec("ALTER TABLE safe_crypto ADD COLUMN updated_at TIMESTAMP"); err != nil {
			return fmt.Errorf("failed to add updated_at column: %w", err)
		}
	}
	return nil
}

// getTableColumns returns the set of column names of a table.
func getTableColumns(tx *sql.Tx, tableName string) (map[string]bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		columns[name] = true
	}
	return columns, rows.Err()
}
