package dbcrypt

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/forest6511/safectl/pkg/store"
)

const exportAlias = "new_database"

// rewrite copies the database opened with srcKey into the staged copy keyed
// with dstKey, then checks the copy. A nil key means plaintext.
func (m *Manager) rewrite(ctx context.Context, srcKey, dstKey []byte) error {
	if _, err := os.Stat(m.path); errors.Is(err, os.ErrNotExist) {
		return ErrDatabaseNotFound
	}
	m.removeTemp()

	db, err := sql.Open(store.DriverName, store.DSN(m.path, srcKey))
	if err != nil {
		return fmt.Errorf("dbcrypt: failed to open database: %w", err)
	}
	defer db.Close()

	// ATTACH is per connection, so every statement must share one.
	conn, err := db.Conn(ctx)
	if err != nil {
		return classify(err)
	}
	defer conn.Close()

	attach := fmt.Sprintf("ATTACH DATABASE %s AS %s KEY %s", quote(m.TempPath()), exportAlias, keyLiteral(dstKey))
	if _, err := conn.ExecContext(ctx, attach); err != nil {
		return classify(err)
	}
	if _, err := conn.ExecContext(ctx, "SELECT sqlcipher_export('"+exportAlias+"')"); err != nil {
		if _, derr := conn.ExecContext(ctx, "DETACH DATABASE "+exportAlias); derr != nil {
			m.log.Warn("failed to detach staged copy", "error", derr)
		}
		return fmt.Errorf("dbcrypt: export failed: %w", classify(err))
	}
	if _, err := conn.ExecContext(ctx, "DETACH DATABASE "+exportAlias); err != nil {
		return fmt.Errorf("dbcrypt: failed to detach staged copy: %w", err)
	}

	if err := os.Chmod(m.TempPath(), 0600); err != nil {
		return fmt.Errorf("dbcrypt: failed to set file permissions: %w", err)
	}
	if err := CheckAccess(ctx, m.TempPath(), dstKey); err != nil {
		return fmt.Errorf("dbcrypt: staged copy failed verification: %w", err)
	}
	return nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// keyLiteral renders a raw key in SQLCipher's blob key syntax. The empty
// key attaches a plaintext database.
func keyLiteral(key []byte) string {
	if len(key) == 0 {
		return "''"
	}
	return `"x'` + hex.EncodeToString(key) + `'"`
}
