// Package dbcrypt converts the main database between plaintext and
// encrypted-at-rest forms.
//
// A conversion has two phases. StartEnable or StartDisable stage the key
// change in the device settings and write a rewritten copy of the database
// next to the original. Finish, which runs at every startup, swaps the copy
// in and commits the keys, or abandons it and restores the previous key. The
// device settings are updated in single transactions, so a crash at any
// point leaves Finish enough to resolve the conversion one way or the other.
package dbcrypt

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/forest6511/safectl/internal/flock"
	"github.com/forest6511/safectl/pkg/audit"
	"github.com/forest6511/safectl/pkg/crypto"
	"github.com/forest6511/safectl/pkg/settings"
	"github.com/forest6511/safectl/pkg/store"
)

// Device settings entries
const (
	keyEntry       = "db_key"
	backupKeyEntry = "db_backup_key"
	stateEntry     = "db_encryption_state"
)

// File suffixes next to the main database
const (
	tempSuffix   = ".cipher-temp"
	backupSuffix = ".backup"
)

var sidecarSuffixes = []string{"", "-wal", "-shm"}

var (
	// ErrDatabaseNotFound is returned when the database file does not exist.
	ErrDatabaseNotFound = errors.New("dbcrypt: database not found")

	// ErrDatabaseCorrupted is returned when the file opens but fails the
	// integrity check.
	ErrDatabaseCorrupted = errors.New("dbcrypt: database corrupted")

	// ErrDatabaseWrongKey is returned when the key does not open the file.
	ErrDatabaseWrongKey = errors.New("dbcrypt: wrong database key")

	// ErrInvalidState is returned when a conversion is started from a state
	// that does not allow it.
	ErrInvalidState = errors.New("dbcrypt: invalid state for operation")
)

// AuditLog records conversions.
type AuditLog interface {
	LogSuccess(op, safeID string, ctx map[string]string) error
	LogError(op, safeID, errCode, errMsg string, ctx map[string]string) error
}

// Options configure a Manager. Path and Device are required.
type Options struct {
	Path   string
	Device *settings.DeviceSettings
	Logger *slog.Logger
	Audit  AuditLog
}

// Manager owns the encryption state of one database file.
type Manager struct {
	path   string
	device *settings.DeviceSettings
	log    *slog.Logger
	audit  AuditLog

	mu sync.Mutex
}

// New returns a Manager for the database at opts.Path.
func New(opts Options) (*Manager, error) {
	if opts.Path == "" || opts.Device == nil {
		return nil, errors.New("dbcrypt: path and device settings are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		path:   opts.Path,
		device: opts.Device,
		log:    log.With("component", "dbcrypt"),
		audit:  opts.Audit,
	}, nil
}

// CreateKey returns a fresh random database key.
func CreateKey() ([]byte, error) {
	key := make([]byte, crypto.KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("dbcrypt: failed to generate key: %w", err)
	}
	return key, nil
}

// Detect reports whether the file at path is encrypted.
func Detect(path string) (bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, ErrDatabaseNotFound
	}
	return sqlite3.IsEncrypted(path)
}

type snapshot struct {
	key    []byte
	backup []byte
	state  State
}

func (m *Manager) snapshot() (snapshot, error) {
	var s snapshot
	err := m.device.View(func(tx *settings.DeviceTx) error {
		s.key = tx.Get(keyEntry)
		s.backup = tx.Get(backupKeyEntry)
		raw := tx.Get(stateEntry)
		if raw == nil {
			s.state = settled(s.key)
			return nil
		}
		st, err := parseState(string(raw))
		s.state = st
		return err
	})
	if err != nil {
		return snapshot{}, fmt.Errorf("dbcrypt: failed to read state: %w", err)
	}
	return s, nil
}

func (s snapshot) wipe() {
	crypto.SecureWipe(s.key)
	crypto.SecureWipe(s.backup)
}

func settled(key []byte) State {
	if len(key) > 0 {
		return Encrypted
	}
	return NotEncrypted
}

// State reports the persisted state. Installs that never converted are
// reported from whether a key is present.
func (m *Manager) State(ctx context.Context) (State, error) {
	s, err := m.snapshot()
	return s.state, err
}

// Key returns the active database key, or nil for a plaintext database.
func (m *Manager) Key() ([]byte, error) {
	s, err := m.snapshot()
	crypto.SecureWipe(s.backup)
	return s.key, err
}

// BackupKey returns the key kept while a conversion is pending, or nil.
func (m *Manager) BackupKey() ([]byte, error) {
	s, err := m.snapshot()
	crypto.SecureWipe(s.key)
	return s.backup, err
}

// TempPath is where the rewritten copy is staged.
func (m *Manager) TempPath() string { return m.path + tempSuffix }

func (m *Manager) lock() (func(), error) {
	m.mu.Lock()
	fl, err := flock.TryLock(m.path + ".lock")
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("dbcrypt: failed to lock database: %w", err)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			m.log.Warn("failed to release database lock", "error", err)
		}
		m.mu.Unlock()
	}, nil
}

// StartEnable encrypts the database under newKey, or under a generated key
// when newKey is nil. The database must be NotEncrypted. On success the
// rewritten copy waits for Finish. On failure the copy is removed and the
// keys are rolled back.
func (m *Manager) StartEnable(ctx context.Context, newKey []byte) error {
	unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()

	s, err := m.snapshot()
	if err != nil {
		return err
	}
	defer s.wipe()
	if s.state != NotEncrypted {
		return fmt.Errorf("%w: cannot enable encryption while %s", ErrInvalidState, s.state)
	}
	if newKey == nil {
		if newKey, err = CreateKey(); err != nil {
			return err
		}
		defer crypto.SecureWipe(newKey)
	}
	if len(newKey) != crypto.KeyLength {
		return fmt.Errorf("dbcrypt: key must be %d bytes", crypto.KeyLength)
	}

	// 1. Stage the new key. The current key, if any, is kept as backup.
	err = m.device.Update(func(tx *settings.DeviceTx) error {
		if cur := tx.Get(keyEntry); cur != nil {
			if err := tx.Put(backupKeyEntry, cur); err != nil {
				return err
			}
		} else if err := tx.Delete(backupKeyEntry); err != nil {
			return err
		}
		if err := tx.Put(keyEntry, newKey); err != nil {
			return err
		}
		return tx.Put(stateEntry, []byte(EncryptionInProgress.String()))
	})
	if err != nil {
		return fmt.Errorf("dbcrypt: failed to stage key: %w", err)
	}

	// 2. Rewrite under the new key
	if err := m.rewrite(ctx, s.key, newKey); err != nil {
		m.abort(err)
		m.logError(audit.OpDBEncryptStart, err)
		return fmt.Errorf("dbcrypt: failed to encrypt database: %w", err)
	}

	m.log.Info("database encryption staged", "temp", m.TempPath())
	m.logSuccess(audit.OpDBEncryptStart, nil)
	return nil
}

// StartDisable rewrites the database to plaintext. The database must be
// Encrypted. The active key becomes the backup key until Finish.
func (m *Manager) StartDisable(ctx context.Context) error {
	unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()

	s, err := m.snapshot()
	if err != nil {
		return err
	}
	defer s.wipe()
	if s.state != Encrypted {
		return fmt.Errorf("%w: cannot disable encryption while %s", ErrInvalidState, s.state)
	}

	err = m.device.Update(func(tx *settings.DeviceTx) error {
		if err := tx.Put(backupKeyEntry, s.key); err != nil {
			return err
		}
		if err := tx.Delete(keyEntry); err != nil {
			return err
		}
		return tx.Put(stateEntry, []byte(DecryptionInProgress.String()))
	})
	if err != nil {
		return fmt.Errorf("dbcrypt: failed to stage key: %w", err)
	}

	if err := m.rewrite(ctx, s.key, nil); err != nil {
		m.abort(err)
		m.logError(audit.OpDBDecryptStart, err)
		return fmt.Errorf("dbcrypt: failed to decrypt database: %w", err)
	}

	m.log.Info("database decryption staged", "temp", m.TempPath())
	m.logSuccess(audit.OpDBDecryptStart, nil)
	return nil
}

// Finish completes or abandons a pending conversion. It is safe to call
// when nothing is pending and is meant to run before the database is opened
// at startup.
func (m *Manager) Finish(ctx context.Context) (Outcome, error) {
	unlock, err := m.lock()
	if err != nil {
		return Noop, err
	}
	defer unlock()

	s, err := m.snapshot()
	if err != nil {
		return Noop, err
	}
	defer s.wipe()
	pending := s.state.InProgress() || s.backup != nil

	if _, err := os.Stat(m.TempPath()); errors.Is(err, os.ErrNotExist) {
		return m.finishInPlace(ctx, s, pending)
	}
	if !pending {
		m.log.Warn("removing stray staged copy", "file", m.TempPath())
		m.removeTemp()
		return Noop, nil
	}

	// 1. A copy that does not open with the active key is abandoned
	if err := CheckAccess(ctx, m.TempPath(), s.key); err != nil {
		m.log.Warn("staged database copy is unusable", "error", err)
		return m.cancel(err)
	}

	// 2. Swap it in
	if err := m.replace(ctx, s.key); err != nil {
		m.log.Warn("failed to replace database", "error", err)
		return m.cancel(err)
	}
	return m.commit()
}

// finishInPlace handles a restart where no staged copy exists: either the
// swap already happened or the rewrite never produced a copy. Keys are only
// touched while a conversion is pending.
func (m *Manager) finishInPlace(ctx context.Context, s snapshot, pending bool) (Outcome, error) {
	err := CheckAccess(ctx, m.path, s.key)
	switch {
	case err == nil:
		if pending {
			return m.commit()
		}
		return Noop, nil
	case !pending:
		if errors.Is(err, ErrDatabaseNotFound) {
			return Noop, nil
		}
		return Noop, err
	case errors.Is(err, ErrDatabaseNotFound):
		return m.cancel(err)
	case errors.Is(err, ErrDatabaseWrongKey):
		outcome, rerr := m.cancel(err)
		if rerr != nil {
			return outcome, rerr
		}
		key, kerr := m.Key()
		if kerr != nil {
			return outcome, kerr
		}
		defer crypto.SecureWipe(key)
		if err := CheckAccess(ctx, m.path, key); err != nil {
			return outcome, fmt.Errorf("dbcrypt: database unreadable after rollback: %w", err)
		}
		return outcome, nil
	}
	return Noop, err
}

// replace moves the current database files aside and renames the staged
// copy over the database, then checks that it opens with key. The old files
// are put back if it does not.
func (m *Manager) replace(ctx context.Context, key []byte) error {
	// A crash after the main file was moved aside leaves only the backups.
	if _, err := os.Stat(m.path); err == nil {
		for _, suffix := range sidecarSuffixes {
			if err := renameIfExists(m.path+suffix, m.path+backupSuffix+suffix); err != nil {
				return err
			}
		}
	}

	if err := os.Rename(m.TempPath(), m.path); err != nil {
		m.restoreBackupFiles()
		return fmt.Errorf("dbcrypt: failed to rename staged copy: %w", err)
	}

	if err := CheckAccess(ctx, m.path, key); err != nil {
		m.restoreBackupFiles()
		return err
	}
	return nil
}

func (m *Manager) restoreBackupFiles() {
	for _, suffix := range sidecarSuffixes {
		if err := renameIfExists(m.path+backupSuffix+suffix, m.path+suffix); err != nil {
			m.log.Error("failed to restore database file", "file", m.path+suffix, "error", err)
		}
	}
}

func (m *Manager) removeBackupFiles() {
	for _, suffix := range sidecarSuffixes {
		if err := os.Remove(m.path + backupSuffix + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.log.Warn("failed to remove database backup", "file", m.path+backupSuffix+suffix, "error", err)
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func renameIfExists(from, to string) error {
	if err := os.Rename(from, to); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("dbcrypt: failed to move %s: %w", from, err)
	}
	return nil
}

// commit discards the backup key and files and settles the state.
func (m *Manager) commit() (Outcome, error) {
	err := m.device.Update(func(tx *settings.DeviceTx) error {
		if err := tx.Delete(backupKeyEntry); err != nil {
			return err
		}
		return tx.Put(stateEntry, []byte(settled(tx.Get(keyEntry)).String()))
	})
	if err != nil {
		return Noop, fmt.Errorf("dbcrypt: failed to commit key: %w", err)
	}
	m.removeBackupFiles()

	m.log.Info("database conversion finished", "outcome", Done)
	m.logSuccess(audit.OpDBFinish, map[string]string{"outcome": Done.String()})
	return Done, nil
}

// cancel removes the staged copy, puts back a database that a crashed swap
// left moved aside, and restores the previous key.
func (m *Manager) cancel(cause error) (Outcome, error) {
	m.removeTemp()
	if _, err := os.Stat(m.path); errors.Is(err, os.ErrNotExist) && exists(m.path+backupSuffix) {
		m.log.Warn("restoring database moved aside by an interrupted swap", "file", m.path+backupSuffix)
		m.restoreBackupFiles()
	}
	if err := m.rollbackKeys(); err != nil {
		return Noop, err
	}

	m.log.Warn("database conversion canceled", "cause", cause)
	m.logSuccess(audit.OpDBFinish, map[string]string{"outcome": Canceled.String()})
	return Canceled, nil
}

// abort undoes a failed start.
func (m *Manager) abort(cause error) {
	m.removeTemp()
	if err := m.rollbackKeys(); err != nil {
		m.log.Error("failed to roll back database key", "error", err, "cause", cause)
	}
}

func (m *Manager) removeTemp() {
	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		if err := os.Remove(m.TempPath() + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.log.Warn("failed to remove staged copy", "file", m.TempPath()+suffix, "error", err)
		}
	}
}

// rollbackKeys makes the backup key active again, or removes the key when
// there is no backup.
func (m *Manager) rollbackKeys() error {
	err := m.device.Update(func(tx *settings.DeviceTx) error {
		backup := tx.Get(backupKeyEntry)
		if backup != nil {
			if err := tx.Put(keyEntry, backup); err != nil {
				return err
			}
			if err := tx.Delete(backupKeyEntry); err != nil {
				return err
			}
		} else if err := tx.Delete(keyEntry); err != nil {
			return err
		}
		return tx.Put(stateEntry, []byte(settled(backup).String()))
	})
	if err != nil {
		return fmt.Errorf("dbcrypt: failed to roll back key: %w", err)
	}
	return nil
}

func (m *Manager) logSuccess(op string, ctx map[string]string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.LogSuccess(op, "", ctx); err != nil {
		m.log.Warn("failed to write audit event", "op", op, "error", err)
	}
}

func (m *Manager) logError(op string, cause error) {
	if m.audit == nil {
		return
	}
	if err := m.audit.LogError(op, "", errorCode(cause), cause.Error(), nil); err != nil {
		m.log.Warn("failed to write audit event", "op", op, "error", err)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrDatabaseNotFound):
		return "database_not_found"
	case errors.Is(err, ErrDatabaseWrongKey):
		return "database_wrong_key"
	case errors.Is(err, ErrDatabaseCorrupted):
		return "database_corrupted"
	}
	return "database_error"
}

// CheckAccess opens the database at path with key and runs an integrity
// check. A nil key opens it as plaintext.
func CheckAccess(ctx context.Context, path string, key []byte) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ErrDatabaseNotFound
	} else if err != nil {
		return fmt.Errorf("dbcrypt: failed to stat database: %w", err)
	}

	db, err := sql.Open(store.DriverName, store.DSN(path, key))
	if err != nil {
		return fmt.Errorf("dbcrypt: failed to open database: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return classify(err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrDatabaseCorrupted, result)
	}
	return nil
}

func classify(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrNotADB:
			return fmt.Errorf("%w: %v", ErrDatabaseWrongKey, err)
		case sqlite3.ErrCorrupt:
			return fmt.Errorf("%w: %v", ErrDatabaseCorrupted, err)
		}
	}
	return fmt.Errorf("dbcrypt: integrity check failed: %w", err)
}
