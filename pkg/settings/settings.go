// Package settings provides the per-vault settings store: the persisted
// schema version of every vault, legacy datastore entries, and device-wide
// entries such as the database encryption keys.
package settings

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names
var (
	safesBucket  = []byte("safes")
	deviceBucket = []byte("device")
)

// Per-safe entry keys
var (
	schemaVersionKey = []byte("schema_version")
)

const datastorePrefix = "ds:"

var (
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("settings: store is closed")

	// ErrEntryExists is returned by PutNew when the entry is already present.
	ErrEntryExists = errors.New("settings: entry already exists")
)

// Store is a bbolt-backed settings store shared by all vaults on a device.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the settings database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("settings: failed to create directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("settings: failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(safesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(deviceBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("settings: failed to initialize buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Safe returns the settings scoped to one vault.
func (s *Store) Safe(safeID string) *SafeSettings {
	return &SafeSettings{store: s, id: []byte(safeID)}
}

// Device returns the device-wide settings.
func (s *Store) Device() *DeviceSettings {
	return &DeviceSettings{store: s}
}

// DeleteSafe removes every setting of a vault.
func (s *Store) DeleteSafe(safeID string) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(safesBucket).DeleteBucket([]byte(safeID))
		if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("settings: failed to delete safe: %w", err)
		}
		return nil
	})
}

// SafeSettings is the key-value view of a single vault.
type SafeSettings struct {
	store *Store
	id    []byte
}

// ID returns the vault identifier this view is scoped to.
func (s *SafeSettings) ID() string { return string(s.id) }

func (s *SafeSettings) view(fn func(b *bbolt.Bucket) error) error {
	if s.store.db == nil {
		return ErrClosed
	}
	return s.store.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(safesBucket).Bucket(s.id)
		if b == nil {
			return nil
		}
		return fn(b)
	})
}

func (s *SafeSettings) update(fn func(b *bbolt.Bucket) error) error {
	if s.store.db == nil {
		return ErrClosed
	}
	return s.store.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(safesBucket).CreateBucketIfNotExists(s.id)
		if err != nil {
			return err
		}
		return fn(b)
	})
}

// SchemaVersion returns the persisted schema version. ok is false when no
// version has ever been written for this vault.
func (s *SafeSettings) SchemaVersion() (version int, ok bool, err error) {
	err = s.view(func(b *bbolt.Bucket) error {
		v := b.Get(schemaVersionKey)
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("settings: corrupt schema version (%d bytes)", len(v))
		}
		version = int(binary.BigEndian.Uint64(v))
		ok = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return version, ok, nil
}

// SetSchemaVersion persists the schema version.
func (s *SafeSettings) SetSchemaVersion(version int) error {
	if version < 0 {
		return fmt.Errorf("settings: invalid schema version %d", version)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(version))
	if err := s.update(func(b *bbolt.Bucket) error {
		return b.Put(schemaVersionKey, buf[:])
	}); err != nil {
		return fmt.Errorf("settings: failed to set schema version: %w", err)
	}
	return nil
}

// Get returns a datastore entry, or nil when absent.
func (s *SafeSettings) Get(key string) ([]byte, error) {
	var out []byte
	err := s.view(func(b *bbolt.Bucket) error {
		if v := b.Get([]byte(datastorePrefix + key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("settings: failed to read %s: %w", key, err)
	}
	return out, nil
}

// Put writes a datastore entry, replacing any previous value.
func (s *SafeSettings) Put(key string, value []byte) error {
	if err := s.update(func(b *bbolt.Bucket) error {
		return b.Put([]byte(datastorePrefix+key), value)
	}); err != nil {
		return fmt.Errorf("settings: failed to write %s: %w", key, err)
	}
	return nil
}

// PutNew writes a datastore entry only if it does not exist yet.
func (s *SafeSettings) PutNew(key string, value []byte) error {
	return s.update(func(b *bbolt.Bucket) error {
		k := []byte(datastorePrefix + key)
		if b.Get(k) != nil {
			return fmt.Errorf("%w: %s", ErrEntryExists, key)
		}
		return b.Put(k, value)
	})
}

// Delete removes a datastore entry. Deleting an absent entry is not an error.
func (s *SafeSettings) Delete(key string) error {
	if err := s.update(func(b *bbolt.Bucket) error {
		return b.Delete([]byte(datastorePrefix + key))
	}); err != nil {
		return fmt.Errorf("settings: failed to delete %s: %w", key, err)
	}
	return nil
}

// DeviceSettings holds entries that are not scoped to a vault.
type DeviceSettings struct {
	store *Store
}

// DeviceTx is a read-write view over device settings inside one transaction.
type DeviceTx struct {
	b *bbolt.Bucket
}

// Get returns a copy of the value for key, or nil.
func (t *DeviceTx) Get(key string) []byte {
	v := t.b.Get([]byte(key))
	if v == nil {
		return nil
	}
	return append([]byte(nil), v...)
}

// Put stores value under key.
func (t *DeviceTx) Put(key string, value []byte) error {
	return t.b.Put([]byte(key), value)
}

// Delete removes key.
func (t *DeviceTx) Delete(key string) error {
	return t.b.Delete([]byte(key))
}

// Update runs fn in a single read-write transaction. Either every write made
// by fn is committed or none is.
func (d *DeviceSettings) Update(fn func(tx *DeviceTx) error) error {
	if d.store.db == nil {
		return ErrClosed
	}
	return d.store.db.Update(func(tx *bbolt.Tx) error {
		return fn(&DeviceTx{b: tx.Bucket(deviceBucket)})
	})
}

// View runs fn in a read-only transaction. Writes made through tx fail.
func (d *DeviceSettings) View(fn func(tx *DeviceTx) error) error {
	if d.store.db == nil {
		return ErrClosed
	}
	return d.store.db.View(func(tx *bbolt.Tx) error {
		return fn(&DeviceTx{b: tx.Bucket(deviceBucket)})
	})
}

// Get returns a copy of a device entry, or nil.
func (d *DeviceSettings) Get(key string) ([]byte, error) {
	if d.store.db == nil {
		return nil, ErrClosed
	}
	var out []byte
	err := d.store.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(deviceBucket).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}
