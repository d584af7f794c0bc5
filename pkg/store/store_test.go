package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, key []byte) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "main.db"), key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestItemsAndKeys(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertItem(ctx, Item{ID: "b", SafeID: "s1", EncName: []byte("nb")}, []byte("kb")); err != nil {
			return err
		}
		if err := tx.InsertItem(ctx, Item{ID: "a", SafeID: "s1"}, []byte("ka")); err != nil {
			return err
		}
		return tx.InsertItem(ctx, Item{ID: "c", SafeID: "s2"}, []byte("kc"))
	})
	if err != nil {
		t.Fatalf("insert error = %v", err)
	}

	err = s.WithTx(ctx, func(tx *Tx) error {
		items, err := tx.Items(ctx, "s1")
		if err != nil {
			return err
		}
		if len(items) != 2 || items[0].ID != "a" || items[1].ID != "b" {
			t.Errorf("Items() = %+v", items)
		}
		if items[0].EncName != nil {
			t.Errorf("unnamed item EncName = %x, want nil", items[0].EncName)
		}

		keys, err := tx.ItemKeys(ctx, "s1")
		if err != nil {
			return err
		}
		if len(keys) != 2 || !bytes.Equal(keys[0].EncValue, []byte("ka")) {
			t.Errorf("ItemKeys() = %+v", keys)
		}

		if err := tx.UpdateItemKey(ctx, "a", []byte("ka2")); err != nil {
			return err
		}
		k, err := tx.ItemKey(ctx, "a")
		if err != nil || !bytes.Equal(k, []byte("ka2")) {
			t.Errorf("ItemKey() = (%q, %v)", k, err)
		}

		if err := tx.SetIndexAlpha(ctx, "b", 3); err != nil {
			return err
		}
		if err := tx.UpdateItemKey(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateItemKey() on missing item error = %v, want ErrNotFound", err)
		}
		if _, err := tx.ItemKey(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("ItemKey() on missing item error = %v, want ErrNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertItem(ctx, Item{ID: "a", SafeID: "s"}, []byte("k")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	s.WithTx(ctx, func(tx *Tx) error {
		items, _ := tx.Items(ctx, "s")
		if len(items) != 0 {
			t.Errorf("rolled back insert is visible: %+v", items)
		}
		return nil
	})
}

func TestIndexWordsBackupsContacts(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertIndexWord(ctx, "s", "a", []byte("w1")); err != nil {
			return err
		}
		words, err := tx.IndexWords(ctx, "s")
		if err != nil || len(words) != 1 {
			t.Fatalf("IndexWords() = (%+v, %v)", words, err)
		}
		if err := tx.UpdateIndexWord(ctx, words[0].ID, []byte("w2")); err != nil {
			return err
		}

		inserted, err := tx.InsertBackupIfMissing(ctx, Backup{ID: "b1", SafeID: "s", Path: "/x/1.bkp", CreatedAt: now})
		if err != nil || !inserted {
			t.Errorf("first InsertBackupIfMissing() = (%v, %v)", inserted, err)
		}
		inserted, err = tx.InsertBackupIfMissing(ctx, Backup{ID: "b2", SafeID: "s", Path: "/x/1.bkp", CreatedAt: now})
		if err != nil || inserted {
			t.Errorf("duplicate InsertBackupIfMissing() = (%v, %v), want (false, nil)", inserted, err)
		}
		backups, err := tx.Backups(ctx, "s")
		if err != nil || len(backups) != 1 || !backups[0].CreatedAt.Equal(now) {
			t.Errorf("Backups() = (%+v, %v)", backups, err)
		}

		c := Contact{ID: "c1", SafeID: "s", EncName: []byte("n"), EncSharingMode: []byte{1}, EncLocalKey: []byte("lk")}
		if err := tx.InsertContact(ctx, c); err != nil {
			return err
		}
		if err := tx.UpdateContactSharingMode(ctx, "c1", []byte("deeplink")); err != nil {
			return err
		}
		contacts, err := tx.Contacts(ctx, "s")
		if err != nil || len(contacts) != 1 || string(contacts[0].EncSharingMode) != "deeplink" {
			t.Errorf("Contacts() = (%+v, %v)", contacts, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
}

func TestDeleteSafe(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	s.WithTx(ctx, func(tx *Tx) error {
		tx.InsertItem(ctx, Item{ID: "a", SafeID: "s"}, []byte("k"))
		tx.InsertItem(ctx, Item{ID: "b", SafeID: "other"}, []byte("k"))
		return tx.InsertIndexWord(ctx, "s", "a", []byte("w"))
	})

	if err := s.DeleteSafe(ctx, "s"); err != nil {
		t.Fatalf("DeleteSafe() error = %v", err)
	}
	s.WithTx(ctx, func(tx *Tx) error {
		if items, _ := tx.Items(ctx, "s"); len(items) != 0 {
			t.Errorf("items survived DeleteSafe(): %+v", items)
		}
		if items, _ := tx.Items(ctx, "other"); len(items) != 1 {
			t.Error("DeleteSafe() removed another vault's items")
		}
		return nil
	})
}

func TestEncryptedStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.db")
	key := bytes.Repeat([]byte{0x42}, 32)
	ctx := context.Background()

	s, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertItem(ctx, Item{ID: "a", SafeID: "s", EncName: []byte("plain-marker")}, []byte("k"))
	})
	s.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if bytes.Contains(raw, []byte("plain-marker")) || bytes.HasPrefix(raw, []byte("SQLite format 3")) {
		t.Error("encrypted store is readable as plaintext")
	}

	s, err = Open(path, key)
	if err != nil {
		t.Fatalf("reopen with key error = %v", err)
	}
	defer s.Close()
	s.WithTx(ctx, func(tx *Tx) error {
		items, err := tx.Items(ctx, "s")
		if err != nil || len(items) != 1 {
			t.Errorf("Items() after reopen = (%+v, %v)", items, err)
		}
		return nil
	})

	if _, err := Open(path, bytes.Repeat([]byte{0x43}, 32)); err == nil {
		t.Error("Open() with wrong key should fail")
	}
}
