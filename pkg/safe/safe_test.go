package safe

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/forest6511/safectl/pkg/crypto"
)

var testKDF = crypto.KDFParams{Memory: 8 * 1024, Iterations: 1, Threads: 1}

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestKey(t *testing.T) *crypto.Key {
	t.Helper()
	raw, _ := crypto.GenerateKey()
	key, err := crypto.NewKey(raw)
	if err != nil {
		t.Fatalf("NewKey() error = %v", err)
	}
	t.Cleanup(key.Destroy)
	return key
}

func TestOpenCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.db")
	repo, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer repo.Close()

	version, err := metaSchemaVersion(repo.db)
	if err != nil {
		t.Fatalf("metaSchemaVersion() error = %v", err)
	}
	if version != currentMetaSchema {
		t.Errorf("metadata schema = %d, want %d", version, currentMetaSchema)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("metadata file permissions = %o, want 0600", perm)
	}

	if err := repo.CheckIntegrity(context.Background()); err != nil {
		t.Errorf("CheckIntegrity() error = %v", err)
	}
}

func TestMetaSchemaUpgradeFromV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.db")

	// Build a v1 file by hand
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	if err := applyMeta(db, metaSchemaV1, metaToV1); err != nil {
		t.Fatalf("applyMeta(v1) error = %v", err)
	}
	if _, err := db.Exec("INSERT INTO safe_crypto (id, salt, enc_test) VALUES ('old', x'01', x'02')"); err != nil {
		t.Fatalf("insert error = %v", err)
	}
	db.Close()

	repo, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer repo.Close()

	c, err := repo.Read(context.Background(), "old")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if c.AutoDestructionKey != nil {
		t.Errorf("AutoDestructionKey = %x, want nil", c.AutoDestructionKey)
	}

	// Re-running the upgrade is harmless
	if err := migrateMetaSchema(repo.db); err != nil {
		t.Errorf("second migrateMetaSchema() error = %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	in := &SafeCrypto{
		ID:                 "safe-1",
		Salt:               []byte{1, 2, 3},
		EncTest:            []byte{4, 5},
		EncIndexKey:        []byte{6},
		EncItemEditionKey:  []byte{7},
		AutoDestructionKey: []byte{9, 9},
	}
	if err := repo.Write(ctx, in); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	out, err := repo.Read(ctx, "safe-1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !out.Equal(in) {
		t.Errorf("Read() = %+v, want %+v", out, in)
	}
	if out.EncBubblesKey != nil || out.BiometricCryptoMaterial != nil {
		t.Error("absent optional fields should read back as nil")
	}

	// Whole-record replace
	in.EncBubblesKey = []byte{8}
	in.AutoDestructionKey = nil
	if err := repo.Write(ctx, in); err != nil {
		t.Fatalf("Write() replace error = %v", err)
	}
	out, _ = repo.Read(ctx, "safe-1")
	if !out.Equal(in) {
		t.Errorf("Read() after replace = %+v, want %+v", out, in)
	}
}

func TestReadNotFound(t *testing.T) {
	repo := openTestRepo(t)
	if _, err := repo.Read(context.Background(), "missing"); !errors.Is(err, ErrSafeNotFound) {
		t.Errorf("Read() error = %v, want ErrSafeNotFound", err)
	}
}

func TestWriteRejectsIncompleteRecord(t *testing.T) {
	repo := openTestRepo(t)
	tests := []struct {
		name string
		c    *SafeCrypto
	}{
		{"no id", &SafeCrypto{Salt: []byte{1}, EncTest: []byte{1}}},
		{"no salt", &SafeCrypto{ID: "a", EncTest: []byte{1}}},
		{"no test", &SafeCrypto{ID: "a", Salt: []byte{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.Write(context.Background(), tt.c); !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("Write() error = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

func TestDeleteAndList(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := repo.Write(ctx, &SafeCrypto{ID: id, Salt: []byte{1}, EncTest: []byte{1}}); err != nil {
			t.Fatalf("Write(%s) error = %v", id, err)
		}
	}

	ids, err := repo.List(ctx)
	if err != nil || len(ids) != 2 {
		t.Fatalf("List() = (%v, %v), want 2 ids", ids, err)
	}

	if err := repo.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Read(ctx, "a"); !errors.Is(err, ErrSafeNotFound) {
		t.Errorf("Read() after Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, "a"); err != nil {
		t.Errorf("Delete() of missing safe error = %v", err)
	}
}

func TestGenerateCrypto(t *testing.T) {
	key := newTestKey(t)
	salt := []byte("salt")

	c, err := GenerateCrypto(key, salt, nil)
	if err != nil {
		t.Fatalf("GenerateCrypto() error = %v", err)
	}

	test, err := key.Decrypt(c.EncTest, nil)
	if err != nil || string(test) != MasterKeyTestValue {
		t.Errorf("EncTest decrypts to (%q, %v)", test, err)
	}
	if len(c.MissingAuxiliaryKeys()) != 0 {
		t.Errorf("MissingAuxiliaryKeys() = %v, want none", c.MissingAuxiliaryKeys())
	}

	seen := map[string]bool{}
	for name, blob := range map[string][]byte{"index": c.EncIndexKey, "edition": c.EncItemEditionKey, "bubbles": c.EncBubblesKey} {
		aux, err := key.Decrypt(blob, nil)
		if err != nil {
			t.Fatalf("%s key does not decrypt: %v", name, err)
		}
		if len(aux) != crypto.KeyLength {
			t.Errorf("%s key length = %d", name, len(aux))
		}
		if seen[string(aux)] {
			t.Errorf("%s key reused", name)
		}
		seen[string(aux)] = true
	}
	if c.BiometricCryptoMaterial != nil {
		t.Error("BiometricCryptoMaterial should be nil without a hardware cipher")
	}
}

func TestGenerateCryptoWithBiometric(t *testing.T) {
	key := newTestKey(t)
	hc, err := crypto.NewSoftwareCipher(filepath.Join(t.TempDir(), "device.key"))
	if err != nil {
		t.Fatalf("NewSoftwareCipher() error = %v", err)
	}

	c, err := GenerateCrypto(key, []byte("salt"), hc)
	if err != nil {
		t.Fatalf("GenerateCrypto() error = %v", err)
	}
	unwrapped, err := crypto.Unwrap(c.BiometricCryptoMaterial, hc)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	key.Use(func(raw []byte) error {
		if !bytes.Equal(raw, unwrapped) {
			t.Error("biometric material does not unwrap to the master key")
		}
		return nil
	})
}

func TestFillMissingKeepsExistingKeys(t *testing.T) {
	current := &SafeCrypto{
		ID:                "a",
		Salt:              []byte{1},
		EncTest:           []byte{2},
		EncIndexKey:       []byte{3},
		EncItemEditionKey: []byte{4},
	}
	generated := &SafeCrypto{
		EncIndexKey:       []byte{30},
		EncItemEditionKey: []byte{40},
		EncBubblesKey:     []byte{50},
	}

	merged := FillMissing(current, generated)

	if !bytes.Equal(merged.EncIndexKey, []byte{3}) || !bytes.Equal(merged.EncItemEditionKey, []byte{4}) {
		t.Error("FillMissing() overwrote an existing key")
	}
	if !bytes.Equal(merged.EncBubblesKey, []byte{50}) {
		t.Errorf("EncBubblesKey = %x, want 50", merged.EncBubblesKey)
	}
	if current.EncBubblesKey != nil {
		t.Error("FillMissing() mutated its input")
	}
}

func TestProvision(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	c, key, err := Provision(ctx, repo, []byte("pw"), testKDF, nil)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	defer key.Destroy()

	stored, err := repo.Read(ctx, c.ID)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !stored.Equal(c) {
		t.Error("stored record differs from returned record")
	}

	raw, _ := crypto.DeriveKeyWithParams([]byte("pw"), stored.Salt, testKDF)
	if _, err := crypto.Decrypt(raw, stored.EncTest, nil); err != nil {
		t.Errorf("password-derived key does not open EncTest: %v", err)
	}

	if _, _, err := Provision(ctx, repo, nil, testKDF, nil); !errors.Is(err, crypto.ErrEmptyPasswordDerivation) {
		t.Errorf("Provision() with empty password error = %v", err)
	}
}
