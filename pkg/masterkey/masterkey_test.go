package masterkey

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/forest6511/safectl/pkg/crypto"
	"github.com/forest6511/safectl/pkg/safe"
)

var testKDF = crypto.KDFParams{Memory: 8 * 1024, Iterations: 1, Threads: 1}

func setup(t *testing.T, hc crypto.HardwareCipher) (*safe.Repository, *safe.SafeCrypto) {
	t.Helper()
	repo, err := safe.Open(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("safe.Open() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	c, key, err := safe.Provision(context.Background(), repo, []byte("correct horse"), testKDF, hc)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	key.Destroy()
	return repo, c
}

func TestByPassword(t *testing.T) {
	repo, c := setup(t, nil)
	acq := New(repo, testKDF)
	ctx := context.Background()

	key, err := acq.ByPassword(ctx, c.ID, []byte("correct horse"))
	if err != nil {
		t.Fatalf("ByPassword() error = %v", err)
	}
	defer key.Destroy()
	if err := Verify(key, c, nil); err != nil {
		t.Errorf("Verify() with correct password error = %v", err)
	}

	wrong, err := acq.ByPassword(ctx, c.ID, []byte("battery staple"))
	if err != nil {
		t.Fatalf("ByPassword() with wrong password should still return a key, got %v", err)
	}
	defer wrong.Destroy()
	if err := Verify(wrong, c, nil); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Verify() with wrong password error = %v, want ErrWrongPassword", err)
	}
}

func TestByPasswordErrors(t *testing.T) {
	repo, c := setup(t, nil)
	acq := New(repo, testKDF)
	ctx := context.Background()

	if _, err := acq.ByPassword(ctx, "unknown", []byte("x")); !errors.Is(err, ErrMasterKeyNotGenerated) {
		t.Errorf("unknown safe error = %v, want ErrMasterKeyNotGenerated", err)
	}
	if _, err := acq.ByPassword(ctx, c.ID, nil); !errors.Is(err, crypto.ErrEmptyPasswordDerivation) {
		t.Errorf("empty password error = %v, want ErrEmptyPasswordDerivation", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := acq.ByPassword(canceled, c.ID, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled context error = %v, want context.Canceled", err)
	}
}

func TestByBiometric(t *testing.T) {
	hc, err := crypto.NewSoftwareCipher(filepath.Join(t.TempDir(), "device.key"))
	if err != nil {
		t.Fatalf("NewSoftwareCipher() error = %v", err)
	}
	repo, c := setup(t, hc)
	acq := New(repo, testKDF)
	ctx := context.Background()

	key, err := acq.ByBiometric(ctx, c.ID, hc)
	if err != nil {
		t.Fatalf("ByBiometric() error = %v", err)
	}
	defer key.Destroy()
	if err := Verify(key, c, nil); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	hc.Invalidate()
	if _, err := acq.ByBiometric(ctx, c.ID, hc); !errors.Is(err, crypto.ErrBiometricKeyInvalidated) {
		t.Errorf("ByBiometric() after invalidation error = %v, want ErrBiometricKeyInvalidated", err)
	}
}

func TestByBiometricNotEnrolled(t *testing.T) {
	repo, c := setup(t, nil)
	hc, _ := crypto.NewSoftwareCipher(filepath.Join(t.TempDir(), "device.key"))

	_, err := New(repo, testKDF).ByBiometric(context.Background(), c.ID, hc)
	if !errors.Is(err, ErrMasterKeyNotGenerated) {
		t.Errorf("ByBiometric() without material error = %v, want ErrMasterKeyNotGenerated", err)
	}
}

func TestVerifyAssociatedData(t *testing.T) {
	raw, _ := crypto.GenerateKey()
	key, _ := crypto.NewKey(raw)
	defer key.Destroy()

	encTest, _ := key.Encrypt([]byte(safe.MasterKeyTestValue), []byte("alice"))
	c := &safe.SafeCrypto{EncTest: encTest}

	if err := Verify(key, c, []byte("alice")); err != nil {
		t.Errorf("Verify() with matching associated data error = %v", err)
	}
	if err := Verify(key, c, nil); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Verify() without associated data error = %v, want ErrWrongPassword", err)
	}

	other, _ := key.Encrypt([]byte("not the test value"), nil)
	if err := Verify(key, &safe.SafeCrypto{EncTest: other}, nil); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Verify() with unexpected plaintext error = %v, want ErrWrongPassword", err)
	}
}
