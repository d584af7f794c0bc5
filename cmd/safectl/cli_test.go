package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forest6511/safectl/internal/config"
	"github.com/forest6511/safectl/pkg/settings"
)

const testPassword = "correct horse battery"

// newDataDir returns a data directory whose config uses cheap KDF costs.
func newDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	c := config.Default(dir)
	c.KDF = config.KDF{MemoryKiB: 8 * 1024, Iterations: 1, Threads: 1}
	if err := c.Save(dir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return dir
}

// execute runs the CLI against dir with stdin as piped input.
func execute(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	useBiometric, deleteForce, auditLimit = false, false, 100

	var out, errOut bytes.Buffer
	rootCmd.SetArgs(append([]string{"--data-dir", dir}, args...))
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func initVault(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := execute(t, dir, testPassword+"\n"+testPassword+"\n", append([]string{"init"}, args...)...)
	if err != nil {
		t.Fatalf("init error = %v", err)
	}
	_, id, ok := strings.Cut(out, "Vault created: ")
	if !ok {
		t.Fatalf("init output has no vault id: %q", out)
	}
	return strings.TrimSpace(id)
}

func TestInitAndStatus(t *testing.T) {
	dir := newDataDir(t)
	id := initVault(t, dir)

	out, err := execute(t, dir, "", "status")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, id+"  version 6/6  up to date") {
		t.Errorf("status output = %q", out)
	}
	if !strings.Contains(out, "Database: not_encrypted") {
		t.Errorf("status output missing database state: %q", out)
	}
}

func TestInitRejectsBadPasswords(t *testing.T) {
	dir := newDataDir(t)
	tests := []struct {
		name  string
		stdin string
		want  string
	}{
		{"mismatch", "password-one\npassword-two\n", "do not match"},
		{"too short", "short\nshort\n", "at least"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, dir, tt.stdin, "init")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("init error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestMigrate(t *testing.T) {
	dir := newDataDir(t)
	id := initVault(t, dir)

	out, err := execute(t, dir, testPassword+"\n", "migrate", id)
	if err != nil {
		t.Fatalf("migrate error = %v", err)
	}
	if !strings.Contains(out, "is up to date (version 6)") {
		t.Errorf("migrate output = %q", out)
	}

	_, err = execute(t, dir, "wrong password\n", "migrate", id)
	if err == nil || !strings.Contains(err.Error(), "wrong_password") {
		t.Errorf("migrate with wrong password error = %v", err)
	}
}

func TestMigrateVaultWithoutVersion(t *testing.T) {
	dir := newDataDir(t)
	id := initVault(t, dir)

	// Drop the persisted version, as on an install that predates versioning
	s, err := settings.Open(filepath.Join(dir, settingsFile))
	if err != nil {
		t.Fatalf("settings.Open() error = %v", err)
	}
	if err := s.DeleteSafe(id); err != nil {
		t.Fatalf("DeleteSafe() error = %v", err)
	}
	s.Close()

	out, _ := execute(t, dir, "", "status")
	if !strings.Contains(out, "version 0/6  needs migration") {
		t.Errorf("status output = %q", out)
	}

	out, err = execute(t, dir, testPassword+"\n", "migrate", id)
	if err != nil {
		t.Fatalf("migrate error = %v", err)
	}
	if !strings.Contains(out, "migrated from version 0 to 6") {
		t.Errorf("migrate output = %q", out)
	}

	out, _ = execute(t, dir, "", "status")
	if !strings.Contains(out, "version 6/6  up to date") {
		t.Errorf("status after migrate = %q", out)
	}
}

func TestDatabaseCommands(t *testing.T) {
	dir := newDataDir(t)
	id := initVault(t, dir)

	out, err := execute(t, dir, "", "db", "enable")
	if err != nil {
		t.Fatalf("db enable error = %v", err)
	}
	if !strings.Contains(out, "Conversion done: database is encrypted") {
		t.Errorf("db enable output = %q", out)
	}

	out, err = execute(t, dir, "", "db", "status")
	if err != nil {
		t.Fatalf("db status error = %v", err)
	}
	if !strings.Contains(out, "State: encrypted") || !strings.Contains(out, "File: encrypted") {
		t.Errorf("db status output = %q", out)
	}

	// The item store opens with the new key
	if _, err := execute(t, dir, testPassword+"\n", "migrate", id); err != nil {
		t.Fatalf("migrate on encrypted database error = %v", err)
	}

	out, _ = execute(t, dir, "", "db", "finish")
	if !strings.Contains(out, "Nothing to finish") {
		t.Errorf("db finish output = %q", out)
	}

	if _, err := execute(t, dir, "", "db", "enable"); err == nil {
		t.Error("db enable on an encrypted database should fail")
	}

	out, err = execute(t, dir, "", "db", "disable")
	if err != nil {
		t.Fatalf("db disable error = %v", err)
	}
	if !strings.Contains(out, "database is not_encrypted") {
		t.Errorf("db disable output = %q", out)
	}
	out, _ = execute(t, dir, "", "db", "status")
	if !strings.Contains(out, "File: plaintext") {
		t.Errorf("db status after disable = %q", out)
	}
}

func TestAuditCommands(t *testing.T) {
	dir := newDataDir(t)
	id := initVault(t, dir)

	out, err := execute(t, dir, testPassword+"\n", "audit", "verify", id)
	if err != nil {
		t.Fatalf("audit verify error = %v", err)
	}
	if !strings.Contains(out, "chain intact") {
		t.Errorf("audit verify output = %q", out)
	}

	out, err = execute(t, dir, "", "audit", "list", id)
	if err != nil {
		t.Fatalf("audit list error = %v", err)
	}
	if !strings.Contains(out, "vault.init success") {
		t.Errorf("audit list output = %q", out)
	}

	if _, err := execute(t, dir, "nope nope\n", "audit", "verify", id); err == nil {
		t.Error("audit verify with wrong password should fail")
	}
}

func TestDeleteVault(t *testing.T) {
	dir := newDataDir(t)
	id := initVault(t, dir)

	out, err := execute(t, dir, testPassword+"\nn\n", "delete", id)
	if err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if !strings.Contains(out, "Aborted") {
		t.Errorf("declined delete output = %q", out)
	}

	if _, err := execute(t, dir, testPassword+"\n", "delete", "--force", id); err != nil {
		t.Fatalf("delete --force error = %v", err)
	}
	out, _ = execute(t, dir, "", "status")
	if !strings.Contains(out, "No vaults found") {
		t.Errorf("status after delete = %q", out)
	}
}

func TestBiometricUnlock(t *testing.T) {
	dir := newDataDir(t)
	id := initVault(t, dir, "--biometric")

	out, err := execute(t, dir, "", "migrate", "--biometric", id)
	if err != nil {
		t.Fatalf("migrate --biometric error = %v", err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("migrate --biometric output = %q", out)
	}
}

func TestPrompterPipedInput(t *testing.T) {
	var out bytes.Buffer
	p := newPrompter(strings.NewReader("first\r\nsecond\nyes"), &out)

	pw, err := p.password("pw: ")
	if err != nil || string(pw) != "first" {
		t.Errorf("password() = (%q, %v), want first", pw, err)
	}
	pw, err = p.password("pw: ")
	if err != nil || string(pw) != "second" {
		t.Errorf("second password() = (%q, %v), want second", pw, err)
	}
	ok, err := p.confirm("sure?")
	if err != nil || !ok {
		t.Errorf("confirm() = (%v, %v), want true", ok, err)
	}
	if _, err := p.password("pw: "); err == nil {
		t.Error("password() at end of input should fail")
	}
	if !strings.Contains(out.String(), "sure? [y/N]: ") {
		t.Errorf("prompt output = %q", out.String())
	}
}
