package migration

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/safectl/pkg/audit"
	"github.com/forest6511/safectl/pkg/crypto"
	"github.com/forest6511/safectl/pkg/masterkey"
	"github.com/forest6511/safectl/pkg/safe"
	"github.com/forest6511/safectl/pkg/session"
	"github.com/forest6511/safectl/pkg/settings"
	"github.com/forest6511/safectl/pkg/store"
)

var testKDF = crypto.KDFParams{Memory: 8 * 1024, Iterations: 1, Threads: 1}

const testPassword = "correct horse battery staple"

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	dir      string
	settings *settings.Store
	repo     *safe.Repository
	store    *store.Store
	session  *session.Session
	audit    *audit.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := settings.Open(filepath.Join(dir, "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	repo, err := safe.Open(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	ms, err := store.Open(filepath.Join(dir, "main.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ms.Close() })

	sess := session.New()
	t.Cleanup(sess.Close)

	return &fixture{
		dir:      dir,
		settings: st,
		repo:     repo,
		store:    ms,
		session:  sess,
		audit:    audit.NewLogger(filepath.Join(dir, "audit")),
	}
}

func (f *fixture) backupDir() string { return filepath.Join(f.dir, "backups") }

func (f *fixture) orchestrator(t *testing.T, policy FailurePolicy, steps ...Step) *Orchestrator {
	t.Helper()
	if len(steps) == 0 {
		steps = DefaultSteps(Dependencies{BackupDir: f.backupDir()})
	}
	o, err := New(Options{
		Settings: f.settings,
		Repo:     f.repo,
		Store:    f.store,
		Acquirer: masterkey.New(f.repo, testKDF),
		Session:  f.session,
		Audit:    f.audit,
		Steps:    steps,
		Policy:   policy,
		Logger:   discardLogger,
		LockDir:  filepath.Join(f.dir, "locks"),
	})
	require.NoError(t, err)
	return o
}

// stepContext builds a Context for running one step directly.
func (f *fixture) stepContext(t *testing.T, safeID string, masterKey []byte) *Context {
	t.Helper()
	key, err := crypto.NewKey(append([]byte(nil), masterKey...))
	require.NoError(t, err)
	t.Cleanup(key.Destroy)
	return &Context{
		SafeID:   safeID,
		Key:      key,
		Settings: f.settings.Safe(safeID),
		Repo:     f.repo,
		Store:    f.store,
		Logger:   discardLogger,
	}
}

type vault struct {
	id        string
	masterKey []byte
	indexKey  []byte
	itemKeys  map[string][]byte
}

func seal(t *testing.T, key, plaintext, ad []byte) []byte {
	t.Helper()
	out, err := crypto.Encrypt(key, plaintext, ad)
	require.NoError(t, err)
	return out
}

func open(t *testing.T, key, blob []byte) []byte {
	t.Helper()
	out, err := crypto.Decrypt(key, blob, nil)
	require.NoError(t, err)
	return out
}

// legacyVault writes a vault the way early releases did: no schema version,
// no edition or bubbles key, and every master-key blob sealed with the
// username as associated data. An empty username seals without it.
func (f *fixture) legacyVault(t *testing.T, username string, names map[string]string) *vault {
	t.Helper()
	ctx := context.Background()

	salt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	mk, err := crypto.DeriveKeyWithParams([]byte(testPassword), salt, testKDF)
	require.NoError(t, err)
	indexKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	var ad []byte
	if username != "" {
		ad = []byte(username)
	}

	v := &vault{id: uuid.NewString(), masterKey: mk, indexKey: indexKey, itemKeys: map[string][]byte{}}
	require.NoError(t, f.repo.Write(ctx, &safe.SafeCrypto{
		ID:          v.id,
		Salt:        salt,
		EncTest:     seal(t, mk, []byte(safe.MasterKeyTestValue), ad),
		EncIndexKey: seal(t, mk, indexKey, ad),
	}))
	if username != "" {
		require.NoError(t, f.settings.Safe(v.id).Put(LegacyUsernameKey, ad))
	}

	require.NoError(t, f.store.WithTx(ctx, func(tx *store.Tx) error {
		for itemID, name := range names {
			ik, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			v.itemKeys[itemID] = ik

			var encName []byte
			if name != "" {
				encName = seal(t, ik, []byte(name), nil)
			}
			if err := tx.InsertItem(ctx, store.Item{ID: itemID, SafeID: v.id, EncName: encName}, seal(t, mk, ik, ad)); err != nil {
				return err
			}
			if err := tx.InsertIndexWord(ctx, v.id, itemID, seal(t, indexKey, []byte("word-"+itemID), ad)); err != nil {
				return err
			}
		}
		return nil
	}))
	return v
}

// currentVault provisions a vault with the full key set at version.
func (f *fixture) currentVault(t *testing.T, version int) (*vault, *safe.SafeCrypto) {
	t.Helper()
	c, key, err := safe.Provision(context.Background(), f.repo, []byte(testPassword), testKDF, nil)
	require.NoError(t, err)
	key.Destroy()
	require.NoError(t, f.settings.Safe(c.ID).SetSchemaVersion(version))

	mk, err := crypto.DeriveKeyWithParams([]byte(testPassword), c.Salt, testKDF)
	require.NoError(t, err)
	return &vault{id: c.ID, masterKey: mk, indexKey: open(t, mk, c.EncIndexKey), itemKeys: map[string][]byte{}}, c
}

func password(pw string) Credential {
	return PasswordCredential{Password: []byte(pw)}
}
