package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forest6511/safectl/pkg/audit"
	"github.com/forest6511/safectl/pkg/crypto"
	"github.com/forest6511/safectl/pkg/dbcrypt"
	"github.com/forest6511/safectl/pkg/masterkey"
	"github.com/forest6511/safectl/pkg/migration"
	"github.com/forest6511/safectl/pkg/safe"
	"github.com/forest6511/safectl/pkg/session"
	"github.com/forest6511/safectl/pkg/settings"
	"github.com/forest6511/safectl/pkg/store"
)

// Files under the data directory
const (
	settingsFile  = "settings.db"
	metadataFile  = "metadata.db"
	mainDBFile    = "main.db"
	deviceKeyFile = "device.key"
	auditDir      = "audit"
	locksDir      = "locks"
)

// app holds the stores and services a command works with.
type app struct {
	settings *settings.Store
	repo     *safe.Repository
	db       *dbcrypt.Manager
	store    *store.Store
	audit    *audit.Logger
	session  *session.Session
}

// openApp opens the device stores. With withStore it also resolves any
// pending database conversion and opens the item store with the active key.
func openApp(ctx context.Context, withStore bool) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	a := &app{session: session.New()}

	var err error
	if a.settings, err = settings.Open(filepath.Join(cfg.DataDir, settingsFile)); err != nil {
		a.Close()
		return nil, err
	}
	if a.repo, err = safe.Open(filepath.Join(cfg.DataDir, metadataFile)); err != nil {
		a.Close()
		return nil, err
	}
	a.db, err = dbcrypt.New(dbcrypt.Options{
		Path:   filepath.Join(cfg.DataDir, mainDBFile),
		Device: a.settings.Device(),
		Logger: logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if !withStore {
		return a, nil
	}

	// 1. Settle an interrupted conversion before anything opens the file
	outcome, err := a.db.Finish(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to finish database conversion: %w", err)
	}
	if outcome == dbcrypt.Canceled {
		fmt.Fprintf(os.Stderr, "warning: an interrupted database conversion was rolled back\n")
	}

	// 2. Open with whichever key is now active
	key, err := a.db.Key()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store, err = store.Open(filepath.Join(cfg.DataDir, mainDBFile), key)
	crypto.SecureWipe(key)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases everything openApp opened and wipes key material.
func (a *app) Close() {
	a.session.Close()
	if a.audit != nil {
		a.audit.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.repo != nil {
		a.repo.Close()
	}
	if a.settings != nil {
		a.settings.Close()
	}
}

// auditLog returns the audit log of safeID. Each vault keeps its own chain
// because the chain key is derived from its master key.
func (a *app) auditLog(safeID string) *audit.Logger {
	if a.audit == nil {
		a.audit = audit.NewLogger(filepath.Join(cfg.DataDir, auditDir, safeID))
	}
	return a.audit
}

// orchestrator builds the migration orchestrator. With a safeID the runs
// are audited in that vault's log.
func (a *app) orchestrator(safeID string) (*migration.Orchestrator, error) {
	policy, err := migration.ParseFailurePolicy(cfg.Migration.FailurePolicy)
	if err != nil {
		return nil, err
	}
	opts := migration.Options{
		Settings: a.settings,
		Repo:     a.repo,
		Store:    a.store,
		Acquirer: masterkey.New(a.repo, cfg.KDF.Params()),
		Session:  a.session,
		Steps:    migration.DefaultSteps(migration.Dependencies{BackupDir: cfg.BackupDir}),
		Policy:   policy,
		Logger:   logger,
		LockDir:  filepath.Join(cfg.DataDir, locksDir),
	}
	if safeID != "" {
		opts.Audit = a.auditLog(safeID)
	}
	return migration.New(opts)
}

func deviceCipher() (*crypto.SoftwareCipher, error) {
	return crypto.NewSoftwareCipher(filepath.Join(cfg.DataDir, deviceKeyFile))
}

// unlock runs the migration chain for safeID, which is the only way a vault
// is unlocked. The key ends up in a.session.
func (a *app) unlock(ctx context.Context, orch *migration.Orchestrator, safeID string) error {
	var cred migration.Credential
	if useBiometric {
		hc, err := deviceCipher()
		if err != nil {
			return err
		}
		cred = migration.BiometricCredential{Cipher: hc}
	} else {
		pw, err := prompt.password("Enter master password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(pw)
		cred = migration.PasswordCredential{Password: pw}
	}

	err := orch.RunMigration(ctx, safeID, cred)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, migration.ErrMigrationInProgress):
		return errors.New("vault is being unlocked by another process")
	case migration.IsCredentialError(err):
		return fmt.Errorf("invalid credentials (%s): %w", migration.CodeOf(err), err)
	}
	return fmt.Errorf("failed to unlock vault (%s): %w", migration.CodeOf(err), err)
}
