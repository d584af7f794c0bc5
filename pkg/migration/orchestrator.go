package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/forest6511/safectl/internal/flock"
	"github.com/forest6511/safectl/pkg/audit"
	"github.com/forest6511/safectl/pkg/crypto"
	"github.com/forest6511/safectl/pkg/masterkey"
	"github.com/forest6511/safectl/pkg/safe"
	"github.com/forest6511/safectl/pkg/settings"
	"github.com/forest6511/safectl/pkg/store"
)

// FailurePolicy decides what happens to the remaining steps after one fails.
type FailurePolicy int

const (
	// ShortCircuit stops at the first failing step.
	ShortCircuit FailurePolicy = iota
	// RunAll executes every remaining step and reports the first failure.
	RunAll
)

// ParseFailurePolicy maps a config value to a policy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "short_circuit":
		return ShortCircuit, nil
	case "run_all":
		return RunAll, nil
	}
	return ShortCircuit, fmt.Errorf("migration: unknown failure policy: %s", s)
}

// Credential unlocks the master key of a vault.
type Credential interface {
	acquire(ctx context.Context, a *masterkey.Acquirer, safeID string) (*crypto.Key, error)
}

// PasswordCredential derives the key from a password.
type PasswordCredential struct {
	Password []byte
}

func (c PasswordCredential) acquire(ctx context.Context, a *masterkey.Acquirer, safeID string) (*crypto.Key, error) {
	return a.ByPassword(ctx, safeID, c.Password)
}

// BiometricCredential unwraps the key through a hardware cipher.
type BiometricCredential struct {
	Cipher crypto.HardwareCipher
}

func (c BiometricCredential) acquire(ctx context.Context, a *masterkey.Acquirer, safeID string) (*crypto.Key, error) {
	return a.ByBiometric(ctx, safeID, c.Cipher)
}

// KeySink receives the master key after a successful run.
type KeySink interface {
	Load(safeID string, key *crypto.Key)
}

// AuditLog records the outcome of runs. Write errors are logged, not returned.
// The chain key is set from the master key once it has been verified, so
// credential failures are never audited.
type AuditLog interface {
	SetHMACKey(key *crypto.Key) error
	LogSuccess(op, safeID string, ctx map[string]string) error
	LogError(op, safeID, errCode, errMsg string, ctx map[string]string) error
}

// Options configure an Orchestrator. Settings, Repo, Store, Acquirer and
// Session are required.
type Options struct {
	Settings *settings.Store
	Repo     CryptoRepository
	Store    *store.Store
	Acquirer *masterkey.Acquirer
	Session  KeySink
	Audit    AuditLog
	Steps    []Step
	Policy   FailurePolicy
	Logger   *slog.Logger

	// LockDir holds one lock file per vault. Empty disables cross-process
	// locking.
	LockDir string

	// IsSignedUp reports whether a vault with no persisted version predates
	// versioning. The default checks for an existing SafeCrypto record.
	IsSignedUp func(ctx context.Context, safeID string) (bool, error)
}

// Orchestrator runs the step chain for a vault.
type Orchestrator struct {
	opts  Options
	chain *Chain
	log   *slog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// New validates opts and builds the step chain.
func New(opts Options) (*Orchestrator, error) {
	if opts.Settings == nil || opts.Repo == nil || opts.Store == nil || opts.Acquirer == nil || opts.Session == nil {
		return nil, errors.New("migration: settings, repository, store, acquirer and session are required")
	}
	chain, err := NewChain(opts.Steps...)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IsSignedUp == nil {
		repo := opts.Repo
		opts.IsSignedUp = func(ctx context.Context, safeID string) (bool, error) {
			_, err := repo.Read(ctx, safeID)
			if errors.Is(err, safe.ErrSafeNotFound) {
				return false, nil
			}
			return err == nil, err
		}
	}
	return &Orchestrator{
		opts:    opts,
		chain:   chain,
		log:     opts.Logger,
		running: make(map[string]bool),
	}, nil
}

// Latest is the version a successful run leaves the vault at.
func (o *Orchestrator) Latest() int { return o.chain.Latest() }

// CurrentVersion returns the vault's schema version and whether it was
// persisted. A vault with no persisted version is at 0 if it predates
// versioning and at Latest if it is a fresh install.
func (o *Orchestrator) CurrentVersion(ctx context.Context, safeID string) (int, bool, error) {
	v, ok, err := o.opts.Settings.Safe(safeID).SchemaVersion()
	if err != nil {
		return 0, false, fmt.Errorf("migration: failed to read schema version: %w", err)
	}
	if ok {
		return v, true, nil
	}
	signedUp, err := o.opts.IsSignedUp(ctx, safeID)
	if err != nil {
		return 0, false, fmt.Errorf("migration: failed to check sign-up state: %w", err)
	}
	if signedUp {
		return 0, false, nil
	}
	return o.chain.Latest(), false, nil
}

// NeedToMigrate reports whether the vault is behind Latest.
func (o *Orchestrator) NeedToMigrate(ctx context.Context, safeID string) (bool, error) {
	v, _, err := o.CurrentVersion(ctx, safeID)
	if err != nil {
		return false, err
	}
	return v < o.chain.Latest(), nil
}

// RunMigration unlocks the vault with cred, runs every pending step and, on
// success, persists Latest and hands the key to the session. On failure
// nothing is persisted and the key is destroyed.
//
// Once steps start they run to completion even if ctx is canceled.
func (o *Orchestrator) RunMigration(ctx context.Context, safeID string, cred Credential) error {
	unlock, err := o.acquireRun(safeID)
	if err != nil {
		return err
	}
	defer unlock()

	// 1. Where are we
	from, persisted, err := o.CurrentVersion(ctx, safeID)
	if err != nil {
		return err
	}
	latest := o.chain.Latest()
	steps, err := o.chain.Range(from)
	if err != nil {
		return err
	}

	// 2. Unlock
	key, err := cred.acquire(ctx, o.opts.Acquirer, safeID)
	if err != nil {
		return fmt.Errorf("migration: failed to acquire master key: %w", err)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			key.Destroy()
		}
	}()

	if err := o.verify(ctx, safeID, key); err != nil {
		o.log.Warn("master key rejected", "safe_id", safeID, "err", err)
		return err
	}
	if o.opts.Audit != nil {
		if err := o.opts.Audit.SetHMACKey(key); err != nil {
			o.log.Warn("failed to initialize audit log", "safe_id", safeID, "err", err)
		}
	}

	// 3. Run the pending steps
	if len(steps) > 0 {
		if err := o.runSteps(context.WithoutCancel(ctx), safeID, key, steps); err != nil {
			o.audit(safeID, from, err)
			return err
		}
	}

	// 4. Commit
	if !persisted || from < latest {
		if err := o.opts.Settings.Safe(safeID).SetSchemaVersion(latest); err != nil {
			err = fmt.Errorf("migration: failed to persist schema version: %w", err)
			o.audit(safeID, from, err)
			return err
		}
	}
	o.opts.Session.Load(safeID, key)
	handedOff = true
	if len(steps) > 0 {
		o.audit(safeID, from, nil)
	}
	return nil
}

// verify checks key against the vault's key-test value. Vaults still holding
// a legacy username sealed the value with it, unless an interrupted
// username removal already re-sealed it.
func (o *Orchestrator) verify(ctx context.Context, safeID string, key *crypto.Key) error {
	c, err := o.opts.Repo.Read(ctx, safeID)
	if err != nil {
		return fmt.Errorf("migration: failed to read safe crypto: %w", err)
	}
	username, err := o.opts.Settings.Safe(safeID).Get(LegacyUsernameKey)
	if err != nil {
		return fmt.Errorf("migration: failed to read legacy username: %w", err)
	}

	err = masterkey.Verify(key, c, username)
	if errors.Is(err, masterkey.ErrWrongPassword) && username != nil {
		err = masterkey.Verify(key, c, nil)
	}
	return err
}

func (o *Orchestrator) runSteps(ctx context.Context, safeID string, key *crypto.Key, steps []Step) error {
	mc := &Context{
		SafeID:   safeID,
		Key:      key,
		Settings: o.opts.Settings.Safe(safeID),
		Repo:     o.opts.Repo,
		Store:    o.opts.Store,
		Logger:   o.log,
	}

	var first error
	for _, s := range steps {
		start := time.Now()
		err := s.Execute(ctx, mc)
		if err != nil {
			var se *StepError
			if !errors.As(err, &se) {
				err = &StepError{From: s.From(), To: s.To(), Op: s.Name(), Code: CodeOf(err), Err: err}
			}
			o.log.Error("migration step finished", "safe_id", safeID, "step", s.Name(),
				"from", s.From(), "to", s.To(), "duration", time.Since(start), "err", err)
			if first == nil {
				first = err
			}
			if o.opts.Policy == ShortCircuit {
				break
			}
			continue
		}
		o.log.Info("migration step finished", "safe_id", safeID, "step", s.Name(),
			"from", s.From(), "to", s.To(), "duration", time.Since(start))
	}
	return first
}

// acquireRun enforces one run per vault, within this process and across
// processes sharing LockDir.
func (o *Orchestrator) acquireRun(safeID string) (func(), error) {
	o.mu.Lock()
	if o.running[safeID] {
		o.mu.Unlock()
		return nil, ErrMigrationInProgress
	}
	o.running[safeID] = true
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		delete(o.running, safeID)
		o.mu.Unlock()
	}

	if o.opts.LockDir == "" {
		return release, nil
	}
	lock, err := flock.TryLock(filepath.Join(o.opts.LockDir, safeID+".lock"))
	if err != nil {
		release()
		if errors.Is(err, flock.ErrLocked) {
			return nil, ErrMigrationInProgress
		}
		return nil, fmt.Errorf("migration: failed to lock safe: %w", err)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			o.log.Warn("failed to release migration lock", "safe_id", safeID, "err", err)
		}
		release()
	}, nil
}

func (o *Orchestrator) audit(safeID string, from int, err error) {
	if o.opts.Audit == nil {
		return
	}
	ctx := map[string]string{
		"from": strconv.Itoa(from),
		"to":   strconv.Itoa(o.chain.Latest()),
	}
	var aerr error
	if err == nil {
		aerr = o.opts.Audit.LogSuccess(audit.OpMigrationRun, safeID, ctx)
	} else {
		aerr = o.opts.Audit.LogError(audit.OpMigrationRun, safeID, string(CodeOf(err)), err.Error(), ctx)
	}
	if aerr != nil {
		o.log.Warn("failed to write audit event", "safe_id", safeID, "err", aerr)
	}
}
