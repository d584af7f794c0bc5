package migration

import (
	"errors"
	"fmt"

	"github.com/forest6511/safectl/pkg/crypto"
	"github.com/forest6511/safectl/pkg/masterkey"
	"github.com/forest6511/safectl/pkg/safe"
	"github.com/forest6511/safectl/pkg/settings"
	"github.com/forest6511/safectl/pkg/store"
)

// Code classifies a migration failure for the caller.
type Code string

// Failure codes
const (
	CodeWrongPassword      Code = "wrong_password"
	CodeKeyNotGenerated    Code = "key_not_generated"
	CodeBiometricInvalid   Code = "biometric_key_invalidated"
	CodeItemKeyDecryption  Code = "item_key_decryption_failed"
	CodeDecryptionWrongKey Code = "decryption_failed_wrong_key"
	CodeAlphaIndex         Code = "alpha_index"
	CodeUsernameRemoval    Code = "username_removal"
	CodeMissingStep        Code = "missing_step"
	CodeStorage            Code = "storage"
	CodeUnknown            Code = "unknown"
)

var (
	// ErrMigrationInProgress is returned when another run holds the vault.
	ErrMigrationInProgress = errors.New("migration: already in progress for this safe")

	// ErrMissingStep is returned when no step is registered for a transition.
	ErrMissingStep = errors.New("migration: no step registered for transition")

	// ErrItemKeyDecryption is returned when an item key does not open under the master key.
	ErrItemKeyDecryption = errors.New("migration: item key decryption failed")

	// ErrDecryptionWrongKey is returned when a record does not open under the key that should seal it.
	ErrDecryptionWrongKey = errors.New("migration: decryption failed, wrong key")
)

// StepError reports which transition and which operation failed.
type StepError struct {
	From int
	To   int
	Op   string
	Code Code
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("migration: step %d->%d: %s: %v", e.From, e.To, e.Op, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(s Step, op string, code Code, err error) error {
	return &StepError{From: s.From(), To: s.To(), Op: op, Code: code, Err: err}
}

// CodeOf classifies err. A StepError keeps its own code unless the cause is
// a credential failure.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, masterkey.ErrWrongPassword), errors.Is(err, crypto.ErrEmptyPasswordDerivation):
		return CodeWrongPassword
	case errors.Is(err, masterkey.ErrMasterKeyNotGenerated):
		return CodeKeyNotGenerated
	case errors.Is(err, crypto.ErrBiometricKeyInvalidated):
		return CodeBiometricInvalid
	case errors.Is(err, ErrMissingStep):
		return CodeMissingStep
	}

	var se *StepError
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}

	switch {
	case errors.Is(err, ErrItemKeyDecryption):
		return CodeItemKeyDecryption
	case errors.Is(err, ErrDecryptionWrongKey), errors.Is(err, crypto.ErrDecryptionFailed):
		return CodeDecryptionWrongKey
	case errors.Is(err, store.ErrNotFound), errors.Is(err, safe.ErrSafeNotFound), errors.Is(err, settings.ErrClosed):
		return CodeStorage
	}
	return CodeUnknown
}

// IsCredentialError reports whether err can be resolved by asking the user
// for their credential again.
func IsCredentialError(err error) bool {
	switch CodeOf(err) {
	case CodeWrongPassword, CodeBiometricInvalid:
		return true
	}
	return false
}
