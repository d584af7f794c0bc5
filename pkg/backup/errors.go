// Package backup reads and writes the header of auto-backup files so that
// backups found on disk can be attributed to a vault. The payload that
// follows the header is opaque to this package.
package backup

import "errors"

var (
	// ErrInvalidMagic indicates the file does not start with the backup magic number.
	ErrInvalidMagic = errors.New("backup: magic number mismatch")

	// ErrUnsupportedVersion indicates the header format version is newer than supported.
	ErrUnsupportedVersion = errors.New("backup: unsupported format version")

	// ErrHeaderTooLarge indicates a declared header length above the sanity limit.
	ErrHeaderTooLarge = errors.New("backup: header too large")

	// ErrMalformedHeader indicates a header that is truncated or not valid JSON.
	ErrMalformedHeader = errors.New("backup: malformed header")
)
