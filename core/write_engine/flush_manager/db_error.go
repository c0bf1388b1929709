package flushmanager

import "errors"

// --- Error Definitions ---

var (
	// Corruption-class: the engine turns fatal.
	ErrCorruption        = errors.New("data corruption detected")
	ErrChecksumMismatch  = errors.New("page checksum mismatch, data corruption suspected")
	ErrPageOwnerMismatch = errors.New("allocation map slot owner mismatch")
	ErrPageOverflow      = errors.New("write exceeds the page free space")

	// Invariant violations: internal bugs, the operation aborts loudly.
	ErrInvariantViolation = errors.New("invariant violation")

	// I/O-class: the engine turns fatal, the cause is wrapped.
	ErrIO = errors.New("i/o error")

	// Concurrency-class: recoverable, nothing was mutated.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	ErrEngineFatal       = errors.New("engine is in a fatal state and must be reopened")
	ErrEngineClosed      = errors.New("engine is closed")
	ErrPageNotFound      = errors.New("page not found")
	ErrDBFileExists      = errors.New("database file already exists")
	ErrDBFileNotFound    = errors.New("database file not found")
	ErrInvalidFileHeader = errors.New("invalid database file header")
	ErrUndefinedPosition = errors.New("page buffer has no position")
	ErrDocumentTooLarge  = errors.New("document too large to fit in a page")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrTxnReadOnly       = errors.New("transaction is read-only")
	ErrTxnInvalidState   = errors.New("transaction is in an invalid state for this operation")
	ErrInvalidColID      = errors.New("collection id out of range")
	ErrEncryptionKey     = errors.New("encryption password required or invalid")
)

// IsFatal reports whether err belongs to a class that must stop the engine:
// corruption, invariant violation or I/O failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorruption) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrPageOwnerMismatch) ||
		errors.Is(err, ErrPageOverflow) ||
		errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrIO)
}
