/*
errors.go - Centralized error types for the quoting engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Storage implementations wrap these sentinels so callers can classify
  failures with errors.Is without knowing the backend.

ERROR CATEGORIES:
  1. Store lifecycle - the engine failed to open or upgrade its storage
  2. Store writes    - a single write failed and may be retried once
  3. Policy          - quota denials (expected control flow, not faults)

NOT AN ERROR:
  A missing entity is represented as an absent result: Get* methods return
  (nil, nil). There is no "not found" error for plain reads. Action flows
  that require a quote to exist use ErrQuoteNotFound.

SEE ALSO:
  - store.go: Interfaces whose implementations wrap these errors
  - gate.go: Returns decisions instead of errors for quota denials
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrStoreUnavailable is returned when the storage engine fails to open
	// or upgrade. Fatal to the session: callers must degrade to a read-only
	// or in-memory mode rather than crash.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrStoreWriteFailed is returned when a single write fails for a
	// transient reason (quota exceeded, serialization conflict). Callers
	// may retry once.
	ErrStoreWriteFailed = errors.New("store write failed")

	// ErrQuotaExceeded is a policy denial, not a storage fault. The gate
	// itself returns decisions; this sentinel exists for boundaries that
	// need an error value to map to a user-facing upgrade prompt.
	ErrQuotaExceeded = errors.New("free quote limit reached")

	// ErrQuoteNotFound is returned by action flows (send, append activity)
	// when the target quote does not exist.
	ErrQuoteNotFound = errors.New("quote not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StoreError wraps a backend failure with the operation and table involved.
// It unwraps to both its classification sentinel and the underlying cause.
type StoreError struct {
	Op    string // e.g. "put quote"
	Table string // e.g. "quotes"
	Kind  error  // ErrStoreUnavailable or ErrStoreWriteFailed
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s (%s): %v: %v", e.Op, e.Table, e.Kind, e.Cause)
}

func (e *StoreError) Unwrap() []error {
	return []error{e.Kind, e.Cause}
}

// WriteFailed wraps err as a retryable write failure.
func WriteFailed(op, table string, err error) error {
	return &StoreError{Op: op, Table: table, Kind: ErrStoreWriteFailed, Cause: err}
}

// Unavailable wraps err as a fatal open/upgrade failure.
func Unavailable(op string, err error) error {
	return &StoreError{Op: op, Table: "", Kind: ErrStoreUnavailable, Cause: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreWriteFailed)
}

// IsUnavailable returns true if the storage engine is down for the session.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// RetryWrite runs fn and, if it fails with a retryable write error, runs it
// exactly once more. Safe for idempotent writes such as upserts and ledger
// recording (pure set-union).
func RetryWrite(fn func() error) error {
	err := fn()
	if err != nil && IsRetryable(err) {
		return fn()
	}
	return err
}
