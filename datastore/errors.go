package datastore

import (
	"errors"
	"fmt"

	"github.com/omeid/pgerror"
)

// Named error kinds callers can branch on. Integrity violations and
// backpressure signals are distinct from generic query failures.
var (
	// ErrNoLinkedStore is raised when a filter references a related entity
	// but no store for that relation was linked to the queried store.
	ErrNoLinkedStore = errors.New("no linked store for relation")

	// ErrUpdateOnly is raised by Put when the key does not already exist.
	ErrUpdateOnly = errors.New("put can only update existing entries")

	// ErrVersionOverlap is raised when a new feature/stream version would
	// completely overlap the currently open version.
	ErrVersionOverlap = errors.New("cannot completely overlap valid time of current version")

	// ErrParentMismatch is raised when a new version names a different
	// parent than the versions already stored for the unique ID.
	ErrParentMismatch = errors.New("feature is already associated to another parent")

	// ErrNoBatchSlot signals that no batch slot became free within the
	// acquisition timeout. It is backpressure, not a fatal failure.
	ErrNoBatchSlot = errors.New("no batch slot available")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrKeyBusy is returned when the per-key write lock could not be taken.
	ErrKeyBusy = errors.New("key is locked by a concurrent writer")
)

// RetryableError marks transient I/O failures (connection loss, slot
// timeouts) so ingest callers can retry or shed load.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	return errors.Is(err, ErrNoBatchSlot) || errors.Is(err, ErrKeyBusy)
}

// WrapSQL classifies a low-level Postgres error so it never escapes the
// public boundary unwrapped. Connection-level failures become retryable.
func WrapSQL(op string, err error) error {
	if err == nil {
		return nil
	}
	if e := pgerror.ConnectionException(err); e != nil {
		return &RetryableError{Err: fmt.Errorf("%s: %w", op, err)}
	}
	if e := pgerror.ConnectionFailure(err); e != nil {
		return &RetryableError{Err: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}
