package repository

import (
	"errors"
	"fmt"
)

// Sentinel failure kinds. Every repository error wraps exactly one of these
// (or is transient, see IsTransient).
var (
	// ErrNotFound means the target entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a conditional write lost an ETag race. Recoverable
	// by the caller's retry policy.
	ErrConflict = errors.New("etag mismatch")

	// ErrInvalid means the caller provided bad input. Not retryable.
	ErrInvalid = errors.New("invalid")
)

// transientError marks an upstream failure worth retrying with backoff.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
