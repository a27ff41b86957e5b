// Package errors defines the error kinds of the aggregator and classifies them
// for logging and per-key handling decisions. Source failures, store failures and
// reconcile failures are isolated to a single series key; nothing here is fatal to
// a whole tick.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Adapters wrap these so classification does not depend on message text.
var (
	// ErrInvariantViolation marks an append rejected because it would break
	// the strictly-increasing, duplicate-free, aligned series invariant.
	ErrInvariantViolation = errors.New("series invariant violation")

	ErrRateLimited     = errors.New("rate limited")
	ErrNotSupported    = errors.New("not supported")
	ErrAuthentication  = errors.New("authentication failed")
	ErrUnavailable     = errors.New("exchange not available")
	ErrBadRequest      = errors.New("bad request")
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrStoreClosed     = errors.New("store is closed")
)

// SourceError is returned when fetching from an exchange fails for any reason,
// including the per-call timeout. The key is skipped for the current tick.
type SourceError struct {
	Exchange string
	Pair     string
	Cause    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s %s: %v", e.Exchange, e.Pair, e.Cause)
}

func (e *SourceError) Unwrap() error {
	return e.Cause
}

// NewSourceError wraps cause, returning nil when cause is nil.
func NewSourceError(exchange, pair string, cause error) error {
	if cause == nil {
		return nil
	}
	return &SourceError{Exchange: exchange, Pair: pair, Cause: cause}
}

// StoreError is returned by series stores. It is fatal for the key's tick and
// must reach the operator.
type StoreError struct {
	Op  string // read_tail, append, scan, keys, initialize
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err for the given operation and key.
func NewStoreError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Key: key, Err: err}
}

// NewInvariantError builds a StoreError that wraps ErrInvariantViolation.
func NewInvariantError(key string, format string, args ...any) error {
	return &StoreError{
		Op:  "append",
		Key: key,
		Err: fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...)),
	}
}

// ReconcileError reports a stored tail that is itself inconsistent, such as a
// non-monotonic sequence. It is surfaced, never repaired automatically.
type ReconcileError struct {
	Key    string
	Reason string
	At     int64
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile %s: %s at ts=%d", e.Key, e.Reason, e.At)
}

// IsInvariantViolation reports whether err is an append rejection.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

// IsSourceError reports whether err came from the source adapter boundary.
func IsSourceError(err error) bool {
	var se *SourceError
	return errors.As(err, &se)
}

// IsStoreError reports whether err came from a series store.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// IsReconcileError reports whether err is a reconcile failure.
func IsReconcileError(err error) bool {
	var re *ReconcileError
	return errors.As(err, &re)
}
