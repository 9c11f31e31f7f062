package relay

import (
	"errors"
	"fmt"
	"time"
)

// PermanentError marks a failure that retrying cannot fix: malformed
// payloads, unroutable topics. The worker dead-letters these without
// consuming further attempts.
type PermanentError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

// Unwrap returns the wrapped cause, if any.
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
// Everything else is treated as transient and retried with backoff.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// CircuitOpenError is returned when a call is rejected because its circuit
// is OPEN. The protected operation was never invoked.
type CircuitOpenError struct {
	Key     string
	RetryAt time.Time
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %q until %s", e.Key, e.RetryAt.Format(time.RFC3339))
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// ErrNoHandler indicates no handler is registered for an event's topic.
// It is permanent: queuing the event again cannot make a handler appear.
var ErrNoHandler = errors.New("no handler registered for topic")

// ErrDuplicate indicates an event id that already carries an idempotency
// record. It is a skip outcome, not a failure.
var ErrDuplicate = errors.New("duplicate event")
