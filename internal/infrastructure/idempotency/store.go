package idempotency

import (
	"context"
	"time"
)

// Outcome is the recorded result for an event id.
type Outcome string

const (
	// OutcomePending marks an event that has been claimed but not finished.
	OutcomePending Outcome = "pending"
	// OutcomeSuccess marks an event whose processing completed.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure marks an event that exhausted its retries. The record
	// is kept so a late redelivery is not silently reprocessed.
	OutcomeFailure Outcome = "failure"
)

// Store tracks which event ids have been (or are being) processed, with a
// bounded retention window.
//
// TryClaim is the only admission path: it is a single atomic check-and-set,
// never a read followed by a write, so two concurrent deliveries of the
// same event id can never both claim it.
type Store interface {
	// TryClaim atomically records a pending entry for eventID iff no entry
	// exists. Returns true when the claim was won.
	TryClaim(ctx context.Context, eventID string, ttl time.Duration) (bool, error)

	// MarkOutcome records the terminal outcome for a claimed event id,
	// resetting its retention window.
	MarkOutcome(ctx context.Context, eventID string, outcome Outcome, ttl time.Duration) error

	// IsProcessed reports whether eventID carries an unexpired terminal
	// outcome. A pending claim does not count as processed.
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// Degraded reports whether the store is running on its non-durable
	// local fallback. Always false for a store that has no fallback.
	Degraded() bool

	// Close releases the store's resources.
	Close() error
}

// ProcessOnce runs fn at most once for eventID: the claim is taken via
// TryClaim before fn runs, so a concurrent caller for the same id is
// skipped rather than racing. Returns ran=false when the id was already
// claimed or processed. fn's outcome is recorded either way.
func ProcessOnce(ctx context.Context, store Store, eventID string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	claimed, err := store.TryClaim(ctx, eventID, ttl)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	if err := fn(ctx); err != nil {
		if markErr := store.MarkOutcome(ctx, eventID, OutcomeFailure, ttl); markErr != nil {
			return true, markErr
		}
		return true, err
	}

	if err := store.MarkOutcome(ctx, eventID, OutcomeSuccess, ttl); err != nil {
		return true, err
	}
	return true, nil
}
