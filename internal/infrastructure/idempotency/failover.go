package idempotency

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FailoverStore serves from a durable primary and degrades to a
// process-local fallback when the primary is unreachable. The degraded
// state is visible through Degraded() rather than substituted silently;
// each call retries the primary first, so service recovers as soon as the
// primary answers again.
//
// While degraded, claims live only in this process: duplicates may slip
// through across restarts or between instances. That trade is deliberate —
// dropping events entirely would be worse.
type FailoverStore struct {
	primary  Store
	fallback *MemoryStore
	logger   *zap.Logger
	degraded atomic.Bool
}

// NewFailoverStore wraps primary with an in-memory fallback.
func NewFailoverStore(primary Store, logger *zap.Logger) *FailoverStore {
	return &FailoverStore{
		primary:  primary,
		fallback: NewMemoryStore(),
		logger:   logger,
	}
}

// TryClaim implements Store.
func (s *FailoverStore) TryClaim(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	claimed, err := s.primary.TryClaim(ctx, eventID, ttl)
	if err != nil {
		s.enterDegraded(err)
		return s.fallback.TryClaim(ctx, eventID, ttl)
	}
	s.exitDegraded()
	return claimed, nil
}

// MarkOutcome implements Store.
func (s *FailoverStore) MarkOutcome(ctx context.Context, eventID string, outcome Outcome, ttl time.Duration) error {
	if err := s.primary.MarkOutcome(ctx, eventID, outcome, ttl); err != nil {
		s.enterDegraded(err)
		return s.fallback.MarkOutcome(ctx, eventID, outcome, ttl)
	}
	s.exitDegraded()
	return nil
}

// IsProcessed implements Store.
func (s *FailoverStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	processed, err := s.primary.IsProcessed(ctx, eventID)
	if err != nil {
		s.enterDegraded(err)
		return s.fallback.IsProcessed(ctx, eventID)
	}
	s.exitDegraded()
	return processed, nil
}

// Degraded implements Store.
func (s *FailoverStore) Degraded() bool {
	return s.degraded.Load()
}

// Close closes both stores.
func (s *FailoverStore) Close() error {
	err := s.primary.Close()
	if fbErr := s.fallback.Close(); err == nil {
		err = fbErr
	}
	return err
}

func (s *FailoverStore) enterDegraded(cause error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn("idempotency store degraded to in-memory fallback; "+
			"duplicate suppression is no longer durable",
			zap.Error(cause),
		)
	}
}

func (s *FailoverStore) exitDegraded() {
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("idempotency store recovered, primary back in use")
	}
}

var _ Store = (*FailoverStore)(nil)
