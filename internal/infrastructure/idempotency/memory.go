package idempotency

import (
	"context"
	"sync"
	"time"
)

// record is a stored claim or outcome with its expiry.
type record struct {
	outcome   Outcome
	expiresAt time.Time
}

// MemoryStore implements Store with an in-process map. It is not durable
// across restarts and does not share state between instances; it exists as
// the degraded-mode fallback and for tests.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]record
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMemoryStore creates an in-memory store and starts its expiry janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]record),
		stopCh:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.janitor()
	return s
}

// TryClaim implements Store.
func (s *MemoryStore) TryClaim(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[eventID]; ok && time.Now().Before(r.expiresAt) {
		return false, nil
	}
	s.records[eventID] = record{outcome: OutcomePending, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

// MarkOutcome implements Store.
func (s *MemoryStore) MarkOutcome(ctx context.Context, eventID string, outcome Outcome, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[eventID] = record{outcome: outcome, expiresAt: time.Now().Add(ttl)}
	return nil
}

// IsProcessed implements Store.
func (s *MemoryStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[eventID]
	if !ok || time.Now().After(r.expiresAt) {
		return false, nil
	}
	return r.outcome != OutcomePending, nil
}

// Degraded implements Store. The memory store has nothing to degrade from.
func (s *MemoryStore) Degraded() bool { return false }

// Close stops the janitor. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
	return nil
}

// Size returns the number of live records, for tests and diagnostics.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) janitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, r := range s.records {
		if now.After(r.expiresAt) {
			delete(s.records, id)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
