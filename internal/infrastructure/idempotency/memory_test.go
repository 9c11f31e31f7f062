package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_TryClaim(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()

	t.Run("first claim wins", func(t *testing.T) {
		won, err := store.TryClaim(ctx, "event-1", time.Hour)
		require.NoError(t, err)
		assert.True(t, won)
	})

	t.Run("second claim loses", func(t *testing.T) {
		won, err := store.TryClaim(ctx, "event-2", time.Hour)
		require.NoError(t, err)
		assert.True(t, won)

		won, err = store.TryClaim(ctx, "event-2", time.Hour)
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("claim is reclaimable after expiry", func(t *testing.T) {
		won, err := store.TryClaim(ctx, "event-3", 10*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, won)

		time.Sleep(20 * time.Millisecond)

		won, err = store.TryClaim(ctx, "event-3", time.Hour)
		require.NoError(t, err)
		assert.True(t, won, "expired claim should be reclaimable")
	})
}

func TestMemoryStore_ConcurrentTryClaim(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	const goroutines = 50
	var (
		wg   sync.WaitGroup
		wins atomic.Int64
	)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.TryClaim(context.Background(), "contested", time.Hour)
			assert.NoError(t, err)
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load(), "exactly one concurrent claimer may win")
}

func TestMemoryStore_OutcomeRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()

	// Pending claims do not count as processed.
	_, err := store.TryClaim(ctx, "event-a", time.Hour)
	require.NoError(t, err)
	processed, err := store.IsProcessed(ctx, "event-a")
	require.NoError(t, err)
	assert.False(t, processed, "a pending claim is not a terminal outcome")

	// A success outcome does, until the TTL elapses.
	require.NoError(t, store.MarkOutcome(ctx, "event-a", OutcomeSuccess, 30*time.Millisecond))
	processed, err = store.IsProcessed(ctx, "event-a")
	require.NoError(t, err)
	assert.True(t, processed)

	time.Sleep(50 * time.Millisecond)
	processed, err = store.IsProcessed(ctx, "event-a")
	require.NoError(t, err)
	assert.False(t, processed, "outcome should expire with its TTL")
}

func TestMemoryStore_FailureOutcomeBlocksReprocessing(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.MarkOutcome(ctx, "dead-event", OutcomeFailure, time.Hour))

	processed, err := store.IsProcessed(ctx, "dead-event")
	require.NoError(t, err)
	assert.True(t, processed, "failed events stay marked so duplicates are skipped")

	won, err := store.TryClaim(ctx, "dead-event", time.Hour)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestMemoryStore_Sweep(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	_, err := store.TryClaim(ctx, "short", 5*time.Millisecond)
	require.NoError(t, err)
	_, err = store.TryClaim(ctx, "long", time.Hour)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	store.sweep()

	assert.Equal(t, 1, store.Size())
}

func TestProcessOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("runs once and records success", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		calls := 0
		fn := func(ctx context.Context) error {
			calls++
			return nil
		}

		ran, err := ProcessOnce(ctx, store, "once", time.Hour, fn)
		require.NoError(t, err)
		assert.True(t, ran)

		ran, err = ProcessOnce(ctx, store, "once", time.Hour, fn)
		require.NoError(t, err)
		assert.False(t, ran, "second call must be skipped")
		assert.Equal(t, 1, calls)

		processed, err := store.IsProcessed(ctx, "once")
		require.NoError(t, err)
		assert.True(t, processed)
	})

	t.Run("at most once under concurrency", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		var (
			wg    sync.WaitGroup
			calls atomic.Int64
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ProcessOnce(ctx, store, "race", time.Hour, func(ctx context.Context) error {
					calls.Add(1)
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("failure still recorded", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()

		ran, err := ProcessOnce(ctx, store, "failing", time.Hour, func(ctx context.Context) error {
			return assert.AnError
		})
		assert.True(t, ran)
		assert.ErrorIs(t, err, assert.AnError)

		processed, err := store.IsProcessed(ctx, "failing")
		require.NoError(t, err)
		assert.True(t, processed, "failure outcome must be recorded")
	})
}
