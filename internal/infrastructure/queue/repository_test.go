package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/markethub/relay/internal/relay"
)

// setupTestDB creates a new SQLite database for testing
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// The in-memory database exists per connection; a single connection
	// keeps every goroutine on the same database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(&Job{})
	require.NoError(t, err)

	return db
}

func testJob(id, tenant, topic string, priority relay.Priority) *Job {
	return NewJob(relay.Event{
		EventID:    id,
		TenantID:   tenant,
		Topic:      topic,
		Payload:    []byte(`{}`),
		ReceivedAt: time.Now(),
	}, priority, DefaultMaxAttempts)
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	ctx := context.Background()

	job := testJob("evt-1", "shop-a", "orders/create", relay.PriorityCritical)
	require.NoError(t, repo.Enqueue(ctx, job))

	err := repo.Enqueue(ctx, testJob("evt-1", "shop-a", "orders/create", relay.PriorityCritical))
	assert.ErrorIs(t, err, relay.ErrDuplicate)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StatusQueued])
}

func TestClaimNextOrdersByPriorityThenAge(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	ctx := context.Background()

	low := testJob("evt-low", "shop-a", "misc/foo", relay.PriorityLow)
	criticalOld := testJob("evt-crit-old", "shop-a", "orders/create", relay.PriorityCritical)
	criticalNew := testJob("evt-crit-new", "shop-a", "checkouts/update", relay.PriorityCritical)
	criticalNew.ReceivedAt = criticalOld.ReceivedAt.Add(time.Second)

	require.NoError(t, repo.Enqueue(ctx, low))
	require.NoError(t, repo.Enqueue(ctx, criticalOld))
	require.NoError(t, repo.Enqueue(ctx, criticalNew))

	now := time.Now()
	var order []string
	for i := 0; i < 3; i++ {
		job, err := repo.ClaimNext(ctx, now)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, StatusProcessing, job.Status)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"evt-crit-old", "evt-crit-new", "evt-low"}, order)

	job, err := repo.ClaimNext(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, job, "all jobs are already claimed")
}

func TestClaimNextSkipsFutureJobs(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	ctx := context.Background()

	job := testJob("evt-1", "shop-a", "orders/create", relay.PriorityCritical)
	job.NextRunAt = time.Now().Add(time.Hour)
	require.NoError(t, repo.Enqueue(ctx, job))

	claimed, err := repo.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	assert.Nil(t, claimed)

	claimed, err = repo.ClaimNext(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "evt-1", claimed.ID)
}

func TestClaimNextSingleWinnerUnderContention(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	ctx := context.Background()

	for i, id := range []string{"evt-a", "evt-b", "evt-c"} {
		job := testJob(id, "shop-a", "orders/create", relay.PriorityMedium)
		job.ReceivedAt = job.ReceivedAt.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, repo.Enqueue(ctx, job))
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := repo.ClaimNext(ctx, time.Now())
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 3)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestJobRetryBackoffThenDeadLetter(t *testing.T) {
	job := testJob("evt-1", "shop-a", "orders/create", relay.PriorityCritical)

	start := time.Now()
	job.MarkFailed("first failure", 5*time.Second)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	assert.WithinDuration(t, start.Add(5*time.Second), job.NextRunAt, time.Second)

	job.MarkFailed("second failure", 5*time.Second)
	assert.Equal(t, StatusQueued, job.Status)
	assert.WithinDuration(t, time.Now().Add(10*time.Second), job.NextRunAt, time.Second)

	job.MarkFailed("third failure", 5*time.Second)
	assert.Equal(t, StatusQueued, job.Status, "the last retry still runs")
	assert.WithinDuration(t, time.Now().Add(20*time.Second), job.NextRunAt, time.Second)

	job.MarkFailed("fourth failure", 5*time.Second)
	assert.Equal(t, StatusDeadLettered, job.Status)
	assert.True(t, job.IsDead())
	assert.Equal(t, 4, job.AttemptCount)
	assert.Equal(t, "fourth failure", job.LastError)
	require.NotNil(t, job.CompletedAt)
}

func TestJobDeadLetterBypassesRetries(t *testing.T) {
	job := testJob("evt-1", "shop-a", "unknown/topic", relay.PriorityLow)
	job.DeadLetter("unroutable topic")

	assert.True(t, job.IsDead())
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, "unroutable topic", job.LastError)
}

func TestJobResetForRetry(t *testing.T) {
	job := testJob("evt-1", "shop-a", "orders/create", relay.PriorityCritical)
	assert.Error(t, job.ResetForRetry(), "only dead-lettered jobs can reset")

	job.DeadLetter("boom")
	require.NoError(t, job.ResetForRetry())
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, 0, job.AttemptCount)
	assert.Empty(t, job.LastError)
	assert.Nil(t, job.CompletedAt)
}

func TestDeleteTerminalOlderThan(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	ctx := context.Background()

	completed := testJob("evt-done", "shop-a", "orders/create", relay.PriorityCritical)
	completed.MarkCompleted()
	old := time.Now().Add(-48 * time.Hour)
	completed.CompletedAt = &old
	require.NoError(t, repo.Enqueue(ctx, completed))

	dead := testJob("evt-dead", "shop-a", "orders/create", relay.PriorityCritical)
	dead.DeadLetter("boom")
	dead.CompletedAt = &old
	require.NoError(t, repo.Enqueue(ctx, dead))

	active := testJob("evt-active", "shop-a", "orders/create", relay.PriorityCritical)
	require.NoError(t, repo.Enqueue(ctx, active))

	deleted, err := repo.DeleteTerminalOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StatusQueued])
}

func TestFindDeadLetteredPagination(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	ctx := context.Background()

	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		job := testJob(id, "shop-a", "orders/create", relay.PriorityMedium)
		job.DeadLetter("boom")
		require.NoError(t, repo.Enqueue(ctx, job))
	}

	jobs, total, err := repo.FindDeadLettered(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, jobs, 2)

	jobs, _, err = repo.FindDeadLettered(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestRequeueStaleClaims(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, testJob("evt-stale", "shop-a", "orders/create", relay.PriorityCritical)))
	claimed, err := repo.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, repo.Enqueue(ctx, testJob("evt-fresh", "shop-a", "orders/create", relay.PriorityCritical)))
	claimed, err = repo.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Age only the first claim past the lease, as if its worker died.
	require.NoError(t, repo.db.Model(&Job{}).
		Where("id = ?", "evt-stale").
		Update("updated_at", time.Now().Add(-10*time.Minute)).Error)

	requeued, err := repo.RequeueStaleClaims(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)

	stale, err := repo.FindByID(ctx, "evt-stale")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, stale.Status)
	assert.Equal(t, 0, stale.AttemptCount, "a crashed worker is not a handler failure")

	fresh, err := repo.FindByID(ctx, "evt-fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, fresh.Status, "live claims stay untouched")

	// The recovered job is immediately claimable again.
	reclaimed, err := repo.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "evt-stale", reclaimed.ID)
}
