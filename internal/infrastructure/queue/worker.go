package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/markethub/relay/internal/infrastructure/idempotency"
	"github.com/markethub/relay/internal/infrastructure/logger"
	"github.com/markethub/relay/internal/relay"
)

// WorkerPoolConfig holds configuration for the worker pool
type WorkerPoolConfig struct {
	PoolSize         int
	PollInterval     time.Duration
	JobTimeout       time.Duration
	RetryBaseDelay   time.Duration
	OutcomeTTL       time.Duration
	LeaseTimeout     time.Duration
	CleanupEnabled   bool
	CleanupRetention time.Duration
	CleanupInterval  time.Duration
}

// DefaultWorkerPoolConfig returns default configuration
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		PoolSize:         4,
		PollInterval:     time.Second,
		JobTimeout:       30 * time.Second,
		RetryBaseDelay:   DefaultRetryBaseDelay,
		OutcomeTTL:       24 * time.Hour,
		LeaseTimeout:     5 * time.Minute,
		CleanupEnabled:   true,
		CleanupRetention: 7 * 24 * time.Hour, // 7 days
		CleanupInterval:  1 * time.Hour,
	}
}

// WorkerPool claims queued jobs and runs them through the handler. Each
// worker drains runnable jobs, then idles until the next poll tick. A
// job that was already handled elsewhere (the idempotency store holds a
// terminal outcome) completes without invoking the handler again.
type WorkerPool struct {
	repo    Repository
	store   idempotency.Store
	handler relay.Handler
	config  WorkerPoolConfig
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(
	repo Repository,
	store idempotency.Store,
	handler relay.Handler,
	config WorkerPoolConfig,
	logger *zap.Logger,
) *WorkerPool {
	if config.PoolSize <= 0 {
		config.PoolSize = DefaultWorkerPoolConfig().PoolSize
	}
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = DefaultWorkerPoolConfig().LeaseTimeout
	}
	return &WorkerPool{
		repo:    repo,
		store:   store,
		handler: handler,
		config:  config,
		logger:  logger,
	}
}

// Start launches the workers and, if enabled, the retention cleanup.
func (p *WorkerPool) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	// Claims orphaned by a previous process are still PROCESSING; put
	// them back before the workers start polling.
	p.reapStaleClaims(ctx)

	for i := 0; i < p.config.PoolSize; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}

	p.wg.Add(1)
	go p.reaperLoop(ctx)

	if p.config.CleanupEnabled {
		p.wg.Add(1)
		go p.cleanupLoop(ctx)
	}

	p.logger.Info("worker pool started",
		zap.Int("pool_size", p.config.PoolSize),
		zap.Duration("poll_interval", p.config.PollInterval),
	)

	return nil
}

// Stop gracefully stops the pool, waiting for in-flight jobs.
func (p *WorkerPool) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) workerLoop(ctx context.Context, id int) {
	defer p.wg.Done()

	log := p.logger.With(zap.Int("worker", id))

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx, log)
		}
	}
}

// drain claims and processes runnable jobs until none remain.
func (p *WorkerPool) drain(ctx context.Context, log *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.repo.ClaimNext(ctx, time.Now())
		if err != nil {
			log.Error("failed to claim job", zap.Error(err))
			return
		}
		if job == nil {
			return
		}

		p.processJob(ctx, log, job)
	}
}

// processJob runs one claimed job through the idempotency guard and the
// handler, then persists the outcome.
func (p *WorkerPool) processJob(ctx context.Context, log *zap.Logger, job *Job) {
	log = log.With(
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("topic", job.Topic),
	)

	// Dispatch-time guard: a retry scheduled before another delivery of
	// the same event completed must not run the handler twice.
	processed, err := p.store.IsProcessed(ctx, job.ID)
	if err != nil {
		log.Warn("idempotency check failed, proceeding", zap.Error(err))
	}
	if processed {
		job.MarkCompleted()
		if err := p.repo.Update(ctx, job); err != nil {
			log.Error("failed to complete already-processed job", zap.Error(err))
		}
		log.Debug("job skipped, event already processed")
		return
	}

	jobCtx := ctx
	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancel()
	}

	// The handler and any queries it issues log with the job's tenant
	// and event attached.
	jobCtx, _ = logger.WithTenantID(jobCtx, log, job.TenantID)
	jobCtx, _ = logger.WithEventID(jobCtx, logger.FromContext(jobCtx), job.ID)

	handleErr := p.handler.Handle(jobCtx, job.Event())
	if handleErr == nil {
		p.finishJob(ctx, log, job, idempotency.OutcomeSuccess, func() {
			job.MarkCompleted()
		})
		log.Debug("job processed successfully",
			zap.Int("attempt", job.AttemptCount+1))
		return
	}

	if relay.IsPermanent(handleErr) {
		job.DeadLetter(handleErr.Error())
		p.recordFailureOutcome(ctx, log, job)
		p.logDeadLetter(log, job)
		if err := p.repo.Update(ctx, job); err != nil {
			log.Error("failed to update dead-lettered job", zap.Error(err))
		}
		return
	}

	job.MarkFailed(handleErr.Error(), p.config.RetryBaseDelay)
	if job.IsDead() {
		p.recordFailureOutcome(ctx, log, job)
		p.logDeadLetter(log, job)
	} else {
		log.Warn("job failed, retry scheduled",
			zap.Int("attempt", job.AttemptCount),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Time("next_run_at", job.NextRunAt),
			zap.Error(handleErr),
		)
	}
	if err := p.repo.Update(ctx, job); err != nil {
		log.Error("failed to update failed job", zap.Error(err))
	}
}

// finishJob records the idempotency outcome before flipping the job
// state, so a crash between the two leaves the event re-runnable rather
// than silently dropped.
func (p *WorkerPool) finishJob(ctx context.Context, log *zap.Logger, job *Job, outcome idempotency.Outcome, mark func()) {
	if err := p.store.MarkOutcome(ctx, job.ID, outcome, p.config.OutcomeTTL); err != nil {
		log.Warn("failed to record idempotency outcome", zap.Error(err))
	}
	mark()
	if err := p.repo.Update(ctx, job); err != nil {
		log.Error("failed to update job", zap.Error(err))
	}
}

func (p *WorkerPool) recordFailureOutcome(ctx context.Context, log *zap.Logger, job *Job) {
	if err := p.store.MarkOutcome(ctx, job.ID, idempotency.OutcomeFailure, p.config.OutcomeTTL); err != nil {
		log.Warn("failed to record idempotency outcome", zap.Error(err))
	}
}

func (p *WorkerPool) logDeadLetter(log *zap.Logger, job *Job) {
	log.Warn("job moved to dead letter queue",
		zap.Int("attempt_count", job.AttemptCount),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.String("last_error", job.LastError),
	)
}

// reaperLoop periodically requeues claims whose worker died mid-job,
// so a crash never strands in-flight work.
func (p *WorkerPool) reaperLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := p.config.LeaseTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapStaleClaims(ctx)
		}
	}
}

func (p *WorkerPool) reapStaleClaims(ctx context.Context) {
	cutoff := time.Now().Add(-p.config.LeaseTimeout)
	requeued, err := p.repo.RequeueStaleClaims(ctx, cutoff)
	if err != nil {
		p.logger.Error("failed to requeue stale claims", zap.Error(err))
		return
	}
	if requeued > 0 {
		p.logger.Warn("requeued stale claims",
			zap.Int64("requeued", requeued),
			zap.Duration("lease_timeout", p.config.LeaseTimeout))
	}
}

// cleanupLoop periodically deletes terminal jobs past retention.
func (p *WorkerPool) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-p.config.CleanupRetention)
			deleted, err := p.repo.DeleteTerminalOlderThan(ctx, before)
			if err != nil {
				p.logger.Error("failed to clean up terminal jobs", zap.Error(err))
				continue
			}
			if deleted > 0 {
				p.logger.Info("cleaned up terminal jobs", zap.Int64("deleted", deleted))
			}
		}
	}
}
