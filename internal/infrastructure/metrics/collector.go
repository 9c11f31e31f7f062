package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/markethub/relay/internal/infrastructure/breaker"
	"github.com/markethub/relay/internal/infrastructure/idempotency"
	"github.com/markethub/relay/internal/infrastructure/queue"
	"github.com/markethub/relay/internal/infrastructure/ratepool"
)

// DefaultCollectInterval is how often gauge sources are sampled.
const DefaultCollectInterval = 10 * time.Second

// Collector periodically samples the relay's moving parts into gauges:
// queue depth by status, circuit states, per-tenant rate pool state and
// the idempotency degraded flag.
type Collector struct {
	metrics  *Metrics
	repo     queue.Repository
	breakers *breaker.Registry
	pool     *ratepool.Manager
	store    idempotency.Store
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector creates a collector over the given sources.
func NewCollector(
	m *Metrics,
	repo queue.Repository,
	breakers *breaker.Registry,
	pool *ratepool.Manager,
	store idempotency.Store,
	interval time.Duration,
	logger *zap.Logger,
) *Collector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &Collector{
		metrics:  m,
		repo:     repo,
		breakers: breakers,
		pool:     pool,
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the sampling loop.
func (c *Collector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(ctx)
}

// Stop terminates the sampling loop and waits for it to exit.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	counts, err := c.repo.CountByStatus(ctx)
	if err != nil {
		c.logger.Warn("failed to sample queue depth", zap.Error(err))
	} else {
		for _, status := range []queue.Status{
			queue.StatusQueued, queue.StatusProcessing,
			queue.StatusCompleted, queue.StatusDeadLettered,
		} {
			c.metrics.SetQueueDepth(string(status), counts[status])
		}
	}

	states := make(map[string]int)
	for _, snap := range c.breakers.Snapshots() {
		states[snap.State]++
	}
	for _, state := range []breaker.State{breaker.StateClosed, breaker.StateOpen, breaker.StateHalfOpen} {
		c.metrics.SetCircuits(state.String(), states[state.String()])
	}

	for _, snap := range c.pool.Snapshots() {
		c.metrics.SetTenantPool(snap.Tenant, snap.QueueLen, snap.Throttled)
	}

	c.metrics.SetIdempotencyDegraded(c.store.Degraded())
}
