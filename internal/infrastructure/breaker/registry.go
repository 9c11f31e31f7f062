package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// pruneInterval is how often the janitor scans for idle circuits.
const pruneInterval = 10 * time.Minute

// Registry lazily creates and tracks one breaker per key. Keys are
// opaque here; callers derive them from tenant and endpoint identity so
// one tenant's failures never trip another tenant's circuits.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*breaker

	cfg    Config
	logger *zap.Logger

	stopCh    chan struct{}
	stopped   sync.Once
	wg        sync.WaitGroup
	startOnce sync.Once
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used by the registry.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a registry with the given shared breaker config.
// Zero-valued config fields fall back to DefaultConfig.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = def.HalfOpenSuccessThreshold
	}
	if cfg.IdlePruneAfter <= 0 {
		cfg.IdlePruneAfter = def.IdlePruneAfter
	}

	r := &Registry{
		breakers: make(map[string]*breaker),
		cfg:      cfg,
		logger:   zap.NewNop(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the idle-circuit janitor. Safe to call once.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.janitorLoop()
	})
}

// Stop terminates the janitor and waits for it to exit.
func (r *Registry) Stop() {
	r.stopped.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

// Execute runs op under the circuit for key. When the circuit is open
// it returns *relay.CircuitOpenError without invoking op. The op itself
// runs outside any lock; only the state bookkeeping serializes per key.
func (r *Registry) Execute(ctx context.Context, key string, op func(context.Context) error) error {
	b := r.breakerFor(key)

	if err := b.allow(time.Now()); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		b.onFailure(time.Now())
		if snap := b.snapshot(); snap.State == StateOpen.String() {
			r.logger.Warn("circuit opened",
				zap.String("key", key),
				zap.Int("consecutive_failures", snap.ConsecutiveFailures),
				zap.Time("next_attempt_at", snap.NextAttemptAt))
		}
		return err
	}

	b.onSuccess(time.Now())
	return nil
}

// Allow reports whether a call for key may proceed right now, without
// registering an outcome. Callers that use Allow must follow up with
// RecordSuccess or RecordFailure.
func (r *Registry) Allow(key string) error {
	return r.breakerFor(key).allow(time.Now())
}

// RecordSuccess registers a successful outcome for key.
func (r *Registry) RecordSuccess(key string) {
	r.breakerFor(key).onSuccess(time.Now())
}

// RecordFailure registers a failed outcome for key.
func (r *Registry) RecordFailure(key string) {
	r.breakerFor(key).onFailure(time.Now())
}

// Force overrides the circuit state for key, creating it if needed.
func (r *Registry) Force(key string, state State) {
	r.breakerFor(key).force(state, time.Now())
	r.logger.Info("circuit state forced",
		zap.String("key", key),
		zap.String("state", state.String()))
}

// State returns the current state for key. Unknown keys report CLOSED.
func (r *Registry) State(key string) State {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	snap := b.snapshot()
	switch snap.State {
	case StateOpen.String():
		return StateOpen
	case StateHalfOpen.String():
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Snapshots returns the observable state of every tracked circuit,
// sorted by key for stable diagnostics output.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	all := make([]*breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(all))
	for _, b := range all {
		snaps = append(snaps, b.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key < snaps[j].Key })
	return snaps
}

// Len returns the number of tracked circuits.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}

// breakerFor returns the breaker for key, creating it on first use.
func (r *Registry) breakerFor(key string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = newBreaker(key, r.cfg)
	r.breakers[key] = b
	return b
}

func (r *Registry) janitorLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if n := r.pruneIdle(time.Now()); n > 0 {
				r.logger.Debug("pruned idle circuits", zap.Int("count", n))
			}
		}
	}
}

// pruneIdle drops closed, failure-free circuits unused past the idle
// window and returns how many were removed.
func (r *Registry) pruneIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for key, b := range r.breakers {
		if b.prunable(now) {
			delete(r.breakers, key)
			pruned++
		}
	}
	return pruned
}
