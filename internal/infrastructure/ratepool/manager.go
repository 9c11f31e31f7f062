package ratepool

import (
	"bytes"
	"container/heap"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/markethub/relay/internal/relay"
)

// Call describes one outbound provider request. The body is held as a
// byte slice so a throttled call can be replayed verbatim.
type Call struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the outcome delivered to a Submit caller. The body has
// been fully read and the connection released.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// tenantState tracks one tenant's budget, throttle and queue. All
// fields are guarded by mu; HTTP calls never run under it.
type tenantState struct {
	mu     sync.Mutex
	client *http.Client

	callsUsed     int
	maxCalls      int
	windowResetAt time.Time

	throttled       bool
	throttledUntil  time.Time
	softPausedUntil time.Time

	queue pendingHeap
}

// Manager rate limits outbound calls per tenant. Callers Submit a call
// with a priority; when the tenant has headroom the call executes
// immediately, otherwise the caller blocks until a shared scheduler
// tick dispatches it in priority order.
type Manager struct {
	mu      sync.RWMutex
	tenants map[string]*tenantState

	cfg    Config
	logger *zap.Logger
	seq    atomic.Uint64

	clientFactory func(tenant string) *http.Client

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClientFactory overrides how per-tenant HTTP clients are built.
func WithClientFactory(f func(tenant string) *http.Client) Option {
	return func(m *Manager) { m.clientFactory = f }
}

// NewManager creates a rate pool manager. Call Start to launch the
// shared scheduler.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		tenants: make(map[string]*tenantState),
		cfg:     cfg.withDefaults(),
		logger:  zap.NewNop(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clientFactory == nil {
		m.clientFactory = func(string) *http.Client {
			return &http.Client{Timeout: m.cfg.RequestTimeout}
		}
	}
	return m
}

// Start launches the shared scheduler tick.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.schedulerLoop()
	})
}

// Stop terminates the scheduler and waits for it to exit. Calls already
// in flight complete; queued calls stay blocked until their context
// expires.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

// Submit executes call for tenant, respecting its budget. When the
// tenant has headroom, is unthrottled and nothing is queued, the call
// runs on the caller's goroutine. Otherwise it is queued by priority
// and Submit blocks until the scheduler dispatches it or ctx is done.
// A 429 from the provider throttles the tenant and requeues the call
// transparently.
func (m *Manager) Submit(ctx context.Context, tenant string, call *Call, priority relay.Priority) (*Response, error) {
	ts := m.tenantFor(tenant)

	p := &pending{
		ctx:      ctx,
		call:     call,
		priority: priority,
		seq:      m.seq.Add(1),
		enqueued: time.Now(),
		done:     make(chan result, 1),
	}

	now := time.Now()
	ts.mu.Lock()
	if ts.dispatchable(now) && len(ts.queue) == 0 {
		ts.noteDispatch(now, m.cfg.Window)
		ts.mu.Unlock()
		m.perform(tenant, ts, p)
	} else {
		heap.Push(&ts.queue, p)
		queued := len(ts.queue)
		ts.mu.Unlock()
		m.logger.Debug("call queued",
			zap.String("tenant", tenant),
			zap.Stringer("priority", priority),
			zap.Int("queue_len", queued))
	}

	select {
	case res := <-p.done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatchable reports whether a call may go out right now. Caller
// holds ts.mu.
func (ts *tenantState) dispatchable(now time.Time) bool {
	if ts.throttled {
		return false
	}
	if now.Before(ts.softPausedUntil) {
		return false
	}
	return ts.callsUsed < ts.maxCalls
}

// noteDispatch counts one outgoing call. Until the provider has
// reported a call-limit header there is no learned reset time, so the
// configured window is armed as a fallback; without it a silent
// provider would starve the tenant once the assumed budget fills.
// Caller holds ts.mu.
func (ts *tenantState) noteDispatch(now time.Time, window time.Duration) {
	ts.callsUsed++
	if ts.windowResetAt.IsZero() {
		ts.windowResetAt = now.Add(window)
	}
}

func (m *Manager) schedulerLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SchedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.drainTick(time.Now())
		}
	}
}

// drainTick dispatches at most one queued call per tenant, the pacing
// that keeps drained queues near the provider's own leak rate.
func (m *Manager) drainTick(now time.Time) {
	m.mu.RLock()
	tenants := make(map[string]*tenantState, len(m.tenants))
	for name, ts := range m.tenants {
		tenants[name] = ts
	}
	m.mu.RUnlock()

	for name, ts := range tenants {
		ts.mu.Lock()

		if ts.throttled && !now.Before(ts.throttledUntil) {
			ts.throttled = false
			ts.callsUsed = 0
			m.logger.Info("tenant unthrottled", zap.String("tenant", name))
		}
		if !ts.windowResetAt.IsZero() && !now.Before(ts.windowResetAt) {
			ts.callsUsed = 0
			ts.windowResetAt = time.Time{}
		}

		if !ts.dispatchable(now) || len(ts.queue) == 0 {
			ts.mu.Unlock()
			continue
		}

		var next *pending
		for len(ts.queue) > 0 {
			p := heap.Pop(&ts.queue).(*pending)
			if p.ctx.Err() != nil {
				continue // caller gave up while queued
			}
			next = p
			break
		}
		if next == nil {
			ts.mu.Unlock()
			continue
		}

		ts.noteDispatch(now, m.cfg.Window)
		ts.mu.Unlock()

		go m.perform(name, ts, next)
	}
}

// perform executes one call and routes the outcome: rate info learned
// from headers, 429s absorbed by throttling and requeueing, everything
// else delivered to the waiting caller.
func (m *Manager) perform(tenant string, ts *tenantState, p *pending) {
	resp, err := m.doHTTP(ts, p)
	if err != nil {
		p.done <- result{err: err}
		return
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		m.handleRateLimited(tenant, ts, resp)

		ts.mu.Lock()
		heap.Push(&ts.queue, p)
		ts.mu.Unlock()
		return
	}

	m.updateRateInfo(tenant, ts, resp.Header, time.Now())
	p.done <- result{resp: resp}
}

func (m *Manager) doHTTP(ts *tenantState, p *pending) (*Response, error) {
	var body io.Reader
	if len(p.call.Body) > 0 {
		body = bytes.NewReader(p.call.Body)
	}
	req, err := http.NewRequestWithContext(p.ctx, p.call.Method, p.call.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range p.call.Header {
		req.Header[key] = values
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	httpResp, err := ts.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// updateRateInfo folds the provider's "used/max" call-limit header into
// the tenant budget and arms the soft or hard throttle when the budget
// runs low.
func (m *Manager) updateRateInfo(tenant string, ts *tenantState, header http.Header, now time.Time) {
	used, max, ok := parseCallLimit(header.Get(m.cfg.CallLimitHeader))
	if !ok {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.callsUsed = used
	ts.maxCalls = max

	// The provider's bucket leaks at a fixed rate, so the current usage
	// tells us when it is empty again.
	secondsToReset := (used + m.cfg.DrainPerSecond - 1) / m.cfg.DrainPerSecond
	ts.windowResetAt = now.Add(time.Duration(secondsToReset) * time.Second)

	switch {
	case float64(used) >= m.cfg.HardStopFraction*float64(max):
		ts.throttled = true
		ts.throttledUntil = ts.windowResetAt
		m.logger.Warn("rate limit critical, hard stop until reset",
			zap.String("tenant", tenant),
			zap.Int("used", used),
			zap.Int("max", max),
			zap.Time("reset_at", ts.windowResetAt))
	case float64(used) >= m.cfg.SoftThrottleFraction*float64(max):
		ts.softPausedUntil = now.Add(m.cfg.SoftPause)
		m.logger.Warn("approaching rate limit, pausing dispatch",
			zap.String("tenant", tenant),
			zap.Int("used", used),
			zap.Int("max", max))
	}
}

// handleRateLimited throttles the tenant for the provider's Retry-After
// (or the configured default when absent).
func (m *Manager) handleRateLimited(tenant string, ts *tenantState, resp *Response) {
	retryAfter := m.cfg.DefaultRetryAfter
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}

	ts.mu.Lock()
	ts.throttled = true
	ts.throttledUntil = time.Now().Add(retryAfter)
	ts.mu.Unlock()

	m.logger.Error("rate limit exceeded, throttling tenant",
		zap.String("tenant", tenant),
		zap.Duration("retry_after", retryAfter))
}

// tenantFor returns the tenant's state, creating it (and its HTTP
// client) on first use.
func (m *Manager) tenantFor(tenant string) *tenantState {
	m.mu.RLock()
	ts, ok := m.tenants[tenant]
	m.mu.RUnlock()
	if ok {
		return ts
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok = m.tenants[tenant]; ok {
		return ts
	}
	ts = &tenantState{
		client:   m.clientFactory(tenant),
		maxCalls: m.cfg.MaxCallsPerWindow,
	}
	m.tenants[tenant] = ts
	m.logger.Info("initialized rate pool", zap.String("tenant", tenant))
	return ts
}

// parseCallLimit parses a "used/max" header value.
func parseCallLimit(v string) (used, max int, ok bool) {
	left, right, found := strings.Cut(strings.TrimSpace(v), "/")
	if !found {
		return 0, 0, false
	}
	used, err := strconv.Atoi(strings.TrimSpace(left))
	if err != nil {
		return 0, 0, false
	}
	max, err = strconv.Atoi(strings.TrimSpace(right))
	if err != nil || max <= 0 {
		return 0, 0, false
	}
	return used, max, true
}

// TenantSnapshot is one tenant's observable rate state, for
// diagnostics.
type TenantSnapshot struct {
	Tenant        string    `json:"tenant"`
	CallsUsed     int       `json:"calls_used"`
	MaxCalls      int       `json:"max_calls"`
	WindowResetAt time.Time `json:"window_reset_at,omitzero"`
	Throttled     bool      `json:"throttled"`
	QueueLen      int       `json:"queue_len"`
}

// Snapshots returns the rate state of every known tenant.
func (m *Manager) Snapshots() []TenantSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := make([]TenantSnapshot, 0, len(m.tenants))
	for name, ts := range m.tenants {
		ts.mu.Lock()
		snaps = append(snaps, TenantSnapshot{
			Tenant:        name,
			CallsUsed:     ts.callsUsed,
			MaxCalls:      ts.maxCalls,
			WindowResetAt: ts.windowResetAt,
			Throttled:     ts.throttled,
			QueueLen:      len(ts.queue),
		})
		ts.mu.Unlock()
	}
	return snaps
}
