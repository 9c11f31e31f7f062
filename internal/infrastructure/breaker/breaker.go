package breaker

import (
	"sync"
	"time"

	"github.com/markethub/relay/internal/relay"
)

// State is the circuit position for one key.
type State int

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen fails calls fast without invoking the operation.
	StateOpen
	// StateHalfOpen lets a limited number of trial calls probe recovery.
	StateHalfOpen
)

// String returns the conventional state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the thresholds shared by every breaker in a registry.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// closed circuit.
	FailureThreshold int
	// ResetTimeout is the base OPEN duration before a trial is allowed.
	ResetTimeout time.Duration
	// HalfOpenSuccessThreshold is the number of consecutive trial
	// successes that close a half-open circuit. It also caps the trials
	// in flight at once.
	HalfOpenSuccessThreshold int
	// IdlePruneAfter is how long a closed, failure-free circuit may sit
	// unused before the registry drops it.
	IdlePruneAfter time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		ResetTimeout:             30 * time.Second,
		HalfOpenSuccessThreshold: 3,
		IdlePruneAfter:           time.Hour,
	}
}

// maxBackoffShift caps the OPEN backoff multiplier at 2^10.
const maxBackoffShift = 10

// breaker is the per-key state machine. All fields are guarded by mu;
// only the bookkeeping serializes on it, never the protected operation.
type breaker struct {
	mu  sync.Mutex
	key string
	cfg Config

	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	halfOpenInFlight    int
	lastFailureAt       time.Time
	nextAttemptAt       time.Time
	lastUsedAt          time.Time
}

func newBreaker(key string, cfg Config) *breaker {
	return &breaker{
		key:        key,
		cfg:        cfg,
		state:      StateClosed,
		lastUsedAt: time.Now(),
	}
}

// allow decides whether a call may proceed, performing the OPEN→HALF_OPEN
// transition when the reset timeout has elapsed.
func (b *breaker) allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUsedAt = now

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Before(b.nextAttemptAt) {
			return &relay.CircuitOpenError{Key: b.key, RetryAt: b.nextAttemptAt}
		}
		// The first call after the timeout becomes the trial.
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 1
		return nil
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenSuccessThreshold {
			return &relay.CircuitOpenError{Key: b.key, RetryAt: b.nextAttemptAt}
		}
		b.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

// onSuccess records a successful call.
func (b *breaker) onSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUsedAt = now

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.halfOpenInFlight--
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccessThreshold {
			b.reset()
		}
	}
}

// onFailure records a failed call, opening the circuit when warranted.
func (b *breaker) onFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUsedAt = now
	b.lastFailureAt = now
	b.consecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		b.halfOpenInFlight--
		b.trip(now)
	}
}

// trip moves the circuit to OPEN with an exponentially growing timeout:
// resetTimeout * 2^min(consecutiveFailures - threshold, 10).
func (b *breaker) trip(now time.Time) {
	shift := b.consecutiveFailures - b.cfg.FailureThreshold
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	b.state = StateOpen
	b.halfOpenSuccesses = 0
	b.halfOpenInFlight = 0
	b.nextAttemptAt = now.Add(b.cfg.ResetTimeout * time.Duration(1<<uint(shift)))
}

// reset returns the circuit to a clean CLOSED state.
func (b *breaker) reset() {
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	b.halfOpenInFlight = 0
	b.nextAttemptAt = time.Time{}
}

// force overrides the state for operational and testing use.
func (b *breaker) force(state State, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch state {
	case StateClosed:
		b.reset()
	case StateOpen:
		if b.consecutiveFailures < b.cfg.FailureThreshold {
			b.consecutiveFailures = b.cfg.FailureThreshold
		}
		b.trip(now)
	case StateHalfOpen:
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
	}
}

// snapshot returns the current observable state.
func (b *breaker) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Key:                 b.key,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		NextAttemptAt:       b.nextAttemptAt,
	}
}

// prunable reports whether the circuit is idle enough to discard.
func (b *breaker) prunable(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state == StateClosed &&
		b.consecutiveFailures == 0 &&
		now.Sub(b.lastUsedAt) > b.cfg.IdlePruneAfter
}

// Snapshot is the observable state of one circuit, for diagnostics.
type Snapshot struct {
	Key                 string    `json:"key"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitzero"`
	NextAttemptAt       time.Time `json:"next_attempt_at,omitzero"`
}
