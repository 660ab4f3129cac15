// Package resilience guards synthesis engines with circuit breakers and
// fails over between them.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) for a
// single engine. [EngineFallback] chains several engines, each behind its
// own breaker, and opens a chunk stream on the first one that is healthy.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. The breaker
	// closes once that many probes succeed and re-opens on the first failure.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker defaults.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state change notifications.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: [DefaultMaxFailures].
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: [DefaultResetTimeout].
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls admitted, and the number of
	// successes needed to close again. Default: [DefaultHalfOpenMax].
	HalfOpenMax int

	// IsFailure reports whether err counts against the breaker. Errors it
	// rejects, such as caller cancellation, are treated like successes.
	// Default: every non-nil error counts.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int // consecutive failures while closed
	openedAt time.Time
	probes   int // probes admitted in the current half-open period
	passed   int // probes that succeeded in the current half-open period
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields take
// the package defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the label the breaker was configured with.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker admits the call and records its outcome.
// A rejected call returns [ErrCircuitOpen] without running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		from := cb.setLocked(StateHalfOpen)
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen)
		cb.mu.Lock()
	}
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// record updates the counters with the outcome of an admitted call.
func (cb *CircuitBreaker) record(probe bool, err error) {
	failed := err != nil && cb.cfg.IsFailure(err)

	cb.mu.Lock()
	from, to := cb.state, cb.state
	switch {
	case probe && cb.state != StateHalfOpen:
		// A concurrent probe already decided this half-open period.
	case probe && failed:
		to = StateOpen
	case probe:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			to = StateClosed
		}
	case failed:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			to = StateOpen
		}
	default:
		cb.failures = 0
	}
	if to != from {
		cb.setLocked(to)
	}
	failures := cb.failures
	cb.mu.Unlock()

	if to != from {
		if to == StateOpen {
			slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from, "consecutive_failures", failures, "err", err)
		} else {
			slog.Info("circuit breaker closed after successful probes", "name", cb.cfg.Name)
		}
		cb.notify(from, to)
	}
}

// setLocked switches to state s and resets the counters that belong to it.
// It returns the previous state. Must be called with cb.mu held.
func (cb *CircuitBreaker) setLocked(s State) State {
	from := cb.state
	cb.state = s
	cb.probes, cb.passed = 0, 0
	switch s {
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		slog.Info("circuit breaker probing", "name", cb.cfg.Name)
	}
	return from
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.setLocked(StateClosed)
	cb.mu.Unlock()
	slog.Info("circuit breaker manually reset", "name", cb.cfg.Name)
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
