// Package resilience provides the circuit breaker, retry and rate limiting
// primitives shared by the cache client, the SMS gateway and the routing
// service client. Breakers are per-endpoint and process-local.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openroute/gasflow/core"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
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

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs and errors.
	Name string

	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. The circuit opens on exactly the Nth consecutive failure.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a half-open
	// probe is allowed.
	RecoveryTimeout time.Duration

	// Logger for state change events.
	Logger core.Logger
}

// CircuitBreaker is a per-endpoint closed/open/half-open state machine.
// While open, all executions fail fast with core.ErrCircuitBreakerOpen.
// In half-open a single probe runs: success closes the circuit, failure
// re-opens it.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	totalSuccesses uint64
	totalFailures  uint64
	totalRejected  uint64

	listeners []func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a circuit breaker. Threshold and timeout fall
// back to 5 failures / 60 seconds when unset.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Execute runs fn under circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, err := cb.allow()
	if err != nil {
		return err
	}

	fnErr := fn()
	cb.record(probe, fnErr)
	return fnErr
}

// allow decides whether a request may proceed. It returns whether the
// request is a half-open probe.
func (cb *CircuitBreaker) allow() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.RecoveryTimeout {
			cb.totalRejected++
			return false, fmt.Errorf("circuit breaker %q is open: %w", cb.cfg.Name, core.ErrCircuitBreakerOpen)
		}
		cb.transition(StateHalfOpen)
		cb.probeInFlight = true
		return true, nil

	case StateHalfOpen:
		if cb.probeInFlight {
			cb.totalRejected++
			return false, fmt.Errorf("circuit breaker %q is probing: %w", cb.cfg.Name, core.ErrCircuitBreakerOpen)
		}
		cb.probeInFlight = true
		return true, nil

	default:
		cb.totalRejected++
		return false, fmt.Errorf("circuit breaker %q in unknown state: %w", cb.cfg.Name, core.ErrCircuitBreakerOpen)
	}
}

// record applies an execution result to the state machine.
func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probeInFlight = false
	}

	if err == nil {
		cb.totalSuccesses++
		cb.consecutiveFailures = 0
		if cb.state != StateClosed {
			cb.transition(StateClosed)
		}
		return
	}

	cb.totalFailures++
	cb.consecutiveFailures++

	if cb.state == StateHalfOpen {
		cb.transition(StateOpen)
		cb.openedAt = time.Now()
		return
	}

	if cb.state == StateClosed && cb.consecutiveFailures >= cb.cfg.FailureThreshold {
		cb.transition(StateOpen)
		cb.openedAt = time.Now()
	}
}

// transition changes state. Caller must hold the lock.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateOpen {
		cb.openedAt = time.Now()
	}

	cb.cfg.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"name":                 cb.cfg.Name,
		"from":                 from.String(),
		"to":                   to.String(),
		"consecutive_failures": cb.consecutiveFailures,
	})

	for _, listener := range cb.listeners {
		go listener(cb.cfg.Name, from, to)
	}
}

// AddStateChangeListener registers a callback invoked on every transition.
func (cb *CircuitBreaker) AddStateChangeListener(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, fn)
	cb.mu.Unlock()
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"name":                 cb.cfg.Name,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"successes":            cb.totalSuccesses,
		"failures":             cb.totalFailures,
		"rejected":             cb.totalRejected,
	}
}

// Reset forces the breaker back to closed and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.probeInFlight = false
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}
