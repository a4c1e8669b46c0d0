package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/arc-pbc-co/arcnet/internal/telemetry"
)

// CBState is a circuit breaker's state.
type CBState int

const (
	CBClosed CBState = iota
	CBOpen
	CBHalfOpen
)

func (s CBState) String() string {
	switch s {
	case CBClosed:
		return "closed"
	case CBOpen:
		return "open"
	case CBHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes trip/reset behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMax      int
}

// DefaultCircuitBreakerConfig returns conservative production defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second, HalfOpenMax: 3}
}

// CircuitBreaker guards calls to the external transfer API so a failing
// endpoint isn't hammered by every orchestrator poll.
type CircuitBreaker struct {
	mu         sync.Mutex
	name       string
	config     CircuitBreakerConfig
	state      CBState
	failures   int
	successes  int
	trippedAt  time.Time
	totalTrips int
	now        func() time.Time
}

// NewCircuitBreaker constructs a closed circuit breaker.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{name: name, config: cfg, now: time.Now}
}

// Allow reports whether a call may proceed, returning ErrCircuitOpen
// while the breaker is open and the reset timeout hasn't elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CBOpen:
		if cb.now().Sub(cb.trippedAt) >= cb.config.ResetTimeout {
			cb.state = CBHalfOpen
			cb.successes = 0
			telemetry.CircuitBreakerState.Set(float64(CBHalfOpen))
			return nil
		}
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	default:
		return nil
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CBHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenMax {
			cb.state = CBClosed
			cb.failures = 0
			cb.successes = 0
			telemetry.CircuitBreakerState.Set(float64(CBClosed))
		}
	case CBClosed:
		if cb.failures > 0 {
			cb.failures--
		}
	}
}

// RecordFailure records a failed call, possibly tripping the breaker.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CBClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = CBOpen
			cb.trippedAt = cb.now()
			cb.totalTrips++
			telemetry.CircuitBreakerState.Set(float64(CBOpen))
		}
	case CBHalfOpen:
		cb.state = CBOpen
		cb.trippedAt = cb.now()
		cb.totalTrips++
		telemetry.CircuitBreakerState.Set(float64(CBOpen))
	}
}

// State returns the current state, resolving an elapsed reset timeout.
func (cb *CircuitBreaker) State() CBState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CBOpen && cb.now().Sub(cb.trippedAt) >= cb.config.ResetTimeout {
		cb.state = CBHalfOpen
		cb.successes = 0
	}
	return cb.state
}

// ErrCircuitOpen is returned by Allow while the breaker is open.
var ErrCircuitOpen = fmt.Errorf("bridge: circuit breaker open")
