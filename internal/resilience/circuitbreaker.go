// Package resilience provides circuit breakers guarding failing resources.
package resilience

import (
	"sync"
	"time"

	"tradewatch/internal/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open state
	// required to close the circuit again.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before half-opening
	// to probe.
	Cooldown time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         60 * time.Second,
	}
}

// CircuitBreaker tracks consecutive failures for one resource and rejects
// attempts while open. All methods are safe for concurrent use.
type CircuitBreaker struct {
	name   string
	config Config

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time

	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
	trips          int64
}

// New creates a new circuit breaker.
func New(name string, config Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:            name,
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether an attempt may proceed. While open it returns
// ErrCircuitOpen until the cooldown elapses, then half-opens to probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.config.Cooldown {
			cb.transitionTo(CircuitHalfOpen)
			return nil
		}
		cb.totalRejected++
		return errors.ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a successful attempt.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++

	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed attempt, opening the circuit once the
// consecutive-failure threshold is reached. A failure while half-open
// reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
			cb.trips++
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
		cb.trips++
	}
}

func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	cb.state = state
	cb.lastStateChange = time.Now()
	cb.failures = 0
	cb.successes = 0
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset forces the circuit closed and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(CircuitClosed)
}

// Stats contains a point-in-time view of a breaker's counters.
type Stats struct {
	Name            string
	State           CircuitState
	TotalSuccesses  int64
	TotalFailures   int64
	TotalRejected   int64
	Trips           int64
	LastStateChange time.Time
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.name,
		State:           cb.state,
		TotalSuccesses:  cb.totalSuccesses,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		Trips:           cb.trips,
		LastStateChange: cb.lastStateChange,
	}
}
