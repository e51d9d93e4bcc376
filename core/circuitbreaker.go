package core

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	// BreakerClosed passes requests through normally.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen fails requests immediately.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen admits limited probe requests after the cooldown.
	BreakerHalfOpen BreakerState = "half_open"
)

// Circuit breaker errors.
var (
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrTooManyProbes  = errors.New("too many requests in half-open state")
	ErrInvalidBreaker = errors.New("invalid circuit breaker configuration")
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// HalfOpenMax bounds concurrent probe requests in the half-open state.
	HalfOpenMax int
}

// Validate checks the breaker configuration.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return errors.New("FailureThreshold must be greater than 0")
	}
	if c.Cooldown <= 0 {
		return errors.New("Cooldown must be greater than 0")
	}
	if c.HalfOpenMax <= 0 {
		return errors.New("HalfOpenMax must be greater than 0")
	}
	return nil
}

// CircuitBreaker guards a failure-prone endpoint. Action builtins hold one
// breaker per endpoint host; an open circuit fails attempts fast instead of
// waiting on a dead endpoint.
type CircuitBreaker struct {
	config       BreakerConfig
	state        BreakerState
	failures     int
	lastFailTime time.Time
	probes       int
	mu           sync.Mutex
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config BreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidBreaker, err)
	}
	return &CircuitBreaker{config: config, state: BreakerClosed}, nil
}

// Allow reports whether a request may proceed. In the open state it returns
// ErrCircuitOpen until the cooldown elapses, then transitions to half-open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(cb.lastFailTime) > cb.config.Cooldown {
			cb.state = BreakerHalfOpen
			cb.probes = 1
			return nil
		}
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if cb.probes >= cb.config.HalfOpenMax {
			return ErrTooManyProbes
		}
		cb.probes++
		return nil
	default:
		return nil
	}
}

// RecordSuccess records a successful request. Success in the half-open state
// closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.state = BreakerClosed
		cb.failures = 0
		cb.probes = 0
	}
}

// RecordFailure records a failed request. Reaching the failure threshold in
// the closed state, or any failure in the half-open state, opens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailTime = time.Now()
	cb.failures++

	switch cb.state {
	case BreakerClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = BreakerOpen
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.probes = 0
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
