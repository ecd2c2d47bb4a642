// Package resilience provides the resilient HTTP client used to probe
// microservice endpoints: per-service circuit breaking, configurable retry
// backoff, and a uniform result type regardless of failure mode.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
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

// BreakerConfig holds configuration for one circuit breaker.
// It is set at construction and never mutated afterwards.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker while closed. Must be positive.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before admitting
	// trial calls again. Must be positive.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls bounds the number of trial calls admitted while
	// half-open. Must be positive.
	HalfOpenMaxCalls int
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Validate checks that all breaker parameters are usable.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return errors.New("failure threshold must be positive")
	}
	if c.RecoveryTimeout <= 0 {
		return errors.New("recovery timeout must be positive")
	}
	if c.HalfOpenMaxCalls <= 0 {
		return errors.New("half-open max calls must be positive")
	}
	return nil
}

// Breaker is a per-destination circuit breaker. It stops admitting requests
// to a destination that keeps failing and periodically admits a bounded
// number of trial calls to detect recovery.
//
// CanExecute, RecordSuccess and RecordFailure are each atomic with respect to
// each other; concurrent callers observe a serializable sequence of state
// transitions. The internal lock is never held across I/O.
type Breaker struct {
	mu            sync.Mutex
	cfg           BreakerConfig
	state         BreakerState
	failures      int
	halfOpenCalls int
	lastFailureAt time.Time
	probingSince  time.Time

	onStateChange func(from, to BreakerState)
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithStateChangeHook registers a hook invoked (on its own goroutine) on
// every state transition. The hook must not assume it runs before the
// operation that caused the transition returns.
func WithStateChangeHook(fn func(from, to BreakerState)) BreakerOption {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// NewBreaker creates a circuit breaker in the closed state.
// An invalid configuration is a construction error, never a per-call one.
func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker config: %w", err)
	}

	b := &Breaker{
		cfg:   cfg,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CanExecute reports whether a call may be issued right now.
//
// While open, the first call at or after RecoveryTimeout since the last
// failure moves the breaker to half-open and is admitted as the first trial.
// While half-open, at most HalfOpenMaxCalls trials are admitted per probing
// round; once the budget is spent the breaker blocks for another
// RecoveryTimeout, measured from the start of the round, before admitting a
// fresh round of trials.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailureAt) >= b.cfg.RecoveryTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenCalls = 1 // this call is the first trial
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}

		// Trial budget spent: block until the recovery timeout elapses again.
		// The reference time is the newest failure, or the start of the
		// current probing round if no failure has been recorded since.
		ref := b.lastFailureAt
		if b.probingSince.After(ref) {
			ref = b.probingSince
		}
		if time.Since(ref) >= b.cfg.RecoveryTimeout {
			b.probingSince = time.Now()
			b.halfOpenCalls = 1
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful call outcome.
// A success while half-open closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.transition(StateClosed)
		b.failures = 0
	case StateClosed:
		b.failures = 0
	case StateOpen:
		// Late success from a call admitted before the breaker opened.
	}
}

// RecordFailure records a failed call outcome and stamps the failure time.
// Reaching FailureThreshold while closed opens the breaker; any failure
// while half-open reopens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureAt = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateOpen:
		// Already open; the recovery window restarts from this failure.
	}
}

// transition moves the breaker to a new state. Caller must hold b.mu.
// Trial-call accounting resets on every transition.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	b.halfOpenCalls = 0
	if to == StateHalfOpen {
		b.probingSince = time.Now()
		b.failures = 0
	}
	if b.onStateChange != nil && from != to {
		go b.onStateChange(from, to)
	}
}
