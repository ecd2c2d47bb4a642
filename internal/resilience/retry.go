package resilience

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryStrategy selects how the backoff delay grows between attempts.
type RetryStrategy int

const (
	StrategyFixed RetryStrategy = iota
	StrategyLinear
	StrategyExponential
)

func (s RetryStrategy) String() string {
	switch s {
	case StrategyFixed:
		return "fixed"
	case StrategyLinear:
		return "linear"
	case StrategyExponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// jitterFraction bounds the random perturbation applied when jitter is on.
const jitterFraction = 0.25

// RetryConfig holds the retry policy for one service.
// It is set at construction and never mutated afterwards.
type RetryConfig struct {
	// Strategy selects fixed, linear or exponential backoff growth.
	Strategy RetryStrategy

	// InitialDelay is the base delay for the first retry. Must be positive.
	InitialDelay time.Duration

	// MaxDelay caps the computed delay. Must be at least InitialDelay.
	MaxDelay time.Duration

	// Jitter applies a bounded random perturbation (±25%) after clamping.
	// Off by default so the delay function stays deterministic.
	Jitter bool

	// MaxAttempts is the total number of attempts, including the first.
	// Must be at least 1.
	MaxAttempts int
}

// DefaultRetryConfig returns a sensible default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Strategy:     StrategyExponential,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  3,
	}
}

// Validate checks that all retry parameters are usable.
func (c RetryConfig) Validate() error {
	switch c.Strategy {
	case StrategyFixed, StrategyLinear, StrategyExponential:
	default:
		return fmt.Errorf("unknown retry strategy %d", c.Strategy)
	}
	if c.InitialDelay <= 0 {
		return errors.New("initial delay must be positive")
	}
	if c.MaxDelay < c.InitialDelay {
		return errors.New("max delay must be at least initial delay")
	}
	if c.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	return nil
}

// Delay returns the backoff delay before retrying attempt number attempt
// (0-based: attempt 0 is the delay after the first failed attempt).
//
// The computed delay is clamped to MaxDelay. With Jitter disabled the
// function is pure: identical inputs always yield identical output.
func Delay(cfg RetryConfig, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var scaled float64
	switch cfg.Strategy {
	case StrategyLinear:
		scaled = float64(cfg.InitialDelay) * float64(attempt+1)
	case StrategyExponential:
		scaled = float64(cfg.InitialDelay) * math.Pow(2, float64(attempt))
	default:
		scaled = float64(cfg.InitialDelay)
	}

	// Clamp before converting so large growth cannot overflow the duration.
	if scaled > float64(cfg.MaxDelay) {
		scaled = float64(cfg.MaxDelay)
	}
	d := time.Duration(scaled)

	if cfg.Jitter && d > 0 {
		frac := (rand.Float64()*2 - 1) * jitterFraction
		d += time.Duration(frac * float64(d))
	}
	return d
}
