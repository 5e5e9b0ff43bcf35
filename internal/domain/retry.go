package domain

import (
	"fmt"
	"math"
	"time"
)

// Default retry parameters applied when neither the task nor the engine
// configuration overrides them.
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMultiplier   = 2.0
	DefaultMaxDelay     = 300 * time.Second
	DefaultJitterFactor = 0.1
)

// RetryPolicy controls the delay before a failed task becomes eligible again.
// delay = min(MaxDelay, InitialDelay * Multiplier^(attempts-1)), then scaled
// by a uniform factor in [1-JitterFactor, 1+JitterFactor].
type RetryPolicy struct {
	InitialDelay time.Duration `json:"initial_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxDelay     time.Duration `json:"max_delay"`
	JitterFactor float64       `json:"jitter_factor"`
}

// DefaultRetryPolicy returns the built-in retry parameters.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: DefaultInitialDelay,
		Multiplier:   DefaultMultiplier,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
	}
}

// Validate checks that the policy produces finite, non-negative delays.
func (p RetryPolicy) Validate() error {
	if p.InitialDelay <= 0 {
		return fmt.Errorf("%w: retry initial delay must be positive", ErrInvalidTask)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("%w: retry multiplier must be >= 1", ErrInvalidTask)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("%w: retry max delay must be >= initial delay", ErrInvalidTask)
	}
	if p.JitterFactor < 0 || p.JitterFactor >= 1 {
		return fmt.Errorf("%w: retry jitter factor must be in [0, 1)", ErrInvalidTask)
	}
	return nil
}

// BaseDelay returns the un-jittered delay for the given attempt number
// (1-based, the attempt that just failed).
func (p RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for the given attempt. u must be a uniform
// sample in [0, 1); 0.5 yields the base delay exactly.
func (p RetryPolicy) Delay(attempt int, u float64) time.Duration {
	base := float64(p.BaseDelay(attempt))
	factor := 1 + p.JitterFactor*(2*u-1)
	return time.Duration(base * factor)
}
