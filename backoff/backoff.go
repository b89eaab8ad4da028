// Package backoff provides pluggable retry delay strategies for job
// execution. All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Jittered wraps another strategy and randomizes each delay within
// [delay/2, delay) to avoid thundering-herd retries.
type Jittered struct {
	Inner Strategy
}

// NewJittered wraps a strategy with jitter.
func NewJittered(inner Strategy) *Jittered {
	return &Jittered{Inner: inner}
}

// Delay returns the inner delay randomized within [delay/2, delay).
func (j *Jittered) Delay(attempt int) time.Duration {
	d := j.Inner.Delay(attempt)
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)))
}

// DefaultStrategy returns exponential backoff with jitter: 1s initial,
// 5m cap.
func DefaultStrategy() Strategy {
	return NewJittered(NewExponential(time.Second, 5*time.Minute))
}
