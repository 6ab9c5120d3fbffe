// Package retry provides the bounded retry policy applied to transient storage errors
// such as deadlocks, lock wait timeouts and busy databases.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrExhausted is wrapped by Do when every attempt failed with a retryable error.
var ErrExhausted = errors.New("retry budget exhausted")

// Policy defines how often and how fast a failing operation is retried.
// The delay schedule follows: delay = min(BaseDelay * ExponentialBase^attempt, MaxDelay),
// randomized by Jitter.
//
// Example with defaults (5 attempts, 10ms base, 2.0 exponential, 500ms max):
//
//	Attempt 1: immediately
//	Attempt 2: after ~10ms
//	Attempt 3: after ~20ms
//	Attempt 4: after ~40ms
//	Attempt 5: after ~80ms (→ give up)
type Policy struct {
	MaxAttempts     int           // Total attempts including the first one
	BaseDelay       time.Duration // Delay before the first retry
	MaxDelay        time.Duration // Maximum delay cap
	ExponentialBase float64       // Backoff multiplier (e.g., 2.0 for doubling)
	Jitter          float64       // Randomization factor in [0, 1)
}

// DefaultPolicy returns the policy used for deadlock retries when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		BaseDelay:       10 * time.Millisecond,
		MaxDelay:        500 * time.Millisecond,
		ExponentialBase: 2.0,
		Jitter:          0.5,
	}
}

// WithMaxAttempts returns a copy of p allowing n attempts. Values below 1 mean 1.
func (p Policy) WithMaxAttempts(n int) Policy {
	if n < 1 {
		n = 1
	}
	p.MaxAttempts = n
	return p
}

// CalculateRetryDelay returns the delay before retry number attemptNumber (1-based)
// without jitter.
func (p Policy) CalculateRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber <= 1 {
		return p.BaseDelay
	}

	delay := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attemptNumber-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}

	return time.Duration(delay)
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.ExponentialBase
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Do runs op until it succeeds, fails with an error retryable rejects, the context ends,
// or MaxAttempts is reached. Exhaustion returns an error wrapping both ErrExhausted and
// the last failure.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, op func() (T, error)) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	var lastErr error
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if !retryable(err) {
			return v, backoff.Permanent(err)
		}
		lastErr = err
		return v, err
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
	)

	if err != nil && lastErr != nil && errors.Is(err, lastErr) && attempts >= maxAttempts {
		return res, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
	}
	return res, err
}
