package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
)

// ErrNoAttempts is returned by Retry when the policy allows no attempts.
var ErrNoAttempts = errors.New("resilience: no attempts allowed")

// errPrimed stands in for the failure that started a retry loop, so the
// first real attempt waits Delay(1) like every later one.
var errPrimed = errors.New("resilience: retry loop primed")

// Backoff is a linear reconnection policy: attempt n waits Base*n, and at
// most MaxAttempts attempts are made.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// Delay returns the wait before the given 1-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return b.Base * time.Duration(attempt)
}

// Exhausted reports whether attempt exceeds the allowed number of attempts.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt > b.MaxAttempts
}

// Retry calls fn with attempt numbers 1..MaxAttempts, waiting Delay(n)
// before attempt n. It returns nil on the first success, the error passed
// to Permanent, ctx.Err() when ctx ends first, or the last failure once
// every attempt has failed. onRetry, when set, observes failed attempts.
func (b Backoff) Retry(ctx context.Context, fn func(attempt int) error, onRetry func(attempt int, err error)) error {
	if b.MaxAttempts < 1 {
		return ErrNoAttempts
	}

	var calls, waits int
	return retry.Do(
		func() error {
			calls++
			if calls == 1 {
				return errPrimed
			}
			return fn(calls - 1)
		},
		retry.Context(ctx),
		retry.Attempts(uint(b.MaxAttempts)+1),
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			waits++
			return b.Delay(waits)
		}),
		retry.OnRetry(func(_ uint, err error) {
			if onRetry != nil && !errors.Is(err, errPrimed) {
				onRetry(calls-1, err)
			}
		}),
		retry.LastErrorOnly(true),
	)
}

// Permanent marks err as final: Retry stops and returns it.
func Permanent(err error) error {
	return retry.Unrecoverable(err)
}
