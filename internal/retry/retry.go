// Package retry runs outbound calls under an explicit retry policy.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy describes how a call is retried.
//
// Pause runs before every attempt, including the first one. Backoff receives
// the 1-based number of the attempt that just failed. Errors for which
// Retryable returns false are returned immediately.
type Policy struct {
	Attempts  int
	Backoff   func(attempt int) time.Duration
	Retryable func(error) bool
	Pause     func() time.Duration
	OnRetry   func(attempt int, err error, wait time.Duration)
	Sleep     func(ctx context.Context, d time.Duration) error
}

// Do calls fn until it succeeds, fails with a non-retryable error or the
// attempts are used up.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if p.Pause != nil {
			if serr := sleep(ctx, p.Pause()); serr != nil {
				return serr
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
	}

	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

// Linear grows the wait by base for every failed attempt.
func Linear(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// Exponential doubles the wait for every failed attempt, starting at base.
func Exponential(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base * time.Duration(1<<(attempt-1))
	}
}

// Jitter returns min plus a random duration in [0, spread).
func Jitter(min, spread time.Duration) func() time.Duration {
	return func() time.Duration {
		if spread <= 0 {
			return min
		}
		return min + rand.N(spread)
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
