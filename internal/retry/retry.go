// Package retry runs an operation with a bounded number of attempts and
// jittered exponential backoff between them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Clock is the time source used for backoff sleeps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Policy bounds a retry loop.
type Policy struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of each backoff that is randomised, in [0,1].
	Jitter float64
	Clock  Clock
}

// DefaultPolicy retries three times starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		Initial:    1 * time.Second,
		Max:        8 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

func (p Policy) attempts() int {
	if p.Attempts <= 0 {
		return 1
	}
	return p.Attempts
}

func (p Policy) clock() Clock {
	if p.Clock == nil {
		return RealClock
	}
	return p.Clock
}

// exponential builds the backoff schedule. Elapsed time never stops it;
// the attempt budget does.
func (p Policy) exponential() *backoff.ExponentialBackOff {
	mult := p.Multiplier
	if mult < 1 {
		mult = 2.0
	}
	maxInterval := p.Max
	if maxInterval <= 0 {
		maxInterval = backoff.DefaultMaxInterval
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.Initial),
		backoff.WithMaxInterval(maxInterval),
		backoff.WithMultiplier(mult),
		backoff.WithRandomizationFactor(p.Jitter),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(p.clock()),
	)
	b.Reset()
	return b
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	b := p.exponential()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// clockTimer drives backoff sleeps from a Clock so fake clocks never block.
type clockTimer struct {
	clock Clock
	c     <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) { t.c = t.clock.After(d) }
func (t *clockTimer) Stop()                 {}
func (t *clockTimer) C() <-chan time.Time   { return t.c }

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. A nil retryable treats every error as retryable.
// Context cancellation is returned as ctx.Err() wrapped with the last error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		attempt   int
		lastErr   error
		permanent bool
	)
	op := func() error {
		attempt++
		lastErr = fn(ctx, attempt)
		if lastErr != nil && retryable != nil && !retryable(lastErr) {
			permanent = true
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}

	var timer backoff.Timer
	if p.Clock != nil {
		timer = &clockTimer{clock: p.Clock}
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.exponential(), uint64(p.attempts()-1)), ctx)

	err := backoff.RetryNotifyWithTimer(op, b, nil, timer)
	switch {
	case err == nil:
		return nil
	case permanent:
		return lastErr
	case ctx.Err() != nil:
		if lastErr == nil || errors.Is(lastErr, ctx.Err()) {
			return ctx.Err()
		}
		return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
	}
	return &ExhaustedError{Attempts: attempt, Last: lastErr}
}
