// Package retry provides a small reusable retry policy so backoff
// behavior is declared once and applied uniformly at session
// acquisition and delivery instead of hand-rolled sleep loops.
package retry

import (
	"context"
	"time"
)

// Policy describes a bounded retry schedule.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	// Multiplier scales the delay after each failed attempt. 1 gives a
	// fixed interval, 2 the usual doubling schedule.
	Multiplier float64
	Max        time.Duration
}

// Fixed returns a policy that waits the same interval between attempts.
func Fixed(attempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Initial: interval, Multiplier: 1}
}

// Exponential returns a doubling policy starting at initial.
func Exponential(attempts int, initial time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Initial: initial, Multiplier: 2}
}

// Delay reports how long to wait after the given 1-based failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	wait := time.Duration(d)
	if p.Max > 0 && wait > p.Max {
		wait = p.Max
	}
	return wait
}

// Do runs fn up to MaxAttempts times, sleeping per the schedule between
// failures. It returns nil on the first success, the last error once
// attempts are exhausted, or ctx.Err() if the context is cancelled
// while waiting.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn()
		if last == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return last
}
