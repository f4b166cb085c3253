// Package retry centralizes the backoff policy for every external call
// wrapper (order placement, reconciliation fetch, feed reconnect). One
// policy object is configured at startup and injected wherever a network
// call may fail, instead of ad hoc retry loops at each call site.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"tradecore/internal/model"
)

// Policy describes capped exponential backoff with jitter.
// MaxAttempts == 0 means retry forever (feed reconnect uses this).
type Policy struct {
	MaxAttempts int           // total attempts including the first; 0 = unlimited
	BaseDelay   time.Duration // delay after the first failure
	MaxDelay    time.Duration // backoff cap
	Jitter      float64       // fraction of the delay randomized, e.g. 0.2
}

// DefaultPolicy is suitable for order placement and reconciliation calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

// Unlimited returns a copy of p that never gives up. The feed reconnect
// loop retries for as long as the supervisor runs.
func (p Policy) Unlimited() Policy {
	p.MaxAttempts = 0
	return p
}

// Backoff returns the delay before attempt n (n >= 1 is the first retry).
// Exponential in n, capped at MaxDelay, with +/-Jitter randomization.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay << uint(n-1)
	if d > p.MaxDelay || d <= 0 { // <= 0 guards shift overflow
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		f := 1 + p.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	return d
}

// Do runs fn, retrying transient failures per the policy. Non-transient
// errors and ctx cancellation stop immediately. The last error is returned
// once attempts are exhausted; a timeout is surfaced as a failure, never
// swallowed.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s: %w (cancelled after %d attempts)", op, lastErr, attempt-1)
			}
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !model.IsTransient(lastErr) {
			return fmt.Errorf("%s: %w", op, lastErr)
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%s: %w (gave up after %d attempts)", op, lastErr, attempt)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w (cancelled during backoff)", op, lastErr)
		case <-time.After(p.Backoff(attempt)):
		}
	}
}
