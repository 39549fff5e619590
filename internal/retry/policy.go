// Package retry holds the one backoff policy shared by the matcher's
// transaction retry, the signaling channel's store I/O, and the peer
// connection manager's negotiation retry.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a value object describing exponential backoff. The zero
// value is not usable; start from DefaultPolicy and override fields.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxAttempts bounds the number of tries (not retries). Zero means
	// retry until the context is cancelled.
	MaxAttempts uint64
}

// DefaultPolicy returns the policy used across the service: 1s base,
// doubling, capped at 30s, four attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		MaxAttempts:     4,
	}
}

// backOff builds a fresh backoff.BackOff per operation. Sharing one
// across operations would carry interval state between unrelated calls.
func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = p.InitialInterval
	ebo.MaxInterval = p.MaxInterval
	ebo.Multiplier = p.Multiplier
	ebo.MaxElapsedTime = 0
	ebo.Reset()

	var b backoff.BackOff = ebo
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts-1)
	}
	return backoff.WithContext(b, ctx)
}

// Do runs op, retrying per the policy. Wrap an error with
// backoff.Permanent to stop retrying immediately.
func (p Policy) Do(ctx context.Context, op func() error) error {
	return backoff.Retry(op, p.backOff(ctx))
}

// Delay returns the deterministic delay before retry number attempt
// (zero-based): InitialInterval * Multiplier^attempt, capped at
// MaxInterval. Used where the caller owns its own attempt counter.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialInterval)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxInterval) {
			return p.MaxInterval
		}
	}
	if d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt (zero-based count of failures so
// far) has consumed the attempt budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && uint64(attempt) >= p.MaxAttempts
}
