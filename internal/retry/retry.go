// Package retry is the single backoff policy used both for agent execution
// retries and for client transport retries.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mtzanidakis/clipforge/internal/config"
)

// Policy describes exponential backoff: attempt n waits
// BaseDelay * Multiplier^(n-1), capped at MaxDelay.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxAttempts int
	MaxDelay    time.Duration
	// Jitter randomizes each delay by +/- that fraction.
	Jitter float64
}

func FromConfig(c config.RetryConfig) Policy {
	return Policy{
		BaseDelay:   c.BaseDelay,
		Multiplier:  c.Multiplier,
		MaxAttempts: c.MaxAttempts,
		MaxDelay:    c.MaxDelay,
	}
}

// Once is a policy that never retries.
func Once() Policy {
	return Policy{MaxAttempts: 1}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// BackOff builds the exponential backoff for this policy.
func (p Policy) BackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = p.Multiplier
	if exp.Multiplier < 1 {
		exp.Multiplier = 1
	}
	exp.RandomizationFactor = p.Jitter
	exp.MaxInterval = p.MaxDelay
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = time.Duration(1<<63 - 1)
	}
	exp.Reset()
	return exp
}

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, exhausts the
// attempts or ctx is done. attempt starts at 1. notify, when set, is called
// before each wait.
func Do(ctx context.Context, p Policy, op func(attempt int) error, notify func(err error, wait time.Duration)) error {
	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.BackOff()),
		backoff.WithMaxTries(uint(p.attempts())),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, op(attempt)
	}, opts...)
	return err
}
