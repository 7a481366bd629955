// Package retry runs establishment operations (tunnels, sessions) with bounded
// exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/willibrandon/dbnav/internal/logger"
)

// Policy bounds an operation's retries.
// Delays follow 1s, 2s, 4s, ... capped at MaxDelay by default.
type Policy struct {
	MaxAttempts  int           // total attempts including the first
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap on any single delay
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Stop marks err as non-retryable. Do returns the wrapped error unchanged.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do invokes fn until it succeeds, returns a Stop error, the attempts are
// exhausted or ctx is done. The last error from fn is returned; if ctx ends
// during a wait, ctx.Err() is returned.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialDelay
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = time.Second
	}
	exp.MaxInterval = p.MaxDelay
	if exp.MaxInterval < exp.InitialInterval {
		exp.MaxInterval = exp.InitialInterval
	}
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			return fn(ctx)
		},
		b,
		func(err error, next time.Duration) {
			logger.Warn("Attempt failed, retrying",
				"op", op,
				"attempt", attempt,
				"max_attempts", p.MaxAttempts,
				"next_delay", next,
				"error", err,
			)
		},
	)
}
