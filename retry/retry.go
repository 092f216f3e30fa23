// Package retry runs an operation a bounded number of times, backing off exponentially
// between attempts that failed with an error the caller classified as retryable.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/matryer/try.v1"

	"github.com/xeptore/mcauth/errutil"
)

type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultPolicy = Policy{
	MaxAttempts:     4,
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     4 * time.Second,
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	// try.Do gives up on its own past MaxRetries and drops the last error.
	if p.MaxAttempts > try.MaxRetries {
		p.MaxAttempts = try.MaxRetries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultPolicy.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

func (p Policy) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Op is a single attempt. attempt starts at 1.
type Op[T any] func(ctx context.Context, attempt int) (T, error)

// Do runs op until it succeeds, fails with an error isRetryable rejects, or the attempt
// bound is reached; the last error is returned as is. Context cancellation during a wait
// or an attempt ends the loop with ctx.Err().
func Do[T any](ctx context.Context, p Policy, op Op[T], isRetryable func(error) bool) (T, error) {
	p = p.normalized()
	var (
		b   = p.backoff()
		out T
	)
	err := try.Do(func(attempt int) (retry bool, err error) {
		if attempt > 1 {
			timer := time.NewTimer(b.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				return false, ctx.Err()
			case <-timer.C:
			}
		}

		v, err := op(ctx, attempt)
		if nil != err {
			if errutil.IsContext(ctx) {
				return false, ctx.Err()
			}
			return attempt < p.MaxAttempts && isRetryable(err), err
		}
		out = v
		return false, nil
	})
	return out, err
}
