package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. Delay before attempt n+1 is BaseDelay*2^(n-1).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// OnRetry, if set, is called after each failed attempt that will be retried.
	OnRetry func(err error, next time.Duration)
}

func (p Policy) withDefaults() Policy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = time.Second
	}
	return out
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.BaseDelay << uint(p.MaxAttempts)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// Permanent marks err as not worth retrying. Do returns the unwrapped err.
func Permanent(err error) error { return backoff.Permanent(err) }

// Do runs op until it succeeds, returns a Permanent error, ctx is done, or
// MaxAttempts is reached. The last error is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = func(err error, next time.Duration) { p.OnRetry(err, next) }
	}

	return backoff.RetryNotifyWithData(func() (T, error) {
		v, err := op(ctx)
		if err != nil && ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, p.backOff(ctx), notify)
}
