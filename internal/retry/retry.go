// Package retry runs an operation a bounded number of times, retrying only
// the failures a predicate accepts.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && (retryable == nil || !retryable(err)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Delay)),
		backoff.WithMaxTries(uint(attempts)),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return v, perm.Unwrap()
	}
	return v, err
}
