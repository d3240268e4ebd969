package metrics

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultRetryAttempts   = 3
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second
)

// RetryPolicy bounds how often a transient backend failure is retried
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first one
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns 3 attempts with exponential backoff between 500ms and 5s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     defaultRetryAttempts,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	// the attempt count is the only bound
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// do calls op until it succeeds, returns a permanent error, or the attempts run out.
// It returns the number of calls made.
func (p RetryPolicy) do(ctx context.Context, op func() error, notify func(error, time.Duration)) (int, error) {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return op()
	}, p.backOff(ctx), notify)
	return attempts, err
}
