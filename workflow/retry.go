package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/types"
)

// RetryPolicy controls retries of transient step failures.
type RetryPolicy struct {
	// MaxAttempts counts the first try; zero or one disables retries.
	MaxAttempts  int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialDelay time.Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay     time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Multiplier   float64       `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// DefaultRetryPolicy returns three attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 200 * time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	return b
}

// transient reports whether err is worth retrying. Failures caused by the
// run context itself never are.
func transient(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	return types.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

// withRetry runs op under the policy. It returns the last error and the
// number of attempts made.
func withRetry[T any](ctx context.Context, p RetryPolicy, logger *zap.Logger, onRetry func(attempt int, err error), op func(ctx context.Context) (T, error)) (T, int, error) {
	attempts := 0
	operation := func() (T, error) {
		attempts++
		out, err := op(ctx)
		if err != nil && !transient(ctx, err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}
	notify := func(err error, next time.Duration) {
		logger.Debug("retrying step",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
		if onRetry != nil {
			onRetry(attempts, err)
		}
	}

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return out, attempts, err
}
