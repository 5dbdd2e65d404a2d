package eventrelay

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy describes an exponential backoff schedule. It is an explicit
// configuration value so retry behavior is visible and testable instead of
// hidden inside a client library's defaults.
type RetryPolicy struct {
	InitialDelay  time.Duration
	MaxRetries    int
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay:  300 * time.Millisecond,
		MaxRetries:    5,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}
}

// Delay returns the backoff delay before the given attempt. Attempt counting
// starts at 1; attempt 1 waits InitialDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.BackoffFactor
		if time.Duration(delay) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d := time.Duration(delay); d < p.MaxDelay {
		return d
	}
	return p.MaxDelay
}

// Do runs fn until it succeeds or the policy is exhausted, sleeping the
// scheduled delay between attempts. The last error is returned. Cancelling
// the context aborts the wait.
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, op string, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt > p.MaxRetries {
			logger.Error("Retries exhausted",
				zap.String("op", op),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return err
		}

		delay := p.Delay(attempt)
		logger.Warn("Operation failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
