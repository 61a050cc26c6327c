package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/sla-tracker/internal/model"
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry calculates the delay before the given retry attempt
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry delay using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.Multiplier
	}

	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// DefaultBackoff is used when no strategy is configured
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
	}
}

// retrier re-runs store operations that fail with a TransientStoreError
type retrier struct {
	logger      *zap.Logger
	strategy    RetryStrategy
	maxAttempts int
}

func withRetry[T any](ctx context.Context, r *retrier, op string, fn func(context.Context) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil || !model.IsTransient(err) || attempt+1 >= r.maxAttempts {
			return v, err
		}

		delay := r.strategy.NextRetry(attempt)
		r.logger.Warn("Retrying store operation",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return v, err
		case <-timer.C:
		}
	}
}

// retryExec is withRetry for operations without a result
func retryExec(ctx context.Context, r *retrier, op string, fn func(context.Context) error) error {
	_, err := withRetry(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
