package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/infrastructure/logger"

	"go.uber.org/zap"
)

// RetryPolicy defines the retry budget of a source call
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier of 1 gives a fixed delay
	Multiplier float64
}

// DefaultRetryPolicy returns the budget used when nothing is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// Retrier runs an operation until it succeeds, fails permanently or spends its budget
type Retrier struct {
	policy RetryPolicy
	logger *logger.Logger

	// OnRetry is called before every wait between two attempts
	OnRetry func(op string, attempt int, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier for the given policy
func NewRetrier(policy RetryPolicy, logger *logger.Logger) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Retrier{
		policy: policy,
		logger: logger.WithComponent("retrier"),
		sleep:  sleepContext,
	}
}

// Do executes fn. Only transient source errors are retried; anything else is
// returned unchanged after the first attempt. When the budget is spent the
// returned error is transient and wraps entity.ErrRetryBudgetExhausted.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Operation succeeded after retry",
					zap.String("operation", op),
					zap.Int("attempts", attempt))
			}
			return nil
		}

		lastErr = err
		if !entity.IsTransient(err) {
			return err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.Delay(attempt)
		r.logger.Warn("Operation failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		if r.OnRetry != nil {
			r.OnRetry(op, attempt, err)
		}

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	r.logger.Error("Operation failed after max attempts",
		zap.String("operation", op),
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr))

	exhausted := &entity.SourceError{Kind: entity.Transient, Op: op}
	var se *entity.SourceError
	if errors.As(lastErr, &se) {
		exhausted.Op = se.Op
		exhausted.Network = se.Network
		exhausted.StatusCode = se.StatusCode
	}
	exhausted.Err = fmt.Errorf("%w after %d attempts: %w", entity.ErrRetryBudgetExhausted, r.policy.MaxAttempts, lastErr)
	return exhausted
}

// Delay returns the wait after the given failed attempt (1-based)
func (r *Retrier) Delay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if r.policy.MaxDelay > 0 && delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
