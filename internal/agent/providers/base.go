package providers

import (
	"context"
	"log/slog"
	"time"
)

// BaseProvider holds the retry configuration shared by providers.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger

	// sleep waits for d or until ctx is done; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBaseProvider creates a base provider. maxRetries counts attempts, so 1
// disables retrying.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration, logger *slog.Logger) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     logger.With("provider", name),
		sleep:      sleepContext,
	}
}

// Retry executes op with linear backoff while isRetryable returns true.
// A nil isRetryable uses IsRetryable.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	if isRetryable == nil {
		isRetryable = IsRetryable
	}
	sleep := b.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt >= b.maxRetries {
			break
		}
		delay := b.retryDelay * time.Duration(attempt)
		b.logger.Debug("retrying model request", "attempt", attempt, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
