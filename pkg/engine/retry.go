package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ryanwith/melchi/pkg/config"
	"github.com/ryanwith/melchi/pkg/errors"
	"github.com/ryanwith/melchi/pkg/logger"
	"github.com/ryanwith/melchi/pkg/metrics"
)

// withRetry runs fn, retrying on retryable errors with exponential backoff
// per the reliability config. Non-retryable errors and context cancellation
// end the attempt loop immediately.
func withRetry(ctx context.Context, cfg config.ReliabilityConfig, table string, fn func() error) error {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.RetryDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) || attempt == attempts {
			return err
		}

		metrics.RetriesTotal.WithLabelValues(table).Inc()
		logger.Warn("retrying after transient failure",
			zap.String("table", table),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "sync cancelled during retry backoff")
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.RetryMultiplier)
		if cfg.MaxRetryDelay > 0 && delay > cfg.MaxRetryDelay {
			delay = cfg.MaxRetryDelay
		}
	}
	return err
}
