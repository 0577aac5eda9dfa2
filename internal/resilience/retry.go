package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/shubhsaxena/bibmatch/internal/models"
)

// RetryConfig is a bounded, fixed-backoff retry policy.
type RetryConfig struct {
	MaxAttempts int
	Wait        time.Duration
}

// Retry calls fn until it succeeds, MaxAttempts is reached or ctx is done,
// waiting Wait between attempts. Fatal errors are returned at once.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if models.IsFatal(lastErr) {
			return lastErr
		}

		if attempt < attempts-1 {
			if err := sleep(ctx, cfg.Wait); err != nil {
				return fmt.Errorf("retry interrupted after %d attempts: %w", attempt+1, lastErr)
			}
		}
	}

	return fmt.Errorf("all %d retry attempts failed: %w", attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
