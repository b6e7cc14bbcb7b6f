package cloud

import (
	"context"
	"log/slog"
	"math"
	"time"

	stackerrors "github.com/c0deZ3R0/go-persistent-stack/errors"
	"github.com/c0deZ3R0/go-persistent-stack/logging"
)

// RetryConfig controls how the mirror's background loop retries a sync that
// failed with a retryable error (see errors.IsRetryable).
type RetryConfig struct {
	// MaxAttempts includes the first try. Values below 2 disable retries.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig is used when MirrorConfig.Retry is nil.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:  4,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2,
}

// backoff is the pause before retry n, counting from zero.
func (c RetryConfig) backoff(n int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(max(n, 0)))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// withRetry stops at the first success, the first non-retryable error, the
// last attempt or ctx cancellation, whichever comes first.
func withRetry(ctx context.Context, c RetryConfig, logger *logging.Logger, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt - 1)
			logger.Debug("retrying sync",
				slog.Int("attempt", attempt+1),
				slog.Duration("after", wait),
				slog.Any("error", err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		err = fn()
		switch {
		case err == nil:
			if attempt > 0 {
				logger.Info("sync recovered", slog.Int("attempts", attempt+1))
			}
			return nil
		case !stackerrors.IsRetryable(err), attempt+1 >= c.MaxAttempts:
			return err
		}
	}
}
