// Package worker holds the small scheduling helpers shared by the
// background tasks.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc runs one iteration of a periodic task.
type TickFunc func(ctx context.Context)

// TickerLoop runs fn every interval until ctx is canceled. The first
// run happens after one full interval.
func TickerLoop(ctx context.Context, name string, interval time.Duration, fn TickFunc, logger *zerolog.Logger) error {
	logger.Info().Str("task", name).Dur("interval", interval).Msg("periodic task started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("task", name).Msg("periodic task stopped")

			return fmt.Errorf("task %s: %w", name, ctx.Err())
		case <-ticker.C:
			func() {
				defer RecoverPanic(logger, name)
				fn(ctx)
			}()
		}
	}
}

// Wait blocks until d elapses or ctx is canceled.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("wait interrupted: %w", ctx.Err())
	case <-time.After(d):
		return nil
	}
}

// RecoverPanic logs a recovered panic. Use with defer.
func RecoverPanic(logger *zerolog.Logger, operation string) {
	if r := recover(); r != nil {
		logger.Error().
			Interface("panic", r).
			Str("operation", operation).
			Msg("recovered from panic")
	}
}
