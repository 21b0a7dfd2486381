package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"paracord-validate/internal/domain"
)

// Condition is one convergence probe. A false return without error means
// "not yet"; an error means the probe itself failed this attempt, which is
// expected while federation catches up and is not terminal.
type Condition func(ctx context.Context) (bool, error)

// WaitUntil polls cond until it reports true or timeout elapses. Transient
// errors are swallowed and remembered; the last one is embedded in the
// timeout error so a converged-never failure still explains itself. No sleep
// follows a successful attempt.
func WaitUntil(ctx context.Context, logger *slog.Logger, desc string, cond Condition, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for attempt := 1; ; attempt++ {
		ok, err := cond(ctx)
		if err != nil {
			lastErr = err
			logger.Debug("convergence attempt failed", "desc", desc, "attempt", attempt, "error", err)
		} else if ok {
			logger.Debug("convergence reached", "desc", desc, "attempts", attempt)
			return nil
		}

		if time.Now().After(deadline) {
			if lastErr != nil {
				return fmt.Errorf("%s: %w after %s (last error: %v)", desc, domain.ErrTimeout, timeout, lastErr)
			}
			return fmt.Errorf("%s: %w after %s", desc, domain.ErrTimeout, timeout)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", desc, ctx.Err())
		case <-time.After(interval):
		}
	}
}
