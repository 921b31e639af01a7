package dispatch

import (
	"context"
	"time"
)

// retryPolicy inspects a failed attempt and returns the delay before the
// next one, or retry=false when the failure is terminal.
type retryPolicy func(err error, attempt int) (delay time.Duration, retry bool)

// retryCall runs op up to maxAttempts times under the given policy. The
// cancellation token is re-checked before every sleep and before every
// re-issue; a cancelled context wins over any retry decision.
func retryCall[T any](ctx context.Context, maxAttempts int, op func(context.Context) (T, error), policy retryPolicy) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		delay, retry := policy(err, attempt)
		if !retry || attempt == maxAttempts-1 {
			return zero, err
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
