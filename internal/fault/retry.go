package fault

import (
	"context"
	"math/rand/v2"
	"time"
)

// Retry executes fn, retrying up to maxRetries times on transient upstream
// failures. Retries use jittered exponential backoff starting at baseDelay.
// Non-transient errors return immediately.
func Retry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
