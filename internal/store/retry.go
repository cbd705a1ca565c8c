package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultTxAttempts is how many times a conflicting transaction is tried.
const DefaultTxAttempts = 5

// Retry runs attempt until it succeeds, fails with anything other than
// ErrConflict, or maxAttempts tries have conflicted. Exhaustion yields
// ErrAborted.
func Retry(ctx context.Context, maxAttempts int, attempt func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	backoff := retry.NewExponential(10 * time.Millisecond)
	backoff = retry.WithJitter(5*time.Millisecond, backoff)
	backoff = retry.WithCappedDuration(250*time.Millisecond, backoff)
	backoff = retry.WithMaxRetries(uint64(maxAttempts-1), backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := attempt(ctx)
		if errors.Is(err, ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w after %d attempts: %w", ErrAborted, maxAttempts, err)
	}
	return err
}
