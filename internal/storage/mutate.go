package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MaxAttempts bounds how many times Mutate retries after a revision mismatch.
const MaxAttempts = 5

// Mutate performs a read-modify-write of key. fn receives the current value (nil when absent)
// and returns the replacement. A revision mismatch re-reads and re-applies fn with backoff, so fn
// must derive its result only from its input. Errors returned by fn are passed through unchanged;
// substrate failures are reported as ErrUnavailable.
func Mutate(ctx context.Context, store Store, key string, diag Diagnostics, fn func(current []byte) ([]byte, error)) error {
	if diag == nil {
		diag = NopDiagnostics{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, MaxAttempts-1), ctx)

	op := func() error {
		it, err := store.Get(ctx, key)
		if err != nil {
			diag.WriteFailed(key, err)
			return backoff.Permanent(fmt.Errorf("%w: read %s: %v", ErrUnavailable, key, err))
		}
		next, err := fn(it.Value)
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := store.Put(ctx, key, next, it.Revision); err != nil {
			if errors.Is(err, ErrRevisionMismatch) {
				diag.Conflict(key)
				return err
			}
			diag.WriteFailed(key, err)
			return backoff.Permanent(fmt.Errorf("%w: write %s: %v", ErrUnavailable, key, err))
		}
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, ErrRevisionMismatch) {
			return fmt.Errorf("%w: %s kept changing: %v", ErrUnavailable, key, err)
		}
		return err
	}
	return nil
}
