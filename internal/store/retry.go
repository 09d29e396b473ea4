package store

import (
	"context"
	"time"
)

// WithRetry runs fn and retries it exactly once after a short pause when it
// fails with anything other than a context error. Storage operations behind
// it must be idempotent; callers rely on no partial writes being observable.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn(ctx)
}
