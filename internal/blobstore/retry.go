package blobstore

import (
	"context"
	"errors"
	"time"

	"github.com/medscribe/medscribe/internal/model"
)

// WithRetry runs fn up to attempts times with exponential backoff, for
// transient object-store errors. Permanent faults (model.ErrStorageFault)
// and NotFound abort immediately.
func WithRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, model.ErrStorageFault) || errors.Is(err, model.ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
