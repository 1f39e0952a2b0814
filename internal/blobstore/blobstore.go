// Package blobstore wraps durable object storage for raw chunks and combined
// audio artifacts.
package blobstore

import "context"

// Store is the narrow contract the aggregator and combine engine depend on.
// Put is idempotent: the same key always resolves to the same ref, so a
// retried upload overwrites rather than duplicates.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}
