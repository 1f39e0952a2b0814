// Package lease provides per-recording advisory locks with a TTL, used to
// serialize combine runs and stage transitions across workers. A lease that
// expires without renewal is reclaimable; the reclaimer must re-validate
// state before acting on it.
package lease

import (
	"context"
	"time"
)

// Lease is a held lock. Renew extends the TTL while work is in progress;
// Release drops the lock early. Both fail if the lease was lost.
type Lease interface {
	Renew(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out leases. Acquire fails with model.ErrLeaseConflict when
// another worker holds an unexpired lease on the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
