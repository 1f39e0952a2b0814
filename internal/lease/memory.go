package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medscribe/medscribe/internal/model"
)

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker is an in-process Locker for tests and single-node runs.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
}

// NewMemory constructs a MemoryLocker.
func NewMemory() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryEntry), clock: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if e, ok := l.held[key]; ok && e.expires.After(now) {
		return nil, fmt.Errorf("acquire lease %s: %w", key, model.ErrLeaseConflict)
	}
	token := uuid.NewString()
	l.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (m *memoryLease) Renew(ctx context.Context, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	e, ok := m.locker.held[m.key]
	if !ok || e.token != m.token || !e.expires.After(m.locker.clock()) {
		return fmt.Errorf("renew lease %s: %w", m.key, model.ErrLeaseConflict)
	}
	e.expires = m.locker.clock().Add(ttl)
	m.locker.held[m.key] = e
	return nil
}

func (m *memoryLease) Release(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if e, ok := m.locker.held[m.key]; ok && e.token == m.token {
		delete(m.locker.held, m.key)
	}
	return nil
}
