package blobstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/medscribe/medscribe/internal/model"
)

// MemoryStore is an in-process Store used by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	puts    atomic.Int64
}

// NewMemory constructs a MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores data under key. The ref is the key, matching MinIO behaviour.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	s.puts.Add(1)
	return key, nil
}

// Get returns a copy of the stored bytes.
func (s *MemoryStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[ref]
	if !ok {
		return nil, fmt.Errorf("get object %s: %w", ref, model.ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Delete removes the object; missing refs are not an error.
func (s *MemoryStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, ref)
	return nil
}

// PutCount reports how many Put calls have happened. Tests use it to assert
// an artifact upload happened exactly once.
func (s *MemoryStore) PutCount() int64 {
	return s.puts.Load()
}
