package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medscribe/medscribe/internal/model"
)

// Store persists recording lifecycle state. Implementations must make
// ApplyStage atomic with correlation-id bookkeeping so a redelivered event
// can never advance a recording twice.
type Store interface {
	// Ensure creates the recording if absent; an existing row is untouched.
	Ensure(ctx context.Context, rec *model.Recording) error

	// Get returns the recording or model.ErrNotFound.
	Get(ctx context.Context, id string) (*model.Recording, error)

	// Seen reports whether the correlation id was already applied.
	Seen(ctx context.Context, id, correlationID string) (bool, error)

	// ApplyStage records the transition, the event's payload (transcript,
	// note, failure reason), and the correlation id in one compare-and-set
	// update: the write lands only while the recording is still in the
	// from stage. It returns false (and no error) when the correlation id
	// was applied concurrently or the stage moved; the caller re-reads and
	// re-validates.
	ApplyStage(ctx context.Context, ev model.StageEvent, from, next model.Stage, at time.Time) (bool, error)

	// Touch bumps the recording's updated_at without changing stage.
	Touch(ctx context.Context, id string, at time.Time) error

	// Stale returns recordings in a non-terminal stage whose updated_at is
	// older than cutoff, for the reconciliation sweep.
	Stale(ctx context.Context, cutoff time.Time) ([]model.Recording, error)
}

type memoryRecord struct {
	rec  model.Recording
	seen map[string]struct{}
}

// MemoryStore is an in-process Store used by tests.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*memoryRecord
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*memoryRecord)}
}

func (s *MemoryStore) Ensure(ctx context.Context, rec *model.Recording) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return nil
	}
	cp := *rec
	s.recs[rec.ID] = &memoryRecord{rec: cp, seen: make(map[string]struct{})}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recs[id]
	if !ok {
		return nil, fmt.Errorf("get recording %s: %w", id, model.ErrNotFound)
	}
	cp := r.rec
	return &cp, nil
}

func (s *MemoryStore) Seen(ctx context.Context, id, correlationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recs[id]
	if !ok {
		return false, fmt.Errorf("seen %s: %w", id, model.ErrNotFound)
	}
	_, seen := r.seen[correlationID]
	return seen, nil
}

func (s *MemoryStore) ApplyStage(ctx context.Context, ev model.StageEvent, from, next model.Stage, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[ev.RecordingID]
	if !ok {
		return false, fmt.Errorf("apply stage %s: %w", ev.RecordingID, model.ErrNotFound)
	}
	if ev.CorrelationID != "" {
		if _, dup := r.seen[ev.CorrelationID]; dup {
			return false, nil
		}
	}
	if r.rec.Stage != from {
		// Lost the race to a concurrent event; nothing is recorded, the
		// caller re-validates against the new stage.
		return false, nil
	}
	if ev.CorrelationID != "" {
		r.seen[ev.CorrelationID] = struct{}{}
	}
	r.rec.Stage = next
	if ev.Transcript != "" {
		r.rec.Transcript = ev.Transcript
	}
	if ev.Note != "" {
		r.rec.Note = ev.Note
	}
	r.rec.Error = ev.Reason
	r.rec.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return fmt.Errorf("touch %s: %w", id, model.ErrNotFound)
	}
	r.rec.UpdatedAt = at
	return nil
}

func (s *MemoryStore) Stale(ctx context.Context, cutoff time.Time) ([]model.Recording, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Recording
	for _, r := range s.recs {
		if !r.rec.Stage.Terminal() && r.rec.UpdatedAt.Before(cutoff) {
			out = append(out, r.rec)
		}
	}
	return out, nil
}
