package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/medscribe/medscribe/internal/model"
)

// entry pairs a chunk with its arrival sequence so ListActive can break
// span ties deterministically (FIFO).
type entry struct {
	chunk   model.Chunk
	arrival int64
}

type recordingState struct {
	userID    string
	chunks    []*entry
	artifacts []model.CombinedArtifact
	version   int64
	updatedAt time.Time
}

// MemoryLedger provides an in-memory Ledger guarded by an RWMutex.
type MemoryLedger struct {
	mu         sync.RWMutex
	recordings map[string]*recordingState
	arrivals   int64
	clock      func() time.Time
}

// NewMemory constructs a MemoryLedger.
func NewMemory() *MemoryLedger {
	return &MemoryLedger{
		recordings: make(map[string]*recordingState),
		clock:      time.Now,
	}
}

// EnsureRecording registers the recording if it is not known yet.
func (l *MemoryLedger) EnsureRecording(ctx context.Context, recordingID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if recordingID == "" {
		return fmt.Errorf("ensure recording: %w", model.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.recordings[recordingID]; ok {
		return nil
	}
	l.recordings[recordingID] = &recordingState{userID: userID, updatedAt: l.clock().UTC()}
	return nil
}

func (l *MemoryLedger) RecordChunk(ctx context.Context, recordingID string, chunk model.Chunk) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeUnchanged, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recordings[recordingID]
	if !ok {
		return OutcomeUnchanged, fmt.Errorf("record chunk: %w", model.ErrNotFound)
	}
	chunk.RecordingID = recordingID
	chunk.Status = model.ChunkActive
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = l.clock().UTC()
	}
	outcome := OutcomeCreated
	for _, e := range rec.chunks {
		if e.chunk.ID != chunk.ID || e.chunk.Status != model.ChunkActive {
			continue
		}
		if e.chunk.Checksum == chunk.Checksum {
			return OutcomeUnchanged, nil
		}
		// Same id, different bytes: treat as a replace edit. The old chunk
		// is demoted and the new one activated under the same lock, so no
		// reader observes an intermediate state.
		e.chunk.Status = model.ChunkReplaced
		outcome = OutcomeReplaced
	}
	l.arrivals++
	rec.chunks = append(rec.chunks, &entry{chunk: chunk, arrival: l.arrivals})
	l.bump(rec)
	return outcome, nil
}

func (l *MemoryLedger) MarkStatus(ctx context.Context, recordingID, chunkID string, status model.ChunkStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recordings[recordingID]
	if !ok {
		return fmt.Errorf("mark status: %w", model.ErrNotFound)
	}
	for _, e := range rec.chunks {
		if e.chunk.ID == chunkID && e.chunk.Status == model.ChunkActive {
			e.chunk.Status = status
			l.bump(rec)
			return nil
		}
	}
	return fmt.Errorf("mark status: chunk %s: %w", chunkID, model.ErrNotFound)
}

func (l *MemoryLedger) MarkSpan(ctx context.Context, recordingID string, span model.Span, status model.ChunkStatus) ([]model.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recordings[recordingID]
	if !ok {
		return nil, fmt.Errorf("mark span: %w", model.ErrNotFound)
	}
	affected := l.markSpanLocked(rec, span, status)
	if len(affected) > 0 {
		l.bump(rec)
	}
	return affected, nil
}

func (l *MemoryLedger) ReplaceSpan(ctx context.Context, recordingID string, span model.Span, chunk model.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recordings[recordingID]
	if !ok {
		return fmt.Errorf("replace span: %w", model.ErrNotFound)
	}
	l.markSpanLocked(rec, span, model.ChunkReplaced)
	chunk.RecordingID = recordingID
	chunk.Status = model.ChunkActive
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = l.clock().UTC()
	}
	l.arrivals++
	rec.chunks = append(rec.chunks, &entry{chunk: chunk, arrival: l.arrivals})
	l.bump(rec)
	return nil
}

func (l *MemoryLedger) markSpanLocked(rec *recordingState, span model.Span, status model.ChunkStatus) []model.Chunk {
	var affected []model.Chunk
	for _, e := range rec.chunks {
		if e.chunk.Status == model.ChunkActive && span.Covers(e.chunk.Span) {
			e.chunk.Status = status
			affected = append(affected, e.chunk)
		}
	}
	return affected
}

func (l *MemoryLedger) ListActive(ctx context.Context, recordingID string) ([]model.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.recordings[recordingID]
	if !ok {
		return nil, fmt.Errorf("list active: %w", model.ErrNotFound)
	}
	return activeLocked(rec), nil
}

// Snapshot returns the version and the active chunk set under one lock
// acquisition, so the pair is consistent even against concurrent writers.
func (l *MemoryLedger) Snapshot(ctx context.Context, recordingID string) (int64, []model.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.recordings[recordingID]
	if !ok {
		return 0, nil, fmt.Errorf("snapshot: %w", model.ErrNotFound)
	}
	return rec.version, activeLocked(rec), nil
}

// activeLocked collects and orders active chunks. Callers hold the lock.
func activeLocked(rec *recordingState) []model.Chunk {
	var active []*entry
	for _, e := range rec.chunks {
		if e.chunk.Status == model.ChunkActive {
			active = append(active, e)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].chunk.Span.Start != active[j].chunk.Span.Start {
			return active[i].chunk.Span.Start < active[j].chunk.Span.Start
		}
		return active[i].arrival < active[j].arrival
	})
	out := make([]model.Chunk, len(active))
	for i, e := range active {
		out[i] = e.chunk
	}
	return out
}

func (l *MemoryLedger) ListAll(ctx context.Context, recordingID string) ([]model.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.recordings[recordingID]
	if !ok {
		return nil, fmt.Errorf("list all: %w", model.ErrNotFound)
	}
	out := make([]model.Chunk, len(rec.chunks))
	for i, e := range rec.chunks {
		out[i] = e.chunk
	}
	return out, nil
}

func (l *MemoryLedger) Version(ctx context.Context, recordingID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.recordings[recordingID]
	if !ok {
		return 0, fmt.Errorf("version: %w", model.ErrNotFound)
	}
	return rec.version, nil
}

func (l *MemoryLedger) Artifact(ctx context.Context, recordingID string) (*model.CombinedArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.recordings[recordingID]
	if !ok {
		return nil, fmt.Errorf("artifact: %w", model.ErrNotFound)
	}
	if len(rec.artifacts) == 0 {
		return nil, nil
	}
	cp := rec.artifacts[len(rec.artifacts)-1]
	return &cp, nil
}

func (l *MemoryLedger) SaveArtifact(ctx context.Context, recordingID string, art model.CombinedArtifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recordings[recordingID]
	if !ok {
		return fmt.Errorf("save artifact: %w", model.ErrNotFound)
	}
	art.RecordingID = recordingID
	if art.CreatedAt.IsZero() {
		art.CreatedAt = l.clock().UTC()
	}
	rec.artifacts = append(rec.artifacts, art)
	rec.updatedAt = l.clock().UTC()
	return nil
}

func (l *MemoryLedger) DeleteRecording(ctx context.Context, recordingID string) ([]model.Chunk, []model.CombinedArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recordings[recordingID]
	if !ok {
		return nil, nil, fmt.Errorf("delete recording: %w", model.ErrNotFound)
	}
	chunks := make([]model.Chunk, len(rec.chunks))
	for i, e := range rec.chunks {
		chunks[i] = e.chunk
	}
	arts := make([]model.CombinedArtifact, len(rec.artifacts))
	copy(arts, rec.artifacts)
	delete(l.recordings, recordingID)
	return chunks, arts, nil
}

// bump advances the version and timestamp after a chunk mutation. Callers
// hold the write lock.
func (l *MemoryLedger) bump(rec *recordingState) {
	rec.version++
	rec.updatedAt = l.clock().UTC()
}
