// Package ledger indexes chunk metadata per recording: ordering spans,
// status, and storage locations. It replaces the ad-hoc map-of-lists the
// rest of the system used to share, so callers can swap the in-memory
// implementation for a durable one without changing.
package ledger

import (
	"context"

	"github.com/medscribe/medscribe/internal/model"
)

// Outcome reports what RecordChunk did with an incoming chunk.
type Outcome int

const (
	// OutcomeCreated means the chunk id was new and is now active.
	OutcomeCreated Outcome = iota
	// OutcomeUnchanged means an active chunk with the same id and checksum
	// already existed; the ingest was a redelivery and nothing changed.
	OutcomeUnchanged
	// OutcomeReplaced means the id existed with different bytes: the old
	// chunk was marked replaced and the new one activated in one update.
	OutcomeReplaced
)

// Ledger is the keyed chunk index. All operations for one recording are
// serialized by the implementation; operations on an unknown recording fail
// with model.ErrNotFound. Every mutation bumps the recording's version,
// which the combine engine uses as its generation marker.
type Ledger interface {
	// EnsureRecording registers a recording. Repeat calls are no-ops.
	EnsureRecording(ctx context.Context, recordingID, userID string) error

	// RecordChunk stores chunk metadata with idempotent-replace semantics
	// (see Outcome). The chunk's Status field is ignored; it always lands
	// active.
	RecordChunk(ctx context.Context, recordingID string, chunk model.Chunk) (Outcome, error)

	// MarkStatus updates one chunk's status.
	MarkStatus(ctx context.Context, recordingID, chunkID string, status model.ChunkStatus) error

	// MarkSpan sets status on every active chunk fully covered by span and
	// returns the affected chunks.
	MarkSpan(ctx context.Context, recordingID string, span model.Span, status model.ChunkStatus) ([]model.Chunk, error)

	// ReplaceSpan marks active chunks covered by span as replaced and
	// activates the new chunk in the same update, so a concurrent reader
	// never sees both or neither active.
	ReplaceSpan(ctx context.Context, recordingID string, span model.Span, chunk model.Chunk) error

	// ListActive returns active chunks sorted by span start ascending,
	// ties broken by arrival order.
	ListActive(ctx context.Context, recordingID string) ([]model.Chunk, error)

	// Snapshot returns the version and the active chunk set from a single
	// point in time, so an artifact stamped with the version can never
	// describe a different chunk set than the one returned.
	Snapshot(ctx context.Context, recordingID string) (int64, []model.Chunk, error)

	// ListAll returns every chunk regardless of status, for cascade deletes.
	ListAll(ctx context.Context, recordingID string) ([]model.Chunk, error)

	// Version returns the recording's mutation counter.
	Version(ctx context.Context, recordingID string) (int64, error)

	// Artifact returns the most recent combined artifact, or nil when none
	// has been produced yet.
	Artifact(ctx context.Context, recordingID string) (*model.CombinedArtifact, error)

	// SaveArtifact records a combined artifact generation.
	SaveArtifact(ctx context.Context, recordingID string, art model.CombinedArtifact) error

	// DeleteRecording tombstones the recording and returns all chunks and
	// artifact generations so the caller can delete their blobs.
	DeleteRecording(ctx context.Context, recordingID string) ([]model.Chunk, []model.CombinedArtifact, error)
}
