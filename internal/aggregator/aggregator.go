// Package aggregator receives audio chunks for a recording, persists their
// bytes, and keeps the chunk ledger consistent through edits and deletes.
package aggregator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/medscribe/medscribe/internal/blobstore"
	"github.com/medscribe/medscribe/internal/ledger"
	"github.com/medscribe/medscribe/internal/model"
)

// EditType selects an edit operation.
type EditType string

const (
	EditReplace EditType = "replace"
	EditInsert  EditType = "insert"
	EditDelete  EditType = "delete"
)

// EditOp operates on the sequence-hint (time span) domain, never on raw
// byte offsets, so edits stay valid across combine formats.
type EditOp struct {
	Type    EditType   `json:"type"`
	Span    model.Span `json:"span"`
	ChunkID string     `json:"chunkId,omitempty"`
	Data    []byte     `json:"data,omitempty"`
}

// Toucher bumps the durable recording timestamp after ledger mutations.
type Toucher interface {
	Touch(ctx context.Context, recordingID string, at time.Time) error
}

// Aggregator wires the ledger and blob store together.
type Aggregator struct {
	ledger  ledger.Ledger
	blobs   blobstore.Store
	toucher Toucher
	logger  zerolog.Logger
	retries int
	backoff time.Duration
	clock   func() time.Time
}

// New constructs an Aggregator. toucher may be nil.
func New(led ledger.Ledger, blobs blobstore.Store, toucher Toucher, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		ledger:  led,
		blobs:   blobs,
		toucher: toucher,
		logger:  logger.With().Str("component", "aggregator").Logger(),
		retries: 3,
		backoff: 200 * time.Millisecond,
		clock:   time.Now,
	}
}

// Ingest persists one chunk. Re-ingesting identical bytes for a known chunk
// id is a no-op; different bytes under the same id become a replace edit.
func (a *Aggregator) Ingest(ctx context.Context, recordingID, chunkID, userID string, span model.Span, data []byte) (ledger.Outcome, error) {
	if recordingID == "" || chunkID == "" || len(data) == 0 {
		return ledger.OutcomeUnchanged, fmt.Errorf("ingest: %w", model.ErrInvalidArgument)
	}
	if err := a.ledger.EnsureRecording(ctx, recordingID, userID); err != nil {
		return ledger.OutcomeUnchanged, err
	}
	ref, err := a.putBlob(ctx, chunkKey(recordingID, chunkID), data)
	if err != nil {
		return ledger.OutcomeUnchanged, err
	}
	chunk := model.Chunk{
		ID:         chunkID,
		Span:       span,
		StorageRef: ref,
		Checksum:   checksum(data),
	}
	outcome, err := a.ledger.RecordChunk(ctx, recordingID, chunk)
	if err != nil {
		return outcome, err
	}
	a.touch(ctx, recordingID)
	a.logger.Debug().
		Str("recording_id", recordingID).
		Str("chunk_id", chunkID).
		Float64("start", span.Start).
		Float64("end", span.End).
		Int("outcome", int(outcome)).
		Msg("chunk ingested")
	return outcome, nil
}

// Edit applies a replace, insert, or delete operation.
func (a *Aggregator) Edit(ctx context.Context, recordingID string, op EditOp) error {
	switch op.Type {
	case EditReplace:
		if op.ChunkID == "" || len(op.Data) == 0 {
			return fmt.Errorf("replace edit: %w", model.ErrInvalidArgument)
		}
		ref, err := a.putBlob(ctx, chunkKey(recordingID, op.ChunkID), op.Data)
		if err != nil {
			return err
		}
		chunk := model.Chunk{
			ID:         op.ChunkID,
			Span:       op.Span,
			StorageRef: ref,
			Checksum:   checksum(op.Data),
		}
		if err := a.ledger.ReplaceSpan(ctx, recordingID, op.Span, chunk); err != nil {
			return err
		}
	case EditInsert:
		if op.ChunkID == "" || len(op.Data) == 0 {
			return fmt.Errorf("insert edit: %w", model.ErrInvalidArgument)
		}
		ref, err := a.putBlob(ctx, chunkKey(recordingID, op.ChunkID), op.Data)
		if err != nil {
			return err
		}
		chunk := model.Chunk{
			ID:         op.ChunkID,
			Span:       op.Span,
			StorageRef: ref,
			Checksum:   checksum(op.Data),
		}
		if _, err := a.ledger.RecordChunk(ctx, recordingID, chunk); err != nil {
			return err
		}
	case EditDelete:
		affected, err := a.ledger.MarkSpan(ctx, recordingID, op.Span, model.ChunkDeleted)
		if err != nil {
			return err
		}
		a.logger.Info().
			Str("recording_id", recordingID).
			Int("chunks", len(affected)).
			Msg("chunks deleted by edit")
	default:
		return fmt.Errorf("edit type %q: %w", op.Type, model.ErrInvalidArgument)
	}
	a.touch(ctx, recordingID)
	return nil
}

// DeleteAll removes every chunk and combined artifact for the recording.
// Chunk blobs are retained after a successful combine and reclaimed only
// here, so a post-combine edit can still re-combine from source chunks.
func (a *Aggregator) DeleteAll(ctx context.Context, recordingID string) error {
	chunks, artifacts, err := a.ledger.DeleteRecording(ctx, recordingID)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := a.blobs.Delete(ctx, c.StorageRef); err != nil {
			a.logger.Error().Err(err).Str("ref", c.StorageRef).Msg("delete chunk blob")
		}
	}
	for _, art := range artifacts {
		if err := a.blobs.Delete(ctx, art.ObjectRef); err != nil {
			a.logger.Error().Err(err).Str("ref", art.ObjectRef).Msg("delete artifact blob")
		}
	}
	a.logger.Info().
		Str("recording_id", recordingID).
		Int("chunks", len(chunks)).
		Int("artifacts", len(artifacts)).
		Msg("recording deleted")
	return nil
}

func (a *Aggregator) putBlob(ctx context.Context, key string, data []byte) (string, error) {
	var ref string
	err := blobstore.WithRetry(ctx, a.retries, a.backoff, func() error {
		var putErr error
		ref, putErr = a.blobs.Put(ctx, key, data)
		return putErr
	})
	if err != nil {
		return "", fmt.Errorf("store chunk: %w", err)
	}
	return ref, nil
}

func (a *Aggregator) touch(ctx context.Context, recordingID string) {
	if a.toucher == nil {
		return
	}
	if err := a.toucher.Touch(ctx, recordingID, a.clock().UTC()); err != nil {
		a.logger.Warn().Err(err).Str("recording_id", recordingID).Msg("touch recording")
	}
}

func chunkKey(recordingID, chunkID string) string {
	return fmt.Sprintf("%s/%s", recordingID, chunkID)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
