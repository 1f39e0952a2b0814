package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medscribe/medscribe/internal/model"
)

// Machine applies stage events against the durable store. Transitions are
// persisted before the caller publishes the next-stage task, so a crash
// between the two is recovered by the sweeper re-driving the stage.
type Machine struct {
	store  Store
	logger zerolog.Logger
	clock  func() time.Time
}

// NewMachine constructs a Machine.
func NewMachine(store Store, logger zerolog.Logger) *Machine {
	return &Machine{
		store:  store,
		logger: logger.With().Str("component", "pipeline").Logger(),
		clock:  time.Now,
	}
}

// StartRecording creates the recording in draft if needed and moves it to
// recording. Safe to call on every chunk ingest.
func (m *Machine) StartRecording(ctx context.Context, recordingID, userID, correlationID string) error {
	now := m.clock().UTC()
	rec := &model.Recording{
		ID:        recordingID,
		UserID:    userID,
		Stage:     model.StageDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Ensure(ctx, rec); err != nil {
		return err
	}
	_, err := m.Apply(ctx, model.StageEvent{
		RecordingID:   recordingID,
		Type:          model.EventRecordingStarted,
		CorrelationID: correlationID,
		OccurredAt:    now,
	})
	if err != nil && !errors.Is(err, model.ErrIllegalTransition) {
		return err
	}
	// Already past draft: the started event is stale, which is fine.
	return nil
}

// Apply validates the event against the current stage and persists the
// transition through the store's compare-and-set, so two concurrent events
// for one recording can never both land: the loser re-reads and re-validates
// against the winner's stage. Redelivered events (same correlation id) are
// no-ops returning the current stage. Illegal transitions return
// model.ErrIllegalTransition; callers log and drop them.
func (m *Machine) Apply(ctx context.Context, ev model.StageEvent) (model.Stage, error) {
	if ev.RecordingID == "" || ev.Type == "" {
		return "", fmt.Errorf("apply: %w", model.ErrInvalidArgument)
	}
	for {
		rec, err := m.store.Get(ctx, ev.RecordingID)
		if err != nil {
			return "", err
		}
		if ev.CorrelationID != "" {
			seen, err := m.store.Seen(ctx, ev.RecordingID, ev.CorrelationID)
			if err != nil {
				return "", err
			}
			if seen {
				m.logger.Debug().
					Str("recording_id", ev.RecordingID).
					Str("correlation_id", ev.CorrelationID).
					Str("event", string(ev.Type)).
					Msg("duplicate stage event ignored")
				return rec.Stage, nil
			}
		}
		next, ok := Next(rec.Stage, ev.Type)
		if !ok {
			return rec.Stage, fmt.Errorf("event %s from stage %s: %w", ev.Type, rec.Stage, model.ErrIllegalTransition)
		}
		if ev.Type == model.EventTranscribed && strings.TrimSpace(ev.Transcript) == "" {
			return rec.Stage, fmt.Errorf("empty transcript: %w", model.ErrIllegalTransition)
		}
		applied, err := m.store.ApplyStage(ctx, ev, rec.Stage, next, m.clock().UTC())
		if err != nil {
			return rec.Stage, err
		}
		if !applied {
			// Either a duplicate correlation id or a concurrent event moved
			// the stage first. Loop to re-read; the stage only ever moves
			// forward, so this terminates.
			continue
		}
		m.logger.Info().
			Str("recording_id", ev.RecordingID).
			Str("event", string(ev.Type)).
			Str("from", string(rec.Stage)).
			Str("to", string(next)).
			Msg("stage transition")
		return next, nil
	}
}

// Recording returns the durable recording state.
func (m *Machine) Recording(ctx context.Context, recordingID string) (*model.Recording, error) {
	return m.store.Get(ctx, recordingID)
}
