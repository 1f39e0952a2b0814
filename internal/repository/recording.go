// Package repository wraps all SQL used by the worker. RecordingRepository
// is the durable pipeline.Store backing the stage machine.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medscribe/medscribe/internal/model"
)

// RecordingRepository persists recordings and their applied-event log.
type RecordingRepository struct {
	pool *pgxpool.Pool
}

// NewRecordingRepository constructs a repository.
func NewRecordingRepository(pool *pgxpool.Pool) *RecordingRepository {
	return &RecordingRepository{pool: pool}
}

// Ensure inserts the recording if absent; an existing row is untouched.
func (r *RecordingRepository) Ensure(ctx context.Context, rec *model.Recording) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO recordings (id, user_id, stage, transcript, note, error_message, created_at, updated_at)
		VALUES ($1,$2,$3,'','','',$4,$5)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.UserID, rec.Stage, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert recording: %w", err)
	}
	return nil
}

// Get returns a recording by id.
func (r *RecordingRepository) Get(ctx context.Context, id string) (*model.Recording, error) {
	var rec model.Recording
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, stage, transcript, note, error_message, created_at, updated_at
		FROM recordings WHERE id=$1
	`, id)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.Stage, &rec.Transcript, &rec.Note, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("recording %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("select recording: %w", err)
	}
	return &rec, nil
}

// Seen reports whether the correlation id was already applied.
func (r *RecordingRepository) Seen(ctx context.Context, id, correlationID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM applied_events WHERE recording_id=$1 AND correlation_id=$2
		)
	`, id, correlationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select applied event: %w", err)
	}
	return exists, nil
}

// ApplyStage records the transition and the correlation id in one
// transaction. The applied_events primary key makes redelivered events lose
// the race, and the stage predicate on the UPDATE makes the write a
// compare-and-set: a concurrent event that moved the recording first leaves
// zero rows affected, the transaction rolls back (discarding the
// applied_events insert), and ApplyStage returns false for the caller to
// re-validate.
func (r *RecordingRepository) ApplyStage(ctx context.Context, ev model.StageEvent, from, next model.Stage, at time.Time) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin apply stage: %w", err)
	}
	defer tx.Rollback(ctx)

	if ev.CorrelationID != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO applied_events (recording_id, correlation_id, event_type, applied_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (recording_id, correlation_id) DO NOTHING
		`, ev.RecordingID, ev.CorrelationID, ev.Type, at)
		if err != nil {
			return false, fmt.Errorf("insert applied event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return false, nil
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE recordings
		SET stage=$1,
			transcript = CASE WHEN $2 <> '' THEN $2 ELSE transcript END,
			note = CASE WHEN $3 <> '' THEN $3 ELSE note END,
			error_message = $4,
			updated_at=$5
		WHERE id=$6 AND stage=$7
	`, next, ev.Transcript, ev.Note, ev.Reason, at, ev.RecordingID, from)
	if err != nil {
		return false, fmt.Errorf("update recording: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM recordings WHERE id=$1)`, ev.RecordingID).Scan(&exists); err != nil {
			return false, fmt.Errorf("check recording: %w", err)
		}
		if !exists {
			return false, fmt.Errorf("recording %s: %w", ev.RecordingID, model.ErrNotFound)
		}
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit apply stage: %w", err)
	}
	return true, nil
}

// Touch bumps updated_at without changing stage.
func (r *RecordingRepository) Touch(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE recordings SET updated_at=$1 WHERE id=$2`, at, id)
	if err != nil {
		return fmt.Errorf("touch recording: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recording %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// Stale returns non-terminal recordings untouched since cutoff.
func (r *RecordingRepository) Stale(ctx context.Context, cutoff time.Time) ([]model.Recording, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, stage, transcript, note, error_message, created_at, updated_at
		FROM recordings
		WHERE updated_at < $1 AND stage NOT IN ($2,$3,$4)
		ORDER BY updated_at ASC
	`, cutoff, model.StageSigned, model.StageFailed, model.StageDeleted)
	if err != nil {
		return nil, fmt.Errorf("select stale recordings: %w", err)
	}
	defer rows.Close()

	var out []model.Recording
	for rows.Next() {
		var rec model.Recording
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Stage, &rec.Transcript, &rec.Note, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stale recording: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale recordings: %w", err)
	}
	return out, nil
}
