// Package queue defines the bus subjects as asynq task types and the
// payloads exchanged between pipeline stages.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/medscribe/medscribe/internal/aggregator"
	"github.com/medscribe/medscribe/internal/model"
)

const (
	// TaskChunkIngest carries one binary audio chunk.
	TaskChunkIngest = "audio:chunk:ingest"
	// TaskChunkEdit applies a replace/insert/delete edit.
	TaskChunkEdit = "audio:chunk:edit"
	// TaskChunkDelete cascades deletion of a recording's chunks/artifacts.
	TaskChunkDelete = "audio:chunk:delete"
	// TaskCombine asks for the recording's chunks to be combined.
	TaskCombine = "recording:combine"
	// TaskTranscribe sends the combined artifact to ASR.
	TaskTranscribe = "recording:transcribe"
	// TaskSummarize turns the transcript into a structured note.
	TaskSummarize = "recording:summarize"
	// TaskFailureNotice announces a recording that reached failed.
	TaskFailureNotice = "recording:failed"
)

// IngestPayload is one chunk plus its ordering span.
type IngestPayload struct {
	RecordingID string     `json:"recording_id"`
	ChunkID     string     `json:"chunk_id"`
	UserID      string     `json:"user_id,omitempty"`
	Span        model.Span `json:"span"`
	Data        []byte     `json:"data"`
}

// EditPayload carries an edit operation plus the caller's access token.
type EditPayload struct {
	RecordingID string            `json:"recording_id"`
	AccessToken string            `json:"access_token,omitempty"`
	Edit        aggregator.EditOp `json:"edit"`
}

// DeletePayload cascades a full recording deletion.
type DeletePayload struct {
	RecordingID string `json:"recording_id"`
	AccessToken string `json:"access_token,omitempty"`
}

// StagePayload drives the combine/transcribe/summarize stages. The
// correlation id dedups redeliveries in the state machine.
type StagePayload struct {
	RecordingID   string `json:"recording_id"`
	CorrelationID string `json:"correlation_id"`
	AccessToken   string `json:"access_token,omitempty"`
}

// FailurePayload announces a terminal failure.
type FailurePayload struct {
	RecordingID   string      `json:"recording_id"`
	Stage         model.Stage `json:"stage"`
	Reason        string      `json:"reason"`
	CorrelationID string      `json:"correlation_id"`
}

// Client enqueues stage tasks with uniform retry policy.
type Client struct {
	inner    *asynq.Client
	maxRetry int
}

// NewClient wraps an asynq client. maxRetry bounds per-task redelivery
// before the handler escalates the recording to failed.
func NewClient(inner *asynq.Client, maxRetry int) *Client {
	if maxRetry < 0 {
		maxRetry = 0
	}
	return &Client{inner: inner, maxRetry: maxRetry}
}

func (c *Client) enqueue(ctx context.Context, typename string, payload any, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(typename, data)
	opts = append([]asynq.Option{asynq.MaxRetry(c.maxRetry)}, opts...)
	if _, err := c.inner.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", typename, err)
	}
	return nil
}

func (c *Client) EnqueueIngest(ctx context.Context, p IngestPayload) error {
	return c.enqueue(ctx, TaskChunkIngest, p)
}

func (c *Client) EnqueueEdit(ctx context.Context, p EditPayload) error {
	return c.enqueue(ctx, TaskChunkEdit, p)
}

func (c *Client) EnqueueDelete(ctx context.Context, p DeletePayload) error {
	return c.enqueue(ctx, TaskChunkDelete, p)
}

func (c *Client) EnqueueCombine(ctx context.Context, p StagePayload) error {
	return c.enqueue(ctx, TaskCombine, p)
}

func (c *Client) EnqueueTranscribe(ctx context.Context, p StagePayload) error {
	// ASR runs for minutes on long dictations; give the task room.
	return c.enqueue(ctx, TaskTranscribe, p, asynq.Timeout(10*time.Minute))
}

func (c *Client) EnqueueSummarize(ctx context.Context, p StagePayload) error {
	return c.enqueue(ctx, TaskSummarize, p, asynq.Timeout(10*time.Minute))
}

func (c *Client) EnqueueFailureNotice(ctx context.Context, p FailurePayload) error {
	return c.enqueue(ctx, TaskFailureNotice, p)
}

// EnqueueForStage re-publishes the pending task for a stalled recording.
// Stages owned by the client (draft, recording) are not re-drivable here.
func (c *Client) EnqueueForStage(ctx context.Context, rec model.Recording) (bool, error) {
	p := StagePayload{RecordingID: rec.ID, CorrelationID: uuid.NewString()}
	switch rec.Stage {
	case model.StageCombining:
		return true, c.EnqueueCombine(ctx, p)
	case model.StageCombined, model.StageTranscribing:
		return true, c.EnqueueTranscribe(ctx, p)
	case model.StageSummarizing:
		return true, c.EnqueueSummarize(ctx, p)
	default:
		return false, nil
	}
}
