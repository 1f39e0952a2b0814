// Package dispatch subscribes to the stage-boundary task subjects, invokes
// the external collaborators, and drives the pipeline state machine. Retry
// policy lives here, keyed by the error taxonomy, so the business packages
// stay free of retry logic.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/medscribe/medscribe/internal/aggregator"
	"github.com/medscribe/medscribe/internal/asr"
	"github.com/medscribe/medscribe/internal/auth"
	"github.com/medscribe/medscribe/internal/blobstore"
	"github.com/medscribe/medscribe/internal/combine"
	"github.com/medscribe/medscribe/internal/ledger"
	"github.com/medscribe/medscribe/internal/model"
	"github.com/medscribe/medscribe/internal/pipeline"
	"github.com/medscribe/medscribe/internal/queue"
	"github.com/medscribe/medscribe/internal/summarize"
)

// TaskQueue is the slice of the queue client the dispatcher publishes to.
type TaskQueue interface {
	EnqueueTranscribe(ctx context.Context, p queue.StagePayload) error
	EnqueueSummarize(ctx context.Context, p queue.StagePayload) error
	EnqueueFailureNotice(ctx context.Context, p queue.FailurePayload) error
}

// Dispatcher is plugged into the asynq worker loop.
type Dispatcher struct {
	machine     *pipeline.Machine
	agg         *aggregator.Aggregator
	engine      *combine.Engine
	ledger      ledger.Ledger
	blobs       blobstore.Store
	transcriber asr.Transcriber
	summarizer  summarize.Summarizer
	tokens      auth.Validator
	tasks       TaskQueue
	logger      zerolog.Logger
	timeout     time.Duration
	retryInfo   func(ctx context.Context) (retried, maxRetry int, ok bool)
}

// Config collects the dispatcher's collaborators.
type Config struct {
	Machine     *pipeline.Machine
	Aggregator  *aggregator.Aggregator
	Engine      *combine.Engine
	Ledger      ledger.Ledger
	Blobs       blobstore.Store
	Transcriber asr.Transcriber
	Summarizer  summarize.Summarizer
	Tokens      auth.Validator
	Tasks       TaskQueue
	Logger      zerolog.Logger
	// Timeout bounds each external collaborator call.
	Timeout time.Duration
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = auth.NoopValidator{}
	}
	return &Dispatcher{
		machine:     cfg.Machine,
		agg:         cfg.Aggregator,
		engine:      cfg.Engine,
		ledger:      cfg.Ledger,
		blobs:       cfg.Blobs,
		transcriber: cfg.Transcriber,
		summarizer:  cfg.Summarizer,
		tokens:      tokens,
		tasks:       cfg.Tasks,
		logger:      cfg.Logger.With().Str("component", "dispatch").Logger(),
		timeout:     cfg.Timeout,
		retryInfo:   asynqRetryInfo,
	}
}

// Handler registers all stage handlers on an asynq mux.
func (d *Dispatcher) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskChunkIngest, d.handleIngest)
	mux.HandleFunc(queue.TaskChunkEdit, d.handleEdit)
	mux.HandleFunc(queue.TaskChunkDelete, d.handleDelete)
	mux.HandleFunc(queue.TaskCombine, d.handleCombine)
	mux.HandleFunc(queue.TaskTranscribe, d.handleTranscribe)
	mux.HandleFunc(queue.TaskSummarize, d.handleSummarize)
	mux.HandleFunc(queue.TaskFailureNotice, d.handleFailureNotice)
	return mux
}

func (d *Dispatcher) handleIngest(ctx context.Context, task *asynq.Task) error {
	var p queue.IngestPayload
	if err := unmarshal(task, &p); err != nil {
		return err
	}
	if err := d.machine.StartRecording(ctx, p.RecordingID, p.UserID, ""); err != nil {
		return d.retryOrFail(ctx, p.RecordingID, err)
	}
	rec, err := d.machine.Recording(ctx, p.RecordingID)
	if err != nil {
		return err
	}
	if rec.Stage.Terminal() {
		// A redelivered chunk for a deleted or otherwise finished recording
		// must not resurrect ledger entries or re-upload blobs.
		d.logger.Warn().
			Str("recording_id", p.RecordingID).
			Str("stage", string(rec.Stage)).
			Msg("chunk for terminal recording dropped")
		return nil
	}
	if _, err := d.agg.Ingest(ctx, p.RecordingID, p.ChunkID, p.UserID, p.Span, p.Data); err != nil {
		return d.retryOrFail(ctx, p.RecordingID, err)
	}
	return nil
}

func (d *Dispatcher) handleEdit(ctx context.Context, task *asynq.Task) error {
	var p queue.EditPayload
	if err := unmarshal(task, &p); err != nil {
		return err
	}
	if err := d.authorize(p.AccessToken); err != nil {
		d.logger.Warn().Err(err).Str("recording_id", p.RecordingID).Msg("edit rejected")
		return nil
	}
	err := d.agg.Edit(ctx, p.RecordingID, p.Edit)
	if errors.Is(err, model.ErrNotFound) {
		// Editing an already-deleted recording is not worth a retry.
		d.logger.Warn().Str("recording_id", p.RecordingID).Msg("edit on unknown recording dropped")
		return nil
	}
	return d.retryOrFail(ctx, p.RecordingID, err)
}

func (d *Dispatcher) handleDelete(ctx context.Context, task *asynq.Task) error {
	var p queue.DeletePayload
	if err := unmarshal(task, &p); err != nil {
		return err
	}
	if err := d.authorize(p.AccessToken); err != nil {
		d.logger.Warn().Err(err).Str("recording_id", p.RecordingID).Msg("delete rejected")
		return nil
	}
	if err := d.agg.DeleteAll(ctx, p.RecordingID); err != nil && !errors.Is(err, model.ErrNotFound) {
		return d.retryOrFail(ctx, p.RecordingID, err)
	}
	_, err := d.machine.Apply(ctx, model.StageEvent{
		RecordingID:   p.RecordingID,
		Type:          model.EventDeleted,
		CorrelationID: uuid.NewString(),
	})
	if err != nil && !errors.Is(err, model.ErrNotFound) && !errors.Is(err, model.ErrIllegalTransition) {
		return err
	}
	return nil
}

func (d *Dispatcher) handleCombine(ctx context.Context, task *asynq.Task) error {
	var p queue.StagePayload
	if err := unmarshal(task, &p); err != nil {
		return err
	}
	if p.AccessToken != "" {
		if err := d.authorize(p.AccessToken); err != nil {
			d.logger.Warn().Err(err).Str("recording_id", p.RecordingID).Msg("combine rejected")
			return nil
		}
	}
	rec, err := d.machine.Recording(ctx, p.RecordingID)
	if errors.Is(err, model.ErrNotFound) {
		d.logger.Warn().Str("recording_id", p.RecordingID).Msg("combine for unknown recording dropped")
		return nil
	}
	if err != nil {
		return err
	}
	switch rec.Stage {
	case model.StageRecording:
		active, err := d.ledger.ListActive(ctx, p.RecordingID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return d.retryOrFail(ctx, p.RecordingID, err)
		}
		if len(active) == 0 {
			d.logger.Warn().Str("recording_id", p.RecordingID).Msg("combine signal with no active chunks dropped")
			return nil
		}
		if _, err := d.machine.Apply(ctx, model.StageEvent{
			RecordingID:   p.RecordingID,
			Type:          model.EventChunksComplete,
			CorrelationID: uuid.NewString(),
		}); err != nil && !errors.Is(err, model.ErrIllegalTransition) {
			return err
		}
	case model.StageCombining:
		// Resuming after a crash or redelivery.
	default:
		d.logger.Debug().
			Str("recording_id", p.RecordingID).
			Str("stage", string(rec.Stage)).
			Msg("stale combine task dropped")
		return nil
	}

	art, err := d.engine.Combine(ctx, p.RecordingID)
	if err != nil {
		return d.retryOrFail(ctx, p.RecordingID, err)
	}
	if _, err := d.machine.Apply(ctx, model.StageEvent{
		RecordingID:   p.RecordingID,
		Type:          model.EventCombined,
		CorrelationID: p.CorrelationID,
	}); err != nil && !errors.Is(err, model.ErrIllegalTransition) {
		return err
	}
	d.logger.Info().
		Str("recording_id", p.RecordingID).
		Str("object_ref", art.ObjectRef).
		Msg("recording completed")
	return d.tasks.EnqueueTranscribe(ctx, queue.StagePayload{
		RecordingID:   p.RecordingID,
		CorrelationID: uuid.NewString(),
	})
}

func (d *Dispatcher) handleTranscribe(ctx context.Context, task *asynq.Task) error {
	var p queue.StagePayload
	if err := unmarshal(task, &p); err != nil {
		return err
	}
	rec, err := d.machine.Recording(ctx, p.RecordingID)
	if errors.Is(err, model.ErrNotFound) {
		d.logger.Warn().Str("recording_id", p.RecordingID).Msg("transcribe for unknown recording dropped")
		return nil
	}
	if err != nil {
		return err
	}
	switch rec.Stage {
	case model.StageCombined:
		if _, err := d.machine.Apply(ctx, model.StageEvent{
			RecordingID:   p.RecordingID,
			Type:          model.EventTranscribing,
			CorrelationID: uuid.NewString(),
		}); err != nil && !errors.Is(err, model.ErrIllegalTransition) {
			return err
		}
	case model.StageTranscribing:
		// Resuming.
	default:
		d.logger.Debug().
			Str("recording_id", p.RecordingID).
			Str("stage", string(rec.Stage)).
			Msg("stale transcribe task dropped")
		return nil
	}

	art, err := d.ledger.Artifact(ctx, p.RecordingID)
	if err != nil {
		return d.retryOrFail(ctx, p.RecordingID, err)
	}
	if art == nil {
		return d.retryOrFail(ctx, p.RecordingID, fmt.Errorf("no combined artifact for %s", p.RecordingID))
	}
	var audio []byte
	err = blobstore.WithRetry(ctx, 3, 200*time.Millisecond, func() error {
		var getErr error
		audio, getErr = d.blobs.Get(ctx, art.ObjectRef)
		return getErr
	})
	if err != nil {
		return d.retryOrFail(ctx, p.RecordingID, err)
	}

	transcript, err := collaborate(ctx, d.timeout, func(cctx context.Context) (*asr.Transcript, error) {
		return d.transcriber.Transcribe(cctx, audio)
	})
	if err != nil {
		return d.retryOrFail(ctx, p.RecordingID, err)
	}
	if transcript.Text == "" {
		return d.retryOrFail(ctx, p.RecordingID, fmt.Errorf("asr returned empty transcript"))
	}

	if _, err := d.machine.Apply(ctx, model.StageEvent{
		RecordingID:   p.RecordingID,
		Type:          model.EventTranscribed,
		CorrelationID: p.CorrelationID,
		Transcript:    transcript.Text,
	}); err != nil && !errors.Is(err, model.ErrIllegalTransition) {
		return err
	}
	return d.tasks.EnqueueSummarize(ctx, queue.StagePayload{
		RecordingID:   p.RecordingID,
		CorrelationID: uuid.NewString(),
	})
}

func (d *Dispatcher) handleSummarize(ctx context.Context, task *asynq.Task) error {
	var p queue.StagePayload
	if err := unmarshal(task, &p); err != nil {
		return err
	}
	rec, err := d.machine.Recording(ctx, p.RecordingID)
	if errors.Is(err, model.ErrNotFound) {
		d.logger.Warn().Str("recording_id", p.RecordingID).Msg("summarize for unknown recording dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Stage != model.StageSummarizing {
		d.logger.Debug().
			Str("recording_id", p.RecordingID).
			Str("stage", string(rec.Stage)).
			Msg("stale summarize task dropped")
		return nil
	}

	note, err := collaborate(ctx, d.timeout, func(cctx context.Context) (string, error) {
		return d.summarizer.Summarize(cctx, rec.Transcript, "")
	})
	if err != nil {
		return d.retryOrFail(ctx, p.RecordingID, err)
	}

	if _, err := d.machine.Apply(ctx, model.StageEvent{
		RecordingID:   p.RecordingID,
		Type:          model.EventSummarized,
		CorrelationID: p.CorrelationID,
		Note:          note,
	}); err != nil && !errors.Is(err, model.ErrIllegalTransition) {
		return err
	}
	d.logger.Info().Str("recording_id", p.RecordingID).Msg("summarization completed, note ready for review")
	return nil
}

func (d *Dispatcher) handleFailureNotice(ctx context.Context, task *asynq.Task) error {
	var p queue.FailurePayload
	if err := unmarshal(task, &p); err != nil {
		return err
	}
	// The externally observable failure signal; downstream consumers and
	// the UI subscribe here.
	d.logger.Error().
		Str("recording_id", p.RecordingID).
		Str("stage", string(p.Stage)).
		Str("reason", p.Reason).
		Msg("recording failed")
	return nil
}

// collaborate runs an external call under the given timeout, mapping
// deadline expiry to the collaborator-timeout error class.
func collaborate[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := fn(cctx)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || cctx.Err() == context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", model.ErrCollaboratorTimeout, err)
	}
	return out, err
}

// retryOrFail implements the uniform retry policy. Transient errors go back
// to asynq for backoff redelivery; permanent faults and exhausted retries
// move the recording to failed and publish the failure notice exactly once.
func (d *Dispatcher) retryOrFail(ctx context.Context, recordingID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrLeaseConflict) {
		// Contention, not failure: let redelivery (or the sweeper) retry
		// without ever failing the recording.
		if d.lastAttempt(ctx) {
			d.logger.Warn().Str("recording_id", recordingID).Msg("lease contention exhausted retries, leaving to sweeper")
			return nil
		}
		return err
	}
	permanent := errors.Is(err, model.ErrStorageFault) || errors.Is(err, model.ErrNoChunks)
	if permanent || d.lastAttempt(ctx) {
		d.fail(ctx, recordingID, err)
		return nil
	}
	return err
}

// fail transitions the recording to failed and publishes the failure
// notification.
func (d *Dispatcher) fail(ctx context.Context, recordingID string, cause error) {
	stage, err := d.machine.Apply(ctx, model.StageEvent{
		RecordingID:   recordingID,
		Type:          model.EventFailed,
		CorrelationID: uuid.NewString(),
		Reason:        cause.Error(),
	})
	if err != nil {
		d.logger.Error().Err(err).Str("recording_id", recordingID).Msg("mark recording failed")
		return
	}
	notice := queue.FailurePayload{
		RecordingID:   recordingID,
		Stage:         stage,
		Reason:        cause.Error(),
		CorrelationID: uuid.NewString(),
	}
	if err := d.tasks.EnqueueFailureNotice(ctx, notice); err != nil {
		d.logger.Error().Err(err).Str("recording_id", recordingID).Msg("publish failure notice")
	}
}

func (d *Dispatcher) authorize(token string) error {
	if token == "" {
		return nil
	}
	_, err := d.tokens.Validate(token)
	return err
}

// lastAttempt reports whether asynq will not redeliver this task again. A
// context without retry metadata (outside an asynq server) counts as final.
func (d *Dispatcher) lastAttempt(ctx context.Context) bool {
	retried, maxRetry, ok := d.retryInfo(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func asynqRetryInfo(ctx context.Context) (int, int, bool) {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return 0, 0, false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return 0, 0, false
	}
	return retried, maxRetry, true
}

func unmarshal(task *asynq.Task, v any) error {
	if err := json.Unmarshal(task.Payload(), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", task.Type(), err)
	}
	return nil
}
