package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medscribe/medscribe/internal/aggregator"
	"github.com/medscribe/medscribe/internal/asr"
	"github.com/medscribe/medscribe/internal/auth"
	"github.com/medscribe/medscribe/internal/blobstore"
	"github.com/medscribe/medscribe/internal/combine"
	"github.com/medscribe/medscribe/internal/ledger"
	"github.com/medscribe/medscribe/internal/lease"
	"github.com/medscribe/medscribe/internal/model"
	"github.com/medscribe/medscribe/internal/pipeline"
	"github.com/medscribe/medscribe/internal/queue"
	"github.com/medscribe/medscribe/internal/transcode"
)

type transcriberMock struct{ mock.Mock }

func (m *transcriberMock) Transcribe(ctx context.Context, audio []byte) (*asr.Transcript, error) {
	args := m.Called(ctx, audio)
	if t, ok := args.Get(0).(*asr.Transcript); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

type summarizerMock struct{ mock.Mock }

func (m *summarizerMock) Summarize(ctx context.Context, transcript, template string) (string, error) {
	args := m.Called(ctx, transcript, template)
	return args.String(0), args.Error(1)
}

// queueRecorder captures published tasks instead of hitting redis.
type queueRecorder struct {
	transcribes []queue.StagePayload
	summarizes  []queue.StagePayload
	failures    []queue.FailurePayload
}

func (q *queueRecorder) EnqueueTranscribe(ctx context.Context, p queue.StagePayload) error {
	q.transcribes = append(q.transcribes, p)
	return nil
}

func (q *queueRecorder) EnqueueSummarize(ctx context.Context, p queue.StagePayload) error {
	q.summarizes = append(q.summarizes, p)
	return nil
}

func (q *queueRecorder) EnqueueFailureNotice(ctx context.Context, p queue.FailurePayload) error {
	q.failures = append(q.failures, p)
	return nil
}

type fixture struct {
	dispatcher  *Dispatcher
	machine     *pipeline.Machine
	ledger      *ledger.MemoryLedger
	blobs       *blobstore.MemoryStore
	queue       *queueRecorder
	transcriber *transcriberMock
	summarizer  *summarizerMock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led := ledger.NewMemory()
	blobs := blobstore.NewMemory()
	store := pipeline.NewMemoryStore()
	machine := pipeline.NewMachine(store, zerolog.Nop())
	agg := aggregator.New(led, blobs, store, zerolog.Nop())
	eng := combine.New(led, blobs, lease.NewMemory(), transcode.Passthrough{}, time.Second, zerolog.Nop())
	rec := &queueRecorder{}
	tr := &transcriberMock{}
	sm := &summarizerMock{}
	d := New(Config{
		Machine:     machine,
		Aggregator:  agg,
		Engine:      eng,
		Ledger:      led,
		Blobs:       blobs,
		Transcriber: tr,
		Summarizer:  sm,
		Tasks:       rec,
		Logger:      zerolog.Nop(),
		Timeout:     time.Second,
	})
	return &fixture{
		dispatcher:  d,
		machine:     machine,
		ledger:      led,
		blobs:       blobs,
		queue:       rec,
		transcriber: tr,
		summarizer:  sm,
	}
}

func task(t *testing.T, typename string, payload any) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typename, data)
}

func (f *fixture) stage(t *testing.T, id string) model.Stage {
	t.Helper()
	rec, err := f.machine.Recording(context.Background(), id)
	require.NoError(t, err)
	return rec.Stage
}

func (f *fixture) ingestChunk(t *testing.T, recordingID, chunkID string, start, end float64, data []byte) {
	t.Helper()
	err := f.dispatcher.handleIngest(context.Background(), task(t, queue.TaskChunkIngest, queue.IngestPayload{
		RecordingID: recordingID,
		ChunkID:     chunkID,
		UserID:      "user-1",
		Span:        model.Span{Start: start, End: end},
		Data:        data,
	}))
	require.NoError(t, err)
}

func TestHandleIngest_StartsRecordingAndStoresChunk(t *testing.T) {
	f := newFixture(t)
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("audio"))

	require.Equal(t, model.StageRecording, f.stage(t, "rec-1"))
	active, err := f.ledger.ListActive(context.Background(), "rec-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestHandleCombine_FullStageHop(t *testing.T) {
	f := newFixture(t)
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("hello "))
	f.ingestChunk(t, "rec-1", "c2", 5, 10, []byte("world"))

	err := f.dispatcher.handleCombine(context.Background(), task(t, queue.TaskCombine, queue.StagePayload{
		RecordingID:   "rec-1",
		CorrelationID: "corr-combine",
	}))
	require.NoError(t, err)

	require.Equal(t, model.StageCombined, f.stage(t, "rec-1"))
	require.Len(t, f.queue.transcribes, 1)

	art, err := f.ledger.Artifact(context.Background(), "rec-1")
	require.NoError(t, err)
	require.NotNil(t, art)
	data, err := f.blobs.Get(context.Background(), art.ObjectRef)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), data)
}

func TestHandleCombine_NoChunksDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.machine.StartRecording(ctx, "rec-1", "user-1", ""))

	// A combine signal with nothing ingested is dropped, not failed.
	err := f.dispatcher.handleCombine(ctx, task(t, queue.TaskCombine, queue.StagePayload{
		RecordingID:   "rec-1",
		CorrelationID: "corr-combine",
	}))
	require.NoError(t, err)
	require.Equal(t, model.StageRecording, f.stage(t, "rec-1"))
	require.Empty(t, f.queue.transcribes)
	require.Empty(t, f.queue.failures)
}

func TestHandleCombine_UnknownRecordingDropped(t *testing.T) {
	f := newFixture(t)
	err := f.dispatcher.handleCombine(context.Background(), task(t, queue.TaskCombine, queue.StagePayload{
		RecordingID:   "ghost",
		CorrelationID: "corr",
	}))
	require.NoError(t, err)
	require.Empty(t, f.queue.failures)
}

func TestHandleTranscribe_AdvancesToSummarizing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("audio"))
	require.NoError(t, f.dispatcher.handleCombine(ctx, task(t, queue.TaskCombine, queue.StagePayload{
		RecordingID: "rec-1", CorrelationID: "corr-combine",
	})))

	f.transcriber.On("Transcribe", mock.Anything, []byte("audio")).
		Return(&asr.Transcript{Text: "patient reports improvement"}, nil).Once()

	err := f.dispatcher.handleTranscribe(ctx, task(t, queue.TaskTranscribe, f.queue.transcribes[0]))
	require.NoError(t, err)

	require.Equal(t, model.StageSummarizing, f.stage(t, "rec-1"))
	rec, err := f.machine.Recording(ctx, "rec-1")
	require.NoError(t, err)
	require.Equal(t, "patient reports improvement", rec.Transcript)
	require.Len(t, f.queue.summarizes, 1)
	f.transcriber.AssertExpectations(t)
}

func TestHandleTranscribe_ASRFailureFailsRecordingOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("audio"))
	require.NoError(t, f.dispatcher.handleCombine(ctx, task(t, queue.TaskCombine, queue.StagePayload{
		RecordingID: "rec-1", CorrelationID: "corr-combine",
	})))

	// Outside an asynq server there is no retry budget, so the error is
	// treated as the final attempt.
	f.transcriber.On("Transcribe", mock.Anything, mock.Anything).
		Return(nil, errors.New("asr unavailable")).Once()

	err := f.dispatcher.handleTranscribe(ctx, task(t, queue.TaskTranscribe, f.queue.transcribes[0]))
	require.NoError(t, err)

	require.Equal(t, model.StageFailed, f.stage(t, "rec-1"))
	require.Len(t, f.queue.failures, 1)
	require.Equal(t, "rec-1", f.queue.failures[0].RecordingID)
	require.Contains(t, f.queue.failures[0].Reason, "asr unavailable")
	f.transcriber.AssertExpectations(t)
}

func TestHandleTranscribe_EmptyTranscriptFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("audio"))
	require.NoError(t, f.dispatcher.handleCombine(ctx, task(t, queue.TaskCombine, queue.StagePayload{
		RecordingID: "rec-1", CorrelationID: "corr-combine",
	})))

	f.transcriber.On("Transcribe", mock.Anything, mock.Anything).
		Return(&asr.Transcript{Text: ""}, nil).Once()

	err := f.dispatcher.handleTranscribe(ctx, task(t, queue.TaskTranscribe, f.queue.transcribes[0]))
	require.NoError(t, err)
	require.Equal(t, model.StageFailed, f.stage(t, "rec-1"))
	require.Len(t, f.queue.failures, 1)
}

func TestHandleSummarize_ProducesReviewableNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("audio"))
	require.NoError(t, f.dispatcher.handleCombine(ctx, task(t, queue.TaskCombine, queue.StagePayload{
		RecordingID: "rec-1", CorrelationID: "corr-combine",
	})))
	f.transcriber.On("Transcribe", mock.Anything, mock.Anything).
		Return(&asr.Transcript{Text: "dictated findings"}, nil).Once()
	require.NoError(t, f.dispatcher.handleTranscribe(ctx, task(t, queue.TaskTranscribe, f.queue.transcribes[0])))

	f.summarizer.On("Summarize", mock.Anything, "dictated findings", "").
		Return("S: ...\nO: ...\nA: ...\nP: ...", nil).Once()

	err := f.dispatcher.handleSummarize(ctx, task(t, queue.TaskSummarize, f.queue.summarizes[0]))
	require.NoError(t, err)

	rec, err := f.machine.Recording(ctx, "rec-1")
	require.NoError(t, err)
	require.Equal(t, model.StageReviewable, rec.Stage)
	require.Equal(t, "S: ...\nO: ...\nA: ...\nP: ...", rec.Note)
	f.summarizer.AssertExpectations(t)
}

func TestHandleSummarize_StaleStageDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("audio"))

	// Recording never reached summarizing; a stray task is dropped.
	err := f.dispatcher.handleSummarize(ctx, task(t, queue.TaskSummarize, queue.StagePayload{
		RecordingID: "rec-1", CorrelationID: "corr-stray",
	}))
	require.NoError(t, err)
	require.Equal(t, model.StageRecording, f.stage(t, "rec-1"))
	f.summarizer.AssertNotCalled(t, "Summarize", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleDelete_CascadesAndTombstones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("audio"))

	err := f.dispatcher.handleDelete(ctx, task(t, queue.TaskChunkDelete, queue.DeletePayload{
		RecordingID: "rec-1",
	}))
	require.NoError(t, err)

	require.Equal(t, model.StageDeleted, f.stage(t, "rec-1"))
	_, err = f.ledger.ListActive(ctx, "rec-1")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.blobs.Get(ctx, "rec-1/c1")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestHandleDelete_UnknownRecordingIsNoOp(t *testing.T) {
	f := newFixture(t)
	err := f.dispatcher.handleDelete(context.Background(), task(t, queue.TaskChunkDelete, queue.DeletePayload{
		RecordingID: "ghost",
	}))
	require.NoError(t, err)
	require.Empty(t, f.queue.failures)
}

func TestHandleEdit_ReplaceAfterCombineForcesNewGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("take-1"))
	require.NoError(t, f.dispatcher.handleCombine(ctx, task(t, queue.TaskCombine, queue.StagePayload{
		RecordingID: "rec-1", CorrelationID: "corr-combine",
	})))
	first, err := f.ledger.Artifact(ctx, "rec-1")
	require.NoError(t, err)

	err = f.dispatcher.handleEdit(ctx, task(t, queue.TaskChunkEdit, queue.EditPayload{
		RecordingID: "rec-1",
		Edit: aggregator.EditOp{
			Type:    aggregator.EditReplace,
			Span:    model.Span{Start: 0, End: 5},
			ChunkID: "c2",
			Data:    []byte("take-2"),
		},
	}))
	require.NoError(t, err)

	version, err := f.ledger.Version(ctx, "rec-1")
	require.NoError(t, err)
	require.Greater(t, version, first.Generation)
}

func TestHandleEdit_InvalidTokenRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("audio"))

	f.dispatcher.tokens = failingValidator{}
	err := f.dispatcher.handleEdit(ctx, task(t, queue.TaskChunkEdit, queue.EditPayload{
		RecordingID: "rec-1",
		AccessToken: "bogus",
		Edit: aggregator.EditOp{
			Type: aggregator.EditDelete,
			Span: model.Span{Start: 0, End: 5},
		},
	}))
	require.NoError(t, err)

	// The edit never ran.
	active, err := f.ledger.ListActive(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
}

type failingValidator struct{}

func (failingValidator) Validate(string) (*auth.Claims, error) { return nil, auth.ErrInvalid }

func TestHandleIngest_RedeliveredTaskIdempotent(t *testing.T) {
	f := newFixture(t)
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("audio"))
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("audio"))

	active, err := f.ledger.ListActive(context.Background(), "rec-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, model.StageRecording, f.stage(t, "rec-1"))
}

func TestHandleIngest_DroppedAfterDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("audio"))
	require.NoError(t, f.dispatcher.handleDelete(ctx, task(t, queue.TaskChunkDelete, queue.DeletePayload{
		RecordingID: "rec-1",
	})))

	// A chunk task redelivered after the cascade must not re-register the
	// recording in the ledger or re-upload its blob.
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("audio"))

	require.Equal(t, model.StageDeleted, f.stage(t, "rec-1"))
	_, err := f.ledger.ListActive(ctx, "rec-1")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.blobs.Get(ctx, "rec-1/c1")
	require.ErrorIs(t, err, model.ErrNotFound)
	require.Empty(t, f.queue.failures)
}

func TestHandleTranscribe_IntermediateAttemptRedeliveredNotFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("audio"))
	require.NoError(t, f.dispatcher.handleCombine(ctx, task(t, queue.TaskCombine, queue.StagePayload{
		RecordingID: "rec-1", CorrelationID: "corr-combine",
	})))

	// Two retries still remain, so the error propagates for redelivery
	// instead of failing the recording.
	f.dispatcher.retryInfo = func(context.Context) (int, int, bool) { return 1, 3, true }
	f.transcriber.On("Transcribe", mock.Anything, mock.Anything).
		Return(nil, errors.New("asr unavailable")).Once()

	err := f.dispatcher.handleTranscribe(ctx, task(t, queue.TaskTranscribe, f.queue.transcribes[0]))
	require.Error(t, err)

	require.NotEqual(t, model.StageFailed, f.stage(t, "rec-1"))
	require.Empty(t, f.queue.failures)

	// On the final attempt the same error escalates.
	f.dispatcher.retryInfo = func(context.Context) (int, int, bool) { return 3, 3, true }
	f.transcriber.On("Transcribe", mock.Anything, mock.Anything).
		Return(nil, errors.New("asr unavailable")).Once()

	err = f.dispatcher.handleTranscribe(ctx, task(t, queue.TaskTranscribe, f.queue.transcribes[0]))
	require.NoError(t, err)
	require.Equal(t, model.StageFailed, f.stage(t, "rec-1"))
	require.Len(t, f.queue.failures, 1)
	f.transcriber.AssertExpectations(t)
}

func TestHandleCombine_RedeliveryReusesArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingestChunk(t, "rec-1", "c1", 0, 5, []byte("audio"))

	payload := queue.StagePayload{RecordingID: "rec-1", CorrelationID: "corr-combine"}
	require.NoError(t, f.dispatcher.handleCombine(ctx, task(t, queue.TaskCombine, payload)))
	puts := f.blobs.PutCount()

	// Redelivery finds the recording already combined and does not re-upload.
	require.NoError(t, f.dispatcher.handleCombine(ctx, task(t, queue.TaskCombine, payload)))
	require.Equal(t, puts, f.blobs.PutCount())
	require.Equal(t, model.StageCombined, f.stage(t, "rec-1"))
}

func TestHandleFailureNotice_Decodes(t *testing.T) {
	f := newFixture(t)
	err := f.dispatcher.handleFailureNotice(context.Background(), task(t, queue.TaskFailureNotice, queue.FailurePayload{
		RecordingID: "rec-1",
		Stage:       model.StageFailed,
		Reason:      "asr unavailable",
	}))
	require.NoError(t, err)
}

func TestHandler_RegistersAllTaskTypes(t *testing.T) {
	f := newFixture(t)
	mux := f.dispatcher.Handler()
	require.NotNil(t, mux)
}
