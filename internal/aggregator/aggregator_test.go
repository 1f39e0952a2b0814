package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/medscribe/medscribe/internal/blobstore"
	"github.com/medscribe/medscribe/internal/ledger"
	"github.com/medscribe/medscribe/internal/model"
)

type touchRecorder struct {
	calls int
}

func (r *touchRecorder) Touch(ctx context.Context, recordingID string, at time.Time) error {
	r.calls++
	return nil
}

func newTestAggregator() (*Aggregator, *ledger.MemoryLedger, *blobstore.MemoryStore, *touchRecorder) {
	led := ledger.NewMemory()
	blobs := blobstore.NewMemory()
	touch := &touchRecorder{}
	agg := New(led, blobs, touch, zerolog.Nop())
	agg.backoff = time.Millisecond
	return agg, led, blobs, touch
}

func TestIngest_StoresBlobAndChunk(t *testing.T) {
	ctx := context.Background()
	agg, led, blobs, touch := newTestAggregator()

	out, err := agg.Ingest(ctx, "rec-1", "c1", "user-1", model.Span{Start: 0, End: 5}, []byte("audio-1"))
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeCreated, out)

	active, err := led.ListActive(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, active, 1)

	data, err := blobs.Get(ctx, active[0].StorageRef)
	require.NoError(t, err)
	require.Equal(t, []byte("audio-1"), data)
	require.Equal(t, 1, touch.calls)
}

func TestIngest_RedeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	agg, led, _, _ := newTestAggregator()

	_, err := agg.Ingest(ctx, "rec-1", "c1", "user-1", model.Span{Start: 0, End: 5}, []byte("audio-1"))
	require.NoError(t, err)

	out, err := agg.Ingest(ctx, "rec-1", "c1", "user-1", model.Span{Start: 0, End: 5}, []byte("audio-1"))
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeUnchanged, out)

	active, err := led.ListActive(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestIngest_SameChunkNewBytesBecomesReplace(t *testing.T) {
	ctx := context.Background()
	agg, led, _, _ := newTestAggregator()

	_, err := agg.Ingest(ctx, "rec-1", "c1", "user-1", model.Span{Start: 0, End: 5}, []byte("take-1"))
	require.NoError(t, err)

	out, err := agg.Ingest(ctx, "rec-1", "c1", "user-1", model.Span{Start: 0, End: 5}, []byte("take-2"))
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeReplaced, out)

	active, err := led.ListActive(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestIngest_RejectsEmptyChunk(t *testing.T) {
	agg, _, _, _ := newTestAggregator()
	_, err := agg.Ingest(context.Background(), "rec-1", "c1", "user-1", model.Span{}, nil)
	require.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestEdit_ReplaceSwapsSpan(t *testing.T) {
	ctx := context.Background()
	agg, led, _, _ := newTestAggregator()

	_, err := agg.Ingest(ctx, "rec-1", "c1", "user-1", model.Span{Start: 0, End: 5}, []byte("a"))
	require.NoError(t, err)
	_, err = agg.Ingest(ctx, "rec-1", "c2", "user-1", model.Span{Start: 5, End: 10}, []byte("b"))
	require.NoError(t, err)

	err = agg.Edit(ctx, "rec-1", EditOp{
		Type:    EditReplace,
		Span:    model.Span{Start: 0, End: 10},
		ChunkID: "c3",
		Data:    []byte("retake"),
	})
	require.NoError(t, err)

	active, err := led.ListActive(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "c3", active[0].ID)
}

func TestEdit_DeleteMarksCoveredChunks(t *testing.T) {
	ctx := context.Background()
	agg, led, _, _ := newTestAggregator()

	_, err := agg.Ingest(ctx, "rec-1", "c1", "user-1", model.Span{Start: 0, End: 5}, []byte("a"))
	require.NoError(t, err)
	_, err = agg.Ingest(ctx, "rec-1", "c2", "user-1", model.Span{Start: 5, End: 10}, []byte("b"))
	require.NoError(t, err)

	err = agg.Edit(ctx, "rec-1", EditOp{Type: EditDelete, Span: model.Span{Start: 0, End: 5}})
	require.NoError(t, err)

	active, err := led.ListActive(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "c2", active[0].ID)
}

func TestEdit_UnknownTypeRejected(t *testing.T) {
	agg, _, _, _ := newTestAggregator()
	err := agg.Edit(context.Background(), "rec-1", EditOp{Type: "truncate"})
	require.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestEdit_UnknownRecording(t *testing.T) {
	agg, _, _, _ := newTestAggregator()
	err := agg.Edit(context.Background(), "ghost", EditOp{Type: EditDelete, Span: model.Span{Start: 0, End: 1}})
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeleteAll_ReclaimsBlobs(t *testing.T) {
	ctx := context.Background()
	agg, led, blobs, _ := newTestAggregator()

	_, err := agg.Ingest(ctx, "rec-1", "c1", "user-1", model.Span{Start: 0, End: 5}, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, led.SaveArtifact(ctx, "rec-1", model.CombinedArtifact{Generation: 1, ObjectRef: "rec-1/combined.g1.mp3"}))
	_, err = blobs.Put(ctx, "rec-1/combined.g1.mp3", []byte("combined"))
	require.NoError(t, err)

	require.NoError(t, agg.DeleteAll(ctx, "rec-1"))

	_, err = blobs.Get(ctx, "rec-1/c1")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = blobs.Get(ctx, "rec-1/combined.g1.mp3")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = led.ListActive(ctx, "rec-1")
	require.ErrorIs(t, err, model.ErrNotFound)
}
