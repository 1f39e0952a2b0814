// Package combine turns a recording's active chunks into one canonical
// audio artifact, exactly once per chunk-set generation.
package combine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/medscribe/medscribe/internal/blobstore"
	"github.com/medscribe/medscribe/internal/ledger"
	"github.com/medscribe/medscribe/internal/lease"
	"github.com/medscribe/medscribe/internal/model"
	"github.com/medscribe/medscribe/internal/transcode"
)

// Engine serializes combines per recording behind an advisory lease. The
// ledger version at combine time is the artifact's generation: a later edit
// bumps the version, so the next Combine call produces a new generation
// under a new object key while in-flight stages keep reading the old one.
type Engine struct {
	ledger  ledger.Ledger
	blobs   blobstore.Store
	locker  lease.Locker
	trans   transcode.Transcoder
	logger  zerolog.Logger
	clock   func() time.Time

	leaseTTL       time.Duration
	acquireBackoff time.Duration
	acquireWait    time.Duration
	fetchRetries   int
	fetchBackoff   time.Duration
}

// New constructs an Engine.
func New(led ledger.Ledger, blobs blobstore.Store, locker lease.Locker, trans transcode.Transcoder, leaseTTL time.Duration, logger zerolog.Logger) *Engine {
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	return &Engine{
		ledger:         led,
		blobs:          blobs,
		locker:         locker,
		trans:          trans,
		logger:         logger.With().Str("component", "combine").Logger(),
		clock:          time.Now,
		leaseTTL:       leaseTTL,
		acquireBackoff: 50 * time.Millisecond,
		acquireWait:    2 * leaseTTL,
		fetchRetries:   3,
		fetchBackoff:   200 * time.Millisecond,
	}
}

// Combine produces (or returns) the artifact for the recording's current
// active chunk set. Concurrent callers for the same recording serialize on
// the lease; later callers observe the first caller's artifact instead of
// re-combining.
func (e *Engine) Combine(ctx context.Context, recordingID string) (*model.CombinedArtifact, error) {
	held, err := e.acquire(ctx, "lease:combine:"+recordingID)
	if err != nil {
		return nil, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil {
			e.logger.Warn().Err(err).Str("recording_id", recordingID).Msg("release combine lease")
		}
	}()

	// Recheck under the lease: a previous holder (or a crashed worker we
	// reclaimed from) may already have combined this generation. The version
	// and chunk set come from one snapshot so an edit racing this combine
	// cannot slip a newer chunk under an older generation stamp.
	version, chunks, err := e.ledger.Snapshot(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if art, err := e.ledger.Artifact(ctx, recordingID); err != nil {
		return nil, err
	} else if art != nil && art.Generation == version {
		e.logger.Debug().
			Str("recording_id", recordingID).
			Int64("generation", version).
			Msg("combine already done for this generation")
		return art, nil
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("combine %s: %w", recordingID, model.ErrNoChunks)
	}

	var joined []byte
	var duration float64
	for _, c := range chunks {
		data, err := e.fetch(ctx, c.StorageRef)
		if err != nil {
			return nil, fmt.Errorf("fetch chunk %s: %w", c.ID, err)
		}
		joined = append(joined, data...)
		duration += c.Span.End - c.Span.Start
	}

	if err := held.Renew(ctx, e.leaseTTL); err != nil {
		// Lost the lease mid-run; another worker may be combining. Back out
		// without writing anything.
		return nil, err
	}

	encoded, err := e.trans.Transcode(ctx, joined)
	if err != nil {
		return nil, fmt.Errorf("transcode %s: %w", recordingID, err)
	}

	key := fmt.Sprintf("%s/combined.g%d.%s", recordingID, version, e.trans.Ext())
	var ref string
	err = blobstore.WithRetry(ctx, e.fetchRetries, e.fetchBackoff, func() error {
		var putErr error
		ref, putErr = e.blobs.Put(ctx, key, encoded)
		return putErr
	})
	if err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}

	art := model.CombinedArtifact{
		RecordingID: recordingID,
		Generation:  version,
		ObjectRef:   ref,
		Duration:    duration,
		CreatedAt:   e.clock().UTC(),
	}
	if err := e.ledger.SaveArtifact(ctx, recordingID, art); err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("recording_id", recordingID).
		Int64("generation", version).
		Int("chunks", len(chunks)).
		Float64("duration", duration).
		Str("object_ref", ref).
		Msg("combined recording")
	return &art, nil
}

// acquire retries lease acquisition with backoff until acquireWait elapses.
// A conflict here is contention, not failure.
func (e *Engine) acquire(ctx context.Context, key string) (lease.Lease, error) {
	deadline := e.clock().Add(e.acquireWait)
	delay := e.acquireBackoff
	for {
		held, err := e.locker.Acquire(ctx, key, e.leaseTTL)
		if err == nil {
			return held, nil
		}
		if !errors.Is(err, model.ErrLeaseConflict) {
			return nil, err
		}
		if e.clock().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < time.Second {
			delay *= 2
		}
	}
}

func (e *Engine) fetch(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := blobstore.WithRetry(ctx, e.fetchRetries, e.fetchBackoff, func() error {
		var getErr error
		data, getErr = e.blobs.Get(ctx, ref)
		return getErr
	})
	return data, err
}
