package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/medscribe/medscribe/internal/model"
)

// StageEnqueuer re-publishes the pending task for a recording's current
// stage. It returns false when the stage is not re-drivable (e.g. draft or
// recording, where the client owns the next signal).
type StageEnqueuer interface {
	EnqueueForStage(ctx context.Context, rec model.Recording) (bool, error)
}

// Sweeper periodically re-drives recordings stuck in a non-terminal stage
// beyond the staleness threshold. A crash between persisting a transition
// and publishing the next task leaves exactly this signature, so the sweep
// is what makes the persist-then-publish ordering safe.
type Sweeper struct {
	store      Store
	enqueuer   StageEnqueuer
	interval   time.Duration
	staleAfter time.Duration
	logger     zerolog.Logger
	clock      func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(store Store, enqueuer StageEnqueuer, interval, staleAfter time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Sweeper{
		store:      store,
		enqueuer:   enqueuer,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger.With().Str("component", "sweeper").Logger(),
		clock:      time.Now,
	}
}

// Run blocks until the context is cancelled, sweeping every interval.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("stale_after", s.staleAfter).
		Msg("reconciliation sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Err(ctx.Err()).Msg("reconciliation sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep runs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := s.clock().UTC().Add(-s.staleAfter)
	stale, err := s.store.Stale(ctx, cutoff)
	if err != nil {
		return err
	}
	var redriven int
	for _, rec := range stale {
		ok, err := s.enqueuer.EnqueueForStage(ctx, rec)
		if err != nil {
			s.logger.Error().Err(err).
				Str("recording_id", rec.ID).
				Str("stage", string(rec.Stage)).
				Msg("re-enqueue stale recording")
			continue
		}
		if ok {
			redriven++
			if err := s.store.Touch(ctx, rec.ID, s.clock().UTC()); err != nil {
				s.logger.Warn().Err(err).Str("recording_id", rec.ID).Msg("touch after re-enqueue")
			}
		}
	}
	if len(stale) > 0 {
		s.logger.Info().
			Int("stale", len(stale)).
			Int("redriven", redriven).
			Msg("reconciliation sweep completed")
	}
	return nil
}
