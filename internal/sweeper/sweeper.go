// Package sweeper periodically retries side effects that did not finish
// after their change was committed.
package sweeper

import (
	"context"
	"sync"

	"request-portal/internal/model"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Source lists unfinished side-effect markers.
type Source interface {
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]model.SideEffect, error)
}

// Retrier re-runs one marker and settles it.
type Retrier interface {
	RetrySideEffect(ctx context.Context, effect model.SideEffect) error
}

type Options struct {
	Schedule    string
	MaxAttempts int
	BatchSize   int
}

type Sweeper struct {
	source  Source
	retrier Retrier
	opts    Options
	log     zerolog.Logger

	job     *cron.Cron
	running sync.Mutex
}

func New(source Source, retrier Retrier, opts Options, log zerolog.Logger) *Sweeper {
	if opts.Schedule == "" {
		opts.Schedule = "@every 5m"
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 50
	}
	return &Sweeper{
		source:  source,
		retrier: retrier,
		opts:    opts,
		log:     log.With().Str("component", "sweeper").Logger(),
		job:     cron.New(),
	}
}

// Start schedules the sweep. It returns an error for an invalid schedule.
func (s *Sweeper) Start() error {
	if _, err := s.job.AddFunc(s.opts.Schedule, func() {
		s.Sweep(s.log.WithContext(context.Background()))
	}); err != nil {
		return err
	}
	s.job.Start()
	s.log.Info().Str("schedule", s.opts.Schedule).Msg("side effect sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.job.Stop().Done()
}

// Sweep retries one batch of markers and returns how many succeeded.
// Overlapping runs are skipped.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if !s.running.TryLock() {
		s.log.Debug().Msg("previous sweep still running")
		return 0
	}
	defer s.running.Unlock()

	effects, err := s.source.ListRetryable(ctx, s.opts.MaxAttempts, s.opts.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list pending side effects")
		return 0
	}
	done := 0
	for _, e := range effects {
		if ctx.Err() != nil {
			break
		}
		if err := s.retrier.RetrySideEffect(ctx, e); err != nil {
			continue
		}
		done++
	}
	if len(effects) > 0 {
		s.log.Info().Int("retried", len(effects)).Int("succeeded", done).Msg("side effect sweep finished")
	}
	return done
}
