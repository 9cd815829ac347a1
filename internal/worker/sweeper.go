package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/metrics"
	"github.com/jackcrane/sw-grader-api/internal/repository"
	"github.com/jackcrane/sw-grader-api/internal/service"
	"github.com/jackcrane/sw-grader-api/internal/service/health"
	"github.com/rs/zerolog"
)

type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// Sweeper re-enqueues ungraded submissions whose job was lost. A submission
// counts as lost once no delivery has touched it for StaleAfter while the
// tool is up and the grading queue has drained.
type Sweeper struct {
	submissions repository.SubmissionRepository
	grading     service.GradingService
	gate        service.GraderGate
	stats       *service.QueueStats
	config      SweeperConfig
	metrics     *metrics.Collector
	logger      zerolog.Logger
	now         func() time.Time

	trigger chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
}

func NewSweeper(
	submissions repository.SubmissionRepository,
	grading service.GradingService,
	gate service.GraderGate,
	stats *service.QueueStats,
	config SweeperConfig,
	collector *metrics.Collector,
	logger zerolog.Logger,
) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 10 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	return &Sweeper{
		submissions: submissions,
		grading:     grading,
		gate:        gate,
		stats:       stats,
		config:      config,
		metrics:     collector,
		logger:      logger.With().Str("component", "sweeper").Logger(),
		now:         time.Now,
		trigger:     make(chan struct{}, 1),
	}
}

// Start sweeps once immediately, then every Interval and whenever Trigger
// is called, until ctx ends.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		s.run(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-s.trigger:
			}
			s.run(ctx)
		}
	}()
}

func (s *Sweeper) Wait() {
	s.wg.Wait()
}

// Trigger asks for a sweep without waiting for the next tick.
func (s *Sweeper) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// OnHealthChange is a health subscriber that sweeps when the tool comes back.
func (s *Sweeper) OnHealthChange(prev, next health.State) {
	if next == health.StateOnline && prev != health.StateOnline {
		s.logger.Info().Str("previous", prev.String()).Msg("Measurement tool online, sweeping ungraded submissions")
		s.Trigger()
	}
}

func (s *Sweeper) run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("Sweep failed")
	}
}

// Sweep re-enqueues one batch and returns how many jobs it published.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	// Jobs cycling through requeue while the tool is down are not lost.
	if s.gate != nil && s.gate.IsOffline() {
		s.logger.Debug().Msg("Measurement tool offline, skipping sweep")
		return 0, nil
	}
	if s.stats != nil {
		if depth, _, ok := s.stats.Snapshot(); ok && depth > 0 {
			s.logger.Debug().Int("queue_depth", depth).Msg("Grading queue not drained, skipping sweep")
			return 0, nil
		}
	}

	staleBefore := s.now().Add(-s.config.StaleAfter)

	subs, err := s.submissions.ListStaleUngraded(ctx, staleBefore, s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		if err := s.grading.Enqueue(ctx, sub.ID); err != nil {
			if errors.Is(err, service.ErrAlreadyTerminal) || errors.Is(err, service.ErrSubmissionNotFound) {
				continue
			}
			s.logger.Warn().Err(err).Str("submission_id", sub.ID).Msg("Failed to re-enqueue submission")
			continue
		}
		requeued++
	}

	if requeued > 0 || len(subs) > 0 {
		s.logger.Info().
			Int("stale", len(subs)).
			Int("requeued", requeued).
			Msg("Sweep completed")
	}
	if s.metrics != nil {
		s.metrics.RecordSweep(requeued)
	}
	return requeued, ctx.Err()
}
