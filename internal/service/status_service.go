package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/jackcrane/sw-grader-api/internal/repository"
	"github.com/rs/zerolog"
)

// GraderStatusSource reports the measurement tool's last known health.
type GraderStatusSource interface {
	Snapshot() models.GraderStatus
}

type StatusService interface {
	Snapshot(ctx context.Context, submissionID string) (*models.SubmissionStatusSnapshot, error)
	// Watch emits a snapshot immediately and then every interval. The
	// channel closes after a terminal snapshot or when ctx ends.
	Watch(ctx context.Context, submissionID string, interval time.Duration) (<-chan models.SubmissionStatusSnapshot, error)
}

type statusService struct {
	submissions repository.SubmissionRepository
	estimator   QueuePositionEstimator
	grader      GraderStatusSource
	logger      zerolog.Logger
	now         func() time.Time
}

func NewStatusService(submissions repository.SubmissionRepository, estimator QueuePositionEstimator, grader GraderStatusSource, logger zerolog.Logger) StatusService {
	return &statusService{
		submissions: submissions,
		estimator:   estimator,
		grader:      grader,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *statusService) Snapshot(ctx context.Context, submissionID string) (*models.SubmissionStatusSnapshot, error) {
	sub, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load submission: %w", err)
	}
	if sub == nil {
		return nil, ErrSubmissionNotFound
	}

	pos, err := s.estimator.Estimate(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	return &models.SubmissionStatusSnapshot{
		SubmissionID:    sub.ID,
		Status:          sub.Status,
		Grade:           sub.Grade,
		Feedback:        sub.Feedback,
		GradeSyncStatus: sub.GradeSyncStatus,
		Queue:           *pos,
		GraderOnline:    s.grader.Snapshot().Online,
		Terminal:        sub.IsTerminal(),
		Timestamp:       s.now(),
	}, nil
}

func (s *statusService) Watch(ctx context.Context, submissionID string, interval time.Duration) (<-chan models.SubmissionStatusSnapshot, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	first, err := s.Snapshot(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	out := make(chan models.SubmissionStatusSnapshot, 1)
	out <- *first
	if first.Terminal {
		close(out)
		return out, nil
	}

	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			snap, err := s.Snapshot(ctx, submissionID)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn().Err(err).Str("submission_id", submissionID).Msg("Status poll failed")
				}
				continue
			}

			select {
			case out <- *snap:
			case <-ctx.Done():
				return
			}
			if snap.Terminal {
				return
			}
		}
	}()

	return out, nil
}
