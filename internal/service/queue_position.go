package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/jackcrane/sw-grader-api/internal/repository"
)

// QueueStats holds the last polled broker metrics for the grading queue.
type QueueStats struct {
	mu         sync.RWMutex
	depth      int
	processing int
	updatedAt  time.Time
}

func NewQueueStats() *QueueStats {
	return &QueueStats{}
}

func (q *QueueStats) Update(depth, processing int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.depth = depth
	q.processing = processing
	q.updatedAt = time.Now()
}

// Snapshot reports ok=false until the first poll has landed.
func (q *QueueStats) Snapshot() (depth, processing int, ok bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.depth, q.processing, !q.updatedAt.IsZero()
}

type QueuePositionEstimator interface {
	Estimate(ctx context.Context, submissionID string) (*models.QueuePosition, error)
}

type queuePositionEstimator struct {
	submissions repository.SubmissionRepository
	stats       *QueueStats
	avgDuration time.Duration
}

func NewQueuePositionEstimator(submissions repository.SubmissionRepository, stats *QueueStats, avgDuration time.Duration) QueuePositionEstimator {
	if avgDuration <= 0 {
		avgDuration = 20 * time.Second
	}

	return &queuePositionEstimator{
		submissions: submissions,
		stats:       stats,
		avgDuration: avgDuration,
	}
}

// Estimate counts unresolved submissions created before this one. When
// broker metrics are available the position never exceeds what the broker
// actually holds.
func (e *queuePositionEstimator) Estimate(ctx context.Context, submissionID string) (*models.QueuePosition, error) {
	sub, err := e.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load submission: %w", err)
	}
	if sub == nil {
		return nil, ErrSubmissionNotFound
	}

	depth, processing, live := e.stats.Snapshot()
	pos := &models.QueuePosition{
		SubmissionID: sub.ID,
		QueueDepth:   depth,
		Processing:   processing,
	}

	if sub.IsTerminal() {
		pos.Graded = sub.IsGraded()
		return pos, nil
	}

	ahead, err := e.submissions.CountUngradedBefore(ctx, sub.CreatedAt, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count submissions ahead: %w", err)
	}

	position := ahead + 1
	if live {
		limit := depth + processing
		if limit < 1 {
			limit = 1
		}
		if position > limit {
			position = limit
		}
	}

	pos.Ahead = position - 1
	pos.Position = position
	pos.EstimatedWait = time.Duration(position) * e.avgDuration
	return pos, nil
}
