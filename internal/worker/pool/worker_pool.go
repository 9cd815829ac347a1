package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var ErrPoolStopped = errors.New("worker pool is stopped")

type Task func()

// WorkerPool runs submitted tasks on a fixed set of goroutines in FIFO order.
// A pool of one serialises every task.
type WorkerPool struct {
	tasks         chan Task
	wg            sync.WaitGroup
	activeWorkers int
	maxWorkers    int
	logger        zerolog.Logger
	mu            sync.RWMutex

	// stateMu guards started/stopped and is held for reading across a
	// send so Stop never closes tasks under a blocked Submit.
	stateMu sync.RWMutex
	started bool
	stopped bool
}

func NewWorkerPool(maxWorkers int, logger zerolog.Logger) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	return &WorkerPool{
		tasks:      make(chan Task, maxWorkers*10),
		maxWorkers: maxWorkers,
		logger:     logger,
	}
}

func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.stateMu.Lock()
	defer wp.stateMu.Unlock()

	if wp.stopped {
		return ErrPoolStopped
	}
	if wp.started {
		return nil
	}
	wp.started = true

	for i := 0; i < wp.maxWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.logger.Info().Int("workers_started", wp.maxWorkers).Msg("Worker pool started")
	return nil
}

// Stop lets queued tasks finish and waits for the workers to exit.
func (wp *WorkerPool) Stop() error {
	wp.stateMu.Lock()
	if wp.stopped {
		wp.stateMu.Unlock()
		return nil
	}
	wp.stopped = true
	close(wp.tasks)
	wp.stateMu.Unlock()

	wp.wg.Wait()

	wp.logger.Info().Msg("Worker pool stopped")
	return nil
}

// Submit queues task, blocking while the queue is full.
func (wp *WorkerPool) Submit(ctx context.Context, task Task) error {
	wp.stateMu.RLock()
	defer wp.stateMu.RUnlock()

	if wp.stopped {
		return ErrPoolStopped
	}

	select {
	case wp.tasks <- task:
		return nil
	default:
	}

	wp.logger.Warn().Int("queue_length", len(wp.tasks)).Msg("Worker pool task queue is full")

	select {
	case wp.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run queues fn behind every task already submitted and waits for its
// result. If ctx ends while fn is still waiting its turn, fn is skipped.
func (wp *WorkerPool) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)

	var (
		claimMu   sync.Mutex
		abandoned bool
	)

	task := func() {
		claimMu.Lock()
		skip := abandoned
		claimMu.Unlock()
		if skip {
			done <- ctx.Err()
			return
		}

		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("task panicked: %v", r)
				}
			}()
			err = fn(ctx)
		}()
		done <- err
	}

	if err := wp.Submit(ctx, task); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		claimMu.Lock()
		abandoned = true
		claimMu.Unlock()
		// fn may already be running; it sees the same ctx and returns soon.
		return ctx.Err()
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	wp.logger.Debug().Int("worker_id", id).Msg("Worker started")

	for task := range wp.tasks {
		wp.mu.Lock()
		wp.activeWorkers++
		wp.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					wp.logger.Error().
						Int("worker_id", id).
						Interface("panic", r).
						Msg("Worker recovered from panic")
				}

				wp.mu.Lock()
				wp.activeWorkers--
				wp.mu.Unlock()
			}()

			task()
		}()
	}

	wp.logger.Debug().Int("worker_id", id).Msg("Worker stopped")
}

// GetActiveWorkers returns how many workers are executing a task right now.
func (wp *WorkerPool) GetActiveWorkers() int {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.activeWorkers
}

func (wp *WorkerPool) GetQueueLength() int {
	return len(wp.tasks)
}

func (wp *WorkerPool) GetStats() map[string]interface{} {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	return map[string]interface{}{
		"active_workers": wp.activeWorkers,
		"max_workers":    wp.maxWorkers,
		"queue_length":   len(wp.tasks),
		"queue_capacity": cap(wp.tasks),
	}
}
