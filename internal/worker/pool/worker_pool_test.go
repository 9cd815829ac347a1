package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSerialisesOnSingleWorker(t *testing.T) {
	wp := NewWorkerPool(1, zerolog.Nop())
	require.NoError(t, wp.Start(context.Background()))
	defer wp.Stop()

	var (
		mu      sync.Mutex
		running int
		maxSeen int
		order   []int
		wg      sync.WaitGroup
	)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			err := wp.Run(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				running++
				if running > maxSeen {
					maxSeen = running
				}
				order = append(order, i)
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
		// Stagger submissions so FIFO order is observable.
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRunReturnsTaskError(t *testing.T) {
	wp := NewWorkerPool(1, zerolog.Nop())
	require.NoError(t, wp.Start(context.Background()))
	defer wp.Stop()

	boom := errors.New("boom")
	err := wp.Run(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestRunRecoversPanic(t *testing.T) {
	wp := NewWorkerPool(1, zerolog.Nop())
	require.NoError(t, wp.Start(context.Background()))
	defer wp.Stop()

	err := wp.Run(context.Background(), func(ctx context.Context) error { panic("bad part") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad part")

	// The worker survives.
	assert.NoError(t, wp.Run(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestRunSkipsTaskCancelledWhileQueued(t *testing.T) {
	wp := NewWorkerPool(1, zerolog.Nop())
	require.NoError(t, wp.Start(context.Background()))
	defer wp.Stop()

	release := make(chan struct{})
	go wp.Run(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- wp.Run(ctx, func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		})
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	// Drain through the pool so the skipped task has been dequeued.
	require.NoError(t, wp.Run(context.Background(), func(ctx context.Context) error { return nil }))

	select {
	case <-ran:
		t.Fatal("cancelled task should not run")
	default:
	}
}

func TestSubmitAfterStop(t *testing.T) {
	wp := NewWorkerPool(2, zerolog.Nop())
	require.NoError(t, wp.Start(context.Background()))
	require.NoError(t, wp.Stop())

	err := wp.Submit(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrPoolStopped)
	assert.NoError(t, wp.Stop())
}
