// Package health tracks whether the measurement tool is reachable.
package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/rs/zerolog"
)

type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "ONLINE"
	case StateOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

var errUnhealthy = errors.New("grader reported unhealthy")

// Prober asks the tool for its health verdict.
type Prober interface {
	Healthz(ctx context.Context) (bool, error)
}

type Subscriber func(prev, next State)

type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	state       State
	status      models.GraderStatus
	subscribers []Subscriber

	probing atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewMonitor(prober Prober, interval, timeout time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Start probes immediately and then every interval until Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.Probe(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}()

	m.logger.Info().Dur("interval", m.interval).Msg("Grader health monitor started")
}

func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info().Msg("Grader health monitor stopped")
}

// Probe runs one health check. It returns false without probing when another
// probe is still in flight.
func (m *Monitor) Probe(ctx context.Context) bool {
	if !m.probing.CompareAndSwap(false, true) {
		m.logger.Debug().Msg("Health probe already in flight, skipping tick")
		return false
	}
	defer m.probing.Store(false)

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	ok, err := m.prober.Healthz(probeCtx)
	if ctx.Err() != nil {
		return true
	}

	switch {
	case err != nil:
		m.RecordFailure(err)
	case !ok:
		m.RecordFailure(errUnhealthy)
	default:
		m.RecordSuccess()
	}
	return true
}

func (m *Monitor) RecordSuccess() {
	now := m.now()

	m.mu.Lock()
	prev := m.state
	m.state = StateOnline
	online := true
	m.status.Online = &online
	m.status.LastCheckedAt = &now
	m.status.LastSuccessAt = &now
	m.status.LastError = ""
	m.status.ConsecutiveFailures = 0
	m.mu.Unlock()

	m.transition(prev, StateOnline, nil)
}

// RecordFailure flips to OFFLINE on the first failure.
func (m *Monitor) RecordFailure(err error) {
	now := m.now()

	m.mu.Lock()
	prev := m.state
	m.state = StateOffline
	online := false
	m.status.Online = &online
	m.status.LastCheckedAt = &now
	if err != nil {
		m.status.LastError = err.Error()
	}
	m.status.ConsecutiveFailures++
	m.mu.Unlock()

	m.transition(prev, StateOffline, err)
}

func (m *Monitor) transition(prev, next State, err error) {
	if prev == next {
		return
	}

	event := m.logger.Info()
	if next == StateOffline {
		event = m.logger.Warn().Err(err)
	}
	event.Str("from", prev.String()).Str("to", next.String()).Msg("Grader health changed")

	m.mu.RLock()
	subs := make([]Subscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.RUnlock()

	for _, sub := range subs {
		sub(prev, next)
	}
}

// Subscribe registers fn for state changes. fn runs on the goroutine that
// caused the change and must not block.
func (m *Monitor) Subscribe(fn Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOffline is true only after a failed signal; UNKNOWN is not offline.
func (m *Monitor) IsOffline() bool {
	return m.State() == StateOffline
}

func (m *Monitor) SetPendingCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.PendingSubmissionCount = n
}

func (m *Monitor) Snapshot() models.GraderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.status
	if snap.Online != nil {
		online := *snap.Online
		snap.Online = &online
	}
	return snap
}
