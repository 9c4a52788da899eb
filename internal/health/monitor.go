// Package health keeps a cached view of storage reachability so the health
// endpoint can answer without hitting the backend on every probe.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is the polling interval used when none is configured.
const DefaultInterval = 5 * time.Second

// Checker reports whether the underlying backend is reachable.
type Checker interface {
	IsHealthy(ctx context.Context) bool
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) bool

// IsHealthy calls f(ctx).
func (f CheckerFunc) IsHealthy(ctx context.Context) bool { return f(ctx) }

// Monitor polls a Checker on a fixed interval and caches the last result.
type Monitor struct {
	checker  Checker
	interval time.Duration

	mu        sync.RWMutex
	healthy   bool
	checkedAt time.Time

	stop     chan struct{}
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// New creates a monitor polling checker every interval. The first check runs
// synchronously so the state is known before the monitor is consulted.
func New(checker Checker, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Monitor{
		checker:  checker,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.check()
	return m
}

// Start begins background polling. Starting twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.run()
}

// Stop halts background polling and waits for the poll loop to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.mu.RLock()
		started := m.started
		m.mu.RUnlock()
		if started {
			<-m.done
		}
	})
}

// Healthy returns the cached health state.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// CheckedAt returns when the state was last refreshed.
func (m *Monitor) CheckedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkedAt
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()
	healthy := m.checker.IsHealthy(ctx)

	m.mu.Lock()
	m.healthy = healthy
	m.checkedAt = time.Now()
	m.mu.Unlock()
}
