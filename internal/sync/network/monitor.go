// Package network tracks whether the dispatch server is reachable.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/logging"
)

// Prober checks server reachability.
type Prober interface {
	Probe(ctx context.Context) error
}

// DefaultProbeInterval is how often the prober runs while started.
const DefaultProbeInterval = 30 * time.Second

// maxProbeTimeout bounds a single probe.
const maxProbeTimeout = 5 * time.Second

// Monitor holds the current connectivity state and notifies subscribers on
// transitions. State is fed by SetOnline and, when configured, by a
// periodic Prober.
type Monitor struct {
	prober   Prober
	interval time.Duration

	mu          sync.RWMutex
	online      bool
	subscribers map[int]func(online bool)
	nextSubID   int

	stopCh    chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

// NewMonitor creates a Monitor in the given initial state. prober may be nil.
func NewMonitor(initialOnline bool, prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		prober:      prober,
		interval:    interval,
		online:      initialOnline,
		subscribers: make(map[int]func(bool)),
	}
}

// Start begins periodic probing when a prober is configured.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	if m.prober == nil {
		logging.Info("Connectivity monitor started", map[string]interface{}{"probe": false})
		return
	}

	m.wg.Add(1)
	go m.probeLoop(ctx, stopCh)

	logging.Info("Connectivity monitor started", map[string]interface{}{
		"probe":       true,
		"interval_ms": m.interval.Milliseconds(),
	})
}

// Stop stops probing and waits for the probe goroutine to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info("Connectivity monitor stopped", nil)
}

func (m *Monitor) probeLoop(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()

	m.probeOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	timeout := m.interval
	if timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{"error": err.Error()})
	}
	m.SetOnline(err == nil)
}

// SetOnline records the connectivity state. Subscribers are notified
// synchronously, only when the state changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})

	for _, fn := range fns {
		fn(online)
	}
}

// IsOnline returns the current connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// IsRunning returns whether the monitor is started.
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

// Subscribe registers fn for connectivity transitions and returns a
// function that removes it.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}
