// Package connectivity tracks whether the remote store is reachable and
// notifies listeners on online/offline transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/tasksync/internal/logging"
)

// DefaultProbeInterval is how often the remote is probed while running.
const DefaultProbeInterval = 15 * time.Second

// Prober checks reachability. A nil error means reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// Listener is called after every transition with the new state. Listeners
// run in registration order on the goroutine that observed the transition.
type Listener func(ctx context.Context, online bool)

// Monitor holds the current connectivity state.
type Monitor struct {
	prober   Prober
	interval time.Duration

	mu        sync.RWMutex
	online    bool
	running   bool
	listeners []Listener
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a Monitor. It reports offline until Start or SetOnline.
func New(prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
	}
}

// OnTransition registers l.
func (m *Monitor) OnTransition(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// IsOnline returns the last known state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Start probes once to set the initial state, without notifying listeners,
// then keeps probing every interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) bool {
	m.mu.Lock()
	if m.running {
		online := m.online
		m.mu.Unlock()
		return online
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	online := m.probe(ctx)
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)

	logging.Info("Connectivity monitor started",
		map[string]interface{}{"online": online, "interval_seconds": m.interval.Seconds()})
	return online
}

// Stop ends the probe loop and waits for it.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info("Connectivity monitor stopped")
}

// Check probes now and applies the result. It returns the new state.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.probe(ctx)
	m.SetOnline(ctx, online)
	return online
}

// SetOnline records an externally observed state. Listeners run only when
// the state actually changes. It reports whether it did.
func (m *Monitor) SetOnline(ctx context.Context, online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	for _, l := range listeners {
		l(ctx, online)
	}
	return true
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	if m.prober == nil {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	if err := m.prober.Ping(probeCtx); err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	return true
}
