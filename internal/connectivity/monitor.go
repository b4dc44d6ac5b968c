// Package connectivity tracks whether the remote store is reachable.
//
// The monitor's view is advisory: it decides when draining is worth
// attempting, but the outcome of real adapter calls is always
// authoritative. A stale "online" costs one failed cycle; a stale
// "offline" only delays draining until the next probe or manual trigger.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober is the subset of the remote adapter the monitor needs.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor probes the remote on an interval and publishes offline→online
// transitions so the dispatcher can drain as soon as connectivity returns.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration

	mu     sync.RWMutex
	online bool

	// Capacity 1: a transition that fires while one is already pending
	// coalesces with it, matching how the dispatcher consumes triggers.
	events chan struct{}
}

// NewMonitor creates a Monitor probing via prober every interval, with the
// given per-probe timeout.
func NewMonitor(prober Prober, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		events:   make(chan struct{}, 1),
	}
}

// Online reports the last observed reachability.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Events delivers one signal per offline→online transition.
// Signals coalesce; consumers must not rely on one event per probe.
func (m *Monitor) Events() <-chan struct{} {
	return m.events
}

// SetOnline overrides the observed state, emitting a transition event when
// it flips to online. Later probes keep updating the state as usual.
func (m *Monitor) SetOnline(online bool) {
	m.transition(online)
}

// Run starts the probe loop. It probes immediately so startup does not wait
// a full interval to discover a reachable remote.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "connectivity",
		"worker", "monitor",
		"action", "worker_started",
		"interval", m.interval,
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "connectivity",
				"worker", "monitor",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// probe performs a single reachability check.
func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Ping(probeCtx)
	if ctx.Err() != nil {
		return // shutting down, ignore the result
	}
	m.transition(err == nil)
}

// transition records the new state and signals offline→online flips.
func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}

	slog.Info("connectivity changed",
		"component", "connectivity",
		"action", "state_changed",
		"online", online,
	)

	if online {
		select {
		case m.events <- struct{}{}:
		default:
		}
	}
}
