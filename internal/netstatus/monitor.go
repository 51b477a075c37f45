// Package netstatus tracks whether the remote authority is reachable and
// tells subscribers when that changes.
package netstatus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/spendbook/internal/syncclient"
)

// Prober checks reachability. *syncclient.Client implements it.
type Prober interface {
	HealthCheck(ctx context.Context) (*syncclient.HealthResponse, error)
}

// Monitor holds the current connectivity and probes it periodically.
type Monitor struct {
	probe    Prober
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	online bool
	known  bool
	subs   []func(online bool)
}

// New creates a monitor that probes every interval. Until the first probe
// the monitor reports offline.
func New(probe Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := min(interval, 5*time.Second)
	return &Monitor{probe: probe, interval: interval, timeout: timeout}
}

// Online reports the last known connectivity.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for online/offline transitions. The first
// observation establishes the state without a callback.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// SetOnline records connectivity and notifies subscribers on a change.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.known && m.online != online
	m.online = online
	m.known = true
	subs := append([]func(bool){}, m.subs...)
	m.mu.Unlock()

	if !changed {
		return
	}
	slog.Info("netstatus: connectivity changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, err := m.probe.HealthCheck(pctx)
	if err != nil {
		slog.Debug("netstatus: probe failed", "err", err)
	}
	online := err == nil
	if ctx.Err() != nil {
		return m.Online()
	}
	m.SetOnline(online)
	return online
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
