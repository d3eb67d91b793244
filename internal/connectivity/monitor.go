// Package connectivity tracks whether the backend is reachable and tells
// subscribers when that changes.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Signal is the read side handed to components that react to connectivity.
type Signal interface {
	Online() bool
	// Subscribe registers fn for changes and returns a function that removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Prober checks reachability. The backend client's Health call satisfies it.
type Prober interface {
	Health(ctx context.Context) error
}

type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	online bool
	known  bool
	nextID int
	subs   map[int]func(bool)
}

func NewMonitor(prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  5 * time.Second,
		subs:     make(map[int]func(bool)),
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) Subscribe(fn func(bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Set records the current state and notifies subscribers when it changed. The
// first observation always counts as a change so an online start triggers work.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.known && m.online == online {
		m.mu.Unlock()
		return
	}
	m.known = true
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	slog.Info("connectivity: changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.prober == nil {
		m.Set(false)
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Health(probeCtx)
	if err != nil {
		slog.Debug("connectivity: probe failed", "error", err)
	}
	m.Set(err == nil)
	return err == nil
}

// Run probes immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
