// Package connectivity tracks whether the remote system is reachable and
// announces offline→online transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Monitor holds the current online flag. Restored events are delivered on
// buffered channels of size one, so a slow subscriber sees at most one
// pending event rather than a backlog.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   []chan struct{}
}

// NewMonitor returns a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records a new state and fires restored events on offline→online.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	restored := online && !m.online
	changed := online != m.online
	m.online = online
	subs := append([]chan struct{}(nil), m.subs...)
	m.mu.Unlock()

	if changed {
		log.Info().Bool("online", online).Msg("connectivity changed")
	}
	if !restored {
		return
	}
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel receiving one value per restored event.
func (m *Monitor) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Pinger probes the remote system.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Poller flips a Monitor based on periodic probes.
type Poller struct {
	Monitor  *Monitor
	Pinger   Pinger
	Interval time.Duration
}

// Probe runs a single check and updates the monitor.
func (p *Poller) Probe(ctx context.Context) bool {
	err := p.Pinger.Ping(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("connectivity probe failed")
	}
	p.Monitor.Set(err == nil)
	return err == nil
}

// Run probes immediately and then every Interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.Probe(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Probe(ctx)
		}
	}
}
