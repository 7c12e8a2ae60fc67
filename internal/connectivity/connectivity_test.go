package connectivity

import (
	"context"
	"errors"
	"testing"
)

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

func TestMonitor_RestoredOnlyOnOfflineToOnline(t *testing.T) {
	m := NewMonitor(false)
	ch := m.Subscribe()

	m.Set(false)
	select {
	case <-ch:
		t.Fatalf("no event expected while staying offline")
	default:
	}

	m.Set(true)
	select {
	case <-ch:
	default:
		t.Fatalf("expected restored event")
	}

	m.Set(true)
	select {
	case <-ch:
		t.Fatalf("online→online must not fire")
	default:
	}
	if !m.Online() {
		t.Fatalf("expected online")
	}
}

func TestMonitor_CoalescesUnreadEvents(t *testing.T) {
	m := NewMonitor(false)
	ch := m.Subscribe()
	for i := 0; i < 3; i++ {
		m.Set(true)
		m.Set(false)
	}
	if len(ch) != 1 {
		t.Fatalf("expected a single buffered event, got %d", len(ch))
	}
}

func TestPoller_Probe(t *testing.T) {
	m := NewMonitor(true)
	pg := &fakePinger{err: errors.New("down")}
	p := &Poller{Monitor: m, Pinger: pg}

	if p.Probe(context.Background()) || m.Online() {
		t.Fatalf("failed ping should mark offline")
	}
	ch := m.Subscribe()
	pg.err = nil
	if !p.Probe(context.Background()) || !m.Online() {
		t.Fatalf("successful ping should mark online")
	}
	if len(ch) != 1 {
		t.Fatalf("expected restored event after recovery")
	}
}
