package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-pos-sync/internal/domain"
)

func rec(t *testing.T, tenant string, kind domain.EntityKind, id string, p domain.Payload) *domain.Record {
	t.Helper()
	r := &domain.Record{TenantID: tenant, Kind: kind, ID: id}
	if err := r.SetFields(p); err != nil {
		t.Fatalf("set fields: %v", err)
	}
	return r
}

type fakeSource struct {
	recs  []domain.Record
	calls int
	err   error
}

func (f *fakeSource) ListByTenant(_ context.Context, _ domain.EntityKind, _ string, _ bool) ([]domain.Record, error) {
	f.calls++
	return f.recs, f.err
}

func TestRewriteID_InPlaceWithoutRemoval(t *testing.T) {
	c := New()
	var changes []Change
	c.Subscribe(func(ch Change) { changes = append(changes, ch) })

	tmp := "tmp_1"
	c.SetQuery("t1", domain.KindReservation, AllQuery, []string{"r-0", tmp, "r-2"})
	c.Upsert(rec(t, "t1", domain.KindReservation, tmp, domain.Payload{"size": 4}), true)
	c.Upsert(rec(t, "t1", domain.KindOrder, "o1", domain.Payload{"reservationId": tmp}), true)
	changes = nil

	c.RewriteID("t1", domain.KindReservation, tmp, "r-123")

	for _, ch := range changes {
		if ch.Type == ChangeRemoved {
			t.Fatalf("rewrite must not emit a removal: %+v", changes)
		}
	}
	if _, ok := c.Get("t1", domain.KindReservation, tmp); ok {
		t.Fatalf("temp id still cached")
	}
	e, ok := c.Get("t1", domain.KindReservation, "r-123")
	if !ok || e.Record.ID != "r-123" {
		t.Fatalf("canonical entry missing: %+v", e)
	}
	q, _ := c.Query("t1", domain.KindReservation, AllQuery)
	if len(q.IDs) != 3 || q.IDs[1] != "r-123" {
		t.Fatalf("query position not preserved: %v", q.IDs)
	}
	order, _ := c.Get("t1", domain.KindOrder, "o1")
	fields, _ := order.Record.Fields()
	if fields.String("reservationId") != "r-123" {
		t.Fatalf("dependent payload not rewritten: %v", fields)
	}
	if changes[0].Type != ChangeIDRewritten || changes[0].OldID != tmp {
		t.Fatalf("expected id_rewritten first, got %+v", changes)
	}
}

func TestBridge_CommittedInvalidatesDependents(t *testing.T) {
	c := New()
	b := NewBridge(c)
	c.SetQuery("t1", domain.KindReservation, AllQuery, nil)
	c.SetQuery("t1", domain.KindOrder, AllQuery, nil)
	c.SetQuery("t2", domain.KindOrder, AllQuery, nil)

	tmp := "tmp_r"
	b.Optimistic(rec(t, "t1", domain.KindReservation, tmp, domain.Payload{"size": 2}))
	if e, ok := c.Get("t1", domain.KindReservation, tmp); !ok || !e.Pending {
		t.Fatalf("optimistic record should be pending: %+v", e)
	}
	q, _ := c.Query("t1", domain.KindReservation, AllQuery)
	if len(q.IDs) != 1 {
		t.Fatalf("optimistic record should appear in list: %v", q.IDs)
	}

	b.Committed("t1", domain.KindReservation, tmp, rec(t, "t1", domain.KindReservation, "r-1", domain.Payload{"size": 2}))

	if e, ok := c.Get("t1", domain.KindReservation, "r-1"); !ok || e.Pending {
		t.Fatalf("committed record should be settled: %+v", e)
	}
	if q, _ := c.Query("t1", domain.KindOrder, AllQuery); !q.Stale {
		t.Fatalf("dependent order query should be stale")
	}
	if q, _ := c.Query("t2", domain.KindOrder, AllQuery); q.Stale {
		t.Fatalf("other tenant's query must not be invalidated")
	}
	q, _ = c.Query("t1", domain.KindReservation, AllQuery)
	if len(q.IDs) != 1 || q.IDs[0] != "r-1" {
		t.Fatalf("list should hold the canonical id once: %v", q.IDs)
	}
}

func TestBridge_RolledBack(t *testing.T) {
	c := New()
	b := NewBridge(c)

	b.Optimistic(rec(t, "t1", domain.KindOrder, "tmp_o", domain.Payload{"total": 1}))
	b.RolledBack("t1", domain.KindOrder, "tmp_o", nil)
	if _, ok := c.Get("t1", domain.KindOrder, "tmp_o"); ok {
		t.Fatalf("rolled back create should be gone")
	}

	snap := rec(t, "t1", domain.KindOrder, "o1", domain.Payload{"total": 5})
	b.Optimistic(rec(t, "t1", domain.KindOrder, "o1", domain.Payload{"total": 9}))
	b.RolledBack("t1", domain.KindOrder, "o1", snap)
	e, _ := c.Get("t1", domain.KindOrder, "o1")
	if string(e.Record.Payload) != string(snap.Payload) || e.Pending {
		t.Fatalf("snapshot not restored: %s", e.Record.Payload)
	}
}

func TestLoad_RefetchesOnlyWhenStale(t *testing.T) {
	c := New()
	src := &fakeSource{recs: []domain.Record{*rec(t, "t1", domain.KindCustomer, "c1", domain.Payload{"name": "Ann"})}}

	got, err := c.Load(context.Background(), src, "t1", domain.KindCustomer)
	if err != nil || len(got) != 1 {
		t.Fatalf("load: %v %v", got, err)
	}
	_, _ = c.Load(context.Background(), src, "t1", domain.KindCustomer)
	if src.calls != 1 {
		t.Fatalf("fresh query should not refetch, calls=%d", src.calls)
	}
	c.InvalidateKind("t1", domain.KindCustomer)
	_, _ = c.Load(context.Background(), src, "t1", domain.KindCustomer)
	if src.calls != 2 {
		t.Fatalf("stale query should refetch, calls=%d", src.calls)
	}

	src.err = errors.New("boom")
	c.InvalidateKind("t1", domain.KindCustomer)
	if _, err := c.Load(context.Background(), src, "t1", domain.KindCustomer); err == nil {
		t.Fatalf("expected source error")
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	c := New()
	n := 0
	stop := c.Subscribe(func(Change) { n++ })
	c.Upsert(rec(t, "t1", domain.KindOrder, "o1", nil), false)
	stop()
	c.Remove("t1", domain.KindOrder, "o1")
	if n != 1 {
		t.Fatalf("expected one delivered change, got %d", n)
	}
}
