package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tbourn/go-pos-sync/internal/domain"
	"github.com/tbourn/go-pos-sync/internal/remote"
)

// fakeRemote is an in-memory reconciler that honors idempotency keys.
type fakeRemote struct {
	mu       sync.Mutex
	seq      int
	entities map[string]*domain.Entity
	byKey    map[string]remote.Result
	calls    []remote.Request
	ids      map[domain.EntityKind][]string

	// fail is consulted before applying; a non-nil error is returned as is.
	fail func(req remote.Request, call int) error
	// lose applies the request but reports a timeout, as if the response
	// had been lost on the way back.
	lose func(req remote.Request) bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		entities: map[string]*domain.Entity{},
		byKey:    map[string]remote.Result{},
		ids:      map[domain.EntityKind][]string{},
	}
}

func (f *fakeRemote) Apply(_ context.Context, req remote.Request) (*remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.fail != nil {
		if err := f.fail(req, len(f.calls)); err != nil {
			return nil, err
		}
	}
	if res, ok := f.byKey[req.ActionID]; ok {
		res.Replayed = true
		return &res, nil
	}

	op, kind, err := domain.ParseActionName(req.Name)
	if err != nil {
		return nil, &remote.Rejection{Kind: remote.RejectValidation, Status: 400, Code: remote.CodeValidationFailed, Message: err.Error()}
	}
	payload, _ := req.Payload.Without(domain.FieldID, domain.FieldTenantID).Encode()
	now := time.Now().UTC()

	var ent *domain.Entity
	switch op {
	case domain.OpCreate:
		ent = &domain.Entity{ID: f.nextID(kind), TenantID: req.TenantID, Kind: kind, Payload: payload, Version: 1, CreatedAt: now, UpdatedAt: now}
		f.entities[ent.ID] = ent
	case domain.OpUpdate, domain.OpDelete:
		cur, ok := f.entities[req.RecordID]
		if !ok || cur.TenantID != req.TenantID || cur.Deleted {
			return nil, &remote.Rejection{Kind: remote.RejectValidation, Status: 404, Code: remote.CodeNotFound, Message: "entity not found"}
		}
		if op == domain.OpUpdate {
			cur.Payload = payload
		} else {
			cur.Deleted = true
		}
		cur.Version++
		cur.UpdatedAt = now
		ent = cur
	}
	res := remote.Result{Entity: *ent}
	res.Entity.Payload = append([]byte(nil), ent.Payload...)
	f.byKey[req.ActionID] = res

	if f.lose != nil && f.lose(req) {
		return nil, &remote.Rejection{Kind: remote.RejectTransient, Code: remote.CodeTimeout, Message: "response lost"}
	}
	out := res
	return &out, nil
}

func (f *fakeRemote) nextID(kind domain.EntityKind) string {
	if q := f.ids[kind]; len(q) > 0 {
		f.ids[kind] = q[1:]
		return q[0]
	}
	f.seq++
	return fmt.Sprintf("%s-%d", kind, f.seq)
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRemote) requests() []remote.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Request(nil), f.calls...)
}

func (f *fakeRemote) entity(id string) (domain.Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return domain.Entity{}, false
	}
	return *e, true
}

func (f *fakeRemote) entityCount(kind domain.EntityKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entities {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

var (
	errUnavailable = &remote.Rejection{Kind: remote.RejectTransient, Status: 503, Code: remote.CodeInternal, Message: "service unavailable"}
	errInvalid     = &remote.Rejection{Kind: remote.RejectValidation, Status: 422, Code: remote.CodeValidationFailed, Message: "size must be positive"}
)
