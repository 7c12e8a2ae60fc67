// Package queue is the durable FIFO of mutations the remote system has not
// yet confirmed. It sits on top of the local store so pending work survives
// restarts, and it only ever changes an action in two ways: bumping its retry
// counter and rewriting temporary ids inside it.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-pos-sync/internal/domain"
	"github.com/tbourn/go-pos-sync/internal/store"
)

// Queue is a thin, tenant-scoped facade over the store's action table.
type Queue struct {
	st  *store.Store
	now func() time.Time
}

// New returns a Queue backed by st.
func New(st *store.Store) *Queue {
	return &Queue{st: st, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the timestamp source (tests).
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue appends a new action for tenantID. The action id doubles as the
// idempotency key sent to the remote system, so it is minted once here and
// never changes.
func (q *Queue) Enqueue(ctx context.Context, tenantID string, name domain.ActionName, recordID string, params domain.Payload) (*domain.QueuedAction, error) {
	return q.EnqueueAs(ctx, uuid.NewString(), tenantID, name, recordID, params)
}

// EnqueueAs is Enqueue with a caller-chosen action id. It is used when a
// direct commit already went out under id and may have been applied
// remotely, so the replay must reuse the same idempotency key.
func (q *Queue) EnqueueAs(ctx context.Context, id, tenantID string, name domain.ActionName, recordID string, params domain.Payload) (*domain.QueuedAction, error) {
	_, kind, err := domain.ParseActionName(name)
	if err != nil {
		return nil, err
	}
	p := params.Clone()
	if p == nil {
		p = domain.Payload{}
	}
	p[domain.FieldTenantID] = tenantID
	raw, err := p.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	a := &domain.QueuedAction{
		ID:        id,
		TenantID:  tenantID,
		Name:      name,
		Kind:      kind,
		RecordID:  recordID,
		Params:    raw,
		Timestamp: q.now(),
	}
	if err := q.st.EnqueueAction(ctx, a); err != nil {
		return nil, err
	}
	log.Debug().
		Str("tenant_id", tenantID).
		Str("action_id", a.ID).
		Str("action", string(name)).
		Str("record_id", recordID).
		Msg("action enqueued")
	return a, nil
}

// Pending lists the tenant's actions in replay order.
func (q *Queue) Pending(ctx context.Context, tenantID string) ([]domain.QueuedAction, error) {
	return q.st.ListPendingActions(ctx, tenantID)
}

// Head returns the oldest pending action, or nil when the queue is empty.
func (q *Queue) Head(ctx context.Context, tenantID string) (*domain.QueuedAction, error) {
	pending, err := q.st.ListPendingActions(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	return &pending[0], nil
}

// Get returns one action by id.
func (q *Queue) Get(ctx context.Context, id string) (*domain.QueuedAction, error) {
	return q.st.GetAction(ctx, id)
}

// Ack removes an action the remote system accepted.
func (q *Queue) Ack(ctx context.Context, id string) error {
	return q.st.DequeueAction(ctx, id)
}

// Nack records a failed attempt and returns the new retry count.
func (q *Queue) Nack(ctx context.Context, id string) (int, error) {
	return q.st.IncrementRetries(ctx, id)
}

// Drop removes an action that will never be retried (terminal failure or
// manual discard).
func (q *Queue) Drop(ctx context.Context, id string) error {
	return q.st.DequeueAction(ctx, id)
}

// RewriteReferences swaps a temporary id for its canonical id in every
// queued action of the tenant.
func (q *Queue) RewriteReferences(ctx context.Context, tenantID, oldID, newID string) (int, error) {
	return q.st.RewriteQueuedRefs(ctx, tenantID, oldID, newID)
}

// HasPendingFor reports whether another action still targets recordID.
func (q *Queue) HasPendingFor(ctx context.Context, tenantID, recordID string) (bool, error) {
	return q.st.HasPendingFor(ctx, tenantID, recordID)
}

// Depth returns the number of pending actions for the tenant.
func (q *Queue) Depth(ctx context.Context, tenantID string) (int64, error) {
	return q.st.CountPendingActions(ctx, tenantID)
}

// Tenants lists tenants with pending work.
func (q *Queue) Tenants(ctx context.Context) ([]string, error) {
	return q.st.PendingTenants(ctx)
}
