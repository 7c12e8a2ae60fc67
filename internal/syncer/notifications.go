package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/tbourn/go-pos-sync/internal/domain"
	"github.com/tbourn/go-pos-sync/internal/store"
)

// Notifications lists the tenant's persisted sync notifications.
func (e *Engine) Notifications(ctx context.Context, tenantID string, includeDismissed bool) ([]domain.Notification, error) {
	out, err := e.st.ListNotifications(ctx, tenantID, includeDismissed)
	if err != nil {
		return nil, storageErr("notifications", err)
	}
	return out, nil
}

// Dismiss hides a notification.
func (e *Engine) Dismiss(ctx context.Context, tenantID, notificationID string) error {
	err := e.st.DismissNotification(ctx, tenantID, notificationID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotificationNotFound
	}
	if err != nil {
		return storageErr("dismiss", err)
	}
	return nil
}

// Discard abandons a queued action by hand: it is removed from the queue
// and its optimistic write rolled back, as for a terminal failure, but no
// notification is stored.
func (e *Engine) Discard(ctx context.Context, tenantID, actionID string) error {
	locks := e.locksFor(tenantID)
	locks.drain.Lock()
	defer locks.drain.Unlock()

	a, err := e.q.Get(ctx, actionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && a.TenantID != tenantID) {
		return ErrActionNotFound
	}
	if err != nil {
		return storageErr("discard", err)
	}
	op, kind, err := domain.ParseActionName(a.Name)
	if err != nil {
		op, kind = "", a.Kind
	}
	if err := e.q.Drop(ctx, a.ID); err != nil {
		return storageErr("discard", err)
	}
	if op != "" {
		if _, _, err := e.rollback(ctx, tenantID, kind, op, a.RecordID, a.ID); err != nil {
			return storageErr("discard", err)
		}
	}
	if op == domain.OpCreate {
		if err := e.cascade(ctx, tenantID, a.RecordID); err != nil {
			return err
		}
	}
	e.updateDepth(ctx, tenantID)
	e.notifier.Notify(Event{
		Type:     EventDiscarded,
		TenantID: tenantID,
		Kind:     kind,
		RecordID: a.RecordID,
		ActionID: a.ID,
		At:       e.now(),
	})
	return nil
}

// Resubmit re-issues the action behind a notification as a fresh mutation
// and dismisses the notification once the new mutation is accepted
// locally. Creates get a new temporary id.
func (e *Engine) Resubmit(ctx context.Context, tenantID, notificationID string) (*Outcome, error) {
	n, err := e.st.GetNotification(ctx, tenantID, notificationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, storageErr("resubmit", err)
	}
	op, kind, err := domain.ParseActionName(n.Action)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	params, err := domain.DecodePayload(n.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	out, err := e.Mutate(ctx, Mutation{
		Op:       op,
		Kind:     kind,
		TenantID: tenantID,
		ID:       n.RecordID,
		Payload:  params.Without(domain.FieldTenantID),
	})
	if err != nil {
		return nil, err
	}
	if err := e.Dismiss(ctx, tenantID, notificationID); err != nil && !errors.Is(err, ErrNotificationNotFound) {
		return out, err
	}
	return out, nil
}
