package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-pos-sync/internal/domain"
	"github.com/tbourn/go-pos-sync/internal/remote"
)

// DrainReport summarizes one drain cycle of a tenant.
type DrainReport struct {
	TenantID  string
	Committed int
	Retried   int
	Failed    int
	// Stopped is set when the cycle ended before the queue was empty
	// (offline, or a retryable failure at the head).
	Stopped   bool
	Remaining int64
}

// Drain replays the tenant's queue in FIFO order, one action at a time. A
// retryable failure stops the cycle without skipping ahead; the action is
// retried on the next cycle until MaxRetries attempts have failed.
func (e *Engine) Drain(ctx context.Context, tenantID string) (*DrainReport, error) {
	ctx, span := tracer.Start(ctx, "Drain", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	locks := e.locksFor(tenantID)
	locks.drain.Lock()
	defer locks.drain.Unlock()

	rep := &DrainReport{TenantID: tenantID}
	defer func() {
		e.mu.Lock()
		e.lastDrain[tenantID] = e.now()
		e.mu.Unlock()
		if n, err := e.q.Depth(ctx, tenantID); err == nil {
			rep.Remaining = n
			queueDepth.WithLabelValues(tenantID).Set(float64(n))
		}
		span.SetAttributes(
			attribute.Int("drain.committed", rep.Committed),
			attribute.Int("drain.retried", rep.Retried),
			attribute.Int("drain.failed", rep.Failed),
		)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !e.monitor.Online() {
			rep.Stopped = true
			return rep, nil
		}
		a, err := e.q.Head(ctx, tenantID)
		if err != nil {
			return rep, e.drainFailure(span, tenantID, storageErr("drain", err))
		}
		if a == nil {
			return rep, nil
		}
		cont, err := e.replay(ctx, a, rep)
		if err != nil {
			return rep, e.drainFailure(span, tenantID, err)
		}
		if !cont {
			rep.Stopped = true
			return rep, nil
		}
	}
}

func (e *Engine) drainFailure(span trace.Span, tenantID string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "drain failed")
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		e.notifier.Notify(Event{Type: EventTransition, TenantID: tenantID, State: StateFailedTerminal, Code: CodeOf(err), Err: err, At: e.now()})
	}
	return err
}

// replay sends one queued action and reports whether the cycle continues.
func (e *Engine) replay(ctx context.Context, a *domain.QueuedAction, rep *DrainReport) (bool, error) {
	op, kind, err := domain.ParseActionName(a.Name)
	if err != nil {
		rep.Failed++
		return true, e.terminal(ctx, a, op, a.Kind, &Error{Code: CodeValidationRejected, Op: "replay", ActionID: a.ID, Err: err})
	}
	params, err := a.DecodeParams()
	if err != nil {
		rep.Failed++
		return true, e.terminal(ctx, a, op, kind, &Error{Code: CodeValidationRejected, Op: "replay", ActionID: a.ID, Err: fmt.Errorf("decode params: %w", err)})
	}

	e.transition(a.TenantID, kind, a.RecordID, a.ID, StateReplaying, nil)
	res, err := e.apply(ctx, remote.Request{
		ActionID: a.ID,
		TenantID: a.TenantID,
		Name:     a.Name,
		RecordID: a.RecordID,
		Payload:  params.Without(domain.FieldTenantID),
	})
	if err == nil {
		rec, err := e.settle(ctx, a.TenantID, kind, op, a.RecordID, a.ID, res)
		if err != nil {
			return false, storageErr("settle", err)
		}
		if err := e.q.Ack(ctx, a.ID); err != nil {
			return false, storageErr("ack", err)
		}
		e.dropSnapshot(a.ID)
		replays.WithLabelValues("committed").Inc()
		rep.Committed++
		e.transition(a.TenantID, kind, rec.ID, a.ID, StateCommitted, nil)
		return true, nil
	}

	rej := remote.AsRejection(err)
	if !rej.Retryable() {
		replays.WithLabelValues("rejected").Inc()
		rep.Failed++
		return true, e.terminal(ctx, a, op, kind, fromRejection("replay", a.ID, rej))
	}
	if ctx.Err() != nil {
		// Shutdown, not a failed attempt.
		return false, ctx.Err()
	}

	e.noteRemoteFailure(rej)
	n, err := e.q.Nack(ctx, a.ID)
	if err != nil {
		return false, storageErr("nack", err)
	}
	if n >= e.cfg.MaxRetries {
		replays.WithLabelValues("exhausted").Inc()
		rep.Failed++
		serr := &Error{Code: CodeConflictExhausted, Op: "replay", ActionID: a.ID, Err: rej}
		if err := e.terminal(ctx, a, op, kind, serr); err != nil {
			return false, err
		}
		return false, nil
	}
	replays.WithLabelValues("retry").Inc()
	rep.Retried++
	log.Info().
		Str("tenant_id", a.TenantID).
		Str("action_id", a.ID).
		Int("retries", n).
		Int("max_retries", e.cfg.MaxRetries).
		Msg("replay failed; will retry next cycle")
	e.transition(a.TenantID, kind, a.RecordID, a.ID, StateQueuedOffline, fromRejection("replay", a.ID, rej))
	return false, nil
}

// terminal removes a from the queue, rolls back its optimistic write and
// stores a notification.
func (e *Engine) terminal(ctx context.Context, a *domain.QueuedAction, op domain.Op, kind domain.EntityKind, serr *Error) error {
	if err := e.q.Drop(ctx, a.ID); err != nil {
		return storageErr("drop", err)
	}
	kept := false
	if op != "" {
		var err error
		if _, kept, err = e.rollback(ctx, a.TenantID, kind, op, a.RecordID, a.ID); err != nil {
			return storageErr("rollback", err)
		}
	} else {
		e.dropSnapshot(a.ID)
	}
	if kept {
		serr.Hint = HintManualResolution
	}
	if err := e.persistNotification(ctx, a, kind, serr); err != nil {
		return err
	}
	if op == domain.OpCreate {
		if err := e.cascade(ctx, a.TenantID, a.RecordID); err != nil {
			return err
		}
	}
	e.updateDepth(ctx, a.TenantID)
	return nil
}

// cascade drops queued actions that target a record whose create was
// rolled back; they can never succeed.
func (e *Engine) cascade(ctx context.Context, tenantID, recordID string) error {
	pending, err := e.q.Pending(ctx, tenantID)
	if err != nil {
		return storageErr("cascade", err)
	}
	for i := range pending {
		a := &pending[i]
		if a.RecordID != recordID {
			continue
		}
		if err := e.q.Drop(ctx, a.ID); err != nil {
			return storageErr("cascade", err)
		}
		e.dropSnapshot(a.ID)
		serr := &Error{Code: CodeValidationRejected, Op: "replay", ActionID: a.ID, Err: fmt.Errorf("record %s was rolled back", recordID)}
		if err := e.persistNotification(ctx, a, a.Kind, serr); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) persistNotification(ctx context.Context, a *domain.QueuedAction, kind domain.EntityKind, serr *Error) error {
	msg := serr.Error()
	if serr.Err != nil {
		msg = serr.Err.Error()
	}
	if serr.Hint != "" {
		msg += "; " + serr.Hint
	}
	n := &domain.Notification{
		TenantID: a.TenantID,
		ActionID: a.ID,
		Action:   a.Name,
		Kind:     kind,
		RecordID: a.RecordID,
		Code:     string(serr.Code),
		Message:  msg,
		Params:   a.Params,
	}
	if err := e.st.AddNotification(ctx, n); err != nil {
		return storageErr("notify", err)
	}
	e.transition(a.TenantID, kind, a.RecordID, a.ID, StateFailedTerminal, serr)
	e.notifier.Notify(Event{
		Type:           EventNotification,
		TenantID:       a.TenantID,
		Kind:           kind,
		RecordID:       a.RecordID,
		ActionID:       a.ID,
		State:          StateFailedTerminal,
		Code:           serr.Code,
		Err:            serr,
		At:             e.now(),
		NotificationID: n.ID,
	})
	return nil
}

// DrainAll drains every tenant with pending work concurrently. Tenants
// are independent; the first error is returned after all drains finish.
func (e *Engine) DrainAll(ctx context.Context) error {
	tenants, err := e.q.Tenants(ctx)
	if err != nil {
		return storageErr("tenants", err)
	}
	var g errgroup.Group
	g.SetLimit(e.cfg.DrainParallelism)
	for _, t := range tenants {
		tenantID := t
		g.Go(func() error {
			_, err := e.Drain(ctx, tenantID)
			return err
		})
	}
	return g.Wait()
}

// Run drains on startup, on connectivity-restored events, after online
// enqueues and on every poll tick while online, until ctx is done.
// Restored events and enqueue kicks share a rate limiter: a burst of
// flaps produces one drain now and one trailing drain when the debounce
// window ends.
func (e *Engine) Run(ctx context.Context) error {
	restored := e.monitor.Subscribe()
	limiter := rate.NewLimiter(rate.Every(e.cfg.DrainDebounce), 1)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var trailing <-chan time.Time
	drain := func(reason string) {
		if err := e.DrainAll(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("reason", reason).Msg("drain failed")
		}
	}
	trigger := func(reason string) {
		r := limiter.Reserve()
		d := r.Delay()
		if d == 0 {
			drain(reason)
			return
		}
		if trailing != nil {
			r.Cancel()
			return
		}
		log.Debug().Dur("delay", d).Str("reason", reason).Msg("drain debounced")
		trailing = time.After(d)
	}

	if e.monitor.Online() {
		drain("startup")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-restored:
			trigger("restored")
		case <-e.kick:
			trigger("enqueued")
		case <-trailing:
			trailing = nil
			drain("debounced")
		case <-ticker.C:
			if e.monitor.Online() {
				drain("poll")
			}
		}
	}
}

// PendingCount returns the tenant's queue depth.
func (e *Engine) PendingCount(ctx context.Context, tenantID string) (int64, error) {
	n, err := e.q.Depth(ctx, tenantID)
	if err != nil {
		return 0, storageErr("pending count", err)
	}
	return n, nil
}

// Pending lists the tenant's queued actions in replay order.
func (e *Engine) Pending(ctx context.Context, tenantID string) ([]domain.QueuedAction, error) {
	out, err := e.q.Pending(ctx, tenantID)
	if err != nil {
		return nil, storageErr("pending", err)
	}
	return out, nil
}

// LastDrain returns when the tenant's queue was last drained.
func (e *Engine) LastDrain(tenantID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lastDrain[tenantID]
	return t, ok
}
