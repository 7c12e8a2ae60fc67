// Package syncer implements the offline-first sync engine.
//
// Every mutation follows the same lifecycle for every entity kind:
//
//	PENDING_OPTIMISTIC → COMMITTING → COMMITTED
//	                               ↘ QUEUED_OFFLINE → REPLAYING → COMMITTED
//	                                                            ↘ FAILED_TERMINAL
//
// The engine writes the optimistic record to the local store and the read
// cache before any network I/O, then either commits it directly (online,
// empty queue) or appends it to the tenant's durable queue. Queued actions
// are replayed strictly in FIFO order, one at a time per tenant; tenants
// drain independently. Validation rejections are terminal and roll the
// local record back to its pre-mutation snapshot. Transient failures and
// conflicts are retried up to MaxRetries, after which the action is dropped
// and a persistent notification is stored.
//
// The engine is the only writer of the local store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-pos-sync/internal/cache"
	"github.com/tbourn/go-pos-sync/internal/connectivity"
	"github.com/tbourn/go-pos-sync/internal/domain"
	"github.com/tbourn/go-pos-sync/internal/queue"
	"github.com/tbourn/go-pos-sync/internal/remote"
	"github.com/tbourn/go-pos-sync/internal/store"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMaxRetries       = 5
	DefaultCommitTimeout    = 10 * time.Second
	DefaultDrainDebounce    = 2 * time.Second
	DefaultPollInterval     = 15 * time.Second
	DefaultDrainParallelism = 4
)

var tracer = otel.Tracer("syncer/Engine")

// Config wires the engine's collaborators.
type Config struct {
	Store  *store.Store
	Queue  *queue.Queue
	Remote remote.Reconciler

	// Optional; sensible defaults are used when nil.
	Bridge   *cache.Bridge
	Monitor  *connectivity.Monitor
	Policy   ConflictPolicy
	Notifier Notifier

	MaxRetries       int
	CommitTimeout    time.Duration
	DrainDebounce    time.Duration
	PollInterval     time.Duration
	DrainParallelism int

	Now func() time.Time
}

// Mutation is a UI intent against one record.
type Mutation struct {
	Op       domain.Op
	Kind     domain.EntityKind
	TenantID string
	// ID is ignored for creates; the engine mints a temporary id.
	ID      string
	Payload domain.Payload
}

// Outcome reports where a mutation ended up. Err is set for terminal
// failures and for queued mutations whose direct commit failed.
type Outcome struct {
	Record   *domain.Record
	State    State
	ActionID string
	Err      error
}

type tenantLocks struct {
	// drain serializes remote traffic and queue ordering for the tenant.
	drain sync.Mutex
	// local guards read-modify-write cycles on the tenant's records.
	local sync.Mutex

	// Guarded by local. aliases maps settled temporary ids to their
	// canonical ids; writes counts settle and rollback writes per record.
	aliases map[string]string
	writes  map[string]uint64
}

// resolve follows settled temporary ids to the current canonical id.
func (l *tenantLocks) resolve(id string) string {
	for i := 0; i < len(l.aliases); i++ {
		next, ok := l.aliases[id]
		if !ok {
			break
		}
		id = next
	}
	return id
}

// resolveRefs rewrites settled temporary ids referenced by p.
func (l *tenantLocks) resolveRefs(p domain.Payload) {
	for tmp, canonical := range l.aliases {
		if p.References(tmp) {
			p.RewriteRefs(tmp, l.resolve(canonical))
		}
	}
}

func (l *tenantLocks) touch(ids ...string) {
	for _, id := range ids {
		l.writes[id]++
	}
}

// snapshot is the pre-mutation state of a record; prev is nil for creates.
type snapshot struct {
	prev *domain.Record
}

// Engine drives mutations through the sync lifecycle.
type Engine struct {
	cfg      Config
	st       *store.Store
	q        *queue.Queue
	remote   remote.Reconciler
	bridge   *cache.Bridge
	monitor  *connectivity.Monitor
	policy   ConflictPolicy
	notifier Notifier
	now      func() time.Time

	mu        sync.Mutex
	tenants   map[string]*tenantLocks
	snapshots map[string]snapshot
	lastDrain map[string]time.Time

	kick chan struct{}
}

// New validates cfg and returns an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Remote == nil {
		return nil, errors.New("syncer: store and remote are required")
	}
	if cfg.Queue == nil {
		cfg.Queue = queue.New(cfg.Store)
	}
	if cfg.Bridge == nil {
		cfg.Bridge = cache.NewBridge(cache.New())
	}
	if cfg.Monitor == nil {
		cfg.Monitor = connectivity.NewMonitor(true)
	}
	if cfg.Policy == nil {
		cfg.Policy = LastWriterWins{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{Logger: log.Logger}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if cfg.DrainDebounce <= 0 {
		cfg.DrainDebounce = DefaultDrainDebounce
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DrainParallelism <= 0 {
		cfg.DrainParallelism = DefaultDrainParallelism
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		cfg:       cfg,
		st:        cfg.Store,
		q:         cfg.Queue,
		remote:    cfg.Remote,
		bridge:    cfg.Bridge,
		monitor:   cfg.Monitor,
		policy:    cfg.Policy,
		notifier:  cfg.Notifier,
		now:       cfg.Now,
		tenants:   map[string]*tenantLocks{},
		snapshots: map[string]snapshot{},
		lastDrain: map[string]time.Time{},
		kick:      make(chan struct{}, 1),
	}, nil
}

// Cache exposes the read cache kept in sync by the engine.
func (e *Engine) Cache() *cache.ReadCache { return e.bridge.Cache() }

// Monitor exposes the connectivity monitor.
func (e *Engine) Monitor() *connectivity.Monitor { return e.monitor }

// Policy returns the configured conflict policy.
func (e *Engine) Policy() ConflictPolicy { return e.policy }

// Create records a new entity under a temporary id.
func (e *Engine) Create(ctx context.Context, tenantID string, kind domain.EntityKind, payload domain.Payload) (*Outcome, error) {
	return e.Mutate(ctx, Mutation{Op: domain.OpCreate, Kind: kind, TenantID: tenantID, Payload: payload})
}

// Update replaces (or merges, depending on the policy) an entity's fields.
func (e *Engine) Update(ctx context.Context, tenantID string, kind domain.EntityKind, id string, payload domain.Payload) (*Outcome, error) {
	return e.Mutate(ctx, Mutation{Op: domain.OpUpdate, Kind: kind, TenantID: tenantID, ID: id, Payload: payload})
}

// Delete soft-deletes an entity locally and removes it once confirmed.
func (e *Engine) Delete(ctx context.Context, tenantID string, kind domain.EntityKind, id string) (*Outcome, error) {
	return e.Mutate(ctx, Mutation{Op: domain.OpDelete, Kind: kind, TenantID: tenantID, ID: id})
}

// Mutate runs one mutation through the lifecycle. Only invalid input,
// a missing target record and storage failures are returned as errors;
// remote outcomes are reported in the Outcome and through the Notifier.
func (e *Engine) Mutate(ctx context.Context, m Mutation) (*Outcome, error) {
	if err := validateMutation(m); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "Mutate", trace.WithAttributes(
		attribute.String("tenant.id", m.TenantID),
		attribute.String("entity.kind", string(m.Kind)),
		attribute.String("mutation.op", string(m.Op)),
	))
	defer span.End()

	locks := e.locksFor(m.TenantID)
	actionID := uuid.NewString()

	locks.local.Lock()
	rec, prev, err := e.writeOptimistic(ctx, m)
	var seen uint64
	if err == nil {
		seen = locks.writes[rec.ID]
		e.setSnapshot(actionID, snapshot{prev: prev})
		e.bridge.Optimistic(rec)
	}
	locks.local.Unlock()
	if err != nil {
		if CodeOf(err) == CodeStorageUnavailable {
			e.transition(m.TenantID, m.Kind, m.ID, actionID, StateFailedTerminal, err)
		}
		return nil, err
	}
	e.transition(m.TenantID, m.Kind, rec.ID, actionID, StatePendingOptimistic, nil)

	locks.drain.Lock()
	defer locks.drain.Unlock()

	// A drain that held the lock may have settled this record or one it
	// references; the remote call must carry the current ids.
	current, err := e.catchUp(ctx, m, actionID, rec, seen)
	if err != nil {
		e.dropSnapshot(actionID)
		if CodeOf(err) == CodeStorageUnavailable {
			return nil, e.storageFailure(m.TenantID, m.Kind, rec.ID, actionID, "catch up", err)
		}
		e.transition(m.TenantID, m.Kind, rec.ID, actionID, StateFailedTerminal, err)
		return nil, err
	}
	rec = current
	span.SetAttributes(attribute.String("record.id", rec.ID), attribute.String("action.id", actionID))

	params, err := paramsFor(m.Op, rec)
	if err != nil {
		return nil, err
	}

	// A non-empty queue means earlier intents are still unconfirmed; sending
	// this one first would reorder them.
	depth, err := e.q.Depth(ctx, m.TenantID)
	if err != nil {
		return nil, e.storageFailure(m.TenantID, m.Kind, rec.ID, actionID, "queue depth", err)
	}
	if depth > 0 || !e.monitor.Online() {
		return e.enqueue(ctx, actionID, m, rec, params, nil)
	}

	e.transition(m.TenantID, m.Kind, rec.ID, actionID, StateCommitting, nil)
	res, err := e.apply(ctx, remote.Request{
		ActionID: actionID,
		TenantID: m.TenantID,
		Name:     domain.NewActionName(m.Op, m.Kind),
		RecordID: rec.ID,
		Payload:  params,
	})
	if err == nil {
		committed, err := e.settle(ctx, m.TenantID, m.Kind, m.Op, rec.ID, "", res)
		if err != nil {
			return nil, e.storageFailure(m.TenantID, m.Kind, rec.ID, actionID, "settle", err)
		}
		e.dropSnapshot(actionID)
		e.transition(m.TenantID, m.Kind, committed.ID, actionID, StateCommitted, nil)
		return &Outcome{Record: committed, State: StateCommitted, ActionID: actionID}, nil
	}

	rej := remote.AsRejection(err)
	if !rej.Retryable() {
		serr := fromRejection("commit", actionID, rej)
		restored, _, err := e.rollback(ctx, m.TenantID, m.Kind, m.Op, rec.ID, actionID)
		if err != nil {
			return nil, e.storageFailure(m.TenantID, m.Kind, rec.ID, actionID, "rollback", err)
		}
		e.transition(m.TenantID, m.Kind, rec.ID, actionID, StateFailedTerminal, serr)
		return &Outcome{Record: restored, State: StateFailedTerminal, ActionID: actionID, Err: serr}, nil
	}
	e.noteRemoteFailure(rej)
	return e.enqueue(ctx, actionID, m, rec, params, fromRejection("commit", actionID, rej))
}

func validateMutation(m Mutation) error {
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidMutation)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	}
	switch m.Op {
	case domain.OpCreate:
	case domain.OpUpdate, domain.OpDelete:
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("%w: %s requires a record id", ErrInvalidMutation, m.Op)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, m.Op)
	}
	return nil
}

// writeOptimistic applies m to the local store and returns the new record
// plus the pre-mutation snapshot (nil for creates). Temporary ids that were
// already settled are resolved in m.ID and in the payload. The caller holds
// the tenant's local lock.
func (e *Engine) writeOptimistic(ctx context.Context, m Mutation) (*domain.Record, *domain.Record, error) {
	now := e.now()
	locks := e.locksFor(m.TenantID)
	incoming := m.Payload.Without(domain.FieldID, domain.FieldTenantID)
	locks.resolveRefs(incoming)
	m.ID = locks.resolve(m.ID)

	if m.Op == domain.OpCreate {
		rec := &domain.Record{TenantID: m.TenantID, Kind: m.Kind, ID: domain.NewTempID(), UpdatedAt: now}
		if err := rec.SetFields(incoming); err != nil {
			return nil, nil, fmt.Errorf("encode payload: %w", err)
		}
		if err := e.st.Put(ctx, rec); err != nil {
			return nil, nil, storageErr("optimistic write", err)
		}
		return rec, nil, nil
	}

	cur, err := e.st.Get(ctx, m.Kind, m.TenantID, m.ID, false)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s %s", ErrRecordNotFound, m.Kind, m.ID)
	}
	if err != nil {
		return nil, nil, storageErr("read snapshot", err)
	}
	snap := cur.Clone()
	rec := cur.Clone()
	rec.UpdatedAt = now

	if m.Op == domain.OpDelete {
		rec.DeletedAt = &now
	} else {
		fields, err := cur.Fields()
		if err != nil {
			return nil, nil, fmt.Errorf("decode payload: %w", err)
		}
		if err := rec.SetFields(e.policy.MergeLocal(fields, incoming)); err != nil {
			return nil, nil, fmt.Errorf("encode payload: %w", err)
		}
	}
	if err := e.st.Put(ctx, rec); err != nil {
		return nil, nil, storageErr("optimistic write", err)
	}
	return rec, snap, nil
}

// catchUp re-reads the optimistic record once the drain lock is held. When
// a settle or rollback wrote the record in the meantime, the optimistic
// write was lost and is applied again on top of the current state, which
// also becomes the new rollback snapshot.
func (e *Engine) catchUp(ctx context.Context, m Mutation, actionID string, rec *domain.Record, seen uint64) (*domain.Record, error) {
	locks := e.locksFor(m.TenantID)
	locks.local.Lock()
	defer locks.local.Unlock()

	// A create's temporary id is not queued yet, so nothing else writes it.
	if m.Op == domain.OpCreate || (locks.resolve(rec.ID) == rec.ID && locks.writes[rec.ID] == seen) {
		cur, err := e.st.Get(ctx, m.Kind, m.TenantID, rec.ID, true)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s %s", ErrRecordNotFound, m.Kind, rec.ID)
		}
		if err != nil {
			return nil, storageErr("re-read", err)
		}
		return cur, nil
	}

	m.ID = rec.ID
	next, prev, err := e.writeOptimistic(ctx, m)
	if err != nil {
		return nil, err
	}
	e.setSnapshot(actionID, snapshot{prev: prev})
	e.bridge.Optimistic(next)
	log.Debug().
		Str("tenant_id", m.TenantID).
		Str("record_id", next.ID).
		Str("action_id", actionID).
		Msg("optimistic write re-applied after drain")
	return next, nil
}

// paramsFor builds the remote payload: the full record for writes, nothing
// for deletes.
func paramsFor(op domain.Op, rec *domain.Record) (domain.Payload, error) {
	if op == domain.OpDelete {
		return domain.Payload{}, nil
	}
	return rec.Fields()
}

func (e *Engine) enqueue(ctx context.Context, actionID string, m Mutation, rec *domain.Record, params domain.Payload, cause error) (*Outcome, error) {
	if _, err := e.q.EnqueueAs(ctx, actionID, m.TenantID, domain.NewActionName(m.Op, m.Kind), rec.ID, params); err != nil {
		return nil, e.storageFailure(m.TenantID, m.Kind, rec.ID, actionID, "enqueue", err)
	}
	e.updateDepth(ctx, m.TenantID)
	e.transition(m.TenantID, m.Kind, rec.ID, actionID, StateQueuedOffline, cause)
	if e.monitor.Online() {
		e.Kick()
	}
	return &Outcome{Record: rec, State: StateQueuedOffline, ActionID: actionID, Err: cause}, nil
}

// apply calls the reconciler under the commit timeout.
func (e *Engine) apply(ctx context.Context, req remote.Request) (*remote.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CommitTimeout)
	defer cancel()
	start := time.Now()
	res, err := e.remote.Apply(ctx, req)
	remoteLatency.Observe(time.Since(start).Seconds())
	if err == nil && res == nil {
		err = &remote.Rejection{Kind: remote.RejectTransient, Code: remote.CodeInternal, Message: "empty result"}
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &remote.Rejection{Kind: remote.RejectTransient, Code: remote.CodeTimeout, Message: "remote attempt timed out", Err: err}
	}
	return res, err
}

// noteRemoteFailure flips the monitor offline for failures that indicate
// the remote system is unreachable; the connectivity poller brings it back.
func (e *Engine) noteRemoteFailure(rej *remote.Rejection) {
	if rej.Code == remote.CodeNetwork || rej.Code == remote.CodeTimeout {
		e.monitor.Set(false)
	}
}

// settle writes the canonical result of an accepted action. When the
// remote system assigned a new id, the temporary id is rewritten in queued
// actions and in other records before the record itself is re-keyed, so a
// dependent action never goes out with a stale reference. exclude names
// the action being settled, which is not yet acknowledged.
func (e *Engine) settle(ctx context.Context, tenantID string, kind domain.EntityKind, op domain.Op, localID, exclude string, res *remote.Result) (*domain.Record, error) {
	locks := e.locksFor(tenantID)
	locks.local.Lock()
	defer locks.local.Unlock()

	canonical := res.Record()
	if canonical.TenantID == "" {
		canonical.TenantID = tenantID
	}
	if canonical.Kind == "" {
		canonical.Kind = kind
	}
	if canonical.ID == "" {
		canonical.ID = localID
	}

	if op == domain.OpDelete {
		if err := e.st.Remove(ctx, kind, tenantID, localID); err != nil {
			return nil, err
		}
		locks.touch(localID)
		e.bridge.Removed(tenantID, kind, localID)
		return canonical, nil
	}

	if localID != canonical.ID {
		if _, err := e.q.RewriteReferences(ctx, tenantID, localID, canonical.ID); err != nil {
			return nil, err
		}
		if _, err := e.st.RewriteRecordRefs(ctx, tenantID, localID, canonical.ID); err != nil {
			return nil, err
		}
	}

	next, err := e.nextActionFor(ctx, tenantID, canonical.ID, exclude)
	if err != nil {
		return nil, err
	}
	pending := next != nil

	local, err := e.st.Get(ctx, kind, tenantID, localID, true)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	var localFields domain.Payload
	if local != nil {
		if localFields, err = local.Fields(); err != nil {
			return nil, err
		}
	}
	canonFields, err := canonical.Fields()
	if err != nil {
		return nil, err
	}
	if local == nil {
		localFields = canonFields
	}
	if err := canonical.SetFields(e.policy.Reconcile(localFields, canonFields, pending)); err != nil {
		return nil, err
	}
	if pending && local != nil {
		canonical.UpdatedAt = local.UpdatedAt
		canonical.DeletedAt = local.DeletedAt
	}

	if err := e.st.ReplaceID(ctx, localID, canonical); err != nil {
		return nil, err
	}
	locks.touch(localID, canonical.ID)
	if localID != canonical.ID {
		locks.aliases[localID] = canonical.ID
	}
	if pending {
		e.bridge.Progressed(tenantID, kind, localID, canonical)
	} else {
		e.bridge.Committed(tenantID, kind, localID, canonical)
	}
	return canonical, nil
}

// rollback undoes the optimistic write of actionID and returns the
// restored record (nil when the record no longer exists). kept is true
// when an update could not be undone because its snapshot was lost, which
// happens when the action was queued by another process.
//
// When later queued actions still target the same record the local state
// is left as is and the snapshot is handed to the next of them, so a
// further rollback still lands on the last confirmed state.
func (e *Engine) rollback(ctx context.Context, tenantID string, kind domain.EntityKind, op domain.Op, recordID, actionID string) (restored *domain.Record, kept bool, err error) {
	snap, known := e.takeSnapshot(actionID)

	locks := e.locksFor(tenantID)
	locks.local.Lock()
	defer locks.local.Unlock()

	if op != domain.OpCreate {
		next, err := e.nextActionFor(ctx, tenantID, recordID, actionID)
		if err != nil {
			return nil, false, err
		}
		if next != nil {
			if known {
				e.setSnapshot(next.ID, snap)
			}
			return nil, false, nil
		}
	}

	switch {
	case op == domain.OpCreate:
		if err := e.st.Remove(ctx, kind, tenantID, recordID); err != nil {
			return nil, false, err
		}
		locks.touch(recordID)
		e.bridge.RolledBack(tenantID, kind, recordID, nil)
		return nil, false, nil
	case known && snap.prev != nil:
		restored = snap.prev.Clone()
		if err := e.st.Put(ctx, restored); err != nil {
			return nil, false, err
		}
		locks.touch(recordID)
		e.bridge.RolledBack(tenantID, kind, recordID, restored)
		return restored, false, nil
	case op == domain.OpDelete:
		// Snapshot lost (restart). A delete only set the marker, so clearing
		// it restores the record.
		cur, err := e.st.Get(ctx, kind, tenantID, recordID, true)
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		cur.DeletedAt = nil
		if err := e.st.Put(ctx, cur); err != nil {
			return nil, false, err
		}
		locks.touch(recordID)
		e.bridge.RolledBack(tenantID, kind, recordID, cur)
		return cur, false, nil
	default:
		// Update whose snapshot was lost: the notification drives manual
		// resolution.
		log.Warn().
			Str("tenant_id", tenantID).
			Str("kind", string(kind)).
			Str("record_id", recordID).
			Str("action_id", actionID).
			Msg("no snapshot to restore; keeping optimistic record")
		cur, err := e.st.Get(ctx, kind, tenantID, recordID, true)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
		return cur, true, nil
	}
}

// nextActionFor returns the oldest pending action targeting recordID other
// than exclude.
func (e *Engine) nextActionFor(ctx context.Context, tenantID, recordID, exclude string) (*domain.QueuedAction, error) {
	pending, err := e.q.Pending(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		if pending[i].RecordID == recordID && pending[i].ID != exclude {
			return &pending[i], nil
		}
	}
	return nil, nil
}

// Kick asks a running Run loop to drain soon.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Get reads a record through the local store.
func (e *Engine) Get(ctx context.Context, tenantID string, kind domain.EntityKind, id string) (*domain.Record, error) {
	rec, err := e.st.Get(ctx, kind, tenantID, id, false)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return rec, nil
}

// List returns a tenant's live records of a kind through the read cache,
// refetching from the store when the cached list is stale.
func (e *Engine) List(ctx context.Context, tenantID string, kind domain.EntityKind) ([]domain.Record, error) {
	recs, err := e.bridge.Cache().Load(ctx, e.st, tenantID, kind)
	if err != nil {
		return nil, storageErr("list", err)
	}
	return recs, nil
}

func (e *Engine) locksFor(tenantID string) *tenantLocks {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.tenants[tenantID]
	if !ok {
		l = &tenantLocks{aliases: map[string]string{}, writes: map[string]uint64{}}
		e.tenants[tenantID] = l
	}
	return l
}

func (e *Engine) setSnapshot(actionID string, s snapshot) {
	e.mu.Lock()
	e.snapshots[actionID] = s
	e.mu.Unlock()
}

func (e *Engine) takeSnapshot(actionID string) (snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.snapshots[actionID]
	delete(e.snapshots, actionID)
	return s, ok
}

func (e *Engine) dropSnapshot(actionID string) {
	e.mu.Lock()
	delete(e.snapshots, actionID)
	e.mu.Unlock()
}

func (e *Engine) transition(tenantID string, kind domain.EntityKind, recordID, actionID string, state State, err error) {
	transitions.WithLabelValues(string(kind), string(state)).Inc()
	e.notifier.Notify(Event{
		Type:     EventTransition,
		TenantID: tenantID,
		Kind:     kind,
		RecordID: recordID,
		ActionID: actionID,
		State:    state,
		Code:     CodeOf(err),
		Err:      err,
		At:       e.now(),
	})
}

func (e *Engine) storageFailure(tenantID string, kind domain.EntityKind, recordID, actionID, op string, err error) error {
	serr := err
	if CodeOf(err) != CodeStorageUnavailable || !isSyncError(err) {
		serr = storageErr(op, err)
	}
	e.transition(tenantID, kind, recordID, actionID, StateFailedTerminal, serr)
	return serr
}

func isSyncError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

func (e *Engine) updateDepth(ctx context.Context, tenantID string) {
	if n, err := e.q.Depth(ctx, tenantID); err == nil {
		queueDepth.WithLabelValues(tenantID).Set(float64(n))
	}
}
