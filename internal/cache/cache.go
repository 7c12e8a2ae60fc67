// Package cache holds the in-memory read cache the UI renders from and the
// bridge through which the sync engine keeps it consistent.
//
// Entries are keyed by (tenant, kind, id). Queries are named id lists keyed
// by (tenant, kind, name); a query marked stale is refetched from the Source
// on the next Load. When a temporary id is replaced by a canonical one the
// cache rewrites it in place, in the entry key, in every query list and in
// every payload that references it, so a mounted view never observes the
// record disappearing.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/tbourn/go-pos-sync/internal/domain"
)

// AllQuery is the name of the default "every record of this kind" query.
const AllQuery = "all"

// Key identifies one cached record.
type Key struct {
	Tenant string
	Kind   domain.EntityKind
	ID     string
}

// QueryKey identifies one cached id list.
type QueryKey struct {
	Tenant string
	Kind   domain.EntityKind
	Name   string
}

// Entry is a cached record plus its sync status.
type Entry struct {
	Record  *domain.Record
	Pending bool
}

// Query is a cached id list.
type Query struct {
	IDs       []string
	Stale     bool
	FetchedAt time.Time
}

// ChangeType names what happened to the cache.
type ChangeType string

const (
	ChangeUpserted    ChangeType = "upserted"
	ChangeRemoved     ChangeType = "removed"
	ChangeIDRewritten ChangeType = "id_rewritten"
	ChangeInvalidated ChangeType = "invalidated"
	ChangeLoaded      ChangeType = "loaded"
)

// Change is delivered to subscribers after the cache has been updated.
type Change struct {
	Type   ChangeType
	Tenant string
	Kind   domain.EntityKind
	ID     string
	OldID  string
}

// Source reloads records for a stale query. *store.Store satisfies it.
type Source interface {
	ListByTenant(ctx context.Context, kind domain.EntityKind, tenantID string, includeDeleted bool) ([]domain.Record, error)
}

// ReadCache is safe for concurrent use. Subscribers are invoked outside the
// lock, in registration order.
type ReadCache struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
	queries map[QueryKey]*Query
	subs    map[int]func(Change)
	nextSub int
	now     func() time.Time
}

// New returns an empty cache.
func New() *ReadCache {
	return &ReadCache{
		entries: map[Key]*Entry{},
		queries: map[QueryKey]*Query{},
		subs:    map[int]func(Change){},
		now:     time.Now,
	}
}

// Subscribe registers fn for change events and returns a function that
// removes it.
func (c *ReadCache) Subscribe(fn func(Change)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *ReadCache) publish(changes ...Change) {
	c.mu.RLock()
	fns := make([]func(Change), 0, len(c.subs))
	// registration order
	for i := 0; i < c.nextSub; i++ {
		if fn, ok := c.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	c.mu.RUnlock()
	for _, ch := range changes {
		for _, fn := range fns {
			fn(ch)
		}
	}
}

// Upsert stores a copy of rec. When the kind's default query is loaded and
// does not list the id yet, the id is appended so the record is visible in
// lists immediately.
func (c *ReadCache) Upsert(rec *domain.Record, pending bool) {
	if rec == nil {
		return
	}
	k := Key{Tenant: rec.TenantID, Kind: rec.Kind, ID: rec.ID}
	c.mu.Lock()
	c.entries[k] = &Entry{Record: rec.Clone(), Pending: pending}
	if q, ok := c.queries[QueryKey{Tenant: rec.TenantID, Kind: rec.Kind, Name: AllQuery}]; ok && !contains(q.IDs, rec.ID) {
		q.IDs = append(q.IDs, rec.ID)
	}
	c.mu.Unlock()
	c.publish(Change{Type: ChangeUpserted, Tenant: rec.TenantID, Kind: rec.Kind, ID: rec.ID})
}

// Get returns a copy of the cached entry.
func (c *ReadCache) Get(tenant string, kind domain.EntityKind, id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[Key{Tenant: tenant, Kind: kind, ID: id}]
	if !ok {
		return Entry{}, false
	}
	return Entry{Record: e.Record.Clone(), Pending: e.Pending}, true
}

// Remove drops an entry and its id from every query of the kind.
func (c *ReadCache) Remove(tenant string, kind domain.EntityKind, id string) {
	c.mu.Lock()
	delete(c.entries, Key{Tenant: tenant, Kind: kind, ID: id})
	for qk, q := range c.queries {
		if qk.Tenant == tenant && qk.Kind == kind {
			q.IDs = without(q.IDs, id)
		}
	}
	c.mu.Unlock()
	c.publish(Change{Type: ChangeRemoved, Tenant: tenant, Kind: kind, ID: id})
}

// SetQuery stores an id list and clears its stale flag.
func (c *ReadCache) SetQuery(tenant string, kind domain.EntityKind, name string, ids []string) {
	c.mu.Lock()
	c.queries[QueryKey{Tenant: tenant, Kind: kind, Name: name}] = &Query{
		IDs:       append([]string(nil), ids...),
		FetchedAt: c.now(),
	}
	c.mu.Unlock()
}

// Query returns a copy of a cached id list.
func (c *ReadCache) Query(tenant string, kind domain.EntityKind, name string) (Query, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queries[QueryKey{Tenant: tenant, Kind: kind, Name: name}]
	if !ok {
		return Query{}, false
	}
	return Query{IDs: append([]string(nil), q.IDs...), Stale: q.Stale, FetchedAt: q.FetchedAt}, true
}

// List resolves a query to its cached records, skipping ids whose entries
// are missing.
func (c *ReadCache) List(tenant string, kind domain.EntityKind, name string) []domain.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queries[QueryKey{Tenant: tenant, Kind: kind, Name: name}]
	if !ok {
		return nil
	}
	out := make([]domain.Record, 0, len(q.IDs))
	for _, id := range q.IDs {
		if e, ok := c.entries[Key{Tenant: tenant, Kind: kind, ID: id}]; ok {
			out = append(out, *e.Record.Clone())
		}
	}
	return out
}

// RewriteID replaces oldID with newID in place. The entry is re-keyed, its
// position in every query list of the kind is kept, and references held in
// other cached payloads of the tenant are rewritten too.
func (c *ReadCache) RewriteID(tenant string, kind domain.EntityKind, oldID, newID string) {
	if oldID == newID {
		return
	}
	var touched []Change
	c.mu.Lock()
	oldKey := Key{Tenant: tenant, Kind: kind, ID: oldID}
	if e, ok := c.entries[oldKey]; ok {
		delete(c.entries, oldKey)
		e.Record.ID = newID
		c.entries[Key{Tenant: tenant, Kind: kind, ID: newID}] = e
	}
	for qk, q := range c.queries {
		if qk.Tenant != tenant || qk.Kind != kind {
			continue
		}
		for i, id := range q.IDs {
			if id == oldID {
				q.IDs[i] = newID
			}
		}
		q.IDs = dedupe(q.IDs)
	}
	for k, e := range c.entries {
		if k.Tenant != tenant {
			continue
		}
		fields, err := e.Record.Fields()
		if err != nil || !fields.RewriteRefs(oldID, newID) {
			continue
		}
		if err := e.Record.SetFields(fields); err == nil {
			touched = append(touched, Change{Type: ChangeUpserted, Tenant: tenant, Kind: k.Kind, ID: k.ID})
		}
	}
	c.mu.Unlock()
	c.publish(append([]Change{{Type: ChangeIDRewritten, Tenant: tenant, Kind: kind, ID: newID, OldID: oldID}}, touched...)...)
}

// InvalidateKind marks every query of (tenant, kind) stale. Entries stay.
func (c *ReadCache) InvalidateKind(tenant string, kind domain.EntityKind) {
	c.mu.Lock()
	for qk, q := range c.queries {
		if qk.Tenant == tenant && qk.Kind == kind {
			q.Stale = true
		}
	}
	c.mu.Unlock()
	c.publish(Change{Type: ChangeInvalidated, Tenant: tenant, Kind: kind})
}

// Load fills (or refreshes) the default query of a kind from src when it is
// missing or stale, and returns the resolved records.
func (c *ReadCache) Load(ctx context.Context, src Source, tenant string, kind domain.EntityKind) ([]domain.Record, error) {
	if q, ok := c.Query(tenant, kind, AllQuery); ok && !q.Stale {
		return c.List(tenant, kind, AllQuery), nil
	}
	recs, err := src.ListByTenant(ctx, kind, tenant, false)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	c.mu.Lock()
	for i := range recs {
		k := Key{Tenant: tenant, Kind: kind, ID: recs[i].ID}
		pending := false
		if prev, ok := c.entries[k]; ok {
			pending = prev.Pending
		}
		c.entries[k] = &Entry{Record: recs[i].Clone(), Pending: pending}
		ids = append(ids, recs[i].ID)
	}
	c.queries[QueryKey{Tenant: tenant, Kind: kind, Name: AllQuery}] = &Query{IDs: ids, FetchedAt: c.now()}
	c.mu.Unlock()
	c.publish(Change{Type: ChangeLoaded, Tenant: tenant, Kind: kind})
	return c.List(tenant, kind, AllQuery), nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, v := range ids {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
