package cache

import "github.com/tbourn/go-pos-sync/internal/domain"

// dependents lists the kinds whose payloads may reference a given kind.
// Their queries are invalidated whenever the referenced kind changes id.
var dependents = map[domain.EntityKind][]domain.EntityKind{
	domain.KindReservation: {domain.KindOrder},
	domain.KindCustomer:    {domain.KindOrder, domain.KindReservation},
}

// Bridge translates sync engine outcomes into cache updates.
type Bridge struct {
	cache *ReadCache
}

// NewBridge returns a bridge over c.
func NewBridge(c *ReadCache) *Bridge { return &Bridge{cache: c} }

// Cache exposes the underlying read cache.
func (b *Bridge) Cache() *ReadCache { return b.cache }

// Optimistic shows a locally written record before the remote system has
// confirmed it. Soft-deleted records are hidden.
func (b *Bridge) Optimistic(rec *domain.Record) {
	if rec.Deleted() {
		b.cache.Remove(rec.TenantID, rec.Kind, rec.ID)
		return
	}
	b.cache.Upsert(rec, true)
}

// Committed applies a confirmed record. When the canonical id differs from
// tempID the cached entry is re-keyed in place rather than removed and
// refetched, then queries of the kind and of kinds that may reference it
// are invalidated.
func (b *Bridge) Committed(tenant string, kind domain.EntityKind, tempID string, rec *domain.Record) {
	b.swap(tenant, kind, tempID, rec.ID)
	b.cache.Upsert(rec, false)
	b.cache.InvalidateKind(tenant, kind)
}

// Progressed applies a confirmed id while later local edits of the record
// are still queued. The entry keeps its pending flag.
func (b *Bridge) Progressed(tenant string, kind domain.EntityKind, tempID string, rec *domain.Record) {
	b.swap(tenant, kind, tempID, rec.ID)
	b.Optimistic(rec)
}

func (b *Bridge) swap(tenant string, kind domain.EntityKind, tempID, id string) {
	if tempID == "" || tempID == id {
		return
	}
	b.cache.RewriteID(tenant, kind, tempID, id)
	for _, dep := range dependents[kind] {
		b.cache.InvalidateKind(tenant, dep)
	}
}

// RolledBack restores the pre-mutation snapshot, or removes the record when
// there was none (a failed create).
func (b *Bridge) RolledBack(tenant string, kind domain.EntityKind, id string, snapshot *domain.Record) {
	if snapshot == nil || snapshot.Deleted() {
		b.cache.Remove(tenant, kind, id)
	} else {
		b.cache.Upsert(snapshot, false)
	}
	b.cache.InvalidateKind(tenant, kind)
}

// Removed drops a record whose deletion the remote system confirmed.
func (b *Bridge) Removed(tenant string, kind domain.EntityKind, id string) {
	b.cache.Remove(tenant, kind, id)
	b.cache.InvalidateKind(tenant, kind)
}
