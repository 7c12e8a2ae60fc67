// Package domain defines the persistence models shared by the on-device sync
// core and the server-side reconciler. Local types (Record, QueuedAction,
// Notification) live in the device database; Entity and Idempotency live in
// the canonical store behind the HTTP API.
package domain

import (
	"fmt"
	"strings"
)

// EntityKind names a synchronized resource type.
type EntityKind string

const (
	KindOrder       EntityKind = "order"
	KindReservation EntityKind = "reservation"
	KindCustomer    EntityKind = "customer"
)

// Kinds lists every synchronized kind in a stable order.
var Kinds = []EntityKind{KindOrder, KindReservation, KindCustomer}

// Valid reports whether k is one of the known kinds.
func (k EntityKind) Valid() bool {
	switch k {
	case KindOrder, KindReservation, KindCustomer:
		return true
	}
	return false
}

// Plural returns the collection name used in API paths (e.g. "orders").
func (k EntityKind) Plural() string { return string(k) + "s" }

// KindFromPlural maps an API collection segment back to its kind.
func KindFromPlural(s string) (EntityKind, bool) {
	k := EntityKind(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	return k, k.Valid()
}

// Op is the mutation verb carried by a queued action.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ActionName is one of the closed set create_<kind>, update_<kind>, delete_<kind>.
type ActionName string

// NewActionName builds the action name for op on kind.
func NewActionName(op Op, kind EntityKind) ActionName {
	return ActionName(string(op) + "_" + string(kind))
}

// ParseActionName splits an action name into its op and kind.
func ParseActionName(name ActionName) (Op, EntityKind, error) {
	op, kind, ok := strings.Cut(string(name), "_")
	if !ok {
		return "", "", fmt.Errorf("malformed action name %q", name)
	}
	switch Op(op) {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return "", "", fmt.Errorf("unknown op in action name %q", name)
	}
	if !EntityKind(kind).Valid() {
		return "", "", fmt.Errorf("unknown kind in action name %q", name)
	}
	return Op(op), EntityKind(kind), nil
}
