package syncer

import (
	"fmt"
	"strings"

	"github.com/tbourn/go-pos-sync/internal/domain"
)

// Policy names accepted by PolicyByName.
const (
	PolicyLastWriterWins = "last_writer_wins"
	PolicyFieldMerge     = "field_merge"
)

// ConflictPolicy decides how two versions of a record combine. It is
// consulted in two places: when a new local edit lands on a record that
// already has local state, and when the canonical result of a replay is
// written back while later edits of the same record are still queued.
type ConflictPolicy interface {
	Name() string
	// MergeLocal returns the payload to store for an update of current
	// with incoming.
	MergeLocal(current, incoming domain.Payload) domain.Payload
	// Reconcile returns the payload to keep locally once the remote system
	// has answered with canonical. localPending is true when later edits
	// of the record are still waiting in the queue.
	Reconcile(local, canonical domain.Payload, localPending bool) domain.Payload
}

// LastWriterWins treats every update as a full replacement: the most
// recent write wins both locally and remotely.
type LastWriterWins struct{}

func (LastWriterWins) Name() string { return PolicyLastWriterWins }

func (LastWriterWins) MergeLocal(_, incoming domain.Payload) domain.Payload {
	return incoming.Clone()
}

func (LastWriterWins) Reconcile(local, canonical domain.Payload, localPending bool) domain.Payload {
	if localPending {
		return local.Clone()
	}
	return canonical.Clone()
}

// FieldMerge overlays incoming fields on the current payload, so an edit
// that only carries some fields keeps the others.
type FieldMerge struct{}

func (FieldMerge) Name() string { return PolicyFieldMerge }

func (FieldMerge) MergeLocal(current, incoming domain.Payload) domain.Payload {
	out := current.Clone()
	if out == nil {
		out = domain.Payload{}
	}
	for k, v := range incoming.Clone() {
		out[k] = v
	}
	return out
}

func (FieldMerge) Reconcile(local, canonical domain.Payload, localPending bool) domain.Payload {
	if !localPending {
		return canonical.Clone()
	}
	out := canonical.Clone()
	if out == nil {
		out = domain.Payload{}
	}
	for k, v := range local.Clone() {
		out[k] = v
	}
	return out
}

// PolicyByName resolves a configured policy name; empty selects
// LastWriterWins.
func PolicyByName(name string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyLastWriterWins:
		return LastWriterWins{}, nil
	case PolicyFieldMerge:
		return FieldMerge{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", name)
	}
}
