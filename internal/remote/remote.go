// Package remote defines the contract between the device sync engine and the
// remote reconciler, plus an HTTP implementation of it.
//
// A Request is identified by its action id; the reconciler applies each id
// at most once and replays the original response on repeated delivery.
// Failures are reported as *Rejection so the engine can decide between
// rollback (validation), retry (conflict, transient) and notification.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tbourn/go-pos-sync/internal/domain"
)

// RejectionKind classifies a failed remote attempt.
type RejectionKind string

const (
	// RejectValidation is a terminal 4xx: the remote system will never
	// accept this action.
	RejectValidation RejectionKind = "validation"
	// RejectConflict is a concurrent modification; retried until the
	// retry budget runs out.
	RejectConflict RejectionKind = "conflict"
	// RejectTransient covers 5xx, network errors and timeouts.
	RejectTransient RejectionKind = "transient"
)

// Wire error codes returned by the reconciler API.
const (
	CodeValidationFailed = "validation_failed"
	CodeConflict         = "conflict"
	CodeNotFound         = "not_found"
	CodeInternal         = "internal_error"
	CodeTimeout          = "timeout"
	CodeNetwork          = "network_error"
)

// Rejection is the structured error every Reconciler returns.
type Rejection struct {
	Kind    RejectionKind
	Status  int
	Code    string
	Message string
	Err     error
}

func (r *Rejection) Error() string {
	if r.Status > 0 {
		return fmt.Sprintf("remote %s (%d %s): %s", r.Kind, r.Status, r.Code, r.Message)
	}
	return fmt.Sprintf("remote %s (%s): %s", r.Kind, r.Code, r.Message)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Retryable reports whether the action should stay queued.
func (r *Rejection) Retryable() bool { return r.Kind != RejectValidation }

// AsRejection extracts a *Rejection from err. Errors that are not
// rejections are treated as transient.
func AsRejection(err error) *Rejection {
	if err == nil {
		return nil
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Rejection{Kind: RejectTransient, Code: CodeTimeout, Message: "remote attempt timed out", Err: err}
	}
	return &Rejection{Kind: RejectTransient, Code: CodeNetwork, Message: err.Error(), Err: err}
}

// Request is one mutation sent to the reconciler.
type Request struct {
	ActionID string
	TenantID string
	Name     domain.ActionName
	RecordID string
	Payload  domain.Payload
}

// Result is the canonical outcome of an accepted request.
type Result struct {
	Entity   domain.Entity
	Replayed bool
}

// Record converts the canonical entity into a local record.
func (r *Result) Record() *domain.Record {
	rec := &domain.Record{
		TenantID:  r.Entity.TenantID,
		Kind:      r.Entity.Kind,
		ID:        r.Entity.ID,
		Payload:   append([]byte(nil), r.Entity.Payload...),
		UpdatedAt: r.Entity.UpdatedAt.UTC(),
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if len(rec.Payload) == 0 {
		rec.Payload = []byte("{}")
	}
	if r.Entity.Deleted {
		t := rec.UpdatedAt
		rec.DeletedAt = &t
	}
	return rec
}

// Reconciler applies mutations on the remote system of record.
type Reconciler interface {
	Apply(ctx context.Context, req Request) (*Result, error)
}

// Pinger probes reachability of the remote system.
type Pinger interface {
	Ping(ctx context.Context) error
}
