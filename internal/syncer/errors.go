package syncer

import (
	"errors"
	"fmt"

	"github.com/tbourn/go-pos-sync/internal/remote"
	"github.com/tbourn/go-pos-sync/internal/store"
)

// Code is the stable, machine-readable category of a sync failure.
type Code string

const (
	CodeValidationRejected Code = "validation_rejected"
	CodeTransientFailure   Code = "transient_failure"
	CodeConflictExhausted  Code = "conflict_exhausted"
	CodeStorageUnavailable Code = "storage_unavailable"
)

var (
	// ErrRecordNotFound is returned when an update or delete targets a
	// record that is absent (or already deleted) on the device.
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidMutation is returned for an empty tenant id or unknown kind.
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrActionNotFound is returned by Discard for an unknown action id.
	ErrActionNotFound = errors.New("queued action not found")

	// ErrNotificationNotFound is returned by Dismiss/Resubmit.
	ErrNotificationNotFound = errors.New("notification not found")
)

// HintManualResolution is attached to a terminal failure whose optimistic
// update could not be rolled back because no pre-edit copy was available.
const HintManualResolution = "local changes were kept and need manual resolution"

// Error is a classified sync failure.
type Error struct {
	Code     Code
	Op       string
	ActionID string
	Err      error
	// Hint tells the user what is left to do, if anything.
	Hint string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("sync %s [%s]: %v", e.Op, e.Code, e.Err)
	if e.ActionID != "" {
		msg = fmt.Sprintf("sync %s [%s] action %s: %v", e.Op, e.Code, e.ActionID, e.Err)
	}
	if e.Hint != "" {
		msg += "; " + e.Hint
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the sync code carried by err, or "" when err is not a
// classified sync failure.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, store.ErrStorageUnavailable) {
		return CodeStorageUnavailable
	}
	return ""
}

func storageErr(op string, err error) error {
	return &Error{Code: CodeStorageUnavailable, Op: op, Err: err}
}

// fromRejection maps a remote rejection to the engine taxonomy.
func fromRejection(op, actionID string, rej *remote.Rejection) *Error {
	code := CodeTransientFailure
	if rej.Kind == remote.RejectValidation {
		code = CodeValidationRejected
	}
	return &Error{Code: code, Op: op, ActionID: actionID, Err: rej}
}
