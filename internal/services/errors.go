// Package services implements the remote reconciler: the server-side
// system of record that accepts queued device actions exactly once.
// This file centralizes service-level error values so that callers can
// check them with errors.Is and the HTTP layer can map them to stable codes.
package services

import "errors"

var (
	// ErrValidation marks a payload the reconciler will never accept.
	// Concrete errors wrap it with the offending field.
	ErrValidation = errors.New("validation failed")

	// ErrEntityNotFound indicates that the target entity does not exist for
	// the tenant (or was already deleted).
	ErrEntityNotFound = errors.New("entity not found")

	// ErrVersionConflict is returned when an update carries an expected
	// version that no longer matches the stored entity.
	ErrVersionConflict = errors.New("version conflict")

	// ErrMissingKey is returned when a write has no idempotency key.
	ErrMissingKey = errors.New("idempotency key is required")

	// ErrKeyReused is returned when an idempotency key is presented again
	// with a different action than the one it was first recorded for.
	ErrKeyReused = errors.New("idempotency key reused for a different action")
)
