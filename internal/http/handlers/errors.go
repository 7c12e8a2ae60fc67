// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; the device sync client branches
// on them before falling back to the HTTP status class:
//   - validation_failed: terminal, the action will never be accepted
//   - conflict: retryable until the client's retry budget is exhausted
//   - internal_error: transient
//
// Example response:
//
//	{
//	  "success": false,
//	  "code": "conflict",
//	  "error": "version conflict"
//	}
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeValidationFailed = "validation_failed"
	ErrCodeMissingKey       = "missing_idempotency_key"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
