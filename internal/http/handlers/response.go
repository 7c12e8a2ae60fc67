// Package handlers provides HTTP handler implementations for the reconciler
// API.
//
// Two response shapes are used:
//   - Entity endpoints answer with Envelope ({success, data, error, code}),
//     the contract the device sync client classifies.
//   - Router-level failures (unknown route, wrong method) use ErrorResponse
//     via Fail, matching the middleware error bodies.
//
// Example entity response:
//
//	HTTP/1.1 201 Created
//	{ "success": true, "data": { "id": "…", "kind": "reservation", "version": 1 } }
//
// Example rejection:
//
//	HTTP/1.1 422 Unprocessable Entity
//	{ "success": false, "code": "validation_failed", "error": "validation failed: size must be a positive integer" }
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-pos-sync/internal/http/middleware"
)

// ErrorResponse is the error body used outside the entity endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"resource not found"`
}

// Envelope wraps every entity endpoint response.
type Envelope struct {
	Success   bool   `json:"success" example:"true"`
	Data      any    `json:"data,omitempty" swaggertype:"object"`
	Error     string `json:"error,omitempty" example:"validation failed: customerName is required"`
	Code      string `json:"code,omitempty" example:"validation_failed"`
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
}

// fail aborts with an ErrorResponse; 5xx are logged with the request logger.
func fail(c *gin.Context, status int, code, msg string) {
	logServerError(c, status, code, msg)
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail() for router-level fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// respond writes a successful envelope.
func respond(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

// reject aborts with a failed envelope.
func reject(c *gin.Context, status int, code, msg string) {
	logServerError(c, status, code, msg)
	c.AbortWithStatusJSON(status, Envelope{
		Success:   false,
		Error:     msg,
		Code:      code,
		RequestID: c.Writer.Header().Get("X-Request-ID"),
	})
}

func logServerError(c *gin.Context, status int, code, msg string) {
	if status < http.StatusInternalServerError {
		return
	}
	lg := middleware.LoggerFrom(c)
	lg.Error().
		Int("status", status).
		Str("code", code).
		Str("message", msg).
		Msg("api error")
}
