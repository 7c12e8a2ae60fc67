// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file validates the Idempotency-Key header on reconciler requests.
// Devices send the queued action's id as the key on every delivery, so a
// retry after a lost response carries the same key. IdempotencyValidator
// checks the key's shape, stashes it for handlers, and asks the store
// whether the tenant already has a response for it. Such replays skip the
// rate limiter; the handler still serves the stored result.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-pos-sync/internal/auth"
)

// HeaderIdempotencyKey carries the action id of a write. It is stable across
// every retry of the same queued action.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"

	defaultIdemMaxLen = 200
)

// Token characters plus ':' so "<device>:<uuid>" style ids are accepted.
var defaultIdemPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the validated key stashed by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	key := c.GetString(ctxKeyIdemKey)
	return key, key != ""
}

// IsReplay reports whether the tenant already has a stored response for the
// request's key.
func IsReplay(c *gin.Context) bool { return c.GetBool(ctxKeyIdemReplay) }

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the key length. Values <= 0 mean 200.
	MaxLen int
	// Pattern restricts the key's characters. Nil means ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
}

// IdempotencyLookup reports whether an unexpired stored response exists for
// (tenantID, key) at now. Expiry is the lookup's business.
type IdempotencyLookup func(ctx context.Context, tenantID, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator must run after auth so the tenant is known. Requests
// without the header pass through untouched; a malformed key is rejected
// with 400 bad_idempotency_key. Lookup errors are ignored: the request
// proceeds as a first delivery and the service's own check decides.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultIdemMaxLen
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultIdemPattern
	}

	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"success":    false,
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_idempotency_key",
				"error":      "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		tenant := c.GetString(auth.CtxTenantID)
		if lookup != nil && tenant != "" {
			if exists, err := lookup(c.Request.Context(), tenant, key, time.Now().UTC()); err == nil && exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}
