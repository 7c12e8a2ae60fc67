// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the reconciler's access logger.
// Request and response bodies are never logged: POS payloads carry customer
// names, emails and phone numbers. Query strings and header values are
// pattern-scrubbed, credentials are masked outright, and a short allowlist
// of correlation headers (Idempotency-Key, X-Tenant-ID) passes through so a
// device's retries can be followed across log lines.
//
// Scrubbing reduces, but does not remove, the chance of PII reaching logs.
package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-pos-sync/internal/auth"
)

// RedactOptions configures RedactingLogger. Header names match
// case-insensitively.
type RedactOptions struct {
	// MaskHeaders are replaced with "[REDACTED]", in addition to
	// Authorization, Cookie and Set-Cookie.
	MaskHeaders []string
	// PassHeaders are logged verbatim. Use it for opaque correlation ids
	// that would otherwise be scrubbed as UUIDs.
	PassHeaders []string
	// QuietPaths are logged at debug when they succeed, e.g. the /health
	// endpoint every device polls.
	QuietPaths []string
}

var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits only, so it never bites into the hex groups of a UUID.
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// scrubber decides how each header value reaches the log.
type scrubber struct {
	mask map[string]bool
	pass map[string]bool
}

func newScrubber(opts RedactOptions) scrubber {
	return scrubber{
		mask: lowerSet([]string{"Authorization", "Cookie", "Set-Cookie"}, opts.MaskHeaders),
		pass: lowerSet(opts.PassHeaders),
	}
}

// text replaces ids, emails and phone numbers. UUIDs go first because the
// phone pattern would otherwise match their digit runs.
func (scrubber) text(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

func (sc scrubber) headers(in http.Header) map[string]string {
	out := make(map[string]string, len(in))
	for k, vv := range in {
		val := strings.Join(vv, ", ")
		switch key := strings.ToLower(k); {
		case sc.mask[key]:
			out[k] = "[REDACTED]"
		case sc.pass[key]:
			out[k] = val
		default:
			out[k] = sc.text(val)
		}
	}
	return out
}

// RedactingLogger emits one "http_request" line per request: info for 2xx
// and 3xx, warn for 4xx, error for 5xx. Before calling the next handler it
// attaches a request-scoped logger for LoggerFrom.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	sc := newScrubber(opts)
	quiet := make(map[string]bool, len(opts.QuietPaths))
	for _, p := range opts.QuietPaths {
		quiet[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		query := sc.text(c.Request.URL.RawQuery)
		headers := sc.headers(c.Request.Header)

		scoped := log.With().
			Str("request_id", c.GetString(requestIDKey)).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()
		c.Set(loggerKey, &scoped)

		c.Next()

		status := c.Writer.Status()
		reqID := c.Writer.Header().Get(requestIDHeader)
		if reqID == "" {
			reqID = c.GetHeader(requestIDHeader)
		}

		var ev *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			ev = log.Error()
		case status >= http.StatusBadRequest:
			ev = log.Warn()
		case quiet[path]:
			ev = log.Debug()
		default:
			ev = log.Info()
		}
		ev.
			Str("request_id", reqID).
			Str("tenant_id", c.GetString(auth.CtxTenantID)).
			Bool("replayed", c.Writer.Header().Get("Idempotency-Replayed") == "true").
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}

func lowerSet(lists ...[]string) map[string]bool {
	set := make(map[string]bool)
	for _, list := range lists {
		for _, h := range list {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				set[h] = true
			}
		}
	}
	return set
}
