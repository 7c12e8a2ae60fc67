// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the per-tenant token bucket guarding the reconciler.
// Every device of a tenant shares one bucket, so a store coming back online
// with a long queue drains at the configured rate instead of starving other
// tenants. Unauthenticated traffic is keyed by client IP.
//
// A rejected request gets 429 and a Retry-After derived from the bucket's
// refill time. Devices treat 429 as transient and keep the action queued.
// Idempotent replays flagged by IdempotencyValidator bypass the bucket.
//
// Buckets live in process memory. Idle ones are swept every sweepEvery
// lookups.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-pos-sync/internal/auth"
)

const (
	sweepEvery = 5000
	bucketIdle = 10 * time.Minute
)

// keyFunc maps a request to its bucket.
type keyFunc func(*gin.Context) string

// KeyByTenantOrIP keys by the authenticated tenant ("tenant:<id>") and falls
// back to "ip:<addr>".
func KeyByTenantOrIP() keyFunc {
	return func(c *gin.Context) string {
		if tenant := c.GetString(auth.CtxTenantID); tenant != "" {
			return "tenant:" + tenant
		}
		return "ip:" + c.ClientIP()
	}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter holds one token bucket per key. It is safe for concurrent use.
type RateLimiter struct {
	limit rate.Limit
	burst int
	key   keyFunc
	idle  time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	lookups uint64
}

// NewRateLimiter returns a limiter refilling rps tokens per second up to
// burst (coerced to at least 1).
func NewRateLimiter(rps float64, burst int, key keyFunc) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   max(burst, 1),
		key:     key,
		idle:    bucketIdle,
		buckets: make(map[string]*bucket),
	}
}

// limiter returns the bucket for key, creating it on first use.
func (rl *RateLimiter) limiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Sweep before the lookup so a stale bucket for key is replaced too.
	if rl.lookups++; rl.lookups >= sweepEvery {
		rl.sweep(now)
		rl.lookups = 0
	}
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.seen = now
	return b.lim
}

// sweep drops buckets idle for at least rl.idle. Caller holds rl.mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for k, b := range rl.buckets {
		if now.Sub(b.seen) >= rl.idle {
			delete(rl.buckets, k)
		}
	}
}

// IsRateBypass reports whether IdempotencyValidator flagged the request as a
// replay of a completed write.
func IsRateBypass(c *gin.Context) bool {
	return c.GetBool(ctxKeyRateBypass)
}

// Handler enforces the buckets. Rejections look like
//
//	HTTP/1.1 429 Too Many Requests
//	Retry-After: 1
//	{"success":false,"request_id":"…","code":"too_many_requests","error":"rate limit exceeded"}
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		now := time.Now()
		key := rl.key(c)
		res := rl.limiter(key, now).ReserveN(now, 1)
		if res.OK() && res.DelayFrom(now) == 0 {
			c.Next()
			return
		}
		wait := time.Second
		if res.OK() {
			wait = res.DelayFrom(now)
			res.CancelAt(now)
		}

		lg := LoggerFrom(c)
		lg.Warn().Str("bucket", key).Dur("retry_after", wait).Msg("rate limited")

		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success":    false,
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"error":      "rate limit exceeded",
		})
	}
}

// retryAfterSeconds rounds d up to whole seconds, never below 1.
func retryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}
