// Package httpapi wires the reconciler's HTTP transport (Gin) to the
// reconciler service, middleware, and entity handlers. It centralizes
// cross-cutting concerns such as tracing, correlation IDs, logging/redaction,
// panic recovery, metrics, CORS, security headers, tenant auth, idempotency,
// and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/go-pos-sync/docs" // registers the swagger docs
	"github.com/tbourn/go-pos-sync/internal/auth"
	"github.com/tbourn/go-pos-sync/internal/config"
	"github.com/tbourn/go-pos-sync/internal/domain"
	"github.com/tbourn/go-pos-sync/internal/http/handlers"
	"github.com/tbourn/go-pos-sync/internal/http/middleware"
	"github.com/tbourn/go-pos-sync/internal/repo"
	"github.com/tbourn/go-pos-sync/internal/services"
)

// entityRepoShim adapts the repository free functions to the
// services.EntityRepo interface expected by the ReconcilerService.
type entityRepoShim struct{}

// CreateEntity proxies repo.CreateEntity.
func (entityRepoShim) CreateEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, payload []byte) (*domain.Entity, error) {
	return repo.CreateEntity(ctx, db, tenantID, kind, payload)
}

// GetEntity proxies repo.GetEntity.
func (entityRepoShim) GetEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, id string) (*domain.Entity, error) {
	return repo.GetEntity(ctx, db, tenantID, kind, id)
}

// UpdateEntity proxies repo.UpdateEntity.
func (entityRepoShim) UpdateEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, id string, payload []byte, expectedVersion int) (*domain.Entity, error) {
	return repo.UpdateEntity(ctx, db, tenantID, kind, id, payload, expectedVersion)
}

// SoftDeleteEntity proxies repo.SoftDeleteEntity.
func (entityRepoShim) SoftDeleteEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, id string) (*domain.Entity, error) {
	return repo.SoftDeleteEntity(ctx, db, tenantID, kind, id)
}

// CountEntities proxies repo.CountEntities (pagination support).
func (entityRepoShim) CountEntities(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind) (int64, error) {
	return repo.CountEntities(ctx, db, tenantID, kind)
}

// ListEntitiesPage proxies repo.ListEntitiesPage (pagination support).
func (entityRepoShim) ListEntitiesPage(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, offset, limit int) ([]domain.Entity, error) {
	return repo.ListEntitiesPage(ctx, db, tenantID, kind, offset, limit)
}

// NewReconciler builds the reconciler service over db with the configured
// idempotency TTL.
func NewReconciler(db *gorm.DB, cfg config.Config) *services.ReconcilerService {
	svc := services.NewReconcilerService(db, entityRepoShim{})
	if cfg.IdempotencyTTL > 0 {
		svc.TTL = cfg.IdempotencyTTL
	}
	return svc
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), CORS and security
// headers, health, metrics and docs endpoints, and then mounts the versioned
// entity API under /api/v* behind tenant authentication, idempotency and
// rate limiting.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS, security headers, gzip
//
// and on the API group:
//  8. Auth: resolves the tenant (JWT or dev header)
//  9. Idempotency validator (before rate limiter to allow bypass on replay)
//  10. Rate limiter (per tenant/IP, bypass on replay)
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
		PassHeaders: []string{middleware.HeaderIdempotencyKey, auth.HeaderTenantID},
		QuietPaths:  []string{"/health"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "If-Match", "If-None-Match", auth.HeaderTenantID, middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", handlers.HeaderReplayed},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "If-Match", "If-None-Match", auth.HeaderTenantID, middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", handlers.HeaderReplayed},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
		Expose:       []string{"ETag", handlers.HeaderReplayed},
	}))

	// Compress list responses; small write responses stay below the threshold anyway.
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db
	h := handlers.New(NewReconciler(db, cfg))
	authn := auth.New(cfg.JWTSecret, cfg.JWTIssuer)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	api.Use(authn.Middleware())

	// Idempotency validation (before rate limiting)
	api.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, tenantID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, tenantID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// Token-bucket rate limiter per tenant/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByTenantOrIP())
	api.Use(rl.Handler())
	{
		api.POST("/:kind", h.CreateEntity)
		api.GET("/:kind", h.ListEntities)
		api.GET("/:kind/:id", h.GetEntity)
		api.PUT("/:kind/:id", h.UpdateEntity)
		api.DELETE("/:kind/:id", h.DeleteEntity)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
