package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-pos-sync/internal/auth"
	"github.com/tbourn/go-pos-sync/internal/config"
	"github.com/tbourn/go-pos-sync/internal/domain"
	"github.com/tbourn/go-pos-sync/internal/http/middleware"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&domain.Entity{}, &domain.Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig(base string) config.Config {
	return config.Config{
		APIBasePath:    base,
		RateRPS:        100,
		RateBurst:      10,
		CORS:           config.CORSConfig{},
		Security:       config.SecurityConfig{EnableHSTS: false},
		OTEL:           config.OTELConfig{ServiceName: "svc"},
		IdempotencyTTL: time.Hour,
	}
}

const reservationBody = `{"customerName":"Ada","size":2,"startTime":"2026-10-15T19:00:00Z"}`

func postReservation(r http.Handler, base, tenant, key string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, base+"/reservations", strings.NewReader(reservationBody))
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(auth.HeaderTenantID, tenant)
	}
	if key != "" {
		req.Header.Set(middleware.HeaderIdempotencyKey, key)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   10,
		CORS:        config.CORSConfig{AllowedOrigins: nil}, // triggers AllowAllOrigins branch
		Security:    config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
	db := newTestDB(t)

	RegisterRoutes(r, db, cfg)

	// /health works
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(w.Body.Bytes()) == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := config.Config{
		APIBasePath: "/api/v2",
		RateRPS:     50,
		RateBurst:   5,
		CORS:        config.CORSConfig{AllowedOrigins: []string{"http://example.com"}},
		Security:    config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
	db := newTestDB(t)

	RegisterRoutes(r, db, cfg)

	// Any request runs through CORS middleware; header should reflect origin.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	root1 := groupWithPrefix(r, "/")
	root1.GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	root2 := groupWithPrefix(r, "")
	root2.GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })

	// non-root prefix
	api := groupWithPrefix(r, "/api")
	api.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	// Hit all three
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/one", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "one" {
		t.Fatalf("GET /one got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/two", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "two" {
		t.Fatalf("GET /two got %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("GET /api/ping got %d %q", rec.Code, rec.Body.String())
	}
}

// Smoke test that a request traverses the otel + request id + security headers pipeline.
func TestPipeline_Smoke(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testConfig("/api/v1")
	cfg.Security = config.SecurityConfig{EnableHSTS: true, HSTSMaxAge: time.Hour}
	RegisterRoutes(r, newTestDB(t), cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.URL.Scheme = "https"
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("pipeline GET /health = %d", w.Code)
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	expose := w.Header().Get("Access-Control-Expose-Headers")
	if !strings.Contains(expose, "Idempotency-Replayed") || !strings.Contains(expose, "ETag") {
		t.Fatalf("expose headers missing sync headers: %q", expose)
	}
}

func Test_entityRepoShim_Proxies(t *testing.T) {
	db := newTestDB(t)
	shim := entityRepoShim{}
	ctx := context.Background()

	e, err := shim.CreateEntity(ctx, db, "t1", domain.KindCustomer, []byte(`{"name":"Ada"}`))
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if e == nil || e.ID == "" || e.TenantID != "t1" || e.Version != 1 {
		t.Fatalf("CreateEntity returned bad entity: %+v", e)
	}

	got, err := shim.GetEntity(ctx, db, "t1", domain.KindCustomer, e.ID)
	if err != nil || got.ID != e.ID {
		t.Fatalf("GetEntity: %v %+v", err, got)
	}

	upd, err := shim.UpdateEntity(ctx, db, "t1", domain.KindCustomer, e.ID, []byte(`{"name":"Ada L."}`), 1)
	if err != nil {
		t.Fatalf("UpdateEntity: %v", err)
	}
	if upd.Version != 2 {
		t.Fatalf("UpdateEntity version=%d want 2", upd.Version)
	}

	for _, name := range []string{"Grace", "Linus"} {
		if _, err := shim.CreateEntity(ctx, db, "t1", domain.KindCustomer, []byte(`{"name":"`+name+`"}`)); err != nil {
			t.Fatalf("CreateEntity %s: %v", name, err)
		}
	}

	n, err := shim.CountEntities(ctx, db, "t1", domain.KindCustomer)
	if err != nil || n != 3 {
		t.Fatalf("CountEntities n=%d err=%v", n, err)
	}
	page, err := shim.ListEntitiesPage(ctx, db, "t1", domain.KindCustomer, 0, 2)
	if err != nil || len(page) != 2 {
		t.Fatalf("ListEntitiesPage len=%d err=%v", len(page), err)
	}

	if _, err := shim.SoftDeleteEntity(ctx, db, "t1", domain.KindCustomer, e.ID); err != nil {
		t.Fatalf("SoftDeleteEntity: %v", err)
	}
	if n, _ := shim.CountEntities(ctx, db, "t1", domain.KindCustomer); n != 2 {
		t.Fatalf("CountEntities after delete = %d", n)
	}
}

func TestNewReconciler_UsesConfiguredTTL(t *testing.T) {
	svc := NewReconciler(newTestDB(t), testConfig("/api/v1"))
	if svc.TTL != time.Hour {
		t.Fatalf("TTL=%v want 1h", svc.TTL)
	}
	cfg := testConfig("/api/v1")
	cfg.IdempotencyTTL = 0
	if svc := NewReconciler(newTestDB(t), cfg); svc.TTL <= 0 {
		t.Fatalf("zero TTL should keep the service default")
	}
}

func TestRegisterRoutes_CreateThenReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t)
	RegisterRoutes(r, db, testConfig("/api/vX"))

	w := postReservation(r, "/api/vX", "t1", "act-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("first POST = %d body=%s", w.Code, w.Body.String())
	}
	if w.Header().Get("Idempotency-Replayed") == "true" {
		t.Fatalf("first delivery must not be a replay")
	}
	var first struct {
		Success bool          `json:"success"`
		Data    domain.Entity `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil || !first.Success {
		t.Fatalf("decode first: %v %s", err, w.Body.String())
	}

	// Second delivery hits the stored record through the lookup callback.
	w = postReservation(r, "/api/vX", "t1", "act-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("replay POST = %d body=%s", w.Code, w.Body.String())
	}
	if w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("expected replay header on second delivery")
	}
	var again struct {
		Data domain.Entity `json:"data"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &again)
	if again.Data.ID != first.Data.ID {
		t.Fatalf("replay returned %q, want %q", again.Data.ID, first.Data.ID)
	}

	var n int64
	db.Model(&domain.Entity{}).Count(&n)
	if n != 1 {
		t.Fatalf("entities=%d want 1", n)
	}

	// Same key under another tenant is an independent write.
	if w := postReservation(r, "/api/vX", "t2", "act-1"); w.Code != http.StatusCreated || w.Header().Get("Idempotency-Replayed") == "true" {
		t.Fatalf("other tenant: code=%d replayed=%q", w.Code, w.Header().Get("Idempotency-Replayed"))
	}
}

func TestRegisterRoutes_AuthAndKeyChecks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), testConfig("/api/v1"))

	if w := postReservation(r, "/api/v1", "", "k1"); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing tenant = %d, want 401", w.Code)
	}
	if w := postReservation(r, "/api/v1", "t1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("missing key = %d, want 400", w.Code)
	}
	if w := postReservation(r, "/api/v1", "t1", strings.Repeat("k", 201)); w.Code != http.StatusBadRequest {
		t.Fatalf("oversized key = %d, want 400", w.Code)
	}
}

func TestRegisterRoutes_JWTRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := testConfig("/api/v1")
	cfg.JWTSecret = "s3cret"
	cfg.JWTIssuer = "pos"
	RegisterRoutes(r, newTestDB(t), cfg)

	if w := postReservation(r, "/api/v1", "t1", "k1"); w.Code != http.StatusUnauthorized {
		t.Fatalf("no bearer = %d, want 401", w.Code)
	}

	token, err := auth.New(cfg.JWTSecret, cfg.JWTIssuer).Issue("t1", "till-1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reservations", strings.NewReader(reservationBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(middleware.HeaderIdempotencyKey, "k1")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("bearer POST = %d body=%s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_IdempotencyCallback_SeededHit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t)
	RegisterRoutes(r, db, testConfig("/api/v1"))

	now := time.Now().UTC()
	ent := domain.Entity{ID: "e-seed", TenantID: "t1", Kind: domain.KindCustomer, Payload: []byte(`{"name":"Ada"}`), Version: 1, CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&ent).Error; err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	resp, _ := json.Marshal(ent)
	seed := &domain.Idempotency{
		ID:        "idem-seed-1",
		TenantID:  "t1",
		Key:       "key-hit",
		Action:    domain.NewActionName(domain.OpCreate, domain.KindCustomer),
		EntityID:  ent.ID,
		Status:    http.StatusCreated,
		Response:  resp,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := db.Create(seed).Error; err != nil {
		t.Fatalf("seed idempotency: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/customers", bytes.NewBufferString(`{"name":"Ada"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderTenantID, "t1")
	req.Header.Set(middleware.HeaderIdempotencyKey, "key-hit")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("seeded replay: code=%d replayed=%q body=%s", w.Code, w.Header().Get("Idempotency-Replayed"), w.Body.String())
	}
}

func TestRegisterRoutes_IdempotencyCallback_ErrorBranch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t)
	RegisterRoutes(r, db, testConfig("/api/v1"))

	// Force queries to fail by closing the underlying connection.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()

	w := postReservation(r, "/api/v1", "t1", "force-error")
	if w.Code < http.StatusInternalServerError {
		t.Fatalf("expected 5xx with a closed database, got %d", w.Code)
	}
	if w.Header().Get("Idempotency-Replayed") == "true" {
		t.Fatalf("lookup error must not mark a replay")
	}
}
