package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-pos-sync/internal/auth"
	"github.com/tbourn/go-pos-sync/internal/domain"
	"github.com/tbourn/go-pos-sync/internal/http/middleware"
	"github.com/tbourn/go-pos-sync/internal/repo"
	"github.com/tbourn/go-pos-sync/internal/services"
)

// ---------- test DB + repo shim ----------

func newEntityDB(t *testing.T) *gorm.DB {
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
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type testEntityRepo struct{}

func (testEntityRepo) CreateEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, payload []byte) (*domain.Entity, error) {
	return repo.CreateEntity(ctx, db, tenantID, kind, payload)
}

func (testEntityRepo) GetEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, id string) (*domain.Entity, error) {
	return repo.GetEntity(ctx, db, tenantID, kind, id)
}

func (testEntityRepo) UpdateEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, id string, payload []byte, expectedVersion int) (*domain.Entity, error) {
	return repo.UpdateEntity(ctx, db, tenantID, kind, id, payload, expectedVersion)
}

func (testEntityRepo) SoftDeleteEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, id string) (*domain.Entity, error) {
	return repo.SoftDeleteEntity(ctx, db, tenantID, kind, id)
}

func (testEntityRepo) CountEntities(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind) (int64, error) {
	return repo.CountEntities(ctx, db, tenantID, kind)
}

func (testEntityRepo) ListEntitiesPage(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, offset, limit int) ([]domain.Entity, error) {
	return repo.ListEntitiesPage(ctx, db, tenantID, kind, offset, limit)
}

// ---------- router ----------

func newEntityRouter(t *testing.T, svc Reconciler) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1")
	api.Use(auth.New("", "").Middleware())
	api.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	h := New(svc)
	api.POST("/:kind", h.CreateEntity)
	api.GET("/:kind", h.ListEntities)
	api.GET("/:kind/:id", h.GetEntity)
	api.PUT("/:kind/:id", h.UpdateEntity)
	api.DELETE("/:kind/:id", h.DeleteEntity)
	return r
}

func newServiceRouter(t *testing.T) (*gin.Engine, *services.ReconcilerService) {
	t.Helper()
	svc := services.NewReconcilerService(newEntityDB(t), testEntityRepo{})
	return newEntityRouter(t, svc), svc
}

type call struct {
	method, path, body string
	tenant, key        string
	headers            map[string]string
}

func do(t *testing.T, r http.Handler, cl call) (*httptest.ResponseRecorder, Envelope, domain.Entity) {
	t.Helper()
	req := httptest.NewRequest(cl.method, cl.path, strings.NewReader(cl.body))
	req.Header.Set("Content-Type", "application/json")
	if cl.tenant != "" {
		req.Header.Set(auth.HeaderTenantID, cl.tenant)
	}
	if cl.key != "" {
		req.Header.Set(middleware.HeaderIdempotencyKey, cl.key)
	}
	for k, v := range cl.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env Envelope
	var ent domain.Entity
	if w.Body.Len() > 0 {
		var raw struct {
			Envelope
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", cl.method, cl.path, err, w.Body.String())
		}
		env = raw.Envelope
		if len(raw.Data) > 0 {
			_ = json.Unmarshal(raw.Data, &ent)
		}
	}
	return w, env, ent
}

const reservationBody = `{"customerName":"Jane Doe","size":4,"startTime":"2026-10-15T19:00:00Z"}`

// ---------- tests ----------

func TestCreateEntity_ThenReplay(t *testing.T) {
	r, _ := newServiceRouter(t)

	w, env, ent := do(t, r, call{method: http.MethodPost, path: "/api/v1/reservations", body: reservationBody, tenant: "t1", key: "a-1"})
	if w.Code != http.StatusCreated || !env.Success {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	if ent.ID == "" || ent.Kind != domain.KindReservation || ent.Version != 1 {
		t.Fatalf("unexpected entity: %+v", ent)
	}
	if w.Header().Get(HeaderReplayed) != "" {
		t.Fatalf("first delivery must not be marked replayed")
	}

	w2, _, again := do(t, r, call{method: http.MethodPost, path: "/api/v1/reservations", body: reservationBody, tenant: "t1", key: "a-1"})
	if w2.Code != http.StatusCreated || w2.Header().Get(HeaderReplayed) != "true" {
		t.Fatalf("replay: %d replayed=%q", w2.Code, w2.Header().Get(HeaderReplayed))
	}
	if again.ID != ent.ID {
		t.Fatalf("replay returned a different entity: %s vs %s", again.ID, ent.ID)
	}

	w3, listEnv, _ := do(t, r, call{method: http.MethodGet, path: "/api/v1/reservations", tenant: "t1"})
	if w3.Code != http.StatusOK || !listEnv.Success {
		t.Fatalf("list: %d %s", w3.Code, w3.Body.String())
	}
	if !strings.Contains(w3.Body.String(), `"total":1`) {
		t.Fatalf("expected exactly one stored reservation: %s", w3.Body.String())
	}
}

func TestCreateEntity_ValidationFailed(t *testing.T) {
	r, _ := newServiceRouter(t)
	w, env, _ := do(t, r, call{method: http.MethodPost, path: "/api/v1/reservations", body: `{"customerName":"Jane","size":0,"startTime":"2026-10-15T19:00:00Z"}`, tenant: "t1", key: "a-1"})
	if w.Code != http.StatusUnprocessableEntity || env.Success || env.Code != ErrCodeValidationFailed {
		t.Fatalf("got %d %+v", w.Code, env)
	}
	if !strings.Contains(env.Error, "size") {
		t.Fatalf("error should name the field: %q", env.Error)
	}
}

func TestCreateEntity_RequestErrors(t *testing.T) {
	r, _ := newServiceRouter(t)
	cases := []struct {
		name     string
		cl       call
		wantCode int
		wantErr  string
	}{
		{"missing key", call{method: http.MethodPost, path: "/api/v1/orders", body: `{"total":5}`, tenant: "t1"}, http.StatusBadRequest, ErrCodeMissingKey},
		{"unknown collection", call{method: http.MethodPost, path: "/api/v1/widgets", body: `{}`, tenant: "t1", key: "k"}, http.StatusNotFound, ErrCodeNotFound},
		{"malformed body", call{method: http.MethodPost, path: "/api/v1/orders", body: `[1,2]`, tenant: "t1", key: "k"}, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing tenant", call{method: http.MethodPost, path: "/api/v1/orders", body: `{"total":5}`, key: "k"}, http.StatusUnauthorized, "unauthorized"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, env, _ := do(t, r, tc.cl)
			if w.Code != tc.wantCode || env.Code != tc.wantErr {
				t.Fatalf("got %d %q (%s)", w.Code, env.Code, w.Body.String())
			}
		})
	}
}

func TestUpdateEntity_IfMatchAndConflict(t *testing.T) {
	r, _ := newServiceRouter(t)
	_, _, ent := do(t, r, call{method: http.MethodPost, path: "/api/v1/customers", body: `{"name":"Ann"}`, tenant: "t1", key: "c-1"})

	path := "/api/v1/customers/" + ent.ID
	w, _, upd := do(t, r, call{method: http.MethodPut, path: path, body: `{"name":"Ann B"}`, tenant: "t1", key: "u-1", headers: map[string]string{"If-Match": `"1"`}})
	if w.Code != http.StatusOK || upd.Version != 2 {
		t.Fatalf("update: %d %+v", w.Code, upd)
	}
	if w.Header().Get("ETag") != `"2"` {
		t.Fatalf("etag=%q", w.Header().Get("ETag"))
	}

	w, env, _ := do(t, r, call{method: http.MethodPut, path: path, body: `{"name":"Stale"}`, tenant: "t1", key: "u-2", headers: map[string]string{"If-Match": `W/"1"`}})
	if w.Code != http.StatusConflict || env.Code != ErrCodeConflict {
		t.Fatalf("stale update: %d %+v", w.Code, env)
	}

	w, env, _ = do(t, r, call{method: http.MethodPut, path: path, body: `{"name":"X"}`, tenant: "t1", key: "u-3", headers: map[string]string{"If-Match": "abc"}})
	if w.Code != http.StatusBadRequest || env.Code != ErrCodeBadRequest {
		t.Fatalf("bad If-Match: %d %+v", w.Code, env)
	}
}

func TestDeleteAndGetEntity(t *testing.T) {
	r, _ := newServiceRouter(t)
	_, _, ent := do(t, r, call{method: http.MethodPost, path: "/api/v1/orders", body: `{"items":[{"sku":"tea"}],"total":3.5}`, tenant: "t1", key: "o-1"})
	path := "/api/v1/orders/" + ent.ID

	w, _, got := do(t, r, call{method: http.MethodGet, path: path, tenant: "t1"})
	if w.Code != http.StatusOK || got.ID != ent.ID {
		t.Fatalf("get: %d %+v", w.Code, got)
	}
	// Other tenants cannot see it.
	if w, env, _ := do(t, r, call{method: http.MethodGet, path: path, tenant: "t2"}); w.Code != http.StatusNotFound || env.Code != ErrCodeNotFound {
		t.Fatalf("cross-tenant get: %d %+v", w.Code, env)
	}

	w, _, del := do(t, r, call{method: http.MethodDelete, path: path, tenant: "t1", key: "o-2"})
	if w.Code != http.StatusOK || !del.Deleted {
		t.Fatalf("delete: %d %+v", w.Code, del)
	}
	if w, _, _ := do(t, r, call{method: http.MethodGet, path: path, tenant: "t1"}); w.Code != http.StatusNotFound {
		t.Fatalf("deleted entity still readable: %d", w.Code)
	}
	// Replaying the delete still answers with the stored response.
	if w, _, _ := do(t, r, call{method: http.MethodDelete, path: path, tenant: "t1", key: "o-2"}); w.Code != http.StatusOK || w.Header().Get(HeaderReplayed) != "true" {
		t.Fatalf("delete replay: %d %q", w.Code, w.Header().Get(HeaderReplayed))
	}
}

func TestListEntities_ETagAndPagination(t *testing.T) {
	r, _ := newServiceRouter(t)
	for i := 0; i < 3; i++ {
		do(t, r, call{method: http.MethodPost, path: "/api/v1/customers", body: fmt.Sprintf(`{"name":"C%d"}`, i), tenant: "t1", key: fmt.Sprintf("k-%d", i)})
	}

	w, _, _ := do(t, r, call{method: http.MethodGet, path: "/api/v1/customers?page=2&page_size=2", tenant: "t1"})
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	var body struct {
		Data ListEntitiesResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data.Items) != 1 || body.Data.Pagination.Total != 3 || body.Data.Pagination.TotalPages != 2 || body.Data.Pagination.HasNext {
		t.Fatalf("unexpected page: %+v", body.Data)
	}

	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers?page=2&page_size=2", nil)
	req.Header.Set(auth.HeaderTenantID, "t1")
	req.Header.Set("If-None-Match", etag)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req)
	if w2.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w2.Code)
	}
}

type failingReconciler struct{ err error }

func (f failingReconciler) Apply(context.Context, services.ApplyInput) (*services.ApplyResult, error) {
	return nil, f.err
}

func (f failingReconciler) Get(context.Context, string, domain.EntityKind, string) (*domain.Entity, error) {
	return nil, f.err
}

func (f failingReconciler) ListPage(context.Context, string, domain.EntityKind, int, int) ([]domain.Entity, int64, error) {
	return nil, 0, f.err
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err      error
		status   int
		wantCode string
	}{
		{fmt.Errorf("%w: size", services.ErrValidation), http.StatusUnprocessableEntity, ErrCodeValidationFailed},
		{services.ErrKeyReused, http.StatusUnprocessableEntity, ErrCodeValidationFailed},
		{services.ErrEntityNotFound, http.StatusNotFound, ErrCodeNotFound},
		{services.ErrVersionConflict, http.StatusConflict, ErrCodeConflict},
		{services.ErrMissingKey, http.StatusBadRequest, ErrCodeMissingKey},
		{errors.New("db down"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		r := newEntityRouter(t, failingReconciler{err: tc.err})
		w, env, _ := do(t, r, call{method: http.MethodPost, path: "/api/v1/orders", body: `{"total":1}`, tenant: "t1", key: "k"})
		if w.Code != tc.status || env.Code != tc.wantCode || env.Success {
			t.Fatalf("%v: got %d %+v", tc.err, w.Code, env)
		}
	}
}

func TestIfMatchVersion(t *testing.T) {
	cases := map[string]int{"": 0, "*": 0, "3": 3, `"4"`: 4, `W/"5"`: 5}
	for in, want := range cases {
		got, err := ifMatchVersion(in)
		if err != nil || got != want {
			t.Fatalf("ifMatchVersion(%q) = %d, %v", in, got, err)
		}
	}
	for _, in := range []string{"x", `"0"`, "-1"} {
		if _, err := ifMatchVersion(in); err == nil {
			t.Fatalf("ifMatchVersion(%q) should fail", in)
		}
	}
}
