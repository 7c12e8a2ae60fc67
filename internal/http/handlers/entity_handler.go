// Entity HTTP handlers.
//
// This file exposes the reconciler's CRUD endpoints, one collection per kind
// (orders, reservations, customers):
//   - POST   /{kinds}        (create, Idempotency-Key required)
//   - GET    /{kinds}        (list, paginated, ETag support)
//   - GET    /{kinds}/{id}   (read)
//   - PUT    /{kinds}/{id}   (update, Idempotency-Key required, optional If-Match)
//   - DELETE /{kinds}/{id}   (soft delete, Idempotency-Key required)
//
// Writes are replayable: a repeated Idempotency-Key returns the stored
// response with Idempotency-Replayed: true.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-pos-sync/internal/auth"
	"github.com/tbourn/go-pos-sync/internal/domain"
	"github.com/tbourn/go-pos-sync/internal/http/middleware"
	"github.com/tbourn/go-pos-sync/internal/repo"
	"github.com/tbourn/go-pos-sync/internal/services"
	"github.com/tbourn/go-pos-sync/internal/utils"
)

// HeaderReplayed marks a response served from the idempotency store.
const HeaderReplayed = "Idempotency-Replayed"

// Reconciler is the service contract consumed by the entity handlers.
type Reconciler interface {
	Apply(ctx context.Context, in services.ApplyInput) (*services.ApplyResult, error)
	Get(ctx context.Context, tenantID string, kind domain.EntityKind, id string) (*domain.Entity, error)
	ListPage(ctx context.Context, tenantID string, kind domain.EntityKind, page, pageSize int) ([]domain.Entity, int64, error)
}

// Handlers groups the entity endpoints.
type Handlers struct {
	svc Reconciler
}

// New constructs Handlers bound to svc.
func New(svc Reconciler) *Handlers {
	return &Handlers{svc: svc}
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListEntitiesResponse is the data of a list response.
type ListEntitiesResponse struct {
	Items      []domain.Entity `json:"items"`
	Pagination Pagination      `json:"pagination"`
}

//
// Helpers
//

// kindParam resolves the :kind path segment or aborts with 404.
func kindParam(c *gin.Context) (domain.EntityKind, bool) {
	kind, valid := domain.KindFromPlural(c.Param("kind"))
	if !valid {
		reject(c, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("unknown collection %q", c.Param("kind")))
		return "", false
	}
	return kind, true
}

// readPayload decodes an optional JSON object body.
func readPayload(c *gin.Context) (domain.Payload, bool) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		reject(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return nil, false
	}
	if strings.TrimSpace(string(raw)) == "" {
		return domain.Payload{}, true
	}
	p, err := domain.DecodePayload(raw)
	if err != nil {
		reject(c, http.StatusBadRequest, ErrCodeBadRequest, "body must be a JSON object")
		return nil, false
	}
	return p, true
}

// ifMatchVersion parses If-Match as a version number; quotes and a weak
// prefix are accepted.
func ifMatchVersion(h string) (int, error) {
	h = strings.TrimSpace(h)
	if h == "" || h == "*" {
		return 0, nil
	}
	h = strings.Trim(strings.TrimPrefix(h, "W/"), `"`)
	v, err := strconv.Atoi(h)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("If-Match must carry a positive entity version")
	}
	return v, nil
}

// apply runs one write and translates the outcome.
func (h *Handlers) apply(c *gin.Context, op domain.Op, kind domain.EntityKind, recordID string, payload domain.Payload, expected int) {
	key, _ := middleware.GetIdempotencyKey(c)
	if key == "" {
		reject(c, http.StatusBadRequest, ErrCodeMissingKey, "Idempotency-Key header required")
		return
	}
	res, err := h.svc.Apply(c.Request.Context(), services.ApplyInput{
		TenantID:        auth.TenantFrom(c),
		Key:             key,
		Name:            domain.NewActionName(op, kind),
		RecordID:        recordID,
		Payload:         payload,
		ExpectedVersion: expected,
	})
	if err != nil {
		rejectServiceError(c, err)
		return
	}
	if res.Replayed {
		c.Header(HeaderReplayed, "true")
	}
	if res.Entity != nil && res.Entity.Version > 0 {
		c.Header("ETag", strconv.Quote(strconv.Itoa(res.Entity.Version)))
	}
	respond(c, res.Status, res.Entity)
}

// rejectServiceError maps service errors onto the envelope codes.
func rejectServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrKeyReused):
		reject(c, http.StatusUnprocessableEntity, ErrCodeValidationFailed, err.Error())
	case errors.Is(err, services.ErrEntityNotFound):
		reject(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrVersionConflict):
		reject(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrMissingKey):
		reject(c, http.StatusBadRequest, ErrCodeMissingKey, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		reject(c, http.StatusServiceUnavailable, ErrCodeInternal, "request cancelled")
	default:
		reject(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

//
// Handlers
//

// CreateEntity godoc
// @ID          createEntity
// @Summary     Create an entity
// @Description Validates and stores a new order, reservation or customer. Retrying with the same Idempotency-Key replays the first response.
// @Tags        Entities
// @Accept      json
// @Produce     json
//
// @Param       X-Tenant-ID      header  string  true   "Tenant ID"                 example(tenant-1)
// @Param       Idempotency-Key  header  string  true   "Action id of the write"    example(9b2d4f0e-7c1a-4b8e-9f3d-2a6c5e1b0d7f)
// @Param       kind             path    string  true   "Collection"                Enums(orders, reservations, customers)
// @Param       body             body    object  true   "Entity fields"
//
// @Success     201  {object}  handlers.Envelope{data=domain.Entity}
// @Header      201  {string}  Idempotency-Replayed  "true when served from the idempotency store"
// @Failure     400  {object}  handlers.Envelope  "Bad request"
// @Failure     422  {object}  handlers.Envelope  "Validation failed"
// @Failure     500  {object}  handlers.Envelope  "Internal error"
// @Router      /{kind} [post]
func (h *Handlers) CreateEntity(c *gin.Context) {
	kind, valid := kindParam(c)
	if !valid {
		return
	}
	payload, valid := readPayload(c)
	if !valid {
		return
	}
	h.apply(c, domain.OpCreate, kind, "", payload, 0)
}

// UpdateEntity godoc
// @ID          updateEntity
// @Summary     Update an entity
// @Description Replaces the entity's fields. With If-Match the update only applies to that version.
// @Tags        Entities
// @Accept      json
// @Produce     json
//
// @Param       X-Tenant-ID      header  string  true   "Tenant ID"                 example(tenant-1)
// @Param       Idempotency-Key  header  string  true   "Action id of the write"
// @Param       If-Match         header  string  false  "Expected entity version"   example("3")
// @Param       kind             path    string  true   "Collection"                Enums(orders, reservations, customers)
// @Param       id               path    string  true   "Entity ID"                 format(uuid)
// @Param       body             body    object  true   "Entity fields"
//
// @Success     200  {object}  handlers.Envelope{data=domain.Entity}
// @Failure     400  {object}  handlers.Envelope  "Bad request"
// @Failure     404  {object}  handlers.Envelope  "Entity not found"
// @Failure     409  {object}  handlers.Envelope  "Version conflict"
// @Failure     422  {object}  handlers.Envelope  "Validation failed"
// @Router      /{kind}/{id} [put]
func (h *Handlers) UpdateEntity(c *gin.Context) {
	kind, valid := kindParam(c)
	if !valid {
		return
	}
	expected, err := ifMatchVersion(c.GetHeader("If-Match"))
	if err != nil {
		reject(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	payload, valid := readPayload(c)
	if !valid {
		return
	}
	h.apply(c, domain.OpUpdate, kind, c.Param("id"), payload, expected)
}

// DeleteEntity godoc
// @ID          deleteEntity
// @Summary     Delete an entity
// @Description Soft-deletes the entity and returns its final state.
// @Tags        Entities
// @Produce     json
//
// @Param       X-Tenant-ID      header  string  true   "Tenant ID"
// @Param       Idempotency-Key  header  string  true   "Action id of the write"
// @Param       kind             path    string  true   "Collection"  Enums(orders, reservations, customers)
// @Param       id               path    string  true   "Entity ID"   format(uuid)
//
// @Success     200  {object}  handlers.Envelope{data=domain.Entity}
// @Failure     404  {object}  handlers.Envelope  "Entity not found"
// @Router      /{kind}/{id} [delete]
func (h *Handlers) DeleteEntity(c *gin.Context) {
	kind, valid := kindParam(c)
	if !valid {
		return
	}
	h.apply(c, domain.OpDelete, kind, c.Param("id"), nil, 0)
}

// GetEntity godoc
// @ID          getEntity
// @Summary     Read an entity
// @Tags        Entities
// @Produce     json
//
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       kind         path    string  true  "Collection"  Enums(orders, reservations, customers)
// @Param       id           path    string  true  "Entity ID"   format(uuid)
//
// @Success     200  {object}  handlers.Envelope{data=domain.Entity}
// @Failure     404  {object}  handlers.Envelope  "Entity not found"
// @Router      /{kind}/{id} [get]
func (h *Handlers) GetEntity(c *gin.Context) {
	kind, valid := kindParam(c)
	if !valid {
		return
	}
	e, err := h.svc.Get(c.Request.Context(), auth.TenantFrom(c), kind, c.Param("id"))
	if err != nil {
		rejectServiceError(c, err)
		return
	}
	c.Header("ETag", strconv.Quote(strconv.Itoa(e.Version)))
	respond(c, http.StatusOK, e)
}

// ListEntities godoc
// @ID          listEntities
// @Summary     List entities (paginated)
// @Description Returns a page of live entities, most recently updated first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Entities
// @Produce     json
//
// @Param       X-Tenant-ID    header  string  true   "Tenant ID"
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       kind           path    string  true   "Collection"      Enums(orders, reservations, customers)
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.Envelope{data=handlers.ListEntitiesResponse}
// @Header      200  {string}  ETag  "Weak ETag for current result"
// @Success     304  {string}  string "Not Modified"
// @Failure     500  {object}  handlers.Envelope  "Internal error"
// @Router      /{kind} [get]
func (h *Handlers) ListEntities(c *gin.Context) {
	kind, valid := kindParam(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	tenant := auth.TenantFrom(c)
	page, pageSize := utils.ClampPage(c.Query("page"), c.Query("page_size"))

	// ETag pre-check (best effort).
	if svc, isSvc := h.svc.(*services.ReconcilerService); isSvc && svc.DB != nil {
		count, latest, err := repo.EntitiesStats(ctx, svc.DB, tenant, kind)
		if err == nil {
			var ts int64
			if latest != nil {
				ts = latest.UnixNano()
			}
			etag := fmt.Sprintf(`W/"%s:%s:%d:%d:%d:%d"`, kind, tenant, count, ts, page, pageSize)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.svc.ListPage(ctx, tenant, kind, page, pageSize)
	if err != nil {
		rejectServiceError(c, err)
		return
	}
	totalPages := utils.TotalPages(total, pageSize)
	respond(c, http.StatusOK, ListEntitiesResponse{
		Items: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
