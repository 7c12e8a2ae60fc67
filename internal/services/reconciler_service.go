// Package services – ReconcilerService
//
// This file implements ReconcilerService, the remote system of record the
// device sync engine replays its queue against. Every write carries an
// idempotency key (the device's action id): the first delivery validates
// and applies the mutation and records the response in the same
// transaction; any later delivery of the same key replays that response
// without touching the entity again.
//
// Observability: public methods are OpenTelemetry-instrumented with tenant,
// kind and action attributes.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-pos-sync/internal/domain"
	"github.com/tbourn/go-pos-sync/internal/repo"
)

// DefaultIdempotencyTTL bounds how long a stored response can be replayed.
// It must exceed the longest time a device can stay offline with work
// queued.
const DefaultIdempotencyTTL = 7 * 24 * time.Hour

// EntityRepo defines the persistence contract required by ReconcilerService.
type EntityRepo interface {
	CreateEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, payload []byte) (*domain.Entity, error)
	GetEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, id string) (*domain.Entity, error)
	UpdateEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, id string, payload []byte, expectedVersion int) (*domain.Entity, error)
	SoftDeleteEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, id string) (*domain.Entity, error)
	CountEntities(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind) (int64, error)
	ListEntitiesPage(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, offset, limit int) ([]domain.Entity, error)
}

// ApplyInput is one write delivered to the reconciler.
type ApplyInput struct {
	TenantID string
	// Key is the idempotency key; devices send their action id.
	Key      string
	Name     domain.ActionName
	RecordID string
	Payload  domain.Payload
	// ExpectedVersion, when positive, makes an update conditional.
	ExpectedVersion int
}

// ApplyResult is the canonical outcome of an accepted write.
type ApplyResult struct {
	Entity   *domain.Entity
	Status   int
	Replayed bool
}

// ReconcilerService validates and applies device actions exactly once.
type ReconcilerService struct {
	DB   *gorm.DB
	Repo EntityRepo
	// TTL of stored idempotent responses.
	TTL time.Duration

	now func() time.Time
}

// NewReconcilerService constructs a service with the default TTL.
func NewReconcilerService(db *gorm.DB, r EntityRepo) *ReconcilerService {
	return &ReconcilerService{DB: db, Repo: r, TTL: DefaultIdempotencyTTL, now: func() time.Time { return time.Now().UTC() }}
}

var errRaced = errors.New("idempotency key raced")

// Apply executes in at most once per (tenant, key).
func (s *ReconcilerService) Apply(ctx context.Context, in ApplyInput) (*ApplyResult, error) {
	tr := otel.Tracer("services/ReconcilerService")
	ctx, span := tr.Start(ctx, "Apply",
		trace.WithAttributes(
			attribute.String("tenant.id", in.TenantID),
			attribute.String("action.name", string(in.Name)),
			attribute.String("record.id", in.RecordID),
		),
	)
	defer span.End()

	op, kind, err := domain.ParseActionName(in.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, invalid("tenantId", "is required")
	}
	if strings.TrimSpace(in.Key) == "" {
		return nil, ErrMissingKey
	}

	if res, err := s.replay(ctx, in); res != nil || err != nil {
		span.SetAttributes(attribute.Bool("idempotency.replayed", res != nil))
		return res, err
	}

	payload := normalizePayload(in.Payload)
	if op != domain.OpDelete {
		if err := validatePayload(kind, payload); err != nil {
			return nil, err
		}
	}
	raw, err := payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var out *ApplyResult
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if op != domain.OpDelete {
			if err := s.checkReferences(ctx, tx, in.TenantID, payload); err != nil {
				return err
			}
		}

		var (
			ent    *domain.Entity
			status = http.StatusOK
			err    error
		)
		switch op {
		case domain.OpCreate:
			ent, err = s.Repo.CreateEntity(ctx, tx, in.TenantID, kind, raw)
			status = http.StatusCreated
		case domain.OpUpdate:
			ent, err = s.Repo.UpdateEntity(ctx, tx, in.TenantID, kind, in.RecordID, raw, in.ExpectedVersion)
		case domain.OpDelete:
			ent, err = s.Repo.SoftDeleteEntity(ctx, tx, in.TenantID, kind, in.RecordID)
		}
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return ErrEntityNotFound
		case errors.Is(err, repo.ErrStaleVersion):
			return ErrVersionConflict
		case err != nil:
			return err
		}

		body, err := json.Marshal(ent)
		if err != nil {
			return err
		}
		if _, err := repo.CreateIdempotency(ctx, tx, in.TenantID, in.Key, in.Name, ent.ID, status, body, s.clock(), s.ttl()); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return errRaced
			}
			return err
		}
		out = &ApplyResult{Entity: ent, Status: status}
		return nil
	})
	if errors.Is(err, errRaced) {
		// A concurrent delivery of the same key committed first; serve its
		// response.
		res, rerr := s.replay(ctx, in)
		if rerr != nil {
			return nil, rerr
		}
		if res == nil {
			return nil, fmt.Errorf("idempotency record for %q vanished", in.Key)
		}
		return res, nil
	}
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("tenant_id", in.TenantID).
		Str("action", string(in.Name)).
		Str("entity_id", out.Entity.ID).
		Int("version", out.Entity.Version).
		Msg("action applied")
	return out, nil
}

// replay returns the stored response for in.Key, or (nil, nil) when the key
// is new.
func (s *ReconcilerService) replay(ctx context.Context, in ApplyInput) (*ApplyResult, error) {
	rec, err := repo.GetIdempotency(ctx, s.DB, in.TenantID, in.Key, s.clock())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Action != in.Name {
		return nil, ErrKeyReused
	}
	var ent domain.Entity
	if err := json.Unmarshal(rec.Response, &ent); err != nil {
		return nil, fmt.Errorf("decode stored response: %w", err)
	}
	return &ApplyResult{Entity: &ent, Status: rec.Status, Replayed: true}, nil
}

func (s *ReconcilerService) checkReferences(ctx context.Context, tx *gorm.DB, tenantID string, p domain.Payload) error {
	for field, kind := range references {
		id := p.String(field)
		if id == "" {
			continue
		}
		if _, err := s.Repo.GetEntity(ctx, tx, tenantID, kind, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return invalid(field, "references an unknown "+string(kind))
			}
			return err
		}
	}
	return nil
}

// Get returns a live entity.
func (s *ReconcilerService) Get(ctx context.Context, tenantID string, kind domain.EntityKind, id string) (*domain.Entity, error) {
	tr := otel.Tracer("services/ReconcilerService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("entity.kind", string(kind)),
		),
	)
	defer span.End()

	e, err := s.Repo.GetEntity(ctx, s.DB, tenantID, kind, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrEntityNotFound
	}
	return e, err
}

// ListPage returns a page of live entities and the total count. Invalid
// page/pageSize values fall back to defaults.
func (s *ReconcilerService) ListPage(ctx context.Context, tenantID string, kind domain.EntityKind, page, pageSize int) ([]domain.Entity, int64, error) {
	tr := otel.Tracer("services/ReconcilerService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("entity.kind", string(kind)),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountEntities(ctx, s.DB, tenantID, kind)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Entity{}, 0, nil
	}
	items, err := s.Repo.ListEntitiesPage(ctx, s.DB, tenantID, kind, offset, pageSize)
	return items, total, err
}

// PurgeExpired removes idempotency records past their TTL.
func (s *ReconcilerService) PurgeExpired(ctx context.Context) (int64, error) {
	return repo.PurgeExpiredIdempotency(ctx, s.DB, s.clock())
}

func (s *ReconcilerService) ttl() time.Duration {
	if s.TTL <= 0 {
		return DefaultIdempotencyTTL
	}
	return s.TTL
}

func (s *ReconcilerService) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now()
}
