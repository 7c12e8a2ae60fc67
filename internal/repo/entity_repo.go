// Package repo implements the canonical persistence layer behind the
// reconciler API, backed by GORM. This file provides repository functions
// for the Entity model.
//
// All functions are context-aware and accept a *gorm.DB handle, so they can
// run inside a transaction. They follow the "thin repository" approach: no
// validation or idempotency, only persistence and query composition. Every
// query is scoped by tenant and kind.
//
// Error semantics:
//   - A missing (or soft-deleted) entity yields ErrNotFound.
//   - A version precondition that no longer holds yields ErrStaleVersion.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-pos-sync/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrStaleVersion is returned by UpdateEntity when expectedVersion no longer
// matches the stored row.
var ErrStaleVersion = errors.New("stale version")

// CreateEntity inserts a new canonical entity with a fresh UUID and version 1.
func CreateEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, payload []byte) (*domain.Entity, error) {
	now := time.Now().UTC()
	e := &domain.Entity{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Kind:      kind,
		Payload:   datatypes.JSON(payload),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		return nil, err
	}
	return e, nil
}

// GetEntity fetches a live entity.
func GetEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, id string) (*domain.Entity, error) {
	var e domain.Entity
	err := db.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND kind = ?", id, tenantID, kind).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateEntity replaces the payload of a live entity and bumps its version.
// A positive expectedVersion turns the write into a compare-and-swap.
func UpdateEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, id string, payload []byte, expectedVersion int) (*domain.Entity, error) {
	q := db.WithContext(ctx).
		Model(&domain.Entity{}).
		Where("id = ? AND tenant_id = ? AND kind = ?", id, tenantID, kind)
	if expectedVersion > 0 {
		q = q.Where("version = ?", expectedVersion)
	}
	res := q.Updates(map[string]any{
		"payload":    datatypes.JSON(payload),
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if expectedVersion > 0 {
			if _, err := GetEntity(ctx, db, tenantID, kind, id); err == nil {
				return nil, ErrStaleVersion
			}
		}
		return nil, ErrNotFound
	}
	return GetEntity(ctx, db, tenantID, kind, id)
}

// SoftDeleteEntity marks a live entity as deleted and returns its final
// state with Deleted set.
func SoftDeleteEntity(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, id string) (*domain.Entity, error) {
	e, err := GetEntity(ctx, db, tenantID, kind, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Entity{}).
		Where("id = ? AND tenant_id = ? AND kind = ?", id, tenantID, kind).
		Updates(map[string]any{
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
			"deleted_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	e.Version++
	e.UpdatedAt = now
	e.DeletedAt = gorm.DeletedAt{Time: now, Valid: true}
	e.Deleted = true
	return e, nil
}

// CountEntities returns the number of live entities of kind for tenantID.
func CountEntities(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Entity{}).
		Where("tenant_id = ? AND kind = ?", tenantID, kind).
		Count(&total).Error
	return total, err
}

// ListEntitiesPage returns a page of live entities, most recently updated
// first. Use CountEntities for the total.
func ListEntitiesPage(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind, offset, limit int) ([]domain.Entity, error) {
	var out []domain.Entity
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND kind = ?", tenantID, kind).
		Order("updated_at desc").
		Order("id").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
