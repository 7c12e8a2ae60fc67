package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-pos-sync/internal/domain"
)

// Put upserts rec, replacing any existing row with the same
// (TenantID, Kind, ID). Last writer wins; nothing is merged here.
func (s *Store) Put(ctx context.Context, rec *domain.Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if len(rec.Payload) == 0 {
		rec.Payload = []byte("{}")
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
	return classify("put", err)
}

// Get returns one record. Soft-deleted rows are returned only when
// includeDeleted is set; otherwise they read as ErrNotFound.
func (s *Store) Get(ctx context.Context, kind domain.EntityKind, tenantID, id string, includeDeleted bool) (*domain.Record, error) {
	var rec domain.Record
	q := s.db.WithContext(ctx).Where("tenant_id = ? AND kind = ? AND id = ?", tenantID, kind, id)
	if !includeDeleted {
		q = q.Where("deleted_at IS NULL")
	}
	if err := q.First(&rec).Error; err != nil {
		return nil, classify("get", err)
	}
	return &rec, nil
}

// ListByTenant returns a tenant's records of one kind ordered by
// (updated_at, id).
func (s *Store) ListByTenant(ctx context.Context, kind domain.EntityKind, tenantID string, includeDeleted bool) ([]domain.Record, error) {
	out := []domain.Record{}
	q := s.db.WithContext(ctx).Where("tenant_id = ? AND kind = ?", tenantID, kind)
	if !includeDeleted {
		q = q.Where("deleted_at IS NULL")
	}
	if err := q.Order("updated_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, classify("list", err)
	}
	return out, nil
}

// Remove hard-deletes a record. Removing an absent record is not an error.
func (s *Store) Remove(ctx context.Context, kind domain.EntityKind, tenantID, id string) error {
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND kind = ? AND id = ?", tenantID, kind, id).
		Delete(&domain.Record{}).Error
	return classify("remove", err)
}

// ReplaceID swaps the row stored under oldID for rec (which carries the
// canonical id) in one transaction.
func (s *Store) ReplaceID(ctx context.Context, oldID string, rec *domain.Record) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if oldID != rec.ID {
			if err := tx.Where("tenant_id = ? AND kind = ? AND id = ?", rec.TenantID, rec.Kind, oldID).
				Delete(&domain.Record{}).Error; err != nil {
				return err
			}
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
	})
	return classify("replace id", err)
}

// RewriteRecordRefs replaces oldID with newID inside the payload of every
// record of the tenant that references it (e.g. an order pointing at a
// reservation created offline). It returns the number of rows rewritten.
func (s *Store) RewriteRecordRefs(ctx context.Context, tenantID, oldID, newID string) (int, error) {
	n := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []domain.Record
		if err := tx.Where("tenant_id = ? AND payload LIKE ?", tenantID, "%"+oldID+"%").
			Find(&candidates).Error; err != nil {
			return err
		}
		for i := range candidates {
			rec := &candidates[i]
			fields, err := rec.Fields()
			if err != nil {
				return err
			}
			if !fields.RewriteRefs(oldID, newID) {
				continue
			}
			if err := rec.SetFields(fields); err != nil {
				return err
			}
			if err := tx.Model(&domain.Record{}).
				Where("tenant_id = ? AND kind = ? AND id = ?", rec.TenantID, rec.Kind, rec.ID).
				Update("payload", rec.Payload).Error; err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, classify("rewrite records", err)
	}
	return n, nil
}
