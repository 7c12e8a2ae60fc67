package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-pos-sync/internal/domain"
)

// EnqueueAction appends a to the tenant's queue. Seq is assigned here and
// is the replay order. Timestamp never goes below the tenant's last queued
// action, so a wall clock stepping back cannot make it look older.
func (s *Store) EnqueueAction(ctx context.Context, a *domain.QueuedAction) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if len(a.Params) == 0 {
		a.Params = []byte("{}")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		if err := tx.Model(&domain.QueuedAction{}).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&last).Error; err != nil {
			return err
		}
		a.Seq = last + 1

		var prev []domain.QueuedAction
		if err := tx.Where("tenant_id = ?", a.TenantID).
			Order("seq DESC").Limit(1).
			Find(&prev).Error; err != nil {
			return err
		}
		if len(prev) == 1 && a.Timestamp.Before(prev[0].Timestamp) {
			a.Timestamp = prev[0].Timestamp
		}
		return tx.Create(a).Error
	})
	return classify("enqueue", err)
}

// DequeueAction removes an action by id. Removing an absent action is not
// an error, so a replay that crashed after the remote accepted it but
// before the dequeue can be retried safely.
func (s *Store) DequeueAction(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.QueuedAction{}).Error
	return classify("dequeue", err)
}

// GetAction fetches a queued action by id.
func (s *Store) GetAction(ctx context.Context, id string) (*domain.QueuedAction, error) {
	var a domain.QueuedAction
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, classify("get action", err)
	}
	return &a, nil
}

// ListPendingActions returns the tenant's queue in replay order, which is
// insertion order.
func (s *Store) ListPendingActions(ctx context.Context, tenantID string) ([]domain.QueuedAction, error) {
	out := []domain.QueuedAction{}
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("seq ASC").
		Find(&out).Error
	if err != nil {
		return nil, classify("list actions", err)
	}
	return out, nil
}

// CountPendingActions returns the queue depth of a tenant.
func (s *Store) CountPendingActions(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.QueuedAction{}).Where("tenant_id = ?", tenantID).Count(&n).Error
	if err != nil {
		return 0, classify("count actions", err)
	}
	return n, nil
}

// HasPendingFor reports whether any queued action still targets recordID.
func (s *Store) HasPendingFor(ctx context.Context, tenantID, recordID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.QueuedAction{}).
		Where("tenant_id = ? AND record_id = ?", tenantID, recordID).
		Count(&n).Error
	if err != nil {
		return false, classify("pending for", err)
	}
	return n > 0, nil
}

// IncrementRetries bumps the retry counter and returns the new value.
func (s *Store) IncrementRetries(ctx context.Context, id string) (int, error) {
	var retries int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.QueuedAction{}).Where("id = ?", id).
			Update("retries", gorm.Expr("retries + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&domain.QueuedAction{}).Where("id = ?", id).
			Select("retries").Scan(&retries).Error
	})
	if err != nil {
		return 0, classify("increment retries", err)
	}
	return retries, nil
}

// RewriteQueuedRefs replaces a temporary id with its canonical id in every
// still-queued action of the tenant, both as the target record id and
// anywhere inside params. It returns the number of actions touched.
func (s *Store) RewriteQueuedRefs(ctx context.Context, tenantID, oldID, newID string) (int, error) {
	n := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var actions []domain.QueuedAction
		if err := tx.Where("tenant_id = ? AND (record_id = ? OR params LIKE ?)", tenantID, oldID, "%"+oldID+"%").
			Find(&actions).Error; err != nil {
			return err
		}
		for i := range actions {
			a := &actions[i]
			params, err := a.DecodeParams()
			if err != nil {
				return err
			}
			changed := params.RewriteRefs(oldID, newID)
			if a.RecordID == oldID {
				a.RecordID = newID
				changed = true
			}
			if !changed {
				continue
			}
			raw, err := params.Encode()
			if err != nil {
				return err
			}
			if err := tx.Model(&domain.QueuedAction{}).Where("id = ?", a.ID).
				Updates(map[string]any{"record_id": a.RecordID, "params": string(raw)}).Error; err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, classify("rewrite actions", err)
	}
	return n, nil
}

// PendingTenants lists tenants that have at least one queued action.
func (s *Store) PendingTenants(ctx context.Context) ([]string, error) {
	out := []string{}
	err := s.db.WithContext(ctx).Model(&domain.QueuedAction{}).
		Distinct("tenant_id").
		Order("tenant_id ASC").
		Pluck("tenant_id", &out).Error
	if err != nil {
		return nil, classify("pending tenants", err)
	}
	return out, nil
}
