package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-pos-sync/internal/domain"
)

// AddNotification persists n, assigning an id and timestamp when missing.
func (s *Store) AddNotification(ctx context.Context, n *domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if len(n.Params) == 0 {
		n.Params = []byte("{}")
	}
	return classify("add notification", s.db.WithContext(ctx).Create(n).Error)
}

// ListNotifications returns a tenant's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, tenantID string, includeDismissed bool) ([]domain.Notification, error) {
	out := []domain.Notification{}
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if !includeDismissed {
		q = q.Where("dismissed_at IS NULL")
	}
	if err := q.Order("created_at DESC, id ASC").Find(&out).Error; err != nil {
		return nil, classify("list notifications", err)
	}
	return out, nil
}

// GetNotification returns one notification of the tenant.
func (s *Store) GetNotification(ctx context.Context, tenantID, id string) (*domain.Notification, error) {
	var n domain.Notification
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&n).Error; err != nil {
		return nil, classify("get notification", err)
	}
	return &n, nil
}

// DismissNotification marks a notification as seen. It is scoped by tenant
// so one tenant cannot dismiss another's messages.
func (s *Store) DismissNotification(ctx context.Context, tenantID, id string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&domain.Notification{}).
		Where("tenant_id = ? AND id = ? AND dismissed_at IS NULL", tenantID, id).
		Update("dismissed_at", &now)
	if res.Error != nil {
		return classify("dismiss notification", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
