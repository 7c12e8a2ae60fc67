// Package repo implements the canonical persistence layer behind the
// reconciler API. This file provides small aggregate queries used for
// conditional list responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-pos-sync/internal/domain"
)

// EntitiesStats returns the number of live entities of kind for tenantID and
// the greatest UpdatedAt among them. When there are none the count is 0 and
// maxUpdatedAt is nil.
func EntitiesStats(ctx context.Context, db *gorm.DB, tenantID string, kind domain.EntityKind) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Entity{}).Where("tenant_id = ? AND kind = ?", tenantID, kind)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Avoid MAX() -> TEXT in SQLite.
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
