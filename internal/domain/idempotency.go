package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Idempotency records the response produced for an action id so a repeated
// delivery of the same key returns the original result without re-applying
// the mutation. Keys are scoped per tenant.
type Idempotency struct {
	ID        string         `gorm:"type:TEXT NOT NULL;primaryKey"`
	TenantID  string         `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_tenant_key,priority:1"`
	Key       string         `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_tenant_key,priority:2"`
	Action    ActionName     `gorm:"type:TEXT NOT NULL"`
	EntityID  string         `gorm:"type:TEXT NOT NULL"`
	Status    int            `gorm:"type:INTEGER NOT NULL"`
	Response  datatypes.JSON `gorm:"type:TEXT NOT NULL"`
	CreatedAt time.Time      `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time      `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
