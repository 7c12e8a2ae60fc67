package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entity is the canonical, server-side state of an order, reservation or
// customer profile. The reconciler is the only writer.
//
// Fields:
//   - ID: canonical UUID issued by the server.
//   - TenantID: partition key; every query is scoped by it.
//   - Kind: entity kind (order, reservation, customer).
//   - Payload: kind-specific fields with envelope keys stripped.
//   - Version: incremented on every accepted write.
//   - DeletedAt: soft deletion marker.
type Entity struct {
	ID        string         `json:"id"               gorm:"type:char(36);primaryKey"`
	TenantID  string         `json:"tenantId"         gorm:"type:varchar(64);not null;index:idx_entities_tenant_kind,priority:1"`
	Kind      EntityKind     `json:"kind"             gorm:"type:varchar(32);not null;index:idx_entities_tenant_kind,priority:2"`
	Payload   datatypes.JSON `json:"payload"          gorm:"not null"`
	Version   int            `json:"version"          gorm:"not null;default:1"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"        gorm:"index:idx_entities_tenant_kind,priority:3"`
	DeletedAt gorm.DeletedAt `json:"-"                gorm:"index"`

	// Deleted mirrors DeletedAt for API consumers; it is not persisted.
	Deleted bool `json:"deleted,omitempty" gorm:"-"`
}

// TableName returns the database table name for Entity.
func (Entity) TableName() string { return "entities" }
