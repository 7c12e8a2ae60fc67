package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Record is the latest known state of one entity on the device.
//
// Exactly one row exists per (TenantID, Kind, ID). Timestamps are managed by
// the sync engine rather than GORM so that restoring a snapshot writes back
// the exact bytes that were read.
type Record struct {
	TenantID  string         `json:"tenantId"            gorm:"type:TEXT NOT NULL;primaryKey"`
	Kind      EntityKind     `json:"kind"                gorm:"type:TEXT NOT NULL;primaryKey"`
	ID        string         `json:"id"                  gorm:"type:TEXT NOT NULL;primaryKey"`
	Payload   datatypes.JSON `json:"payload"             gorm:"type:TEXT NOT NULL"`
	UpdatedAt time.Time      `json:"updatedAt"           gorm:"type:DATETIME NOT NULL;autoUpdateTime:false;index"`
	DeletedAt *time.Time     `json:"deletedAt,omitempty" gorm:"type:DATETIME;index"`
}

// TableName implements the GORM tabler interface.
func (Record) TableName() string { return "local_records" }

// Fields decodes the record payload.
func (r *Record) Fields() (Payload, error) { return DecodePayload(r.Payload) }

// SetFields encodes p into the record payload.
func (r *Record) SetFields(p Payload) error {
	raw, err := p.Encode()
	if err != nil {
		return err
	}
	r.Payload = datatypes.JSON(raw)
	return nil
}

// Deleted reports whether the record carries a soft-delete marker.
func (r *Record) Deleted() bool { return r.DeletedAt != nil }

// Clone returns a deep copy, including the payload bytes.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Payload = append(datatypes.JSON(nil), r.Payload...)
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

// QueuedAction is a mutation the remote system has not yet confirmed.
//
// Rows are removed only after a successful replay or a terminal failure.
// Apart from Retries, the only permitted change is rewriting a temporary id
// inside Params/RecordID once the canonical id is known.
type QueuedAction struct {
	ID        string         `json:"id"        gorm:"type:TEXT NOT NULL;primaryKey"`
	TenantID  string         `json:"tenantId"  gorm:"type:TEXT NOT NULL;index:idx_queue_order,priority:1"`
	Name      ActionName     `json:"name"      gorm:"type:TEXT NOT NULL"`
	Kind      EntityKind     `json:"kind"      gorm:"type:TEXT NOT NULL"`
	RecordID  string         `json:"recordId"  gorm:"type:TEXT NOT NULL;index"`
	Params    datatypes.JSON `json:"params"    gorm:"type:TEXT NOT NULL"`
	Timestamp time.Time      `json:"timestamp" gorm:"type:DATETIME NOT NULL"`
	Seq       int64          `json:"seq"       gorm:"type:INTEGER NOT NULL;index:idx_queue_order,priority:2"`
	Retries   int            `json:"retries"   gorm:"type:INTEGER NOT NULL;default:0"`
}

// TableName implements the GORM tabler interface.
func (QueuedAction) TableName() string { return "queued_actions" }

// Op returns the mutation verb encoded in Name.
func (a *QueuedAction) Op() Op {
	op, _, err := ParseActionName(a.Name)
	if err != nil {
		return ""
	}
	return op
}

// DecodeParams parses the action params.
func (a *QueuedAction) DecodeParams() (Payload, error) { return DecodePayload(a.Params) }

// Notification is a persistent, user-dismissable sync message. Terminal
// replay failures are stored here so they survive restarts until dismissed.
type Notification struct {
	ID       string     `json:"id"                    gorm:"type:TEXT NOT NULL;primaryKey"`
	TenantID string     `json:"tenantId"              gorm:"type:TEXT NOT NULL;index"`
	ActionID string     `json:"actionId"              gorm:"type:TEXT NOT NULL"`
	Action   ActionName `json:"action"                gorm:"type:TEXT NOT NULL"`
	Kind     EntityKind `json:"kind"                  gorm:"type:TEXT NOT NULL"`
	RecordID string     `json:"recordId"              gorm:"type:TEXT NOT NULL"`
	Code     string     `json:"code"                  gorm:"type:TEXT NOT NULL"`
	Message  string     `json:"message"               gorm:"type:TEXT NOT NULL"`
	// Params keeps the rejected action's payload for manual resubmission.
	Params      datatypes.JSON `json:"params"            gorm:"type:TEXT NOT NULL"`
	CreatedAt   time.Time      `json:"createdAt"             gorm:"type:DATETIME NOT NULL"`
	DismissedAt *time.Time     `json:"dismissedAt,omitempty" gorm:"type:DATETIME;index"`
}

// TableName implements the GORM tabler interface.
func (Notification) TableName() string { return "sync_notifications" }
