package domain

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:domain_models?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		(Entity{}).TableName():       "entities",
		(Idempotency{}).TableName():  "idempotency",
		(Record{}).TableName():       "local_records",
		(QueuedAction{}).TableName(): "queued_actions",
		(Notification{}).TableName(): "sync_notifications",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestMigrations_Indexes(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&Entity{}, &Idempotency{}, &Record{}, &QueuedAction{}, &Notification{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()

	if !m.HasIndex(&Entity{}, "idx_entities_tenant_kind") {
		t.Fatalf("expected index idx_entities_tenant_kind on entities")
	}
	if !m.HasIndex(&Idempotency{}, "ux_tenant_key") {
		t.Fatalf("expected unique index ux_tenant_key on idempotency")
	}
	if !m.HasIndex(&QueuedAction{}, "idx_queue_order") {
		t.Fatalf("expected index idx_queue_order on queued_actions")
	}

	// Same key under two tenants is allowed; twice under one tenant is not.
	now := time.Now()
	rows := []Idempotency{
		{ID: "i1", TenantID: "t1", Key: "k", Action: "create_order", EntityID: "e1", Status: 201, Response: []byte(`{}`), CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "i2", TenantID: "t2", Key: "k", Action: "create_order", EntityID: "e2", Status: 201, Response: []byte(`{}`), CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	}
	for i := range rows {
		if err := db.Create(&rows[i]).Error; err != nil {
			t.Fatalf("insert %s: %v", rows[i].ID, err)
		}
	}
	dup := Idempotency{ID: "i3", TenantID: "t1", Key: "k", Action: "create_order", EntityID: "e3", Status: 201, Response: []byte(`{}`), CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected unique violation for duplicate (tenant, key)")
	}
}

func TestRecord_FieldsCloneDeleted(t *testing.T) {
	r := &Record{TenantID: "t1", Kind: KindCustomer, ID: "c1"}
	if err := r.SetFields(Payload{"name": "Ada"}); err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	p, err := r.Fields()
	if err != nil || p.String("name") != "Ada" {
		t.Fatalf("Fields = %v, %v", p, err)
	}

	now := time.Now()
	r.DeletedAt = &now
	c := r.Clone()
	if !c.Deleted() {
		t.Fatalf("clone lost delete marker")
	}
	c.Payload[2] = 'X'
	*c.DeletedAt = now.Add(time.Hour)
	if r.Payload[2] == 'X' || !r.DeletedAt.Equal(now) {
		t.Fatalf("clone shares state with original")
	}
	if (*Record)(nil).Clone() != nil {
		t.Fatalf("nil clone should be nil")
	}
}
