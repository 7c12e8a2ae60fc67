// Package store is the on-device durable store for the sync core. It keeps
// the latest Record per (tenant, kind, id), the FIFO log of queued actions
// and persistent sync notifications in a local SQLite database, so pending
// work survives application restarts.
//
// Every method is scoped by an explicit tenant id. Failures of the storage
// medium itself are reported as ErrStorageUnavailable; a missing row is
// ErrNotFound.
package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/tbourn/go-pos-sync/internal/domain"
	"github.com/tbourn/go-pos-sync/internal/repo"
)

var (
	// ErrNotFound is returned when a record, action or notification is absent.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable wraps any failure of the underlying database
	// (disk full, quota, closed handle, corrupted file).
	ErrStorageUnavailable = errors.New("local storage unavailable")
)

// Store is safe for concurrent use; the database serializes writers.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the device database at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := repo.OpenSQLite(path, repo.Options{Silent: true})
	if err != nil {
		return nil, unavailable("open", err)
	}
	// Single connection: SQLite allows one writer at a time.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	s := New(db)
	if err := AutoMigrate(db); err != nil {
		return nil, unavailable("migrate", err)
	}
	return s, nil
}

// New wraps an existing handle. Callers are responsible for migrations.
func New(db *gorm.DB) *Store { return &Store{db: db} }

// AutoMigrate creates the device tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Record{},
		&domain.QueuedAction{},
		&domain.Notification{},
	)
}

// DB exposes the underlying handle (tests and diagnostics).
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable("close", err)
	}
	return sqlDB.Close()
}

// unavailable classifies a medium failure, keeping the cause in the chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("store %s: %w: %w", op, ErrStorageUnavailable, err)
}

// classify maps gorm's not-found to ErrNotFound and everything else to
// ErrStorageUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return unavailable(op, err)
}
