// Package repo implements the canonical persistence layer behind the
// reconciler API, backed by GORM. This file contains database bootstrapping
// for SQLite (pure Go driver, also used for the on-device store) and Postgres,
// plus schema migrations.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-pos-sync/internal/domain"
)

// Options tunes how a database handle is opened.
type Options struct {
	// Tracing installs the OpenTelemetry GORM plugin.
	Tracing bool
	// Silent disables GORM's own statement logger.
	Silent bool
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
func OpenSQLite(path string, opts ...Options) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), gormConfig(opts))
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := instrument(db, opts); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenPostgres opens a Postgres connection pool through the pgx-backed driver.
func OpenPostgres(dsn string, opts ...Options) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig(opts))
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := instrument(db, opts); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenDatabase selects a driver by name ("sqlite" or "postgres").
func OpenDatabase(driver, sqlitePath, postgresDSN string, opts ...Options) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		return OpenSQLite(sqlitePath, opts...)
	case "postgres", "postgresql":
		if strings.TrimSpace(postgresDSN) == "" {
			return nil, fmt.Errorf("postgres driver selected but DATABASE_URL is empty")
		}
		return OpenPostgres(postgresDSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// AutoMigrate creates or updates the canonical schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Entity{},
		&domain.Idempotency{},
	)
}

func gormConfig(opts []Options) *gorm.Config {
	cfg := &gorm.Config{}
	if len(opts) > 0 && opts[0].Silent {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	return cfg
}

func instrument(db *gorm.DB, opts []Options) error {
	if len(opts) == 0 || !opts[0].Tracing {
		return nil
	}
	return db.Use(tracing.NewPlugin(tracing.WithoutMetrics()))
}
