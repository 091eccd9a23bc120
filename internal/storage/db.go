// Package storage provides the embedded SQLite store for the
// trend-sentinel engine.
//
// This package contains:
//   - DB: connection wrapper over a single database file at DB_PATH
//   - Repository methods for messages, events, clusters, and the
//     authority ledger
//   - Migration support via goose
//
// All writes are committed before acknowledgment; multi-row writes go
// through a single transaction so a partially written batch never
// survives a crash.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // database/sql driver

	"github.com/clearmap/trend-sentinel/migrations"
)

// ErrCorrupted indicates structural database corruption. The process
// treats it as fatal.
var ErrCorrupted = errors.New("store corrupted")

const busyTimeoutMS = 5000

// DB wraps the embedded database and provides repository methods for
// all domain entities.
type DB struct {
	sql    *sql.DB
	logger *zerolog.Logger
	now    func() time.Time
}

// Open opens (creating if necessary) the database file at path.
func Open(ctx context.Context, path string, logger *zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, busyTimeoutMS)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// A single writer keeps SQLite transaction semantics simple.
	sqlDB.SetMaxOpenConns(1)

	if err = sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()

		return nil, fmt.Errorf("ping store: %w", err)
	}

	return &DB{sql: sqlDB, logger: logger, now: time.Now}, nil
}

// Migrate applies pending schema migrations.
func (db *DB) Migrate(_ context.Context) error {
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db.sql, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Ping checks store liveness.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// Close closes the underlying database. Called last during shutdown.
func (db *DB) Close() error {
	return db.sql.Close()
}

// classify maps low-level driver errors onto the store error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	if strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database") {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	return err
}
