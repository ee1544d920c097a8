package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrReadOnly is returned for writes attempted while a restore is in
	// progress.
	ErrReadOnly = errors.New("database is read-only during restore")
)

// DB wraps the SQLite database. One writer connection, many readers (WAL).
type DB struct {
	writer *sql.DB
	reader *sql.DB
	path   string
	log    zerolog.Logger

	readOnly atomic.Bool
}

// Open opens (creating if needed) the notebook database, applies pragmas,
// and runs pending migrations.
func Open(ctx context.Context, path string, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", path)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open database (reader): %w", err)
	}
	reader.SetMaxOpenConns(8)

	db := &DB{writer: writer, reader: reader, path: path, log: log}

	if err := db.writer.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("database opened")
	return db, nil
}

// Path returns the on-disk database file path.
func (db *DB) Path() string { return db.path }

// SetReadOnly toggles the restore guard. While set, all writes fail with
// ErrReadOnly.
func (db *DB) SetReadOnly(v bool) { db.readOnly.Store(v) }

// ReadOnly reports whether the restore guard is set.
func (db *DB) ReadOnly() bool { return db.readOnly.Load() }

func (db *DB) checkWritable() error {
	if db.readOnly.Load() {
		return ErrReadOnly
	}
	return nil
}

// HealthCheck verifies the database responds.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.reader.PingContext(ctx)
}

// IntegrityCheck runs PRAGMA integrity_check and returns an error unless
// the result is "ok".
func (db *DB) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := db.reader.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Checkpoint flushes the WAL into the main database file. Called before
// file-copy backups so the copy is complete.
func (db *DB) Checkpoint(ctx context.Context) error {
	_, err := db.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (db *DB) Close() {
	db.log.Info().Msg("closing database")
	db.reader.Close()
	db.writer.Close()
}
