package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/caremate/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS devices (
		owner_id TEXT PRIMARY KEY,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen_at);

	CREATE TABLE IF NOT EXISTS kv (
		owner_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (owner_id, key)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetValue retrieves a stored value.
func (s *SQLiteStore) GetValue(ctx context.Context, ownerID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE owner_id = ? AND key = ?`, ownerID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("scan value %s: %w", key, err)
	}
	return value, true, nil
}

// PutValue upserts a value.
func (s *SQLiteStore) PutValue(ctx context.Context, ownerID, key, value string) error {
	query := `
	INSERT INTO kv (owner_id, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(owner_id, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	err := shared.RetryOnConflict(ctx, "put_value", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, ownerID, key, value, time.Now().Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("put value %s: %w", key, err)
	}
	return nil
}

// DeleteValue removes a value.
func (s *SQLiteStore) DeleteValue(ctx context.Context, ownerID, key string) error {
	err := shared.RetryOnConflict(ctx, "delete_value", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE owner_id = ? AND key = ?`, ownerID, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete value %s: %w", key, err)
	}
	return nil
}

// TouchDevice creates or refreshes a device row.
func (s *SQLiteStore) TouchDevice(ctx context.Context, ownerID string, seen time.Time) error {
	query := `
	INSERT INTO devices (owner_id, last_seen_at, created_at)
	VALUES (?, ?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET
		last_seen_at = excluded.last_seen_at`

	err := shared.RetryOnConflict(ctx, "touch_device", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, ownerID, seen.Unix(), seen.Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// DeleteStaleDevices removes devices (and their values) idle past retention.
func (s *SQLiteStore) DeleteStaleDevices(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin stale device cleanup: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back stale device cleanup", "error", rbErr)
		}
	}()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM kv WHERE owner_id IN (
			SELECT owner_id FROM devices WHERE last_seen_at < ?
		)`, threshold); err != nil {
		return 0, fmt.Errorf("delete stale values: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE last_seen_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("delete stale devices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale devices rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit stale device cleanup: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

var _ Repository = (*SQLiteStore)(nil)
