// Package store provides storage backends for the durable request queue.
//
// This file implements the SQLite-backed queue store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/duracall/duracall/pkg/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements QueueStore.
var _ QueueStore = (*SQLiteStore)(nil)

// SQLiteStore is the default on-device queue store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite queue store with the given DSN.
// The DSN is a file path to the SQLite database file; the directory is
// created if it does not exist.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore ready", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(q models.QueuedRequest) error {
	headers, err := marshalJSONMap(q.Request.Headers)
	if err != nil {
		return err
	}
	body, err := marshalJSONMap(q.Request.Body)
	if err != nil {
		return err
	}
	var timeoutMS any
	if q.Request.Timeout > 0 {
		timeoutMS = q.Request.Timeout.Milliseconds()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("insert begin failed: %w", err)
	}
	defer tx.Rollback()

	// A second enqueue carrying the same idempotency key replaces the
	// earlier row.
	if q.Request.IdempotencyKey != "" {
		if _, err := tx.Exec(`DELETE FROM request_queue WHERE idempotency_key = ?`, q.Request.IdempotencyKey); err != nil {
			return fmt.Errorf("idempotency replace failed: %w", err)
		}
	}

	_, err = tx.Exec(
		`INSERT INTO request_queue (id, method, url, headers, body, priority, retry_count, max_retries, created_at, expires_at, status, idempotency_key, sms_eligible, timeout_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Request.Method, q.Request.URL, headers, body, int(q.Request.Priority),
		q.RetryCount, q.MaxRetries, millis(q.CreatedAt), millisPtr(q.ExpiresAt),
		string(q.Status), nilIfEmpty(q.Request.IdempotencyKey), q.Request.SMSEligible, timeoutMS,
	)
	if err != nil {
		slog.Error("SQLiteStore Insert failed", "error", err, "id", q.ID)
		return fmt.Errorf("insert queued request failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert commit failed: %w", err)
	}
	slog.Debug("SQLiteStore Insert succeeded", "id", q.ID, "priority", q.Request.Priority)
	return nil
}

func (s *SQLiteStore) GetByID(id string) (*models.QueuedRequest, error) {
	row := s.db.QueryRow(
		`SELECT id, method, url, headers, body, priority, retry_count, max_retries, created_at, expires_at, status, idempotency_key, sms_eligible, timeout_ms
		 FROM request_queue WHERE id = ?`, id,
	)
	q, err := scanQueuedRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get queued request failed: %w", err)
	}
	return &q, nil
}

func (s *SQLiteStore) UpdateStatus(id string, status models.RequestStatus) error {
	_, err := s.db.Exec(`UPDATE request_queue SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		slog.Error("SQLiteStore UpdateStatus failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("update status failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IncrementRetry(id string) error {
	_, err := s.db.Exec(`UPDATE request_queue SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore IncrementRetry failed", "error", err, "id", id)
		return fmt.Errorf("increment retry failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM request_queue WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore Delete failed", "error", err, "id", id)
		return fmt.Errorf("delete queued request failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpired(now time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM request_queue WHERE expires_at IS NOT NULL AND expires_at <= ? AND status IN (?, ?)`,
		millis(now), string(models.StatusPending), string(models.StatusProcessing),
	)
	if err != nil {
		slog.Error("SQLiteStore DeleteExpired failed", "error", err)
		return 0, fmt.Errorf("delete expired failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore DeleteExpired removed entries", "count", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) ListPending(limit int) ([]models.QueuedRequest, error) {
	rows, err := s.db.Query(
		`SELECT id, method, url, headers, body, priority, retry_count, max_retries, created_at, expires_at, status, idempotency_key, sms_eligible, timeout_ms
		 FROM request_queue WHERE status = ? ORDER BY priority DESC, created_at ASC LIMIT ?`,
		string(models.StatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending query failed: %w", err)
	}
	defer rows.Close()

	var pending []models.QueuedRequest
	for rows.Next() {
		q, err := scanQueuedRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("list pending scan failed: %w", err)
		}
		pending = append(pending, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending iteration failed: %w", err)
	}
	return pending, nil
}

func (s *SQLiteStore) CountPending() (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM request_queue WHERE status IN (?, ?)`,
		string(models.StatusPending), string(models.StatusProcessing),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending failed: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) RequeueProcessing() (int, error) {
	result, err := s.db.Exec(
		`UPDATE request_queue SET status = ? WHERE status = ?`,
		string(models.StatusPending), string(models.StatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue processing failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore requeued interrupted entries", "count", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) ClearAll() (int, error) {
	result, err := s.db.Exec(`DELETE FROM request_queue`)
	if err != nil {
		slog.Error("SQLiteStore ClearAll failed", "error", err)
		return 0, fmt.Errorf("clear all failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
