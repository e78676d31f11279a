// Package store provides storage backends for the durable request queue.
//
// This file implements the PostgreSQL-backed queue store, used when a
// shared server-side queue is preferred over the on-device SQLite file.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/duracall/duracall/pkg/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements QueueStore.
var _ QueueStore = (*PostgresStore)(nil)

// PostgresStore is a PostgreSQL-backed queue store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres queue store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore ready")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Insert(q models.QueuedRequest) error {
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

	if q.Request.IdempotencyKey != "" {
		if _, err := tx.Exec(`DELETE FROM request_queue WHERE idempotency_key = $1`, q.Request.IdempotencyKey); err != nil {
			return fmt.Errorf("idempotency replace failed: %w", err)
		}
	}

	_, err = tx.Exec(
		`INSERT INTO request_queue (id, method, url, headers, body, priority, retry_count, max_retries, created_at, expires_at, status, idempotency_key, sms_eligible, timeout_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		q.ID, q.Request.Method, q.Request.URL, headers, body, int(q.Request.Priority),
		q.RetryCount, q.MaxRetries, millis(q.CreatedAt), millisPtr(q.ExpiresAt),
		string(q.Status), nilIfEmpty(q.Request.IdempotencyKey), q.Request.SMSEligible, timeoutMS,
	)
	if err != nil {
		slog.Error("PostgresStore Insert failed", "error", err, "id", q.ID)
		return fmt.Errorf("insert queued request failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert commit failed: %w", err)
	}
	slog.Debug("PostgresStore Insert succeeded", "id", q.ID, "priority", q.Request.Priority)
	return nil
}

func (s *PostgresStore) GetByID(id string) (*models.QueuedRequest, error) {
	row := s.db.QueryRow(
		`SELECT id, method, url, headers, body, priority, retry_count, max_retries, created_at, expires_at, status, idempotency_key, sms_eligible, timeout_ms
		 FROM request_queue WHERE id = $1`, id,
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

func (s *PostgresStore) UpdateStatus(id string, status models.RequestStatus) error {
	_, err := s.db.Exec(`UPDATE request_queue SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		slog.Error("PostgresStore UpdateStatus failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("update status failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementRetry(id string) error {
	_, err := s.db.Exec(`UPDATE request_queue SET retry_count = retry_count + 1 WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore IncrementRetry failed", "error", err, "id", id)
		return fmt.Errorf("increment retry failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM request_queue WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore Delete failed", "error", err, "id", id)
		return fmt.Errorf("delete queued request failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(now time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM request_queue WHERE expires_at IS NOT NULL AND expires_at <= $1 AND status IN ($2, $3)`,
		millis(now), string(models.StatusPending), string(models.StatusProcessing),
	)
	if err != nil {
		slog.Error("PostgresStore DeleteExpired failed", "error", err)
		return 0, fmt.Errorf("delete expired failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) ListPending(limit int) ([]models.QueuedRequest, error) {
	rows, err := s.db.Query(
		`SELECT id, method, url, headers, body, priority, retry_count, max_retries, created_at, expires_at, status, idempotency_key, sms_eligible, timeout_ms
		 FROM request_queue WHERE status = $1 ORDER BY priority DESC, created_at ASC LIMIT $2`,
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

func (s *PostgresStore) CountPending() (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM request_queue WHERE status IN ($1, $2)`,
		string(models.StatusPending), string(models.StatusProcessing),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending failed: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) RequeueProcessing() (int, error) {
	result, err := s.db.Exec(
		`UPDATE request_queue SET status = $1 WHERE status = $2`,
		string(models.StatusPending), string(models.StatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue processing failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore requeued interrupted entries", "count", n)
	}
	return int(n), nil
}

func (s *PostgresStore) ClearAll() (int, error) {
	result, err := s.db.Exec(`DELETE FROM request_queue`)
	if err != nil {
		slog.Error("PostgresStore ClearAll failed", "error", err)
		return 0, fmt.Errorf("clear all failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
