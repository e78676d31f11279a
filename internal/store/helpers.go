package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duracall/duracall/pkg/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// millis converts a time to milliseconds since epoch.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// millisPtr converts an optional time to a nullable millisecond value.
func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// marshalJSONMap serializes a map column, storing NULL for empty maps.
func marshalJSONMap(m any) (any, error) {
	switch v := m.(type) {
	case map[string]string:
		if len(v) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(v) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal column failed: %w", err)
	}
	return string(data), nil
}

// scanQueuedRequest reads one request_queue row in canonical column order:
// id, method, url, headers, body, priority, retry_count, max_retries,
// created_at, expires_at, status, idempotency_key, sms_eligible, timeout_ms.
func scanQueuedRequest(row rowScanner) (models.QueuedRequest, error) {
	var (
		q         models.QueuedRequest
		headers   sql.NullString
		body      sql.NullString
		priority  int
		createdAt int64
		expiresAt sql.NullInt64
		status    string
		idemKey   sql.NullString
		smsOK     bool
		timeoutMS sql.NullInt64
	)
	err := row.Scan(
		&q.ID, &q.Request.Method, &q.Request.URL, &headers, &body, &priority,
		&q.RetryCount, &q.MaxRetries, &createdAt, &expiresAt, &status,
		&idemKey, &smsOK, &timeoutMS,
	)
	if err != nil {
		return q, err
	}

	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &q.Request.Headers); err != nil {
			return q, fmt.Errorf("unmarshal headers for %s failed: %w", q.ID, err)
		}
	}
	if body.Valid && body.String != "" {
		if err := json.Unmarshal([]byte(body.String), &q.Request.Body); err != nil {
			return q, fmt.Errorf("unmarshal body for %s failed: %w", q.ID, err)
		}
	}
	q.Request.Priority = models.Priority(priority)
	q.Request.SMSEligible = smsOK
	q.Request.IdempotencyKey = idemKey.String
	if timeoutMS.Valid {
		q.Request.Timeout = time.Duration(timeoutMS.Int64) * time.Millisecond
	}
	q.CreatedAt = time.UnixMilli(createdAt).UTC()
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64).UTC()
		q.ExpiresAt = &t
	}
	q.Status = models.RequestStatus(status)
	return q, nil
}
