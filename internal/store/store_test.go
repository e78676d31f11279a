package store

import (
	"path/filepath"
	"reflect"
	"syscall"
	"testing"
	"time"

	"github.com/duracall/duracall/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(WithDSN(filepath.Join(t.TempDir(), "queue.db")))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEntry(id string, priority models.Priority, createdAt time.Time) models.QueuedRequest {
	return models.QueuedRequest{
		ID: id,
		Request: models.Request{
			Method:   "POST",
			URL:      "https://api.example.com/transfer",
			Priority: priority,
		},
		MaxRetries: models.MaxRetriesNormal,
		CreatedAt:  createdAt,
		Status:     models.StatusPending,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	expires := time.Now().Add(time.Hour).Truncate(time.Millisecond).UTC()
	entry := models.QueuedRequest{
		ID: "req1",
		Request: models.Request{
			Method:         "POST",
			URL:            "https://api.example.com/transfer",
			Headers:        map[string]string{"Content-Type": "application/json"},
			Body:           map[string]any{"amount": float64(5000), "user": "u1"},
			Priority:       models.PriorityCritical,
			SMSEligible:    true,
			IdempotencyKey: "key-1",
			Timeout:        15 * time.Second,
		},
		MaxRetries: models.MaxRetriesCritical,
		CreatedAt:  time.Now().Truncate(time.Millisecond).UTC(),
		ExpiresAt:  &expires,
		Status:     models.StatusPending,
	}
	if err := s.Insert(entry); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	got, err := s.GetByID("req1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatal("entry not found after insert")
	}
	if !reflect.DeepEqual(got.Request, entry.Request) {
		t.Errorf("request did not round trip:\nwant %+v\ngot  %+v", entry.Request, got.Request)
	}
	if !got.CreatedAt.Equal(entry.CreatedAt) || !got.ExpiresAt.Equal(*entry.ExpiresAt) {
		t.Errorf("timestamps did not round trip: %+v", got)
	}
	if got.Status != models.StatusPending || got.MaxRetries != models.MaxRetriesCritical {
		t.Errorf("state did not round trip: %+v", got)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetByID("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing entry, got %+v", got)
	}
}

func TestIdempotencyKeyReplaces(t *testing.T) {
	s := newTestStore(t)

	first := testEntry("a1", models.PriorityNormal, time.Now())
	first.Request.IdempotencyKey = "idem-1"
	if err := s.Insert(first); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	second := testEntry("a2", models.PriorityHigh, time.Now())
	second.Request.IdempotencyKey = "idem-1"
	if err := s.Insert(second); err != nil {
		t.Fatalf("replacing insert failed: %v", err)
	}

	if got, _ := s.GetByID("a1"); got != nil {
		t.Error("first entry should have been replaced")
	}
	got, err := s.GetByID("a2")
	if err != nil || got == nil {
		t.Fatalf("second entry missing: %v", err)
	}
	count, err := s.CountPending()
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected one pending entry, got %d", count)
	}
}

func TestListPendingOrder(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	// Inserted out of order on purpose.
	entries := []models.QueuedRequest{
		testEntry("low", models.PriorityLow, base),
		testEntry("crit-late", models.PriorityCritical, base.Add(2*time.Second)),
		testEntry("high", models.PriorityHigh, base.Add(time.Second)),
		testEntry("crit-early", models.PriorityCritical, base),
	}
	for _, e := range entries {
		if err := s.Insert(e); err != nil {
			t.Fatalf("insert %s failed: %v", e.ID, err)
		}
	}

	pending, err := s.ListPending(10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := []string{"crit-early", "crit-late", "high", "low"}
	if len(pending) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(pending))
	}
	for i, id := range want {
		if pending[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, pending[i].ID)
		}
	}

	limited, err := s.ListPending(2)
	if err != nil {
		t.Fatalf("limited list failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit not applied, got %d entries", len(limited))
	}
}

func TestListPendingSkipsNonPending(t *testing.T) {
	s := newTestStore(t)
	if err := s.Insert(testEntry("p1", models.PriorityNormal, time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := s.Insert(testEntry("p2", models.PriorityNormal, time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := s.UpdateStatus("p1", models.StatusProcessing); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	pending, err := s.ListPending(10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "p2" {
		t.Errorf("expected only p2 pending, got %+v", pending)
	}
}

func TestIncrementRetry(t *testing.T) {
	s := newTestStore(t)
	if err := s.Insert(testEntry("r1", models.PriorityNormal, time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.IncrementRetry("r1"); err != nil {
			t.Fatalf("increment failed: %v", err)
		}
	}
	got, _ := s.GetByID("r1")
	if got.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", got.RetryCount)
	}
}

func TestDeleteExpired(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	expired := testEntry("old", models.PriorityNormal, now)
	expired.ExpiresAt = &past
	fresh := testEntry("new", models.PriorityNormal, now)
	fresh.ExpiresAt = &future
	forever := testEntry("forever", models.PriorityNormal, now)

	for _, e := range []models.QueuedRequest{expired, fresh, forever} {
		if err := s.Insert(e); err != nil {
			t.Fatalf("insert %s failed: %v", e.ID, err)
		}
	}

	n, err := s.DeleteExpired(now)
	if err != nil {
		t.Fatalf("delete expired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one expired entry removed, got %d", n)
	}
	if got, _ := s.GetByID("old"); got != nil {
		t.Error("expired entry still present")
	}
	if got, _ := s.GetByID("new"); got == nil {
		t.Error("unexpired entry was removed")
	}
}

func TestDeleteExpiredBoundary(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Truncate(time.Millisecond)
	entry := testEntry("edge", models.PriorityNormal, now)
	entry.ExpiresAt = &now
	if err := s.Insert(entry); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	n, err := s.DeleteExpired(now)
	if err != nil {
		t.Fatalf("delete expired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deadline equal to now must count as expired, got %d removals", n)
	}
}

func TestRequeueProcessing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Insert(testEntry("stuck", models.PriorityNormal, time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := s.UpdateStatus("stuck", models.StatusProcessing); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	n, err := s.RequeueProcessing()
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one requeued entry, got %d", n)
	}
	got, _ := s.GetByID("stuck")
	if got.Status != models.StatusPending {
		t.Errorf("expected pending after requeue, got %s", got.Status)
	}
}

func TestClearAll(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := s.Insert(testEntry(id, models.PriorityNormal, time.Now())); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	n, err := s.ClearAll()
	if err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected three removals, got %d", n)
	}
	count, _ := s.CountPending()
	if count != 0 {
		t.Errorf("expected empty queue, got %d", count)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "queue.db")
	s, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := s.Insert(testEntry("durable", models.PriorityHigh, time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetByID("durable")
	if err != nil || got == nil {
		t.Fatalf("entry did not survive reopen: %v", err)
	}
}

func TestPostgresStore(t *testing.T) {
	// This test requires a running PostgreSQL instance.
	// Set the DATABASE_URL environment variable for the connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pg, err := NewPostgresStore(WithDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pg.Close()
	pg.ClearAll()

	if err := pg.Insert(testEntry("pg1", models.PriorityHigh, time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	got, err := pg.GetByID("pg1")
	if err != nil || got == nil {
		t.Fatalf("entry not stored or retrieved in Postgres: %v", err)
	}
	if got.Request.Priority != models.PriorityHigh {
		t.Errorf("priority did not round trip: %+v", got)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
