// Package store provides the durable request queue backing the middleware.
//
// It includes SQLite and PostgreSQL implementations of the QueueStore
// interface. The queue manager is the only writer.
package store

import (
	"time"

	"github.com/duracall/duracall/pkg/models"
)

// QueueStore is the persistence contract for queued requests. Every call
// is atomic; a successful Insert survives process restart.
type QueueStore interface {
	// Insert persists a queued request. A non-empty idempotency key
	// replaces any existing row carrying the same key.
	Insert(q models.QueuedRequest) error

	// GetByID returns the entry with the given id, or nil when absent.
	GetByID(id string) (*models.QueuedRequest, error)

	// UpdateStatus sets the lifecycle state of an entry.
	UpdateStatus(id string, status models.RequestStatus) error

	// IncrementRetry adds one to the entry's retry counter.
	IncrementRetry(id string) error

	// Delete removes an entry.
	Delete(id string) error

	// DeleteExpired removes all non-terminal entries whose deadline is at
	// or before now and returns how many were removed.
	DeleteExpired(now time.Time) (int, error)

	// ListPending returns up to limit pending entries ordered by
	// (priority DESC, created_at ASC).
	ListPending(limit int) ([]models.QueuedRequest, error)

	// CountPending returns the number of non-terminal entries.
	CountPending() (int, error)

	// RequeueProcessing resets entries stuck in the processing state back
	// to pending (crash recovery) and returns how many were reset.
	RequeueProcessing() (int, error)

	// ClearAll removes every entry and returns how many were removed.
	ClearAll() (int, error)

	// Close releases the underlying database handle.
	Close() error
}

// Opts holds configuration options for store constructors.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithDSN sets the database DSN. For SQLite this is the database file path.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}
