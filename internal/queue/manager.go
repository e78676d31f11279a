// Package queue implements the background drain of the persistent request
// queue: retry policy, expiration, and completion notification.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/duracall/duracall/internal/store"
	"github.com/duracall/duracall/internal/util"
	"github.com/duracall/duracall/pkg/models"
)

// Drain configuration defaults.
const (
	// DefaultDrainInterval is the period of the background drain loop.
	DefaultDrainInterval = 30 * time.Second
	// DefaultBatchSize is how many pending entries one pass picks up.
	DefaultBatchSize = 10
	// DefaultRetryTimeout bounds each background HTTP attempt.
	DefaultRetryTimeout = 30 * time.Second

	// IdempotencyKeyHeader carries the caller's idempotency key so the
	// server can deduplicate across channels and retries.
	IdempotencyKeyHeader = "Idempotency-Key"
)

// FailureObserver receives delivery failures for score adjustment.
type FailureObserver interface {
	ObserveFailure()
}

// Opts holds configuration options for the queue manager.
type Opts struct {
	DrainInterval time.Duration
	BatchSize     int
	RetryTimeout  time.Duration
	MaxQueueSize  int
	OnCompleted   models.CompletedFunc
	OnFailed      models.FailedFunc
	OnDelivered   func(id string)
	Observer      FailureObserver
}

// Option defines a configuration option for the queue manager.
type Option func(*Opts)

// WithDrainInterval sets the background drain period.
func WithDrainInterval(d time.Duration) Option {
	return func(o *Opts) { o.DrainInterval = d }
}

// WithBatchSize sets how many entries one drain pass processes.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithRetryTimeout bounds each background HTTP attempt.
func WithRetryTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RetryTimeout = d }
}

// WithMaxQueueSize bounds the number of non-terminal queued entries.
func WithMaxQueueSize(n int) Option {
	return func(o *Opts) { o.MaxQueueSize = n }
}

// WithCallbacks sets the completion and failure notification hooks.
func WithCallbacks(completed models.CompletedFunc, failed models.FailedFunc) Option {
	return func(o *Opts) {
		o.OnCompleted = completed
		o.OnFailed = failed
	}
}

// WithDeliveredHook sets a hook invoked whenever an entry is delivered,
// before the completion callback. The facade wires it to cancel the
// entry's escalation timer.
func WithDeliveredHook(fn func(id string)) Option {
	return func(o *Opts) { o.OnDelivered = fn }
}

// WithFailureObserver routes attempt failures into the network estimator.
func WithFailureObserver(obs FailureObserver) Option {
	return func(o *Opts) { o.Observer = obs }
}

// Manager owns the persistent queue: it accepts entries, drains them on a
// schedule and on network improvement, applies the retry budget, and fires
// the completion callbacks. It is the only writer to the store.
type Manager struct {
	store store.QueueStore
	http  models.HTTPTransport

	drainInterval time.Duration
	batchSize     int
	retryTimeout  time.Duration

	mu           sync.RWMutex
	maxQueueSize int
	onCompleted  models.CompletedFunc
	onFailed     models.FailedFunc
	onDelivered  func(id string)
	observer     FailureObserver

	trigger chan struct{}
	drainMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a queue manager over the given store and transport.
func NewManager(st store.QueueStore, http models.HTTPTransport, opts ...Option) *Manager {
	cfg := Opts{
		DrainInterval: DefaultDrainInterval,
		BatchSize:     DefaultBatchSize,
		RetryTimeout:  DefaultRetryTimeout,
		MaxQueueSize:  models.DefaultMaxQueueSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		store:         st,
		http:          http,
		drainInterval: cfg.DrainInterval,
		batchSize:     cfg.BatchSize,
		retryTimeout:  cfg.RetryTimeout,
		maxQueueSize:  cfg.MaxQueueSize,
		onCompleted:   cfg.OnCompleted,
		onFailed:      cfg.OnFailed,
		onDelivered:   cfg.OnDelivered,
		observer:      cfg.Observer,
		trigger:       make(chan struct{}, 1),
	}
}

// SetMaxQueueSize updates the queue bound at runtime.
func (m *Manager) SetMaxQueueSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.maxQueueSize = n
	}
}

// Enqueue persists a request for background delivery. The entry id reuses
// the caller's idempotency key when present, otherwise it is derived from
// the method, URL and creation time. Critical requests get the larger
// retry budget.
func (m *Manager) Enqueue(req models.Request, expiresAt *time.Time) (models.QueuedRequest, error) {
	m.mu.RLock()
	maxSize := m.maxQueueSize
	m.mu.RUnlock()

	count, err := m.store.CountPending()
	if err != nil {
		return models.QueuedRequest{}, fmt.Errorf("enqueue count failed: %w", err)
	}
	if count >= maxSize {
		slog.Warn("Manager.Enqueue rejected, queue full", "count", count, "max", maxSize)
		return models.QueuedRequest{}, models.ErrQueueFull
	}

	now := time.Now()
	id := req.IdempotencyKey
	if id == "" {
		id = util.DeriveRequestID(req.Method, req.URL, now)
	}
	maxRetries := models.MaxRetriesNormal
	if req.Priority == models.PriorityCritical {
		maxRetries = models.MaxRetriesCritical
	}
	if req.Priority == 0 {
		req.Priority = models.PriorityNormal
	}

	entry := models.QueuedRequest{
		ID:         id,
		Request:    req,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
		Status:     models.StatusPending,
	}
	if err := m.store.Insert(entry); err != nil {
		return models.QueuedRequest{}, fmt.Errorf("enqueue insert failed: %w", err)
	}
	slog.Debug("Manager.Enqueue", "id", id, "priority", req.Priority, "maxRetries", maxRetries)
	return entry, nil
}

// Start recovers entries interrupted by a crash and begins the drain loop.
func (m *Manager) Start(ctx context.Context) {
	if n, err := m.store.RequeueProcessing(); err != nil {
		slog.Error("Manager.Start recovery failed", "error", err)
	} else if n > 0 {
		slog.Info("Manager.Start recovered interrupted entries", "count", n)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts the drain loop and waits for an in-flight pass to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// TriggerDrain requests an immediate drain pass. Safe to call from event
// handlers; coalesces when a request is already pending.
func (m *Manager) TriggerDrain() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// ProcessQueue runs one drain pass synchronously.
func (m *Manager) ProcessQueue(ctx context.Context) {
	m.drain(ctx)
}

// ListPending returns up to limit pending entries in drain order.
func (m *Manager) ListPending(limit int) ([]models.QueuedRequest, error) {
	if limit <= 0 {
		limit = m.batchSize
	}
	return m.store.ListPending(limit)
}

// Count returns the number of non-terminal entries.
func (m *Manager) Count() (int, error) {
	return m.store.CountPending()
}

// Get returns one entry by id, or nil when absent.
func (m *Manager) Get(id string) (*models.QueuedRequest, error) {
	return m.store.GetByID(id)
}

// Complete marks an entry delivered through another channel: the row is
// removed and the completion callback fires.
func (m *Manager) Complete(id string, statusCode int, body string) error {
	if err := m.store.UpdateStatus(id, models.StatusCompleted); err != nil {
		return err
	}
	if err := m.store.Delete(id); err != nil {
		return err
	}
	m.notifyDelivered(id)
	m.notifyCompleted(id, statusCode, body)
	return nil
}

// Fail records an out-of-band failure for an entry without consuming its
// retry budget.
func (m *Manager) Fail(id string, errMsg string) {
	m.notifyFailed(id, errMsg)
}

// Clear removes every entry and returns how many were removed.
func (m *Manager) Clear() (int, error) {
	return m.store.ClearAll()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	slog.Info("Manager.run: starting drain loop", "interval", m.drainInterval)

	ticker := time.NewTicker(m.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Manager.run: stopping")
			return
		case <-ticker.C:
			m.drain(ctx)
		case <-m.trigger:
			m.drain(ctx)
		}
	}
}

// drain runs one pass: pick up to batchSize pending entries in priority
// order, attempt each sequentially, then sweep the remaining expired rows.
// Passes never overlap.
func (m *Manager) drain(ctx context.Context) {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	now := time.Now()
	pending, err := m.store.ListPending(m.batchSize)
	if err != nil {
		slog.Error("Manager.drain: list failed", "error", err)
		return
	}

	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		m.processEntry(ctx, &pending[i], now)
	}

	// Sweep entries past their deadline that the batch did not reach.
	if n, err := m.store.DeleteExpired(time.Now()); err != nil {
		slog.Error("Manager.drain: expiry sweep failed", "error", err)
	} else if n > 0 {
		slog.Debug("Manager.drain: expiry sweep removed entries", "count", n)
	}
}

func (m *Manager) processEntry(ctx context.Context, entry *models.QueuedRequest, now time.Time) {
	if err := m.store.UpdateStatus(entry.ID, models.StatusProcessing); err != nil {
		slog.Error("Manager.processEntry: mark processing failed", "error", err, "id", entry.ID)
		return
	}

	if entry.Expired(now) {
		if err := m.store.UpdateStatus(entry.ID, models.StatusExpired); err != nil {
			slog.Error("Manager.processEntry: mark expired failed", "error", err, "id", entry.ID)
		}
		if err := m.store.Delete(entry.ID); err != nil {
			slog.Error("Manager.processEntry: delete expired failed", "error", err, "id", entry.ID)
		}
		slog.Debug("Manager.processEntry: entry expired", "id", entry.ID)
		m.notifyFailed(entry.ID, "Request expired")
		return
	}

	if entry.RetryCount >= entry.MaxRetries {
		if err := m.store.UpdateStatus(entry.ID, models.StatusFailed); err != nil {
			slog.Error("Manager.processEntry: mark failed failed", "error", err, "id", entry.ID)
		}
		slog.Debug("Manager.processEntry: retry budget exhausted", "id", entry.ID, "retries", entry.RetryCount)
		m.notifyFailed(entry.ID, models.ErrMaxRetriesExceeded.Error())
		return
	}

	result, err := m.attempt(ctx, entry)
	if err == nil && result.StatusCode >= 200 && result.StatusCode < 300 {
		if err := m.store.UpdateStatus(entry.ID, models.StatusCompleted); err != nil {
			slog.Error("Manager.processEntry: mark completed failed", "error", err, "id", entry.ID)
		}
		if err := m.store.Delete(entry.ID); err != nil {
			slog.Error("Manager.processEntry: delete completed failed", "error", err, "id", entry.ID)
		}
		slog.Debug("Manager.processEntry: delivered", "id", entry.ID, "status", result.StatusCode)
		m.notifyDelivered(entry.ID)
		m.notifyCompleted(entry.ID, result.StatusCode, string(result.Body))
		return
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else {
		errMsg = fmt.Sprintf("HTTP %d", result.StatusCode)
	}
	m.observeFailure()
	if err := m.store.IncrementRetry(entry.ID); err != nil {
		slog.Error("Manager.processEntry: increment retry failed", "error", err, "id", entry.ID)
	}
	if err := m.store.UpdateStatus(entry.ID, models.StatusPending); err != nil {
		slog.Error("Manager.processEntry: revert to pending failed", "error", err, "id", entry.ID)
	}
	slog.Debug("Manager.processEntry: attempt failed", "id", entry.ID, "error", errMsg, "retry", entry.RetryCount+1)
	m.notifyFailed(entry.ID, errMsg)
}

// attempt performs one HTTP delivery of a queued entry.
func (m *Manager) attempt(ctx context.Context, entry *models.QueuedRequest) (*models.HTTPResult, error) {
	req := entry.Request

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	if req.IdempotencyKey != "" {
		headers[IdempotencyKeyHeader] = req.IdempotencyKey
	}

	var body []byte
	if len(req.Body) > 0 {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	timeout := m.retryTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	result, err := m.http.Send(ctx, req.Method, req.URL, headers, body, timeout)
	if err != nil {
		if !errors.Is(err, models.ErrTimeout) && !errors.Is(err, models.ErrTransport) {
			err = fmt.Errorf("%w: %v", models.ErrTransport, err)
		}
		return nil, err
	}
	return result, nil
}

func (m *Manager) observeFailure() {
	m.mu.RLock()
	obs := m.observer
	m.mu.RUnlock()
	if obs != nil {
		obs.ObserveFailure()
	}
}

func (m *Manager) notifyCompleted(id string, statusCode int, body string) {
	m.mu.RLock()
	fn := m.onCompleted
	m.mu.RUnlock()
	if fn != nil {
		fn(id, statusCode, body)
	}
}

func (m *Manager) notifyFailed(id string, errMsg string) {
	m.mu.RLock()
	fn := m.onFailed
	m.mu.RUnlock()
	if fn != nil {
		fn(id, errMsg)
	}
}

func (m *Manager) notifyDelivered(id string) {
	m.mu.RLock()
	fn := m.onDelivered
	m.mu.RUnlock()
	if fn != nil {
		fn(id)
	}
}
