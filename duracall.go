// Package duracall is a client-side resilience middleware for outbound
// HTTP traffic. Every submitted request is delivered over one of three
// channels: a live HTTP attempt, a durable local queue with background
// retry, or a compressed SMS sent through a trusted gateway number when
// connectivity is gone. Routing is driven by a continuously estimated
// network quality score and a configurable strategy.
package duracall

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/duracall/duracall/internal/escalation"
	"github.com/duracall/duracall/internal/lockfile"
	"github.com/duracall/duracall/internal/netmon"
	"github.com/duracall/duracall/internal/queue"
	"github.com/duracall/duracall/internal/router"
	"github.com/duracall/duracall/internal/smscodec"
	"github.com/duracall/duracall/internal/store"
	"github.com/duracall/duracall/internal/transport"
	"github.com/duracall/duracall/pkg/models"
)

// DefaultSMSTimeout bounds one gateway send when no option overrides it.
const DefaultSMSTimeout = 30 * time.Second

// Middleware is the owning value for the whole engine: estimator, queue
// manager, escalation timers, router and transports. Construct with New,
// boot with Start, release with Close.
type Middleware struct {
	opts Opts

	store     store.QueueStore
	estimator *netmon.Estimator
	queueMgr  *queue.Manager
	timers    *escalation.Timers
	router    *router.Router
	sms       models.SMSTransport
	lock      *lockfile.Lock

	mu          sync.RWMutex
	initialized bool
	closed      bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New assembles an unstarted middleware from the given options. Either a
// SQLite database path or a Postgres DSN is required; enabling SMS
// requires a gateway number.
func New(opts ...Option) (*Middleware, error) {
	cfg := Opts{
		Strategy:     models.StrategyBalanced,
		MaxQueueSize: models.DefaultMaxQueueSize,
		SMSTimeout:   DefaultSMSTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.DatabasePath == "" && cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("queue database not configured: set a database path or Postgres DSN")
	}
	if cfg.SMSEnabled && cfg.SMSGateway == "" {
		return nil, fmt.Errorf("SMS enabled without a gateway number")
	}

	return &Middleware{opts: cfg}, nil
}

// Start opens the store, recovers interrupted entries, and boots the
// background loops: the estimator subscription, the periodic drain, and
// the gateway reply listener. Start is idempotent; repeat calls log and
// return.
func (m *Middleware) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return models.ErrNotInitialized
	}
	if m.initialized {
		slog.Info("Middleware already initialized")
		return nil
	}

	var (
		st  store.QueueStore
		err error
	)
	if m.opts.PostgresDSN != "" {
		st, err = store.NewPostgresStore(store.WithDSN(m.opts.PostgresDSN))
	} else {
		m.lock, err = lockfile.Acquire(filepath.Dir(m.opts.DatabasePath))
		if err != nil {
			return err
		}
		st, err = store.NewSQLiteStore(store.WithDSN(m.opts.DatabasePath))
	}
	if err != nil {
		m.releaseLock()
		return fmt.Errorf("open queue store: %w", err)
	}
	m.store = st

	prober := m.opts.LatencyProber
	if prober == nil {
		prober = func(context.Context) (time.Duration, error) {
			return netmon.DefaultPlaceholderLatency, nil
		}
	}
	m.estimator = netmon.NewEstimator(m.opts.Connectivity, netmon.WithProber(prober))

	httpTransport := m.opts.HTTPTransport
	if httpTransport == nil {
		httpTransport = transport.NewHTTPClient()
	}
	m.sms = m.opts.SMSTransport
	m.timers = escalation.NewTimers()

	qopts := []queue.Option{
		queue.WithMaxQueueSize(m.opts.MaxQueueSize),
		queue.WithCallbacks(m.opts.OnCompleted, m.opts.OnFailed),
		queue.WithDeliveredHook(func(id string) { m.timers.Cancel(id) }),
		queue.WithFailureObserver(m.estimator),
	}
	if m.opts.DrainInterval > 0 {
		qopts = append(qopts, queue.WithDrainInterval(m.opts.DrainInterval))
	}
	if m.opts.RetryTimeout > 0 {
		qopts = append(qopts, queue.WithRetryTimeout(m.opts.RetryTimeout))
	}
	m.queueMgr = queue.NewManager(st, httpTransport, qopts...)
	m.router = router.New(m.estimator, m.queueMgr, m.timers, httpTransport, m.sms, m.routerConfig())

	ctx, m.cancel = context.WithCancel(ctx)
	m.estimator.Start(ctx)
	m.queueMgr.Start(ctx)

	m.wg.Add(1)
	go m.watchNetwork(ctx, m.estimator.Subscribe())
	if m.sms != nil {
		m.wg.Add(1)
		go m.listenReplies(ctx)
	}

	m.initialized = true
	slog.Info("Middleware started",
		"strategy", m.opts.Strategy,
		"sms_enabled", m.opts.SMSEnabled,
		"max_queue_size", m.opts.MaxQueueSize)
	return nil
}

// Close stops the drain loop, cancels every escalation timer, unsubscribes
// from network events and releases the store and lock. Safe to call twice.
func (m *Middleware) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized || m.closed {
		m.closed = true
		return nil
	}
	m.closed = true

	m.cancel()
	m.queueMgr.Stop()
	m.timers.CancelAll()
	m.estimator.Stop()
	m.wg.Wait()

	err := m.store.Close()
	m.releaseLock()
	slog.Info("Middleware closed")
	return err
}

// Execute routes one request through the decision engine. The caller
// always receives a response unless the request is invalid or the queue
// rejected it.
func (m *Middleware) Execute(ctx context.Context, req models.Request) (models.Response, error) {
	r, err := m.runningRouter()
	if err != nil {
		return models.Response{}, err
	}
	if err := req.Validate(); err != nil {
		return models.Response{}, err
	}
	if req.Priority == 0 {
		req.Priority = models.PriorityNormal
	}
	return r.Execute(ctx, req)
}

// Configure updates the runtime-tunable subset of the configuration:
// strategy, timeouts, queue bound, SMS cost hooks and the batch flag.
// Transports, storage and callbacks are fixed at Start.
func (m *Middleware) Configure(opts ...Option) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized || m.closed {
		return models.ErrNotInitialized
	}
	for _, opt := range opts {
		opt(&m.opts)
	}
	m.queueMgr.SetMaxQueueSize(m.opts.MaxQueueSize)
	m.router.Configure(m.routerConfig())
	slog.Debug("Middleware reconfigured", "strategy", m.opts.Strategy, "max_queue_size", m.opts.MaxQueueSize)
	return nil
}

// NetworkStatus returns the current connectivity snapshot.
func (m *Middleware) NetworkStatus() (models.NetworkStatus, error) {
	if err := m.running(); err != nil {
		return models.NetworkStatus{}, err
	}
	return m.estimator.Status(), nil
}

// QueueCount returns the number of non-terminal queued requests.
func (m *Middleware) QueueCount() (int, error) {
	if err := m.running(); err != nil {
		return 0, err
	}
	return m.queueMgr.Count()
}

// ListPending returns up to limit pending requests in drain order.
func (m *Middleware) ListPending(limit int) ([]models.QueuedRequest, error) {
	if err := m.running(); err != nil {
		return nil, err
	}
	return m.queueMgr.ListPending(limit)
}

// ProcessQueue runs one drain pass immediately.
func (m *Middleware) ProcessQueue(ctx context.Context) error {
	if err := m.running(); err != nil {
		return err
	}
	m.queueMgr.ProcessQueue(ctx)
	return nil
}

// ClearQueue removes every queued request and cancels their fallback
// timers. It returns how many entries were removed.
func (m *Middleware) ClearQueue() (int, error) {
	if err := m.running(); err != nil {
		return 0, err
	}
	m.timers.CancelAll()
	return m.queueMgr.Clear()
}

// HasSMSPermissions reports whether the SMS transport may send and receive.
func (m *Middleware) HasSMSPermissions() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sms != nil && m.sms.HasPermissions()
}

// RequestSMSPermissions prompts the platform permission dialog.
func (m *Middleware) RequestSMSPermissions(ctx context.Context) (bool, error) {
	m.mu.RLock()
	sms := m.sms
	m.mu.RUnlock()
	if sms == nil {
		return false, models.ErrPermissionDenied
	}
	return sms.RequestPermissions(ctx)
}

// SMSGateway returns the configured gateway number.
func (m *Middleware) SMSGateway() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts.SMSGateway
}

func (m *Middleware) routerConfig() router.Config {
	params := models.ParamsFor(m.opts.Strategy)
	if m.opts.Strategy == models.StrategyCustom && m.opts.CustomParams != nil {
		params = *m.opts.CustomParams
	}
	if m.opts.HTTPTimeout > 0 {
		params.HTTPTimeout = m.opts.HTTPTimeout
	}
	return router.Config{
		Strategy:              m.opts.Strategy,
		Params:                params,
		EscalateOnHTTPFailure: m.opts.Strategy == models.StrategyAggressive,
		SMSEnabled:            m.opts.SMSEnabled,
		SMSGateway:            m.opts.SMSGateway,
		BatchSMS:              m.opts.BatchSMS,
		SMSTimeout:            m.opts.SMSTimeout,
		CostEstimate:          m.opts.CostEstimate,
		CostApprove:           m.opts.CostApprove,
	}
}

func (m *Middleware) running() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized || m.closed {
		return models.ErrNotInitialized
	}
	return nil
}

func (m *Middleware) runningRouter() (*router.Router, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized || m.closed {
		return nil, models.ErrNotInitialized
	}
	return m.router, nil
}

func (m *Middleware) releaseLock() {
	if m.lock != nil {
		m.lock.Release()
		m.lock = nil
	}
}

// watchNetwork triggers a drain whenever connectivity recovers to stable.
func (m *Middleware) watchNetwork(ctx context.Context, events <-chan models.NetworkStatus) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-events:
			if !ok {
				return
			}
			if status.IsStable && status.QualityScore > 0.5 {
				slog.Debug("Middleware network improved, triggering drain", "score", status.QualityScore)
				m.queueMgr.TriggerDrain()
			}
		}
	}
}

// listenReplies consumes inbound gateway messages and resolves the queued
// requests they acknowledge.
func (m *Middleware) listenReplies(ctx context.Context) {
	defer m.wg.Done()
	incoming := m.sms.Incoming()
	gateway := m.opts.SMSGateway
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			if msg.Address != "" && msg.Address != gateway {
				slog.Debug("Middleware ignoring SMS from unknown sender", "from", msg.Address)
				continue
			}
			m.handleReply(msg)
		}
	}
}

func (m *Middleware) handleReply(msg models.IncomingSMS) {
	reply := smscodec.ParseReply(msg.Body)
	if reply.ID == "" {
		slog.Debug("Middleware gateway reply carried no request id", "body", msg.Body)
		return
	}

	id, err := m.resolveReplyID(reply.ID)
	if err != nil {
		slog.Error("Middleware reply lookup failed", "error", err, "reply_id", reply.ID)
		return
	}
	if id == "" {
		slog.Debug("Middleware gateway reply matched no queued request", "reply_id", reply.ID)
		return
	}

	if reply.StatusCode < 300 {
		if err := m.queueMgr.Complete(id, reply.StatusCode, msg.Body); err != nil {
			slog.Error("Middleware reply completion failed", "error", err, "id", id)
		}
		return
	}
	m.queueMgr.Fail(id, fmt.Sprintf("gateway error %s", reply.ErrorCode))
}

// resolveReplyID maps a (possibly compressed) reply id back to a queued
// entry: exact match first, then the compressed form of each pending id.
func (m *Middleware) resolveReplyID(replyID string) (string, error) {
	entry, err := m.queueMgr.Get(replyID)
	if err != nil {
		return "", err
	}
	if entry != nil {
		return entry.ID, nil
	}
	pending, err := m.queueMgr.ListPending(0)
	if err != nil {
		return "", err
	}
	for _, p := range pending {
		if smscodec.CompressID(p.ID) == replyID {
			return p.ID, nil
		}
	}
	return "", nil
}
