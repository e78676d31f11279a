package duracall

import (
	"time"

	"github.com/duracall/duracall/pkg/models"
)

// Opts holds the middleware configuration assembled from options.
type Opts struct {
	// Storage. DatabasePath selects the SQLite backend (default);
	// PostgresDSN selects the Postgres backend instead.
	DatabasePath string
	PostgresDSN  string

	Strategy     models.Strategy
	CustomParams *models.StrategyParams
	HTTPTimeout  time.Duration
	MaxQueueSize int

	SMSEnabled bool
	SMSGateway string
	BatchSMS   bool
	SMSTimeout time.Duration

	CostEstimate models.CostEstimateFunc
	CostApprove  models.CostApproveFunc
	OnCompleted  models.CompletedFunc
	OnFailed     models.FailedFunc

	HTTPTransport models.HTTPTransport
	SMSTransport  models.SMSTransport
	Connectivity  models.ConnectivitySource
	LatencyProber models.LatencyProbeFunc

	DrainInterval time.Duration
	RetryTimeout  time.Duration
}

// Option defines a configuration option for the middleware.
type Option func(*Opts)

// WithDatabasePath sets the SQLite database file backing the queue.
func WithDatabasePath(path string) Option {
	return func(o *Opts) { o.DatabasePath = path }
}

// WithPostgresDSN selects the Postgres queue store instead of SQLite.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.PostgresDSN = dsn }
}

// WithStrategy selects a built-in routing strategy.
func WithStrategy(s models.Strategy) Option {
	return func(o *Opts) { o.Strategy = s }
}

// WithCustomStrategy selects StrategyCustom with the given parameters.
func WithCustomStrategy(p models.StrategyParams) Option {
	return func(o *Opts) {
		o.Strategy = models.StrategyCustom
		o.CustomParams = &p
	}
}

// WithHTTPTimeout overrides the strategy's full HTTP attempt timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(o *Opts) { o.HTTPTimeout = d }
}

// WithMaxQueueSize bounds the number of non-terminal queued entries.
func WithMaxQueueSize(n int) Option {
	return func(o *Opts) { o.MaxQueueSize = n }
}

// WithSMSEnabled toggles the SMS fallback channel.
func WithSMSEnabled(enabled bool) Option {
	return func(o *Opts) { o.SMSEnabled = enabled }
}

// WithSMSGateway sets the trusted gateway number fallback messages go to.
func WithSMSGateway(number string) Option {
	return func(o *Opts) { o.SMSGateway = number }
}

// WithBatchSMS makes an escalation firing flush every due SMS-eligible
// pending request instead of only its own.
func WithBatchSMS(enabled bool) Option {
	return func(o *Opts) { o.BatchSMS = enabled }
}

// WithSMSTimeout bounds one gateway send.
func WithSMSTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SMSTimeout = d }
}

// WithCostProvider sets the SMS cost estimator.
func WithCostProvider(fn models.CostEstimateFunc) Option {
	return func(o *Opts) { o.CostEstimate = fn }
}

// WithCostWarningCallback sets the approval hook consulted before a
// deferred SMS send.
func WithCostWarningCallback(fn models.CostApproveFunc) Option {
	return func(o *Opts) { o.CostApprove = fn }
}

// WithOnCompleted sets the callback fired when a queued request completes.
func WithOnCompleted(fn models.CompletedFunc) Option {
	return func(o *Opts) { o.OnCompleted = fn }
}

// WithOnFailed sets the callback fired when a queued request fails an
// attempt or reaches a terminal failure.
func WithOnFailed(fn models.FailedFunc) Option {
	return func(o *Opts) { o.OnFailed = fn }
}

// WithHTTPTransport injects the HTTP transport adapter.
func WithHTTPTransport(t models.HTTPTransport) Option {
	return func(o *Opts) { o.HTTPTransport = t }
}

// WithSMSTransport injects the platform SMS transport.
func WithSMSTransport(t models.SMSTransport) Option {
	return func(o *Opts) { o.SMSTransport = t }
}

// WithConnectivitySource injects the platform connectivity source.
func WithConnectivitySource(src models.ConnectivitySource) Option {
	return func(o *Opts) { o.Connectivity = src }
}

// WithLatencyProber injects the latency probe used by the estimator.
func WithLatencyProber(fn models.LatencyProbeFunc) Option {
	return func(o *Opts) { o.LatencyProber = fn }
}

// WithDrainInterval overrides the background drain period.
func WithDrainInterval(d time.Duration) Option {
	return func(o *Opts) { o.DrainInterval = d }
}

// WithRetryTimeout bounds each background HTTP retry attempt.
func WithRetryTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RetryTimeout = d }
}
