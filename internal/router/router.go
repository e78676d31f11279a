// Package router implements the decision engine: given a request and the
// current network quality score, it picks a delivery channel per the
// configured strategy and dispatches.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/duracall/duracall/internal/escalation"
	"github.com/duracall/duracall/internal/netmon"
	"github.com/duracall/duracall/internal/queue"
	"github.com/duracall/duracall/pkg/models"
)

// Config is the router's strategy state. It is replaced wholesale under
// the router lock by Configure on the facade.
type Config struct {
	Strategy models.Strategy
	Params   models.StrategyParams
	// EscalateOnHTTPFailure arms the fallback timer when a live HTTP
	// attempt fails (aggressive strategy behavior).
	EscalateOnHTTPFailure bool

	SMSEnabled bool
	SMSGateway string
	BatchSMS   bool
	SMSTimeout time.Duration

	CostEstimate models.CostEstimateFunc
	CostApprove  models.CostApproveFunc
}

// Router is the single entry point for request dispatch.
type Router struct {
	estimator *netmon.Estimator
	queue     *queue.Manager
	timers    *escalation.Timers
	http      models.HTTPTransport
	sms       models.SMSTransport

	mu  sync.RWMutex
	cfg Config
}

// New creates a router over the given collaborators.
func New(est *netmon.Estimator, qm *queue.Manager, timers *escalation.Timers, httpTransport models.HTTPTransport, smsTransport models.SMSTransport, cfg Config) *Router {
	return &Router{
		estimator: est,
		queue:     qm,
		timers:    timers,
		http:      httpTransport,
		sms:       smsTransport,
		cfg:       cfg,
	}
}

// Configure replaces the router's strategy state.
func (r *Router) Configure(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// ConfigSnapshot returns a copy of the current configuration.
func (r *Router) ConfigSnapshot() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// CancelEscalation drops any live fallback timer for the given request id.
func (r *Router) CancelEscalation(id string) {
	r.timers.Cancel(id)
}

// Execute routes one request. The caller always receives a response: a
// live network result, an SMS delivery result, or a 202 acceptance backed
// by the durable queue. Only queue-admission problems and a request body
// that cannot be marshalled to JSON surface as errors.
func (r *Router) Execute(ctx context.Context, req models.Request) (models.Response, error) {
	cfg := r.ConfigSnapshot()
	score := r.estimator.Score()
	slog.Debug("Router.Execute", "method", req.Method, "url", req.URL, "priority", req.Priority, "score", score, "strategy", cfg.Strategy)

	switch {
	case score > cfg.Params.FullThreshold:
		return r.attemptHTTP(ctx, req, cfg, cfg.Params.HTTPTimeout)
	case score > cfg.Params.ShortThreshold:
		return r.attemptHTTP(ctx, req, cfg, cfg.Params.ShortTimeout)
	case score == 0:
		if r.smsReady(cfg, req) && req.Priority >= cfg.Params.ImmediateSMSMin {
			return r.sendImmediateSMS(ctx, req)
		}
		if r.smsReady(cfg, req) && req.Priority >= cfg.Params.EscalationMin {
			return r.enqueue(req, true, cfg)
		}
		return r.enqueue(req, false, cfg)
	default:
		// Degraded but not dead: below every HTTP threshold, so queue and
		// let the fallback clock run for eligible requests.
		escalate := r.smsReady(cfg, req) && req.Priority >= cfg.Params.EscalationMin
		return r.enqueue(req, escalate, cfg)
	}
}

// attemptHTTP performs one live attempt. A reachable server produces a
// network-origin response regardless of status; timeouts and transport
// errors record a failure against the estimator and fall back to the queue.
func (r *Router) attemptHTTP(ctx context.Context, req models.Request, cfg Config, timeout time.Duration) (models.Response, error) {
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	if req.IdempotencyKey != "" {
		headers[queue.IdempotencyKeyHeader] = req.IdempotencyKey
	}

	var body []byte
	if len(req.Body) > 0 {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return models.Response{}, fmt.Errorf("marshal request body: %w", err)
		}
	}

	result, err := r.http.Send(ctx, req.Method, req.URL, headers, body, timeout)
	if err != nil {
		slog.Debug("Router.attemptHTTP failed, queueing", "url", req.URL, "error", err)
		r.estimator.ObserveFailure()
		escalate := cfg.EscalateOnHTTPFailure && r.smsReady(cfg, req) && req.Priority >= cfg.Params.EscalationMin
		return r.enqueue(req, escalate, cfg)
	}

	// A delivered request must not escalate to SMS later.
	if req.IdempotencyKey != "" {
		r.timers.Cancel(req.IdempotencyKey)
	}

	return models.Response{
		StatusCode: result.StatusCode,
		Body:       string(result.Body),
		Headers:    result.Headers,
		Origin:     models.OriginNetwork,
	}, nil
}

// enqueue durably accepts the request and optionally arms its fallback
// timer. The caller receives 202 with the queue entry id.
func (r *Router) enqueue(req models.Request, escalate bool, cfg Config) (models.Response, error) {
	entry, err := r.queue.Enqueue(req, nil)
	if err != nil {
		return models.Response{}, err
	}
	if escalate {
		r.timers.Arm(entry.ID, cfg.Params.EscalationDelay, r.fireEscalation)
	}
	return models.Response{
		StatusCode: http.StatusAccepted,
		Origin:     models.OriginQueued,
		RequestID:  entry.ID,
	}, nil
}

func (r *Router) smsReady(cfg Config, req models.Request) bool {
	return cfg.SMSEnabled && req.SMSEligible && r.sms != nil && r.sms.HasPermissions()
}
