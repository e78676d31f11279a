package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/duracall/duracall/internal/smscodec"
	"github.com/duracall/duracall/pkg/models"
)

// defaultSMSTimeout bounds one gateway send when no configuration value
// is set.
const defaultSMSTimeout = 30 * time.Second

// sendImmediateSMS handles the critical-while-offline path: the request is
// enqueued first so it survives a crash, then encoded and pushed through
// the gateway. Delivery completes the queue entry so no later drain
// re-sends it over HTTP.
func (r *Router) sendImmediateSMS(ctx context.Context, req models.Request) (models.Response, error) {
	entry, err := r.queue.Enqueue(req, nil)
	if err != nil {
		return models.Response{}, err
	}

	cfg := r.ConfigSnapshot()
	text, err := r.encodeEntry(entry)
	if err != nil {
		if errors.Is(err, models.ErrSMSTooLarge) {
			// Too large for the wire; the entry stays queued for HTTP retry.
			slog.Warn("Router.sendImmediateSMS payload too large, leaving queued", "id", entry.ID)
			return models.Response{
				StatusCode: http.StatusAccepted,
				Origin:     models.OriginQueued,
				RequestID:  entry.ID,
			}, nil
		}
		return models.Response{}, err
	}

	if err := r.sms.Send(ctx, cfg.SMSGateway, text); err != nil {
		slog.Error("Router.sendImmediateSMS send failed", "id", entry.ID, "error", err)
		return models.Response{
			StatusCode: http.StatusServiceUnavailable,
			Origin:     models.OriginSMS,
			RequestID:  entry.ID,
		}, nil
	}

	if err := r.queue.Complete(entry.ID, http.StatusOK, ""); err != nil {
		slog.Error("Router.sendImmediateSMS complete failed", "id", entry.ID, "error", err)
	}
	slog.Info("Router.sendImmediateSMS delivered", "id", entry.ID, "gateway", cfg.SMSGateway)
	return models.Response{
		StatusCode: http.StatusOK,
		Origin:     models.OriginSMS,
		RequestID:  entry.ID,
	}, nil
}

// fireEscalation runs when a queued request's fallback deadline passes.
// The network is re-sampled: if connectivity recovered the queue keeps the
// request on the HTTP path and the timer is simply consumed.
func (r *Router) fireEscalation(id string) {
	cfg := r.ConfigSnapshot()
	score := r.estimator.Score()
	if score >= 0.3 {
		slog.Debug("Router.fireEscalation skipped, network recovered", "id", id, "score", score)
		return
	}
	if !cfg.SMSEnabled || r.sms == nil || !r.sms.HasPermissions() {
		slog.Debug("Router.fireEscalation skipped, SMS unavailable", "id", id)
		return
	}

	timeout := cfg.SMSTimeout
	if timeout <= 0 {
		timeout = defaultSMSTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	entries := r.escalationTargets(id, cfg)
	for i := range entries {
		r.escalateEntry(ctx, &entries[i], cfg)
	}
}

// escalationTargets resolves which entries this firing covers: the owning
// request, plus every other due SMS-eligible pending entry in batch mode.
func (r *Router) escalationTargets(id string, cfg Config) []models.QueuedRequest {
	entry, err := r.queue.Get(id)
	if err != nil {
		slog.Error("Router.escalationTargets lookup failed", "id", id, "error", err)
		return nil
	}
	if entry == nil || entry.Status != models.StatusPending || !entry.Request.SMSEligible {
		slog.Debug("Router.escalationTargets: request no longer escalatable", "id", id)
		return nil
	}

	if !cfg.BatchSMS {
		return []models.QueuedRequest{*entry}
	}

	pending, err := r.queue.ListPending(0)
	if err != nil {
		slog.Error("Router.escalationTargets list failed", "error", err)
		return []models.QueuedRequest{*entry}
	}
	targets := []models.QueuedRequest{*entry}
	for _, p := range pending {
		if p.ID == entry.ID || !p.Request.SMSEligible {
			continue
		}
		targets = append(targets, p)
	}
	return targets
}

func (r *Router) escalateEntry(ctx context.Context, entry *models.QueuedRequest, cfg Config) {
	text, err := r.encodeEntry(*entry)
	if err != nil {
		slog.Warn("Router.escalateEntry encode failed, leaving queued", "id", entry.ID, "error", err)
		return
	}

	if cfg.CostEstimate != nil && cfg.CostApprove != nil {
		estimate := cfg.CostEstimate(text)
		if !cfg.CostApprove(estimate) {
			slog.Info("Router.escalateEntry declined by cost warning", "id", entry.ID, "estimate", estimate)
			return
		}
	}

	if err := r.sms.Send(ctx, cfg.SMSGateway, text); err != nil {
		slog.Error("Router.escalateEntry send failed", "id", entry.ID, "error", err)
		r.queue.Fail(entry.ID, err.Error())
		return
	}
	if err := r.queue.Complete(entry.ID, http.StatusOK, ""); err != nil {
		slog.Error("Router.escalateEntry complete failed", "id", entry.ID, "error", err)
	}
	slog.Info("Router.escalateEntry delivered", "id", entry.ID, "gateway", cfg.SMSGateway)
}

// encodeEntry builds the wire tuple from the request body, falling back to
// the queue id when the payload carries no identifier of its own.
func (r *Router) encodeEntry(entry models.QueuedRequest) (string, error) {
	msg := smscodec.FromRequestBody(entry.Request.Body)
	if msg.ID == "" {
		msg.ID = entry.ID
	}
	return smscodec.Encode(msg)
}
