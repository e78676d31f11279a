package duracall

import (
	"context"
	"net/http"

	"github.com/duracall/duracall/pkg/models"
)

// RequestOption mutates a helper-built request before it is submitted.
type RequestOption func(*models.Request)

// WithPriority sets the request priority.
func WithPriority(p models.Priority) RequestOption {
	return func(r *models.Request) { r.Priority = p }
}

// WithSMSEligible marks the request deliverable over the SMS fallback.
func WithSMSEligible() RequestOption {
	return func(r *models.Request) { r.SMSEligible = true }
}

// WithIdempotencyKey sets the cross-attempt identity sent to the server.
func WithIdempotencyKey(key string) RequestOption {
	return func(r *models.Request) { r.IdempotencyKey = key }
}

// WithHeaders merges the given headers into the request.
func WithHeaders(headers map[string]string) RequestOption {
	return func(r *models.Request) {
		if r.Headers == nil {
			r.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			r.Headers[k] = v
		}
	}
}

// Get submits a GET request through the routing engine.
func (m *Middleware) Get(ctx context.Context, url string, opts ...RequestOption) (models.Response, error) {
	return m.Execute(ctx, buildRequest(http.MethodGet, url, nil, opts))
}

// Post submits a POST request with a structured JSON body.
func (m *Middleware) Post(ctx context.Context, url string, body map[string]any, opts ...RequestOption) (models.Response, error) {
	return m.Execute(ctx, buildRequest(http.MethodPost, url, body, opts))
}

// Put submits a PUT request with a structured JSON body.
func (m *Middleware) Put(ctx context.Context, url string, body map[string]any, opts ...RequestOption) (models.Response, error) {
	return m.Execute(ctx, buildRequest(http.MethodPut, url, body, opts))
}

// Delete submits a DELETE request.
func (m *Middleware) Delete(ctx context.Context, url string, opts ...RequestOption) (models.Response, error) {
	return m.Execute(ctx, buildRequest(http.MethodDelete, url, nil, opts))
}

func buildRequest(method, url string, body map[string]any, opts []RequestOption) models.Request {
	req := models.Request{
		Method:   method,
		URL:      url,
		Body:     body,
		Priority: models.PriorityNormal,
	}
	for _, opt := range opts {
		opt(&req)
	}
	if body != nil && (method == http.MethodPost || method == http.MethodPut) {
		if req.Headers == nil {
			req.Headers = make(map[string]string, 1)
		}
		if _, ok := req.Headers["Content-Type"]; !ok {
			req.Headers["Content-Type"] = "application/json"
		}
	}
	return req
}
