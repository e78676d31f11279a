// Package transport provides the default delivery adapters: an HTTP client
// wrapper and SMS transports (Twilio-backed and a recording mock).
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/duracall/duracall/pkg/models"
)

// DefaultHTTPTimeout bounds an attempt when the caller supplies none.
const DefaultHTTPTimeout = 30 * time.Second

// Compile-time check that HTTPClient implements models.HTTPTransport.
var _ models.HTTPTransport = (*HTTPClient)(nil)

// HTTPClient performs single HTTP attempts with per-call timeouts. The
// underlying client carries no global timeout; each Send bounds itself
// through the context.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates the default HTTP transport adapter.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{client: &http.Client{}}
}

// Send performs one HTTP attempt. Timeouts surface as models.ErrTimeout,
// other transport problems as models.ErrTransport; both carry the cause.
func (c *HTTPClient) Send(ctx context.Context, method, url string, headers map[string]string, body []byte, timeout time.Duration) (*models.HTTPResult, error) {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Debug("HTTPClient attempt timed out", "method", method, "url", url, "timeout", timeout)
			return nil, fmt.Errorf("%w after %v: %v", models.ErrTimeout, timeout, err)
		}
		slog.Debug("HTTPClient attempt failed", "method", method, "url", url, "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", models.ErrTransport, err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return &models.HTTPResult{
		StatusCode: resp.StatusCode,
		Headers:    respHeaders,
		Body:       respBody,
	}, nil
}
