// Package transport wraps the Twilio REST API as the production SMS
// transport behind the models.SMSTransport interface.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/duracall/duracall/pkg/models"
)

// Channel buffer and emit bounds shared by the SMS transports.
const (
	DefaultChannelBufferSize = 100
	DefaultChannelTimeout    = time.Second
)

// TwilioOpts holds configuration options for the Twilio SMS transport.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioOption defines a configuration option for the Twilio SMS transport.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number in E.164 format.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// Compile-time check that TwilioTransport implements models.SMSTransport.
var _ models.SMSTransport = (*TwilioTransport)(nil)

// TwilioTransport sends messages through the Twilio REST API. Inbound
// messages are fed by the host application (Twilio delivers them out of
// band) through HandleInbound.
type TwilioTransport struct {
	client   *twilio.RestClient
	from     string
	incoming chan models.IncomingSMS
	mu       sync.RWMutex
	stopped  bool
}

// NewTwilioTransport creates a Twilio-backed SMS transport.
func NewTwilioTransport(opts ...TwilioOption) (*TwilioTransport, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioTransport{
		client:   client,
		from:     cfg.FromNumber,
		incoming: make(chan models.IncomingSMS, DefaultChannelBufferSize),
	}, nil
}

// Send delivers text to the gateway number using the Twilio API.
func (t *TwilioTransport) Send(ctx context.Context, gateway, text string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(gateway)
	params.SetFrom(t.from)
	params.SetBody(text)

	_, err := t.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio Send failed", "to", gateway, "error", err)
		return fmt.Errorf("failed to send SMS to %s: %w", gateway, err)
	}
	slog.Debug("Twilio message sent", "to", gateway, "length", len(text))
	return nil
}

// Incoming returns the stream of inbound messages.
func (t *TwilioTransport) Incoming() <-chan models.IncomingSMS {
	return t.incoming
}

// HasPermissions always reports true; API credentials replace platform
// permission dialogs for this transport.
func (t *TwilioTransport) HasPermissions() bool {
	return true
}

// RequestPermissions is a no-op for the Twilio transport.
func (t *TwilioTransport) RequestPermissions(ctx context.Context) (bool, error) {
	return true, nil
}

// HandleInbound feeds one inbound message into the stream. The host
// application calls this from its Twilio webhook or polling glue.
func (t *TwilioTransport) HandleInbound(msg models.IncomingSMS) {
	t.mu.RLock()
	stopped := t.stopped
	t.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioTransport dropping inbound message (transport stopped)", "from", msg.Address)
		return
	}
	select {
	case t.incoming <- msg:
		slog.Debug("TwilioTransport emitted inbound message", "from", msg.Address)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioTransport incoming channel blocked, dropping message", "from", msg.Address)
	}
}

// Stop closes the inbound stream.
func (t *TwilioTransport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.incoming)
}
