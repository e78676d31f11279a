package transport

import (
	"context"
	"sync"

	"github.com/duracall/duracall/pkg/models"
)

// SentSMS records one outbound message captured by the mock transport.
type SentSMS struct {
	Gateway string
	Text    string
}

// MockSMSTransport is a recording SMS transport for tests and dry runs.
type MockSMSTransport struct {
	mu          sync.Mutex
	sent        []SentSMS
	incoming    chan models.IncomingSMS
	SendErr     error
	Permissions bool
}

// NewMockSMSTransport creates a mock transport with permissions granted.
func NewMockSMSTransport() *MockSMSTransport {
	return &MockSMSTransport{
		incoming:    make(chan models.IncomingSMS, DefaultChannelBufferSize),
		Permissions: true,
	}
}

func (m *MockSMSTransport) Send(ctx context.Context, gateway, text string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentSMS{Gateway: gateway, Text: text})
	return nil
}

func (m *MockSMSTransport) Incoming() <-chan models.IncomingSMS {
	return m.incoming
}

func (m *MockSMSTransport) HasPermissions() bool {
	return m.Permissions
}

func (m *MockSMSTransport) RequestPermissions(ctx context.Context) (bool, error) {
	return m.Permissions, nil
}

// Push feeds an inbound message into the stream, simulating the gateway.
func (m *MockSMSTransport) Push(msg models.IncomingSMS) {
	m.incoming <- msg
}

// Sent returns a copy of the captured outbound messages.
func (m *MockSMSTransport) Sent() []SentSMS {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentSMS, len(m.sent))
	copy(out, m.sent)
	return out
}
