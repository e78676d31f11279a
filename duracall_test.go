package duracall

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/duracall/duracall/internal/transport"
	"github.com/duracall/duracall/pkg/models"
)

// stubSource is a switchable connectivity source driving the estimator.
type stubSource struct {
	mu   sync.Mutex
	kind models.NetworkType
	ch   chan models.NetworkType
}

func newStubSource(kind models.NetworkType) *stubSource {
	return &stubSource{kind: kind, ch: make(chan models.NetworkType, 4)}
}

func (s *stubSource) Current() models.NetworkType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

func (s *stubSource) Subscribe() <-chan models.NetworkType { return s.ch }

func (s *stubSource) set(kind models.NetworkType) {
	s.mu.Lock()
	s.kind = kind
	s.mu.Unlock()
	s.ch <- kind
}

// fakeHTTP scripts HTTP attempt outcomes.
type fakeHTTP struct {
	mu     sync.Mutex
	status int
	err    error
	calls  int
}

func (f *fakeHTTP) Send(ctx context.Context, method, url string, headers map[string]string, body []byte, timeout time.Duration) (*models.HTTPResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.HTTPResult{StatusCode: f.status, Body: []byte(`{"ok":true}`)}, nil
}

// recorder collects completion and failure callbacks.
type recorder struct {
	mu        sync.Mutex
	completed []string
	failed    map[string]string
}

func newRecorder() *recorder { return &recorder{failed: make(map[string]string)} }

func (r *recorder) onCompleted(id string, status int, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, id)
}

func (r *recorder) onFailed(id string, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[id] = errMsg
}

func (r *recorder) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

type harness struct {
	mw  *Middleware
	src *stubSource
	web *fakeHTTP
	sms *transport.MockSMSTransport
	rec *recorder
}

func newHarness(t *testing.T, kind models.NetworkType, extra ...Option) *harness {
	t.Helper()
	src := newStubSource(kind)
	web := &fakeHTTP{status: 200}
	sms := transport.NewMockSMSTransport()
	rec := newRecorder()

	opts := []Option{
		WithDatabasePath(filepath.Join(t.TempDir(), "queue.db")),
		WithConnectivitySource(src),
		WithHTTPTransport(web),
		WithSMSTransport(sms),
		WithSMSEnabled(true),
		WithSMSGateway("+15550009999"),
		WithOnCompleted(rec.onCompleted),
		WithOnFailed(rec.onFailed),
	}
	opts = append(opts, extra...)

	mw, err := New(opts...)
	if err != nil {
		t.Fatalf("failed to build middleware: %v", err)
	}
	if err := mw.Start(context.Background()); err != nil {
		t.Fatalf("failed to start middleware: %v", err)
	}
	t.Cleanup(func() { mw.Close() })

	return &harness{mw: mw, src: src, web: web, sms: sms, rec: rec}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func transferBody() map[string]any {
	return map[string]any{
		"command": "TRANSFER",
		"id":      "TXN10001234",
		"amount":  float64(5000),
		"user":    "u1",
		"auth":    "a9",
	}
}

func TestStableWiFiSuccess(t *testing.T) {
	h := newHarness(t, models.NetworkWiFi)

	resp, err := h.mw.Post(context.Background(), "https://api.example.com/t", transferBody())
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if resp.StatusCode != 200 || resp.Origin != models.OriginNetwork {
		t.Errorf("expected 200 network response, got %+v", resp)
	}
	count, err := h.mw.QueueCount()
	if err != nil {
		t.Fatalf("queue count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("queue count changed: %d", count)
	}
}

func TestOfflineEnqueueThenRecover(t *testing.T) {
	h := newHarness(t, models.NetworkNone)

	resp, err := h.mw.Post(context.Background(), "https://api.example.com/t", transferBody())
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if resp.StatusCode != 202 || resp.Origin != models.OriginQueued {
		t.Fatalf("expected 202 queued response, got %+v", resp)
	}
	count, _ := h.mw.QueueCount()
	if count != 1 {
		t.Fatalf("expected one queued entry, got %d", count)
	}

	// Connectivity returns: the stability event must drive a drain.
	h.src.set(models.NetworkWiFi)

	waitFor(t, func() bool { return h.rec.completedCount() == 1 }, "completion callback")
	count, _ = h.mw.QueueCount()
	if count != 0 {
		t.Errorf("expected drained queue, got %d", count)
	}

	// No duplicate delivery on subsequent drains.
	h.mw.ProcessQueue(context.Background())
	if got := h.rec.completedCount(); got != 1 {
		t.Errorf("on_completed fired %d times", got)
	}
}

func TestCriticalOfflineImmediateSMS(t *testing.T) {
	h := newHarness(t, models.NetworkNone)

	resp, err := h.mw.Post(context.Background(), "https://api.example.com/t", transferBody(),
		WithPriority(models.PriorityCritical), WithSMSEligible())
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if resp.StatusCode != 200 || resp.Origin != models.OriginSMS {
		t.Fatalf("expected 200 SMS response, got %+v", resp)
	}

	sent := h.sms.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one outbound SMS, got %d", len(sent))
	}
	if sent[0].Text != "T#T1234#5K#u1#a9" {
		t.Errorf("unexpected payload: %q", sent[0].Text)
	}
	if len(sent[0].Text) > models.MaxSMSLength {
		t.Errorf("payload exceeds 160 characters: %d", len(sent[0].Text))
	}
}

func TestHighOfflineEscalation(t *testing.T) {
	params := models.ParamsFor(models.StrategyBalanced)
	params.EscalationDelay = 40 * time.Millisecond
	h := newHarness(t, models.NetworkNone, WithCustomStrategy(params))

	resp, err := h.mw.Post(context.Background(), "https://api.example.com/t", transferBody(),
		WithPriority(models.PriorityHigh), WithSMSEligible())
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if resp.StatusCode != 202 {
		t.Fatalf("expected 202 before escalation, got %+v", resp)
	}

	waitFor(t, func() bool { return len(h.sms.Sent()) == 1 }, "escalation SMS")
	if got := h.sms.Sent()[0].Text; got != "T#T1234#5K#u1#a9" {
		t.Errorf("unexpected payload: %q", got)
	}

	time.Sleep(150 * time.Millisecond)
	if got := len(h.sms.Sent()); got != 1 {
		t.Errorf("escalation must fire exactly once, got %d sends", got)
	}
}

func TestEscalationCostRefusal(t *testing.T) {
	params := models.ParamsFor(models.StrategyBalanced)
	params.EscalationDelay = 40 * time.Millisecond
	h := newHarness(t, models.NetworkNone,
		WithCustomStrategy(params),
		WithCostProvider(func(text string) float64 { return 0.25 }),
		WithCostWarningCallback(func(estimate float64) bool { return false }),
	)

	resp, err := h.mw.Post(context.Background(), "https://api.example.com/t", transferBody(),
		WithPriority(models.PriorityHigh), WithSMSEligible())
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if len(h.sms.Sent()) != 0 {
		t.Error("declined cost warning must suppress the send")
	}
	pending, err := h.mw.ListPending(10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != resp.RequestID || pending[0].Status != models.StatusPending {
		t.Errorf("entry should remain pending, got %+v", pending)
	}
}

func TestExpirationSweep(t *testing.T) {
	h := newHarness(t, models.NetworkNone)

	past := time.Now().Add(-time.Millisecond)
	entry, err := h.mw.queueMgr.Enqueue(models.Request{
		Method:   "POST",
		URL:      "https://api.example.com/t",
		Priority: models.PriorityNormal,
	}, &past)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := h.mw.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("process queue failed: %v", err)
	}

	h.rec.mu.Lock()
	msg := h.rec.failed[entry.ID]
	h.rec.mu.Unlock()
	if msg != "Request expired" {
		t.Errorf("expected expiry failure callback, got %q", msg)
	}
	count, _ := h.mw.QueueCount()
	if count != 0 {
		t.Errorf("expired entry should be removed, got %d", count)
	}
	h.web.mu.Lock()
	calls := h.web.calls
	h.web.mu.Unlock()
	if calls != 0 {
		t.Errorf("expired entry must not be attempted over HTTP, got %d calls", calls)
	}
}

func TestGatewayReplyCompletesEntry(t *testing.T) {
	h := newHarness(t, models.NetworkNone)

	resp, err := h.mw.Post(context.Background(), "https://api.example.com/t", transferBody())
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}

	h.sms.Push(models.IncomingSMS{
		Address:   "+15550009999",
		Body:      "OK#" + resp.RequestID + "#balance:4500",
		Timestamp: time.Now(),
	})

	waitFor(t, func() bool { return h.rec.completedCount() == 1 }, "reply-driven completion")
	count, _ := h.mw.QueueCount()
	if count != 0 {
		t.Errorf("acknowledged entry should be removed, got %d", count)
	}
}

func TestGatewayReplyIgnoresUnknownSender(t *testing.T) {
	h := newHarness(t, models.NetworkNone)

	resp, err := h.mw.Post(context.Background(), "https://api.example.com/t", transferBody())
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}

	h.sms.Push(models.IncomingSMS{
		Address: "+15550000000",
		Body:    "OK#" + resp.RequestID,
	})

	time.Sleep(100 * time.Millisecond)
	if h.rec.completedCount() != 0 {
		t.Error("replies from unknown senders must be ignored")
	}
}

func TestNotInitializedGuards(t *testing.T) {
	mw, err := New(WithDatabasePath(filepath.Join(t.TempDir(), "queue.db")))
	if err != nil {
		t.Fatalf("failed to build middleware: %v", err)
	}

	if _, err := mw.Execute(context.Background(), models.Request{Method: "GET", URL: "https://x"}); err != models.ErrNotInitialized {
		t.Errorf("expected ErrNotInitialized before Start, got %v", err)
	}
	if _, err := mw.QueueCount(); err != models.ErrNotInitialized {
		t.Errorf("expected ErrNotInitialized before Start, got %v", err)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t, models.NetworkWiFi)
	if err := h.mw.Start(context.Background()); err != nil {
		t.Errorf("second Start should log and return, got %v", err)
	}
}

func TestCloseGuardsAndIsIdempotent(t *testing.T) {
	h := newHarness(t, models.NetworkWiFi)
	if err := h.mw.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := h.mw.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if _, err := h.mw.Execute(context.Background(), models.Request{Method: "GET", URL: "https://x"}); err != models.ErrNotInitialized {
		t.Errorf("expected ErrNotInitialized after Close, got %v", err)
	}
}

func TestSecondInstanceRejectedByLock(t *testing.T) {
	dir := t.TempDir()
	first, err := New(WithDatabasePath(filepath.Join(dir, "queue.db")))
	if err != nil {
		t.Fatalf("failed to build middleware: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("failed to start first instance: %v", err)
	}
	defer first.Close()

	second, err := New(WithDatabasePath(filepath.Join(dir, "queue.db")))
	if err != nil {
		t.Fatalf("failed to build second middleware: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Close()
		t.Error("second instance over the same queue directory must be rejected")
	}
}

func TestConfigureUpdatesStrategy(t *testing.T) {
	h := newHarness(t, models.NetworkWiFi)

	if err := h.mw.Configure(WithStrategy(models.StrategyConservative), WithMaxQueueSize(5)); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	// The conservative preset still attempts HTTP on a perfect score.
	resp, err := h.mw.Get(context.Background(), "https://api.example.com/balance")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if resp.Origin != models.OriginNetwork {
		t.Errorf("expected network delivery after reconfigure, got %+v", resp)
	}
}

func TestQueueFullSurfacesToCaller(t *testing.T) {
	h := newHarness(t, models.NetworkNone, WithMaxQueueSize(1))

	if _, err := h.mw.Get(context.Background(), "https://api.example.com/a"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	_, err := h.mw.Get(context.Background(), "https://api.example.com/b")
	if err != models.ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestValidationErrors(t *testing.T) {
	h := newHarness(t, models.NetworkWiFi)

	if _, err := h.mw.Execute(context.Background(), models.Request{Method: "PATCH", URL: "https://x"}); err != models.ErrInvalidMethod {
		t.Errorf("expected ErrInvalidMethod, got %v", err)
	}
	if _, err := h.mw.Execute(context.Background(), models.Request{Method: "GET"}); err != models.ErrEmptyURL {
		t.Errorf("expected ErrEmptyURL, got %v", err)
	}
}

func TestSMSHelpers(t *testing.T) {
	h := newHarness(t, models.NetworkWiFi)

	if !h.mw.HasSMSPermissions() {
		t.Error("mock transport grants permissions")
	}
	granted, err := h.mw.RequestSMSPermissions(context.Background())
	if err != nil || !granted {
		t.Errorf("expected granted permissions, got %v %v", granted, err)
	}
	if h.mw.SMSGateway() != "+15550009999" {
		t.Errorf("unexpected gateway: %q", h.mw.SMSGateway())
	}
}
