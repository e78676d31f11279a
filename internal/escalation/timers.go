// Package escalation manages the one-shot SMS fallback timers armed for
// queued requests. Each queued request owns at most one live timer; the
// timer is removed when it fires, when the request completes over HTTP,
// or on shutdown.
package escalation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FireFunc is invoked when a request's escalation deadline passes.
type FireFunc func(requestID string)

// timerEntry tracks one armed escalation timer.
type timerEntry struct {
	timer       *time.Timer
	handle      string
	scheduledAt time.Time
	firesAt     time.Time
}

// Timers is the request-id keyed table of live escalation timers.
type Timers struct {
	mu     sync.Mutex
	timers map[string]*timerEntry
}

// NewTimers creates an empty timer table.
func NewTimers() *Timers {
	return &Timers{timers: make(map[string]*timerEntry)}
}

// Arm schedules fire to run after delay for the given request. Arming a
// request that already has a live timer replaces it. The returned handle
// identifies this arming.
func (t *Timers) Arm(requestID string, delay time.Duration, fire FireFunc) string {
	handle := uuid.NewString()
	now := time.Now()

	t.mu.Lock()
	if existing, ok := t.timers[requestID]; ok {
		existing.timer.Stop()
	}
	entry := &timerEntry{
		handle:      handle,
		scheduledAt: now,
		firesAt:     now.Add(delay),
	}
	entry.timer = time.AfterFunc(delay, func() {
		// A stale fire can race a re-arm; only the current handle wins.
		t.mu.Lock()
		current, ok := t.timers[requestID]
		if !ok || current.handle != handle {
			t.mu.Unlock()
			return
		}
		delete(t.timers, requestID)
		t.mu.Unlock()

		slog.Debug("Escalation timer fired", "requestID", requestID, "handle", handle)
		fire(requestID)
	})
	t.timers[requestID] = entry
	t.mu.Unlock()

	slog.Debug("Escalation timer armed", "requestID", requestID, "delay", delay, "handle", handle)
	return handle
}

// Cancel stops and removes the timer for a request. It reports whether a
// live timer existed.
func (t *Timers) Cancel(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.timers[requestID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.timers, requestID)
	slog.Debug("Escalation timer cancelled", "requestID", requestID)
	return true
}

// CancelAll stops and removes every live timer.
func (t *Timers) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, entry := range t.timers {
		entry.timer.Stop()
		delete(t.timers, id)
	}
	slog.Debug("Escalation timers cleared")
}

// Active returns the number of live timers.
func (t *Timers) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// FiresAt returns when the request's timer will fire, if one is live.
func (t *Timers) FiresAt(requestID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.timers[requestID]
	if !ok {
		return time.Time{}, false
	}
	return entry.firesAt, true
}
