package escalation

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestArmFiresOnce(t *testing.T) {
	timers := NewTimers()
	var fired atomic.Int32

	timers.Arm("req1", 20*time.Millisecond, func(id string) {
		if id != "req1" {
			t.Errorf("unexpected id %q", id)
		}
		fired.Add(1)
	})

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected one firing, got %d", got)
	}
	if timers.Active() != 0 {
		t.Error("fired timer should have been removed")
	}

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("timer fired again: %d", got)
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	timers := NewTimers()
	var fired atomic.Int32

	timers.Arm("req1", 30*time.Millisecond, func(string) { fired.Add(1) })
	if !timers.Cancel("req1") {
		t.Fatal("cancel should report a live timer")
	}
	if timers.Cancel("req1") {
		t.Error("second cancel should report no timer")
	}

	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("cancelled timer fired")
	}
}

func TestRearmReplacesTimer(t *testing.T) {
	timers := NewTimers()
	var first, second atomic.Int32

	timers.Arm("req1", 30*time.Millisecond, func(string) { first.Add(1) })
	timers.Arm("req1", 60*time.Millisecond, func(string) { second.Add(1) })
	if timers.Active() != 1 {
		t.Fatalf("expected one live timer, got %d", timers.Active())
	}

	time.Sleep(200 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("replaced timer fired")
	}
	if second.Load() != 1 {
		t.Errorf("replacement timer fired %d times", second.Load())
	}
}

func TestCancelAll(t *testing.T) {
	timers := NewTimers()
	var fired atomic.Int32

	for _, id := range []string{"a", "b", "c"} {
		timers.Arm(id, 30*time.Millisecond, func(string) { fired.Add(1) })
	}
	timers.CancelAll()
	if timers.Active() != 0 {
		t.Errorf("expected empty table, got %d", timers.Active())
	}

	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("cancelled timers fired %d times", fired.Load())
	}
}

func TestFiresAt(t *testing.T) {
	timers := NewTimers()
	timers.Arm("req1", time.Minute, func(string) {})
	defer timers.CancelAll()

	firesAt, ok := timers.FiresAt("req1")
	if !ok {
		t.Fatal("expected a live timer")
	}
	remaining := time.Until(firesAt)
	if remaining < 55*time.Second || remaining > time.Minute {
		t.Errorf("unexpected deadline %v", remaining)
	}
	if _, ok := timers.FiresAt("missing"); ok {
		t.Error("missing timer should not report a deadline")
	}
}
