package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimersScheduleOnce(t *testing.T) {
	timers := NewTimers(2)
	defer timers.Stop()

	done := make(chan struct{})
	timers.ScheduleOnce(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimersCancelBeforeFire(t *testing.T) {
	timers := NewTimers(2)
	defer timers.Stop()

	var fired atomic.Bool
	h := timers.ScheduleOnce(50*time.Millisecond, func() { fired.Store(true) })
	timers.Cancel(h)

	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Fatal("cancelled timer fired")
	}
}

func TestTimersPeriodicStopsOnCancel(t *testing.T) {
	timers := NewTimers(2)
	defer timers.Stop()

	var ticks atomic.Int64
	h := timers.SchedulePeriodic(5*time.Millisecond, 5*time.Millisecond, func() { ticks.Add(1) })

	time.Sleep(40 * time.Millisecond)
	timers.Cancel(h)
	if ticks.Load() == 0 {
		t.Fatal("periodic timer never fired")
	}

	settled := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	// One in-flight tick may land after Cancel; it must then stay flat.
	final := ticks.Load()
	if final > settled+1 {
		t.Fatalf("ticks kept arriving after cancel: %d -> %d", settled, final)
	}
}

func TestTimersStopIsIdempotent(t *testing.T) {
	timers := NewTimers(2)
	timers.ScheduleOnce(time.Hour, func() { t.Error("hour timer fired during stop") })
	timers.Stop()
	timers.Stop()

	if h := timers.ScheduleOnce(time.Millisecond, func() {}); h != 0 {
		t.Fatalf("schedule after stop returned handle %d", h)
	}
}

func TestNowIsIST(t *testing.T) {
	timers := NewTimers(1)
	defer timers.Stop()

	if zone, _ := timers.Now().Zone(); zone != "IST" {
		t.Fatalf("zone = %s, want IST", zone)
	}
}
