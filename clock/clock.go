package clock

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CLOCK & TIMER SERVICE
// ═══════════════════════════════════════════════════════════════════════════════
//
// Single-shot and periodic timers, cancellable by handle. Callbacks run on a
// worker pool distinct from the ingress paths; handlers must stay short and
// push broker I/O elsewhere.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Handle identifies a scheduled timer. Zero is never a valid handle.
type Handle uint64

// Scheduler is the clock surface the core components depend on. The
// production implementation is Timers; tests use ManualClock.
type Scheduler interface {
	Now() time.Time
	ScheduleOnce(d time.Duration, fn func()) Handle
	SchedulePeriodic(initial, period time.Duration, fn func()) Handle
	Cancel(h Handle)
}

// IST is the exchange timezone. Falls back to a fixed +05:30 offset when the
// tzdata lookup fails (stripped containers).
var IST = loadIST()

func loadIST() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

type timerEntry struct {
	stop func()
}

// Timers is the production Scheduler backed by the Go runtime timer wheel.
type Timers struct {
	mu      sync.Mutex
	nextID  Handle
	active  map[Handle]*timerEntry
	tasks   chan func()
	wg      sync.WaitGroup
	poolWG  sync.WaitGroup
	stopped bool
}

// NewTimers creates a timer service with the given callback pool size.
func NewTimers(workers int) *Timers {
	if workers < 1 {
		workers = 4
	}
	t := &Timers{
		active: make(map[Handle]*timerEntry),
		tasks:  make(chan func(), 256),
	}
	for i := 0; i < workers; i++ {
		t.poolWG.Add(1)
		go t.worker()
	}
	log.Debug().Int("workers", workers).Msg("timer service started")
	return t
}

func (t *Timers) worker() {
	defer t.poolWG.Done()
	for fn := range t.tasks {
		fn()
		t.wg.Done()
	}
}

// Now returns the current wall-clock time in IST.
func (t *Timers) Now() time.Time {
	return time.Now().In(IST)
}

func (t *Timers) submit(fn func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	select {
	case t.tasks <- fn:
	default:
		// Pool backlog full; run on a fresh goroutine rather than stall the
		// runtime timer goroutine.
		go func() {
			fn()
			t.wg.Done()
		}()
	}
}

// ScheduleOnce fires fn once after d. The handle fires at most once.
func (t *Timers) ScheduleOnce(d time.Duration, fn func()) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return 0
	}
	t.nextID++
	h := t.nextID

	tm := time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.active, h)
		t.mu.Unlock()
		t.submit(fn)
	})
	t.active[h] = &timerEntry{stop: func() { tm.Stop() }}
	return h
}

// SchedulePeriodic fires fn after initial, then every period, until cancelled.
func (t *Timers) SchedulePeriodic(initial, period time.Duration, fn func()) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return 0
	}
	t.nextID++
	h := t.nextID

	stopCh := make(chan struct{})
	go func() {
		first := time.NewTimer(initial)
		defer first.Stop()
		select {
		case <-first.C:
			t.submit(fn)
		case <-stopCh:
			return
		}
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.submit(fn)
			case <-stopCh:
				return
			}
		}
	}()

	var once sync.Once
	t.active[h] = &timerEntry{stop: func() { once.Do(func() { close(stopCh) }) }}
	return h
}

// Cancel stops a scheduled timer. Cancelling an expired or unknown handle is
// a no-op.
func (t *Timers) Cancel(h Handle) {
	t.mu.Lock()
	entry, ok := t.active[h]
	if ok {
		delete(t.active, h)
	}
	t.mu.Unlock()
	if ok {
		entry.stop()
	}
}

// Stop cancels every outstanding timer and waits for in-flight callbacks.
// Critical flush work (arbiter windows) is the owners' responsibility and
// must run inline before Stop returns control to main.
func (t *Timers) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	entries := make([]*timerEntry, 0, len(t.active))
	for _, e := range t.active {
		entries = append(entries, e)
	}
	t.active = make(map[Handle]*timerEntry)
	t.mu.Unlock()

	for _, e := range entries {
		e.stop()
	}
	t.wg.Wait()
	close(t.tasks)
	t.poolWG.Wait()
	log.Debug().Msg("timer service stopped")
}
