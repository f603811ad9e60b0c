package clock

import (
	"sort"
	"sync"
	"time"
)

// ManualClock is a deterministic Scheduler for tests. Time only moves when
// Advance is called; due callbacks run inline, in firing order.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	nextID Handle
	timers map[Handle]*manualTimer
}

type manualTimer struct {
	h        Handle
	deadline time.Time
	period   time.Duration // zero for single-shot
	fn       func()
}

// NewManualClock creates a manual clock starting at the given instant.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start, timers: make(map[Handle]*manualTimer)}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) ScheduleOnce(d time.Duration, fn func()) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	h := c.nextID
	c.timers[h] = &manualTimer{h: h, deadline: c.now.Add(d), fn: fn}
	return h
}

func (c *ManualClock) SchedulePeriodic(initial, period time.Duration, fn func()) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	h := c.nextID
	c.timers[h] = &manualTimer{h: h, deadline: c.now.Add(initial), period: period, fn: fn}
	return h
}

func (c *ManualClock) Cancel(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, h)
}

// Advance moves time forward by d, firing every timer that comes due, in
// deadline order. Callbacks run inline on the caller's goroutine.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*manualTimer
		for _, t := range c.timers {
			if !t.deadline.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].deadline.Equal(due[j].deadline) {
				return due[i].h < due[j].h
			}
			return due[i].deadline.Before(due[j].deadline)
		})
		next := due[0]
		c.now = next.deadline
		if next.period > 0 {
			next.deadline = next.deadline.Add(next.period)
		} else {
			delete(c.timers, next.h)
		}
		fn := next.fn
		c.mu.Unlock()

		fn()
	}
}

// Pending returns the number of outstanding timers.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
