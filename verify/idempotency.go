package verify

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantgully/tradefabric/types"
)

// idemEntry tracks one idempotency key: either an in-flight submission with
// callbacks waiting on it, or a recorded outcome being replayed to
// duplicates.
type idemEntry struct {
	done    bool
	outcome types.OrderOutcome
	doneAt  time.Time
	waiters []types.OrderCallback
}

// IdempotencyCache deduplicates broker submissions by key. Completed
// outcomes are replayed to duplicate submitters for the TTL; in-flight
// duplicates attach to the pending order instead of re-submitting.
type IdempotencyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*idemEntry
}

func NewIdempotencyCache(ttl time.Duration, now func() time.Time) *IdempotencyCache {
	return &IdempotencyCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]*idemEntry),
	}
}

// Begin claims the key. Returns true when the caller owns the submission.
// On a duplicate the callback is either replayed immediately (completed
// entry) or attached to the in-flight one, and Begin returns false.
func (c *IdempotencyCache) Begin(key string, cb types.OrderCallback) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.entries[key] = &idemEntry{waiters: []types.OrderCallback{cb}}
		c.mu.Unlock()
		return true
	}

	if e.done {
		outcome := e.outcome
		c.mu.Unlock()
		log.Info().Str("idempotency_key", key).Msg("Duplicate submission, replaying recorded outcome")
		go cb(outcome)
		return false
	}

	e.waiters = append(e.waiters, cb)
	c.mu.Unlock()
	log.Info().Str("idempotency_key", key).Msg("Duplicate submission attached to in-flight order")
	return false
}

// Complete records the outcome and fires every waiter exactly once.
func (c *IdempotencyCache) Complete(key string, outcome types.OrderOutcome) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.done {
		c.mu.Unlock()
		return
	}
	e.done = true
	e.outcome = outcome
	e.doneAt = c.now()
	waiters := e.waiters
	e.waiters = nil
	c.mu.Unlock()

	for _, cb := range waiters {
		cb(outcome)
	}
}

// Sweep drops completed entries older than the TTL.
func (c *IdempotencyCache) Sweep() {
	cutoff := c.now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.done && e.doneAt.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}

// Len reports the number of tracked keys, for diagnostics.
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
