package verify

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantgully/tradefabric/clock"
	"github.com/quantgully/tradefabric/metrics"
	"github.com/quantgully/tradefabric/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER VERIFIER - Fire, then prove it landed
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every broker submission is tracked until the order book proves a terminal
// state. First poll at +5s, pending polls back off linearly, rejections
// resubmit with exponential backoff up to the retry cap, partial fills report
// on first observation, and a hard timeout bounds the whole loop. A global
// ticker sweeps anything an individual timer missed. Exactly one outcome
// callback per tracked order, and no order lock is held across broker IO.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Broker is the slice of the broker surface the verifier needs.
type Broker interface {
	PlaceMarketOrder(req types.OrderRequest) (orderID string, err error)
	FetchOrderBook() ([]types.BrokerOrder, error)
}

// Config bounds the verification loop.
type Config struct {
	FirstPollDelay  time.Duration // delay before the first order-book check
	PendingBackoff  time.Duration // linear backoff unit for pending polls
	MaxPollAttempts int           // backoff cap: backoff = unit * min(attempts, cap)
	RetryBase       time.Duration // exponential base for rejection resubmits
	MaxRetries      int           // resubmission cap
	HardTimeout     time.Duration // total budget per order
	GlobalTick      time.Duration // safety-net sweep interval
	IdempotencyTTL  time.Duration
}

// DefaultConfig mirrors production broker behavior on NSE.
func DefaultConfig() Config {
	return Config{
		FirstPollDelay:  5 * time.Second,
		PendingBackoff:  2 * time.Second,
		MaxPollAttempts: 10,
		RetryBase:       2 * time.Second,
		MaxRetries:      3,
		HardTimeout:     30 * time.Second,
		GlobalTick:      10 * time.Second,
		IdempotencyTTL:  24 * time.Hour,
	}
}

type tracked struct {
	mu           sync.Mutex
	req          types.OrderRequest
	key          string
	orderID      string
	attempts     int // pending poll count since last (re)submission
	retries      int // rejection resubmissions so far
	submittedAt  time.Time
	deadline     time.Time
	nextPoll     time.Time
	resubmitting bool // a replacement order is being placed
	done         bool
}

// Verifier owns the pending-order table.
type Verifier struct {
	cfg    Config
	broker Broker
	sched  clock.Scheduler
	idem   *IdempotencyCache

	mu      sync.Mutex
	pending map[string]*tracked // idempotency key -> order
	stopped bool

	ticker clock.Handle
	wg     sync.WaitGroup
}

// New creates a verifier and arms the global sweep ticker.
func New(cfg Config, broker Broker, sched clock.Scheduler) *Verifier {
	v := &Verifier{
		cfg:     cfg,
		broker:  broker,
		sched:   sched,
		idem:    NewIdempotencyCache(cfg.IdempotencyTTL, sched.Now),
		pending: make(map[string]*tracked),
	}
	v.ticker = sched.SchedulePeriodic(cfg.GlobalTick, cfg.GlobalTick, v.sweep)
	return v
}

// Submit places the order and tracks it until a terminal outcome. The
// callback fires exactly once. Duplicate idempotency keys never reach the
// broker twice.
func (v *Verifier) Submit(req types.OrderRequest, cb types.OrderCallback) {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		go cb(types.OrderOutcome{Kind: types.OutcomeFailure, Reason: "verifier stopped"})
		return
	}
	v.wg.Add(1)
	v.mu.Unlock()

	if !v.idem.Begin(req.IdempotencyKey, cb) {
		v.wg.Done()
		return
	}

	// Broker IO off the caller's goroutine.
	go v.place(req)
}

// place submits to the broker and registers the tracked order.
func (v *Verifier) place(req types.OrderRequest) {
	now := v.sched.Now()
	t := &tracked{
		req:         req,
		key:         req.IdempotencyKey,
		submittedAt: now,
		deadline:    now.Add(v.cfg.HardTimeout),
	}

	orderID, err := v.broker.PlaceMarketOrder(req)
	if err != nil {
		log.Error().
			Err(err).
			Str("trade_id", req.TradeID).
			Str("scrip", req.ScripCode).
			Str("intent", string(req.Intent)).
			Msg("Order placement failed")
		v.finish(t, types.OrderOutcome{Kind: types.OutcomeFailure, Reason: err.Error()})
		return
	}

	metrics.OrdersSubmitted.WithLabelValues(string(req.Intent)).Inc()
	log.Info().
		Str("trade_id", req.TradeID).
		Str("scrip", req.ScripCode).
		Str("order_id", orderID).
		Str("side", string(req.Side)).
		Str("intent", string(req.Intent)).
		Int64("qty", req.Qty).
		Msg("📨 Order placed, verification started")

	t.orderID = orderID
	t.nextPoll = now.Add(v.cfg.FirstPollDelay)

	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		v.finish(t, types.OrderOutcome{Kind: types.OutcomeTimeout, OrderID: orderID, Reason: "verifier stopped"})
		return
	}
	v.pending[t.key] = t
	v.mu.Unlock()

	key := t.key
	v.sched.ScheduleOnce(v.cfg.FirstPollDelay, func() { v.pollKey(key) })
}

// sweep is the global safety net: polls every tracked order whose next-poll
// time has passed, and prunes the idempotency cache.
func (v *Verifier) sweep() {
	now := v.sched.Now()
	v.mu.Lock()
	all := make([]*tracked, 0, len(v.pending))
	for _, t := range v.pending {
		all = append(all, t)
	}
	v.mu.Unlock()

	due := make([]string, 0, len(all))
	for _, t := range all {
		t.mu.Lock()
		if !t.done && !now.Before(t.nextPoll) {
			due = append(due, t.key)
		}
		t.mu.Unlock()
	}

	for _, key := range due {
		v.pollKey(key)
	}
	v.idem.Sweep()
}

func (v *Verifier) pollKey(key string) {
	v.mu.Lock()
	t, ok := v.pending[key]
	v.mu.Unlock()
	if !ok {
		return
	}
	v.poll(t)
}

// poll checks the order book once and advances the state machine. The
// per-order lock serializes competing polls of the same order, but is
// released around the book fetch so a slow broker cannot stall the sweep
// or shutdown.
func (v *Verifier) poll(t *tracked) {
	t.mu.Lock()
	if t.done || t.resubmitting {
		t.mu.Unlock()
		return
	}
	orderID := t.orderID
	t.mu.Unlock()

	book, err := v.broker.FetchOrderBook()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || t.resubmitting || t.orderID != orderID {
		// Finished or replaced while the fetch was in flight; the
		// replacement order arms its own poll.
		return
	}
	now := v.sched.Now()

	if err != nil {
		log.Warn().Err(err).Str("order_id", t.orderID).Msg("Order book fetch failed, will retry")
		v.reschedulePending(t, now)
		return
	}

	row, found := findOrder(book, t.orderID)
	if !found {
		// Not visible yet; treat as pending.
		v.reschedulePending(t, now)
		return
	}

	switch row.Status {
	case "COMPLETE", "FULLY_EXECUTED":
		v.finishLocked(t, types.OrderOutcome{
			Kind:      types.OutcomeSuccess,
			OrderID:   t.orderID,
			FilledQty: row.Qty,
			AvgPrice:  row.AvgPrice,
		})

	case "REJECTED", "CANCELLED", "FAILED":
		v.retryOrFail(t, row, now)

	case "PARTIAL":
		// Partial fills report immediately; the caller decides what to do
		// about the remainder.
		v.finishLocked(t, types.OrderOutcome{
			Kind:      types.OutcomePartial,
			OrderID:   t.orderID,
			FilledQty: row.Qty - row.PendingQty,
			Remaining: row.PendingQty,
			AvgPrice:  row.AvgPrice,
		})

	default: // PENDING, OPEN, anything unrecognized
		v.reschedulePending(t, now)
	}
}

// reschedulePending applies linear backoff and re-arms, or times the order
// out past the hard deadline.
func (v *Verifier) reschedulePending(t *tracked, now time.Time) {
	if !now.Before(t.deadline) {
		log.Error().
			Str("order_id", t.orderID).
			Str("trade_id", t.req.TradeID).
			Msg("⏱️ Order verification timed out")
		v.finishLocked(t, types.OrderOutcome{
			Kind:    types.OutcomeTimeout,
			OrderID: t.orderID,
			Reason:  "verification deadline exceeded",
		})
		return
	}

	t.attempts++
	n := t.attempts
	if n > v.cfg.MaxPollAttempts {
		n = v.cfg.MaxPollAttempts
	}
	backoff := time.Duration(n) * v.cfg.PendingBackoff
	if remaining := t.deadline.Sub(now); backoff > remaining {
		backoff = remaining
	}
	t.nextPoll = now.Add(backoff)

	key := t.key
	v.sched.ScheduleOnce(backoff, func() { v.pollKey(key) })
}

// retryOrFail resubmits a rejected order with exponential backoff, up to the
// retry cap.
func (v *Verifier) retryOrFail(t *tracked, row types.BrokerOrder, now time.Time) {
	if t.retries >= v.cfg.MaxRetries || now.After(t.deadline) {
		log.Error().
			Str("order_id", t.orderID).
			Str("trade_id", t.req.TradeID).
			Str("broker_status", row.Status).
			Str("message", row.Message).
			Int("retries", t.retries).
			Msg("❌ Order rejected, retries exhausted")
		v.finishLocked(t, types.OrderOutcome{
			Kind:    types.OutcomeFailure,
			OrderID: t.orderID,
			Reason:  row.Status + ": " + row.Message,
		})
		return
	}

	backoff := time.Duration(float64(v.cfg.RetryBase) * math.Pow(2, float64(t.retries)))
	t.retries++
	t.attempts = 0
	t.resubmitting = true
	t.nextPoll = now.Add(backoff)

	log.Warn().
		Str("order_id", t.orderID).
		Str("trade_id", t.req.TradeID).
		Str("broker_status", row.Status).
		Int("retry", t.retries).
		Dur("backoff", backoff).
		Msg("🔁 Order rejected, scheduling resubmission")

	key := t.key
	v.sched.ScheduleOnce(backoff, func() { v.resubmit(key) })
}

func (v *Verifier) resubmit(key string) {
	v.mu.Lock()
	t, ok := v.pending[key]
	v.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	req := t.req
	retry := t.retries
	t.mu.Unlock()

	orderID, err := v.broker.PlaceMarketOrder(req)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.resubmitting = false
	now := v.sched.Now()
	if err != nil {
		log.Error().Err(err).Str("trade_id", req.TradeID).Int("retry", retry).Msg("Resubmission failed")
		v.retryOrFail(t, types.BrokerOrder{Status: "FAILED", Message: err.Error()}, now)
		return
	}

	metrics.OrdersSubmitted.WithLabelValues(string(req.Intent)).Inc()
	t.orderID = orderID
	t.nextPoll = now.Add(v.cfg.FirstPollDelay)
	log.Info().
		Str("trade_id", req.TradeID).
		Str("order_id", orderID).
		Int("retry", retry).
		Msg("📨 Order resubmitted")

	v.sched.ScheduleOnce(v.cfg.FirstPollDelay, func() { v.pollKey(key) })
}

// finish delivers the terminal outcome exactly once and releases the slot.
func (v *Verifier) finish(t *tracked, outcome types.OrderOutcome) {
	t.mu.Lock()
	done := t.done
	t.done = true
	t.mu.Unlock()
	if done {
		return
	}
	v.release(t, outcome)
}

// finishLocked is finish for callers already holding t.mu.
func (v *Verifier) finishLocked(t *tracked, outcome types.OrderOutcome) {
	if t.done {
		return
	}
	t.done = true
	v.release(t, outcome)
}

func (v *Verifier) release(t *tracked, outcome types.OrderOutcome) {
	v.mu.Lock()
	delete(v.pending, t.key)
	v.mu.Unlock()

	v.idem.Complete(t.key, outcome)
	v.wg.Done()
}

// Stop drains the verifier: no new submissions, up to the grace period for
// in-flight orders, then force-timeout for whatever remains.
func (v *Verifier) Stop(grace time.Duration) {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.sched.Cancel(v.ticker)

	done := make(chan struct{})
	go func() {
		v.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	v.mu.Lock()
	leftover := make([]*tracked, 0, len(v.pending))
	for _, t := range v.pending {
		leftover = append(leftover, t)
	}
	v.mu.Unlock()

	for _, t := range leftover {
		log.Warn().Str("order_id", t.orderID).Msg("Forcing timeout outcome on shutdown")
		v.finish(t, types.OrderOutcome{
			Kind:    types.OutcomeTimeout,
			OrderID: t.orderID,
			Reason:  "shutdown before verification completed",
		})
	}
}

// Diagnostics reports verifier state for the operator surface.
func (v *Verifier) Diagnostics() map[string]interface{} {
	v.mu.Lock()
	pending := len(v.pending)
	v.mu.Unlock()
	return map[string]interface{}{
		"pending_orders":   pending,
		"idempotency_keys": v.idem.Len(),
	}
}

func findOrder(book []types.BrokerOrder, orderID string) (types.BrokerOrder, bool) {
	for _, row := range book {
		if row.OrderID == orderID {
			return row, true
		}
	}
	return types.BrokerOrder{}, false
}
