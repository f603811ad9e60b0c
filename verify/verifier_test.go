package verify

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantgully/tradefabric/clock"
	"github.com/quantgully/tradefabric/types"
)

// scriptedBroker returns a fresh order id per placement and serves a mutable
// order book. newStatus is the status every newly placed order starts in.
type scriptedBroker struct {
	mu         sync.Mutex
	seq        int
	newStatus  string
	newMessage string
	book       map[string]types.BrokerOrder
	fetches    int
}

func newScriptedBroker() *scriptedBroker {
	return &scriptedBroker{newStatus: "PENDING", book: make(map[string]types.BrokerOrder)}
}

func (b *scriptedBroker) PlaceMarketOrder(req types.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("ORD-%d", b.seq)
	b.book[id] = types.BrokerOrder{
		OrderID: id,
		Status:  b.newStatus,
		Message: b.newMessage,
		Qty:     req.Qty,
	}
	return id, nil
}

func (b *scriptedBroker) FetchOrderBook() ([]types.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	out := make([]types.BrokerOrder, 0, len(b.book))
	for _, row := range b.book {
		out = append(out, row)
	}
	return out, nil
}

func (b *scriptedBroker) setStatus(orderID, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.book[orderID]
	row.Status = status
	b.book[orderID] = row
}

func (b *scriptedBroker) setRow(row types.BrokerOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.book[row.OrderID] = row
}

func (b *scriptedBroker) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

func (b *scriptedBroker) placeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []types.OrderOutcome
}

func (r *outcomeRecorder) cb(o types.OrderOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *outcomeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

func (r *outcomeRecorder) last(t *testing.T) types.OrderOutcome {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		t.Fatal("no outcome delivered")
	}
	return r.outcomes[len(r.outcomes)-1]
}

// waitFor polls a condition with a real-time budget. Only used to join the
// verifier's submission goroutine; everything after that is clock-driven.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func orderReq(key string) types.OrderRequest {
	return types.OrderRequest{
		TradeID:        "t-1",
		ScripCode:      "TCS",
		Exchange:       types.ExchangeNSE,
		ExchangeType:   "C",
		Side:           types.OrderBuy,
		Intent:         types.IntentEntry,
		Qty:            100,
		IdempotencyKey: key,
	}
}

func newTestVerifier(brk Broker) (*Verifier, *clock.ManualClock) {
	mc := clock.NewManualClock(time.Date(2026, 8, 24, 10, 0, 0, 0, clock.IST))
	return New(DefaultConfig(), brk, mc), mc
}

func submitAndPlace(t *testing.T, v *Verifier, brk *scriptedBroker, key string, rec *outcomeRecorder) {
	t.Helper()
	before := brk.placeCount()
	v.Submit(orderReq(key), rec.cb)
	waitFor(t, func() bool {
		if brk.placeCount() <= before {
			return false
		}
		d := v.Diagnostics()
		return d["pending_orders"].(int) > 0
	})
}

func TestSuccessOnFirstPoll(t *testing.T) {
	brk := newScriptedBroker()
	v, mc := newTestVerifier(brk)
	rec := &outcomeRecorder{}

	submitAndPlace(t, v, brk, "k1", rec)
	brk.setRow(types.BrokerOrder{
		OrderID:  "ORD-1",
		Status:   "COMPLETE",
		Qty:      100,
		AvgPrice: decimal.NewFromFloat(100.15),
	})

	// First poll fires 5s after placement.
	mc.Advance(4 * time.Second)
	if rec.count() != 0 {
		t.Fatal("outcome before the first poll window")
	}
	mc.Advance(1 * time.Second)

	out := rec.last(t)
	if out.Kind != types.OutcomeSuccess || out.FilledQty != 100 {
		t.Fatalf("outcome = %+v, want SUCCESS fill 100", out)
	}
	if !out.AvgPrice.Equal(decimal.NewFromFloat(100.15)) {
		t.Fatalf("avg price = %s", out.AvgPrice)
	}
	if d := v.Diagnostics(); d["pending_orders"].(int) != 0 {
		t.Fatal("order still tracked after terminal outcome")
	}
}

// Pending polls back off linearly: first at +5s, then +2s, +4s, ...
func TestPendingBackoffIsLinear(t *testing.T) {
	brk := newScriptedBroker()
	v, mc := newTestVerifier(brk)
	rec := &outcomeRecorder{}

	submitAndPlace(t, v, brk, "k1", rec)

	mc.Advance(5 * time.Second)
	if got := brk.fetchCount(); got != 1 {
		t.Fatalf("fetches at +5s = %d, want 1", got)
	}
	mc.Advance(2 * time.Second)
	if got := brk.fetchCount(); got != 2 {
		t.Fatalf("fetches at +7s = %d, want 2", got)
	}
	// Next poll is 4s out, at +11s; the +10s sweep must not poll early.
	mc.Advance(3 * time.Second)
	if got := brk.fetchCount(); got != 2 {
		t.Fatalf("fetches at +10s = %d, want 2", got)
	}
	mc.Advance(1 * time.Second)
	if got := brk.fetchCount(); got != 3 {
		t.Fatalf("fetches at +11s = %d, want 3", got)
	}
	if rec.count() != 0 {
		t.Fatal("pending order must not produce an outcome")
	}
}

// A rejection resubmits after exponential backoff; the replacement order is
// then verified like any other.
func TestRejectionRetriesThenSucceeds(t *testing.T) {
	brk := newScriptedBroker()
	brk.newStatus = "REJECTED"
	brk.newMessage = "insufficient margin"
	v, mc := newTestVerifier(brk)
	rec := &outcomeRecorder{}

	submitAndPlace(t, v, brk, "k1", rec)

	// Poll at +5s sees REJECTED, resubmission lands at +7s.
	brk.newStatus = "PENDING"
	mc.Advance(7 * time.Second)
	if got := brk.placeCount(); got != 2 {
		t.Fatalf("placements = %d, want 2 after one retry", got)
	}

	brk.setRow(types.BrokerOrder{OrderID: "ORD-2", Status: "COMPLETE", Qty: 100, AvgPrice: decimal.NewFromInt(100)})
	mc.Advance(5 * time.Second)

	out := rec.last(t)
	if out.Kind != types.OutcomeSuccess || out.OrderID != "ORD-2" {
		t.Fatalf("outcome = %+v, want SUCCESS on the resubmitted order", out)
	}
}

func TestRejectionRetriesExhausted(t *testing.T) {
	brk := newScriptedBroker()
	brk.newStatus = "REJECTED"
	brk.newMessage = "insufficient margin"
	v, mc := newTestVerifier(brk)
	rec := &outcomeRecorder{}

	submitAndPlace(t, v, brk, "k1", rec)

	// Retries at +7s, +16s, +29s; the poll at +34s exhausts the cap.
	mc.Advance(34 * time.Second)

	out := rec.last(t)
	if out.Kind != types.OutcomeFailure {
		t.Fatalf("outcome = %+v, want FAILURE", out)
	}
	if out.Reason != "REJECTED: insufficient margin" {
		t.Fatalf("reason = %q", out.Reason)
	}
	if got := brk.placeCount(); got != 4 {
		t.Fatalf("placements = %d, want original + 3 retries", got)
	}
	if rec.count() != 1 {
		t.Fatalf("outcomes = %d, want exactly one", rec.count())
	}
}

func TestHardTimeout(t *testing.T) {
	brk := newScriptedBroker()
	v, mc := newTestVerifier(brk)
	rec := &outcomeRecorder{}

	submitAndPlace(t, v, brk, "k1", rec)
	mc.Advance(30 * time.Second)

	out := rec.last(t)
	if out.Kind != types.OutcomeTimeout {
		t.Fatalf("outcome = %+v, want TIMEOUT at the hard deadline", out)
	}
	if rec.count() != 1 {
		t.Fatalf("outcomes = %d, want exactly one", rec.count())
	}
}

// A partial fill reports on the first poll that observes it; the caller
// decides what to do about the remainder.
func TestPartialFillReportsImmediately(t *testing.T) {
	brk := newScriptedBroker()
	v, mc := newTestVerifier(brk)
	rec := &outcomeRecorder{}

	submitAndPlace(t, v, brk, "k1", rec)
	brk.setRow(types.BrokerOrder{
		OrderID:    "ORD-1",
		Status:     "PARTIAL",
		Qty:        100,
		PendingQty: 40,
		AvgPrice:   decimal.NewFromInt(100),
	})
	mc.Advance(5 * time.Second)

	out := rec.last(t)
	if out.Kind != types.OutcomePartial {
		t.Fatalf("outcome = %+v, want PARTIAL on first observation", out)
	}
	if out.FilledQty != 60 || out.Remaining != 40 {
		t.Fatalf("fill = %d/%d, want 60 filled 40 remaining", out.FilledQty, out.Remaining)
	}
	if d := v.Diagnostics(); d["pending_orders"].(int) != 0 {
		t.Fatal("partial order still tracked after the outcome")
	}
	if rec.count() != 1 {
		t.Fatalf("outcomes = %d, want exactly one", rec.count())
	}
}

// A duplicate key while the first submission is in flight attaches to it:
// one broker placement, two callbacks on completion.
func TestDuplicateKeyAttachesInFlight(t *testing.T) {
	brk := newScriptedBroker()
	v, mc := newTestVerifier(brk)
	first := &outcomeRecorder{}
	second := &outcomeRecorder{}

	submitAndPlace(t, v, brk, "k1", first)
	v.Submit(orderReq("k1"), second.cb)

	brk.setStatus("ORD-1", "COMPLETE")
	mc.Advance(5 * time.Second)

	if got := brk.placeCount(); got != 1 {
		t.Fatalf("placements = %d, duplicate key reached the broker", got)
	}
	if first.last(t).Kind != types.OutcomeSuccess || second.last(t).Kind != types.OutcomeSuccess {
		t.Fatal("both submitters must receive the outcome")
	}
}

// A duplicate key after completion replays the recorded outcome without
// touching the broker.
func TestDuplicateKeyReplaysCompleted(t *testing.T) {
	brk := newScriptedBroker()
	v, mc := newTestVerifier(brk)
	first := &outcomeRecorder{}

	submitAndPlace(t, v, brk, "k1", first)
	brk.setStatus("ORD-1", "COMPLETE")
	mc.Advance(5 * time.Second)
	if first.count() != 1 {
		t.Fatal("first submission not completed")
	}

	late := &outcomeRecorder{}
	v.Submit(orderReq("k1"), late.cb)
	waitFor(t, func() bool { return late.count() == 1 })

	if got := brk.placeCount(); got != 1 {
		t.Fatalf("placements = %d, replay reached the broker", got)
	}
	if late.last(t).Kind != types.OutcomeSuccess {
		t.Fatalf("replayed outcome = %+v", late.last(t))
	}
}

// Stop force-times-out whatever is still in flight after the grace period.
func TestStopForcesTimeoutOutcome(t *testing.T) {
	brk := newScriptedBroker()
	v, _ := newTestVerifier(brk)
	rec := &outcomeRecorder{}

	submitAndPlace(t, v, brk, "k1", rec)
	v.Stop(10 * time.Millisecond)

	out := rec.last(t)
	if out.Kind != types.OutcomeTimeout {
		t.Fatalf("outcome = %+v, want forced TIMEOUT on shutdown", out)
	}

	// Submissions after Stop fail fast.
	after := &outcomeRecorder{}
	v.Submit(orderReq("k2"), after.cb)
	waitFor(t, func() bool { return after.count() == 1 })
	if after.last(t).Kind != types.OutcomeFailure {
		t.Fatalf("post-stop outcome = %+v, want FAILURE", after.last(t))
	}
}

// stallBroker blocks order-book fetches until released.
type stallBroker struct {
	*scriptedBroker
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *stallBroker) FetchOrderBook() ([]types.BrokerOrder, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.scriptedBroker.FetchOrderBook()
}

// A broker stuck in an order-book fetch must not hold the order's lock:
// shutdown still forces a terminal outcome while the fetch is in flight.
func TestSlowBrokerFetchDoesNotBlockShutdown(t *testing.T) {
	brk := &stallBroker{
		scriptedBroker: newScriptedBroker(),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	v, mc := newTestVerifier(brk)
	rec := &outcomeRecorder{}

	submitAndPlace(t, v, brk.scriptedBroker, "k1", rec)

	advanced := make(chan struct{})
	go func() {
		mc.Advance(5 * time.Second) // first poll enters the stalled fetch
		close(advanced)
	}()
	<-brk.entered

	v.Stop(10 * time.Millisecond)
	if out := rec.last(t); out.Kind != types.OutcomeTimeout {
		t.Fatalf("outcome = %+v, want forced TIMEOUT despite stalled fetch", out)
	}

	close(brk.release)
	<-advanced
	if rec.count() != 1 {
		t.Fatalf("outcomes = %d, want exactly one", rec.count())
	}
}
