package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantgully/tradefabric/clock"
	"github.com/quantgully/tradefabric/position"
	"github.com/quantgully/tradefabric/risk"
	"github.com/quantgully/tradefabric/types"
)

type nullOrders struct{}

func (nullOrders) Submit(_ types.OrderRequest, _ types.OrderCallback) {}

type sinkSpy struct {
	mu      sync.Mutex
	failed  []types.TradeResult
	entries int
	notices []string
}

func (s *sinkSpy) TradeEntry(_ *types.ActiveTrade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries++
}

func (s *sinkSpy) PartialExit(_ *types.ActiveTrade, _ decimal.Decimal, _ int64, _ decimal.Decimal, _ time.Time) {
}
func (s *sinkSpy) TradeClosed(_ types.TradeResult) {}

func (s *sinkSpy) TradeFailed(result types.TradeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, result)
}

func (s *sinkSpy) Notify(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, text)
}

func (s *sinkSpy) failCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}

func (s *sinkSpy) lastFailReason(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failed) == 0 {
		t.Fatal("no failed result recorded")
	}
	return s.failed[len(s.failed)-1].Reason
}

type pipeline struct {
	coord *Coordinator
	mc    *clock.ManualClock
	sink  *sinkSpy
	mgr   *position.Manager
}

func newPipeline(t *testing.T, enforceHours bool) *pipeline {
	t.Helper()
	// Monday, mid-session IST.
	mc := clock.NewManualClock(time.Date(2026, 8, 24, 10, 0, 0, 0, clock.IST))
	sink := &sinkSpy{}

	gate, err := risk.NewGate(risk.GateConfig{
		MaxDrawdownPct:         0.15,
		MaxDailyLossPct:        0.03,
		MaxPositions:           5,
		MaxCorrelation:         0.70,
		MaxSectorConcentration: 0.40,
		MaxLeverage:            2.0,
	}, decimal.NewFromInt(1000000), DefaultSectors(), mc.Now)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	mgr := position.NewManager(position.Config{
		TradeNotional: decimal.NewFromInt(100000),
		TrailPct:      0.01,
		MinRR:         1.5,
		MinMovePct:    0.01,
		MaxStopPct:    0.05,
		EntryTimeout:  30 * time.Minute,
		MaxHold:       6 * time.Hour,
		EntryStyle:    "threshold",
	}, mc, nullOrders{}, sink, nil, NewPivotBook(), gate)

	coord := New(Config{SignalQueue: 8, TickQueue: 8, EnforceHours: enforceHours},
		mc, 35*time.Second, 60*time.Second, mgr, gate, sink)
	coord.Start()
	t.Cleanup(coord.Stop)

	return &pipeline{coord: coord, mc: mc, sink: sink, mgr: mgr}
}

func waitUntil(t *testing.T, cond func() bool) {
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

func testSignal(scrip string) types.Signal {
	return types.Signal{
		ScripCode:   scrip,
		Exchange:    types.ExchangeNSE,
		Side:        types.SideLong,
		SignalPrice: decimal.NewFromInt(100),
		StopLoss:    decimal.NewFromInt(97),
		Target1:     decimal.NewFromInt(160),
		StrategyID:  "strat-1",
		Source:      types.SourceConfirmed,
	}
}

// A valid signal flows submit → arbitration → risk gate → position slot.
func TestSignalBecomesPendingTrade(t *testing.T) {
	p := newPipeline(t, false)

	if err := p.coord.SubmitSignal(context.Background(), testSignal("TCS")); err != nil {
		t.Fatalf("SubmitSignal: %v", err)
	}
	waitUntil(t, func() bool {
		return p.coord.Diagnostics()["arbiter_groups"].(int) == 1
	})

	p.mc.Advance(35*time.Second + 60*time.Second)

	trades := p.mgr.Snapshot()
	if len(trades) != 1 {
		t.Fatalf("open trades = %d, want 1", len(trades))
	}
	if trades[0].Status != types.StatusWaitingForEntry {
		t.Fatalf("status = %s, want WAITING_FOR_ENTRY", trades[0].Status)
	}
	if p.sink.failCount() != 0 {
		t.Fatalf("unexpected failures: %+v", p.sink.failed)
	}
}

// Paused admission terminates signals immediately with PAUSED.
func TestPausedRejectsSignals(t *testing.T) {
	p := newPipeline(t, false)
	p.coord.Pause()

	if err := p.coord.SubmitSignal(context.Background(), testSignal("TCS")); err != nil {
		t.Fatalf("SubmitSignal: %v", err)
	}
	waitUntil(t, func() bool { return p.sink.failCount() == 1 })

	if got := p.sink.lastFailReason(t); got != failReasonPaused {
		t.Fatalf("reason = %s, want PAUSED", got)
	}

	p.coord.Resume()
	if p.coord.Paused() {
		t.Fatal("still paused after Resume")
	}
}

// With hours enforcement on, an off-session signal never reaches arbitration.
func TestMarketClosedRejectsSignals(t *testing.T) {
	p := newPipeline(t, true)

	// 16:00 IST, after the NSE close.
	p.mc.Advance(6 * time.Hour)
	if err := p.coord.SubmitSignal(context.Background(), testSignal("TCS")); err != nil {
		t.Fatalf("SubmitSignal: %v", err)
	}
	waitUntil(t, func() bool { return p.sink.failCount() == 1 })

	if got := p.sink.lastFailReason(t); got != failReasonMarketClosed {
		t.Fatalf("reason = %s, want MARKET_CLOSED", got)
	}
}

// Validation failures surface as terminal results with the validation reason.
func TestInvalidSignalFailsAfterArbitration(t *testing.T) {
	p := newPipeline(t, false)

	bad := testSignal("TCS")
	bad.StopLoss = decimal.NewFromInt(110) // stop above a LONG entry
	if err := p.coord.SubmitSignal(context.Background(), bad); err != nil {
		t.Fatalf("SubmitSignal: %v", err)
	}
	waitUntil(t, func() bool {
		return p.coord.Diagnostics()["arbiter_groups"].(int) == 1
	})
	p.mc.Advance(95 * time.Second)

	waitUntil(t, func() bool { return p.sink.failCount() == 1 })
	if len(p.mgr.Snapshot()) != 0 {
		t.Fatal("invalid signal occupied a position slot")
	}
}

// The tick queue sheds the newest tick when full instead of blocking.
func TestTickQueueDropsNewest(t *testing.T) {
	mc := clock.NewManualClock(time.Date(2026, 8, 24, 10, 0, 0, 0, clock.IST))
	sink := &sinkSpy{}
	gate, err := risk.NewGate(risk.GateConfig{
		MaxDrawdownPct:         0.15,
		MaxDailyLossPct:        0.03,
		MaxPositions:           5,
		MaxCorrelation:         0.70,
		MaxSectorConcentration: 0.40,
		MaxLeverage:            2.0,
	}, decimal.NewFromInt(1000000), DefaultSectors(), mc.Now)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	mgr := position.NewManager(position.Config{
		TradeNotional: decimal.NewFromInt(100000),
		TrailPct:      0.01,
		MinRR:         1.5,
		MinMovePct:    0.01,
		MaxStopPct:    0.05,
		EntryTimeout:  30 * time.Minute,
		MaxHold:       6 * time.Hour,
		EntryStyle:    "threshold",
	}, mc, nullOrders{}, sink, nil, NewPivotBook(), gate)

	// Not started: the queue fills and overflow is shed.
	coord := New(Config{SignalQueue: 2, TickQueue: 2, EnforceHours: false},
		mc, 35*time.Second, 60*time.Second, mgr, gate, sink)

	for i := 0; i < 5; i++ {
		coord.SubmitTick(types.PriceTick{
			ScripCode: "TCS",
			Price:     decimal.NewFromInt(100),
			Timestamp: mc.Now(),
		})
	}
	if got := coord.Diagnostics()["tick_queue_len"].(int); got != 2 {
		t.Fatalf("tick queue len = %d, want 2", got)
	}
}
