package events

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantgully/tradefabric/types"
)

type published struct {
	stream string
	event  any
}

type recordingBus struct {
	events []published
	err    error
}

func (b *recordingBus) Publish(stream string, event any) error {
	b.events = append(b.events, published{stream, event})
	return b.err
}

type recordingChat struct {
	texts []string
	err   error
}

func (c *recordingChat) Send(_, text string) error {
	c.texts = append(c.texts, text)
	return c.err
}

type fakePortfolio struct {
	value decimal.Decimal
}

func (p *fakePortfolio) ApplyPnL(pnl decimal.Decimal) {
	p.value = p.value.Add(pnl)
}

func (p *fakePortfolio) Snapshot() types.PortfolioUpdateEvent {
	return types.PortfolioUpdateEvent{CurrentValue: p.value}
}

func sampleResult() types.TradeResult {
	entry := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	return types.TradeResult{
		TradeID:     "t-1",
		ScripCode:   "TCS",
		Side:        types.SideLong,
		Status:      types.StatusClosedProfit,
		Reason:      "TARGET2",
		EntryPrice:  decimal.NewFromInt(100),
		ExitPrice:   decimal.NewFromInt(103),
		RealizedPnL: decimal.NewFromInt(3000),
		EntryTime:   entry,
		ExitTime:    entry.Add(45 * time.Minute),
	}
}

// The terminal sequence is fixed: trade-exit first, then the portfolio
// update carrying the already-folded pnl, then the result record.
func TestTradeClosedOrdersExitBeforePortfolio(t *testing.T) {
	bus := &recordingBus{}
	pf := &fakePortfolio{value: decimal.NewFromInt(1000000)}
	e := New(bus, nil, "operator", pf)

	e.TradeClosed(sampleResult())

	if len(bus.events) != 3 {
		t.Fatalf("events = %d, want 3", len(bus.events))
	}
	if bus.events[0].stream != types.StreamTradeEvents {
		t.Fatalf("first stream = %s, want trade events", bus.events[0].stream)
	}
	exit, ok := bus.events[0].event.(types.TradeExitEvent)
	if !ok {
		t.Fatalf("first event = %T, want TradeExitEvent", bus.events[0].event)
	}
	if exit.Duration != 45*time.Minute {
		t.Fatalf("duration = %s, want 45m", exit.Duration)
	}

	if bus.events[1].stream != types.StreamPortfolioUpdates {
		t.Fatalf("second stream = %s, want portfolio updates", bus.events[1].stream)
	}
	update := bus.events[1].event.(types.PortfolioUpdateEvent)
	if !update.CurrentValue.Equal(decimal.NewFromInt(1003000)) {
		t.Fatalf("portfolio update published before pnl was applied: %s", update.CurrentValue)
	}

	if bus.events[2].stream != types.StreamTradeResults {
		t.Fatalf("third stream = %s, want trade results", bus.events[2].stream)
	}
}

// Per-trade sequence numbers increment across the trade's lifecycle and are
// released on close.
func TestSequenceNumbersPerTrade(t *testing.T) {
	bus := &recordingBus{}
	e := New(bus, nil, "operator", &fakePortfolio{})

	trade := &types.ActiveTrade{
		TradeID:    "t-1",
		ScripCode:  "TCS",
		Side:       types.SideLong,
		EntryPrice: decimal.NewFromInt(100),
	}
	e.TradeEntry(trade)
	e.PartialExit(trade, decimal.NewFromFloat(101.5), 500, decimal.NewFromInt(700), time.Now())
	e.TradeClosed(sampleResult())

	entry := bus.events[0].event.(types.TradeEntryEvent)
	partial := bus.events[1].event.(types.TradeExitPartialEvent)
	exit := bus.events[2].event.(types.TradeExitEvent)
	if entry.Seq != 1 || partial.Seq != 2 || exit.Seq != 3 {
		t.Fatalf("seq = %d/%d/%d, want 1/2/3", entry.Seq, partial.Seq, exit.Seq)
	}

	// A new trade under the same id starts fresh.
	e.TradeEntry(trade)
	if got := bus.events[len(bus.events)-1].event.(types.TradeEntryEvent).Seq; got != 1 {
		t.Fatalf("seq after close = %d, want 1", got)
	}
}

// Never-executed signals publish a result only, no exit or portfolio events.
func TestTradeFailedPublishesResultOnly(t *testing.T) {
	bus := &recordingBus{}
	pf := &fakePortfolio{value: decimal.NewFromInt(1000000)}
	e := New(bus, nil, "operator", pf)

	res := sampleResult()
	res.Status = types.StatusFailed
	res.Reason = "MAX_POSITIONS"
	res.RealizedPnL = decimal.Zero
	e.TradeFailed(res)

	if len(bus.events) != 1 || bus.events[0].stream != types.StreamTradeResults {
		t.Fatalf("events = %v, want single result", bus.events)
	}
	if !pf.value.Equal(decimal.NewFromInt(1000000)) {
		t.Fatal("failed signal must not touch the portfolio")
	}
}

// Chat failures are swallowed; the event stream is unaffected.
func TestNotifySwallowsChatErrors(t *testing.T) {
	bus := &recordingBus{}
	chat := &recordingChat{err: errors.New("telegram down")}
	e := New(bus, chat, "operator", &fakePortfolio{})

	e.TradeClosed(sampleResult())

	if len(bus.events) != 3 {
		t.Fatalf("events = %d, want 3 despite chat failure", len(bus.events))
	}
	if len(chat.texts) != 1 {
		t.Fatalf("chat sends = %d, want 1", len(chat.texts))
	}
}

func TestNotifyWithNilChat(t *testing.T) {
	e := New(&recordingBus{}, nil, "operator", &fakePortfolio{})
	e.Notify("should not panic")
}
