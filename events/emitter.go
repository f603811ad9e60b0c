package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantgully/tradefabric/metrics"
	"github.com/quantgully/tradefabric/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT EMITTER - Single writer per outbound stream
// ═══════════════════════════════════════════════════════════════════════════════
//
// On trade closure the order is fixed: trade-exit first, portfolio-update
// second. Partial exits emit a partial event only; the trade is still open.
// Chat notifications are best-effort and never roll back state.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Bus is the outbound event bus port.
type Bus interface {
	Publish(stream string, event any) error
}

// Chat is the best-effort notification port.
type Chat interface {
	Send(channel, text string) error
}

// Portfolio is the account-state surface the emitter folds realized pnl into.
type Portfolio interface {
	ApplyPnL(pnl decimal.Decimal)
	Snapshot() types.PortfolioUpdateEvent
}

// Emitter serializes event publication per stream.
type Emitter struct {
	mu          sync.Mutex
	bus         Bus
	chat        Chat
	chatChannel string
	portfolio   Portfolio
	seq         map[string]uint64
}

// New creates an emitter. chat may be nil.
func New(bus Bus, chat Chat, chatChannel string, portfolio Portfolio) *Emitter {
	return &Emitter{
		bus:         bus,
		chat:        chat,
		chatChannel: chatChannel,
		portfolio:   portfolio,
		seq:         make(map[string]uint64),
	}
}

func (e *Emitter) nextSeq(tradeID string) uint64 {
	e.seq[tradeID]++
	return e.seq[tradeID]
}

func (e *Emitter) publish(stream string, event any) {
	if err := e.bus.Publish(stream, event); err != nil {
		log.Error().Err(err).Str("stream", stream).Msg("Event publish failed")
	}
}

// TradeEntry publishes the entry event and notifies chat.
func (e *Emitter) TradeEntry(t *types.ActiveTrade) {
	e.mu.Lock()
	ev := types.TradeEntryEvent{
		TradeID:    t.TradeID,
		ScripCode:  t.ScripCode,
		Side:       t.Side,
		StrategyID: t.StrategyID,
		EntryPrice: t.EntryPrice,
		Qty:        t.PositionSize,
		StopLoss:   t.StopLoss,
		Target1:    t.Target1,
		Target2:    t.Target2,
		EntryTime:  t.EntryTime,
		Seq:        e.nextSeq(t.TradeID),
	}
	e.publish(types.StreamTradeEvents, ev)
	e.mu.Unlock()

	e.Notify("📈 ENTRY " + t.ScripCode + " " + string(t.Side) +
		" @ " + t.EntryPrice.StringFixed(2) +
		" qty=" + decimal.NewFromInt(t.PositionSize).String())
}

// PartialExit publishes the half-exit event. No portfolio update: realized
// pnl is bookkept but the trade remains open.
func (e *Emitter) PartialExit(t *types.ActiveTrade, exitPrice decimal.Decimal, qty int64, pnl decimal.Decimal, exitTime time.Time) {
	e.mu.Lock()
	ev := types.TradeExitPartialEvent{
		TradeID:     t.TradeID,
		ScripCode:   t.ScripCode,
		Side:        t.Side,
		ExitPrice:   exitPrice,
		Qty:         qty,
		RealizedPnL: pnl,
		ExitTime:    exitTime,
		Seq:         e.nextSeq(t.TradeID),
	}
	e.publish(types.StreamTradeEvents, ev)
	e.mu.Unlock()

	e.Notify("🎯 T1 PARTIAL " + t.ScripCode + " " + string(t.Side) +
		" " + decimal.NewFromInt(qty).String() + " @ " + exitPrice.StringFixed(2) +
		" pnl=" + pnl.StringFixed(2))
}

// TradeClosed publishes the terminal pair for a trade that was created:
// exactly one trade-exit event, then exactly one portfolio update.
func (e *Emitter) TradeClosed(result types.TradeResult) {
	e.portfolio.ApplyPnL(result.RealizedPnL)

	e.mu.Lock()
	exit := types.TradeExitEvent{
		TradeID:     result.TradeID,
		ScripCode:   result.ScripCode,
		Side:        result.Side,
		StrategyID:  result.StrategyID,
		Status:      result.Status,
		ExitReason:  result.Reason,
		EntryPrice:  result.EntryPrice,
		ExitPrice:   result.ExitPrice,
		RealizedPnL: result.RealizedPnL,
		SignalTime:  result.SignalTime,
		EntryTime:   result.EntryTime,
		ExitTime:    result.ExitTime,
		Seq:         e.nextSeq(result.TradeID),
	}
	if !result.EntryTime.IsZero() {
		exit.Duration = result.ExitTime.Sub(result.EntryTime)
	}
	e.publish(types.StreamTradeEvents, exit)
	e.publish(types.StreamPortfolioUpdates, e.portfolio.Snapshot())
	e.publish(types.StreamTradeResults, result)
	delete(e.seq, result.TradeID)
	e.mu.Unlock()

	metrics.TradesClosed.WithLabelValues(result.Reason).Inc()

	e.Notify("📊 CLOSED " + result.ScripCode + " " + string(result.Side) +
		" reason=" + result.Reason + " pnl=" + result.RealizedPnL.StringFixed(2))
}

// TradeFailed publishes the terminal result for a signal that never became
// a live trade: validation failure, risk rejection, or lost arbitration.
func (e *Emitter) TradeFailed(result types.TradeResult) {
	e.mu.Lock()
	e.publish(types.StreamTradeResults, result)
	delete(e.seq, result.TradeID)
	e.mu.Unlock()

	log.Info().
		Str("scrip", result.ScripCode).
		Str("reason", result.Reason).
		Msg("Signal terminated without execution")
}

// Notify sends a best-effort chat message. Failures are logged and swallowed.
func (e *Emitter) Notify(text string) {
	if e.chat == nil {
		return
	}
	if err := e.chat.Send(e.chatChannel, text); err != nil {
		log.Warn().Err(err).Msg("Chat notification failed")
	}
}
