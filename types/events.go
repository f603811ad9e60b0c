package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outbound event streams.
const (
	StreamTradeEvents      = "trade-events"
	StreamPortfolioUpdates = "portfolio-updates"
	StreamTradeResults     = "trade-results"
)

// TradeEntryEvent is published when a waiting trade enters.
type TradeEntryEvent struct {
	TradeID    string          `json:"trade_id"`
	ScripCode  string          `json:"scrip_code"`
	Side       Side            `json:"side"`
	StrategyID string          `json:"strategy_id"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Qty        int64           `json:"qty"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	Target1    decimal.Decimal `json:"target1"`
	Target2    decimal.Decimal `json:"target2"`
	EntryTime  time.Time       `json:"entry_time"`
	Seq        uint64          `json:"seq"`
}

// TradeExitPartialEvent is published on a half exit at target1. The trade
// stays open, so no portfolio update accompanies it.
type TradeExitPartialEvent struct {
	TradeID     string          `json:"trade_id"`
	ScripCode   string          `json:"scrip_code"`
	Side        Side            `json:"side"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	Qty         int64           `json:"qty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ExitTime    time.Time       `json:"exit_time"`
	Seq         uint64          `json:"seq"`
}

// TradeExitEvent is published exactly once per terminal transition, always
// before the matching PortfolioUpdateEvent.
type TradeExitEvent struct {
	TradeID     string          `json:"trade_id"`
	ScripCode   string          `json:"scrip_code"`
	Side        Side            `json:"side"`
	StrategyID  string          `json:"strategy_id"`
	Status      TradeStatus     `json:"status"`
	ExitReason  string          `json:"exit_reason"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	SignalTime  time.Time       `json:"signal_time"`
	EntryTime   time.Time       `json:"entry_time"`
	ExitTime    time.Time       `json:"exit_time"`
	Duration    time.Duration   `json:"duration"`
	Seq         uint64          `json:"seq"`
}

// PortfolioUpdateEvent reflects account state after a terminal transition.
type PortfolioUpdateEvent struct {
	CurrentValue decimal.Decimal `json:"current_value"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
	ROIPct       decimal.Decimal `json:"roi_pct"`
	Timestamp    time.Time       `json:"timestamp"`
}

// TradeResult is the single terminal outcome the fabric owes every signal:
// filled-and-closed, failed validation/risk, superseded, or timed out.
type TradeResult struct {
	TradeID     string          `json:"trade_id"`
	ScripCode   string          `json:"scrip_code"`
	Side        Side            `json:"side"`
	StrategyID  string          `json:"strategy_id"`
	Status      TradeStatus     `json:"status"`
	Reason      string          `json:"reason"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	SignalTime  time.Time       `json:"signal_time"`
	EntryTime   time.Time       `json:"entry_time"`
	ExitTime    time.Time       `json:"exit_time"`
}
