package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the direction of a trade.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Exchange identifies the venue a scrip trades on.
type Exchange string

const (
	ExchangeNSE Exchange = "NSE"
	ExchangeBSE Exchange = "BSE"
	ExchangeMCX Exchange = "MCX"
)

// Signal source classes. CONFIRMED beats UNCONFIRMED inside the per-scrip
// dedup window; CATEGORY:<name> sources bypass dedup and run in their own
// batch lane.
const (
	SourceConfirmed   = "CONFIRMED"
	SourceUnconfirmed = "UNCONFIRMED"
	categoryPrefix    = "CATEGORY:"
)

// OILabel classifies the open-interest buildup behind a signal.
type OILabel string

const (
	OILongBuildup   OILabel = "LONG_BUILDUP"
	OIShortCovering OILabel = "SHORT_COVERING"
	OIShortBuildup  OILabel = "SHORT_BUILDUP"
	OILongUnwinding OILabel = "LONG_UNWINDING"
)

// RankInputs carries the raw inputs for the batch rank score.
type RankInputs struct {
	OIRatio     float64 `json:"oi_ratio"`
	OILabel     OILabel `json:"oi_label"`
	VolumeSurge float64 `json:"volume_surge"`
}

// Signal is a candidate trade emitted by an upstream strategy producer.
type Signal struct {
	ScripCode   string          `json:"scrip_code"`
	Exchange    Exchange        `json:"exchange"`
	Side        Side            `json:"side"`
	SignalPrice decimal.Decimal `json:"signal_price"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	Target1     decimal.Decimal `json:"target1"`
	Target2     decimal.Decimal `json:"target2,omitempty"` // zero when producer left it to us
	StrategyID  string          `json:"strategy_id"`
	Source      string          `json:"source"`
	ReceivedAt  time.Time       `json:"received_at"`
	Confidence  float64         `json:"confidence"`
	Rank        RankInputs      `json:"rank_inputs"`
}

// Category returns the category lane name for CATEGORY:<name> sources,
// or "" for the CONFIRMED/UNCONFIRMED pair.
func (s *Signal) Category() string {
	if strings.HasPrefix(s.Source, categoryPrefix) {
		return strings.TrimPrefix(s.Source, categoryPrefix)
	}
	return ""
}

// PriceTick is a single trade/quote price for one scrip. Ticks are
// monotone-in-time per scrip but may be re-ordered across scrips.
type PriceTick struct {
	ScripCode string          `json:"scrip_code"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bar is a single OHLC candle, used when the feed delivers candles instead
// of raw ticks. The open is needed to resolve stop-vs-target ambiguity.
type Bar struct {
	ScripCode string          `json:"scrip_code"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Timestamp time.Time       `json:"timestamp"`
}

// TradeStatus is the lifecycle state of an ActiveTrade.
type TradeStatus string

const (
	StatusWaitingForEntry TradeStatus = "WAITING_FOR_ENTRY"
	StatusActive          TradeStatus = "ACTIVE"
	StatusPartialExit     TradeStatus = "PARTIAL_EXIT"
	StatusClosedProfit    TradeStatus = "CLOSED_PROFIT"
	StatusClosedLoss      TradeStatus = "CLOSED_LOSS"
	StatusClosedTimeout   TradeStatus = "CLOSED_TIMEOUT"
	StatusFailed          TradeStatus = "FAILED"
)

// Terminal reports whether the status is a final state.
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusClosedProfit, StatusClosedLoss, StatusClosedTimeout, StatusFailed:
		return true
	}
	return false
}

// Entry-delay reasons.
const (
	DelayTargetTooClose = "TARGET_50_PERCENT_CLOSE"
	DelayPivotTooClose  = "PIVOT_TOO_CLOSE"
)

// Exit reasons (closed set; EMERGENCY and SUPERSEDED carry a suffix).
const (
	ExitStopLoss       = "STOP_LOSS"
	ExitTarget1        = "TARGET1"
	ExitTrailingStop   = "TRAILING_STOP"
	ExitTarget2        = "TARGET2"
	ExitPrevCloseDrop  = "PREV_CLOSE_DROP"
	ExitTimeLimit      = "TIME_LIMIT"
	ExitEntryTimeout   = "ENTRY_TIMEOUT"
	ExitBrokerRejected = "BROKER_REJECTED"
	ExitVerifyTimeout  = "VERIFICATION_TIMEOUT"
	ExitInvariant      = "INTERNAL_INVARIANT"
)

// EmergencyReason builds an EMERGENCY:<caller_reason> exit reason.
func EmergencyReason(caller string) string {
	return "EMERGENCY:" + caller
}

// SupersededBy builds the terminal reason for an arbitration loser.
func SupersededBy(winner string) string {
	return "SUPERSEDED_BY_" + winner
}

// SupersededByBest builds the terminal reason for a batch loser.
func SupersededByBest(winnerScrip string) string {
	return "SUPERSEDED_BY_BEST_" + winnerScrip
}

// ExtraContext is a closed, tagged extension carried by an ActiveTrade in
// place of a free-form metadata bag. Exactly one variant is attached.
type ExtraContext interface {
	extraContext()
}

// PivotDelay records why an entry was deferred to a pivot breakout.
type PivotDelay struct {
	Pivot  decimal.Decimal
	Reason string
}

// RetestZone records the pivot-retest band for bulletproof entries.
type RetestZone struct {
	Floor   decimal.Decimal // stop level; entry requires price strictly above
	Ceiling decimal.Decimal // 20% back toward the signal price
}

// PrevCloseContext carries the previous session close for the optional
// 1%-drop exit.
type PrevCloseContext struct {
	PrevClose decimal.Decimal
}

func (PivotDelay) extraContext()       {}
func (RetestZone) extraContext()       {}
func (PrevCloseContext) extraContext() {}

// ActiveTrade is the per-instrument lifecycle record. It is created and
// mutated exclusively by the position manager; everyone else sees copies.
type ActiveTrade struct {
	TradeID    string
	ScripCode  string
	Exchange   Exchange
	Side       Side
	StrategyID string

	SignalTime  time.Time
	SignalPrice decimal.Decimal
	StopLoss    decimal.Decimal
	Target1     decimal.Decimal
	Target2     decimal.Decimal

	Status       TradeStatus
	EntryPrice   decimal.Decimal
	EntryTime    time.Time
	PositionSize int64

	HighSinceEntry decimal.Decimal
	LowSinceEntry  decimal.Decimal
	TrailingStop   decimal.Decimal
	Target1Hit     bool

	EntryDelayed bool
	DelayPivot   decimal.Decimal
	DelayReason  string

	LastSeenPrice   decimal.Decimal
	RealizedPnL     decimal.Decimal
	MaxHoldDeadline time.Time
	CreatedAt       time.Time

	Extra ExtraContext
}

// Exposure is the notional value of the open position, using the entry
// price once entered and the signal price while waiting.
func (t *ActiveTrade) Exposure() decimal.Decimal {
	px := t.EntryPrice
	if px.IsZero() {
		px = t.SignalPrice
	}
	return px.Mul(decimal.NewFromInt(t.PositionSize))
}

// Open reports whether the trade still occupies its scrip slot.
func (t *ActiveTrade) Open() bool {
	return !t.Status.Terminal()
}

// Order side / intent / status for broker submissions.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

type OrderIntent string

const (
	IntentEntry OrderIntent = "ENTRY"
	IntentExit  OrderIntent = "EXIT"
)

type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderFilled   OrderStatus = "FILLED"
	OrderPartial  OrderStatus = "PARTIAL"
	OrderRejected OrderStatus = "REJECTED"
	OrderTimeout  OrderStatus = "TIMEOUT"
)

// OrderRequest is a broker submission handed to the order verifier.
type OrderRequest struct {
	TradeID        string
	ScripCode      string
	Exchange       Exchange
	ExchangeType   string // "C" cash, "D" derivatives
	Side           OrderSide
	Intent         OrderIntent
	Qty            int64
	LimitPrice     decimal.Decimal // zero for market orders
	IdempotencyKey string
}

// OrderOutcomeKind is the terminal classification of a tracked order.
type OrderOutcomeKind string

const (
	OutcomeSuccess OrderOutcomeKind = "SUCCESS"
	OutcomePartial OrderOutcomeKind = "PARTIAL"
	OutcomeFailure OrderOutcomeKind = "FAILURE"
	OutcomeTimeout OrderOutcomeKind = "TIMEOUT"
)

// OrderOutcome is delivered exactly once per tracked order.
type OrderOutcome struct {
	Kind      OrderOutcomeKind
	OrderID   string
	FilledQty int64
	Remaining int64
	AvgPrice  decimal.Decimal
	Reason    string
}

// OrderCallback receives the outcome of a tracked order.
type OrderCallback func(OrderOutcome)

// BrokerOrder is one row of the broker order book.
type BrokerOrder struct {
	OrderID    string
	Status     string // PENDING, OPEN, PARTIAL, COMPLETE, FULLY_EXECUTED, REJECTED, CANCELLED, FAILED
	Qty        int64
	PendingQty int64
	AvgPrice   decimal.Decimal
	Message    string
}

// Pivots holds the daily pivot ladder for one scrip. Used only for
// operator-facing telemetry.
type Pivots struct {
	Pivot          decimal.Decimal
	R1, R2, R3, R4 decimal.Decimal
	S1, S2, S3, S4 decimal.Decimal
}

func (p Pivots) String() string {
	return fmt.Sprintf("P=%s R1=%s S1=%s", p.Pivot.StringFixed(2), p.R1.StringFixed(2), p.S1.StringFixed(2))
}
