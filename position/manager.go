package position

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantgully/tradefabric/clock"
	"github.com/quantgully/tradefabric/metrics"
	"github.com/quantgully/tradefabric/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - Per-scrip trade state machine
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns the scrip → trade map. Ticks drive entries and exits; timers drive
// entry timeouts and the max-hold limit. One non-terminal trade per scrip,
// optionally one across the whole account.
//
// Exit priority is fixed: stop → target1 (half) → trailing → target2 →
// prev-close drop. Stop always dominates within a tick.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrAlreadyActive   = errors.New("ALREADY_ACTIVE")
	ErrSingleTradeMode = errors.New("SINGLE_TRADE_ACTIVE")
)

// Entry tuning. Thresholds are rounded to the paise before comparison.
const (
	breakoutPct    = 0.001 // pivot-breakout margin
	nearEntryPct   = 0.002 // "close enough to signal" immediate entry band
	retestFraction = 0.2   // retest zone depth toward the signal price
	target2Pct     = 0.03  // default target2 distance from entry
)

// OrderPort submits broker orders asynchronously; the callback fires exactly
// once with the verified outcome.
type OrderPort interface {
	Submit(req types.OrderRequest, cb types.OrderCallback)
}

// EventSink receives lifecycle events. Implemented by events.Emitter.
type EventSink interface {
	TradeEntry(t *types.ActiveTrade)
	PartialExit(t *types.ActiveTrade, exitPrice decimal.Decimal, qty int64, pnl decimal.Decimal, exitTime time.Time)
	TradeClosed(result types.TradeResult)
	TradeFailed(result types.TradeResult)
	Notify(text string)
}

// Store persists trade state across restarts. Optional.
type Store interface {
	UpsertActiveTrade(t *types.ActiveTrade) error
	DeleteActiveTrade(tradeID string) error
	AppendTradeResult(result types.TradeResult) error
}

// PivotPort supplies daily pivot ladders for timeout telemetry. Optional.
type PivotPort interface {
	DailyPivots(scrip string, date time.Time) (types.Pivots, bool)
}

// AccountView is the slice of the risk gate the manager consults: account
// value for risk-based size caps, and the emergency latch, which freezes
// entries while set.
type AccountView interface {
	CurrentValue() decimal.Decimal
	EmergencyActive() bool
}

// Config holds the manager's tunables.
type Config struct {
	TradeNotional decimal.Decimal
	RiskBudget    decimal.Decimal // zero disables risk-based sizing
	TrailPct      float64
	MinRR         float64
	MinMovePct    float64
	MaxStopPct    float64
	// Target2RiskMultiple, when positive, sets target2 at entry ± multiple ×
	// risk-per-share instead of the flat percentage.
	Target2RiskMultiple float64
	EntryTimeout        time.Duration
	MaxHold             time.Duration
	SingleTradeMode     bool
	EntryStyle          string // "threshold" or "retest"
	PrevCloseExit       bool
}

type tradeState struct {
	mu         sync.Mutex
	t          types.ActiveTrade
	entryTimer clock.Handle
	holdTimer  clock.Handle
	done       bool
}

// Manager owns all live trades.
type Manager struct {
	cfg     Config
	sched   clock.Scheduler
	orders  OrderPort
	sink    EventSink
	store   Store
	pivots  PivotPort
	account AccountView

	mu        sync.RWMutex
	trades    map[string]*tradeState // scrip -> open trade
	prevClose map[string]decimal.Decimal
}

// NewManager wires the manager. store, pivots and account may be nil.
func NewManager(cfg Config, sched clock.Scheduler, orders OrderPort, sink EventSink, store Store, pivots PivotPort, account AccountView) *Manager {
	return &Manager{
		cfg:       cfg,
		sched:     sched,
		orders:    orders,
		sink:      sink,
		store:     store,
		pivots:    pivots,
		account:   account,
		trades:    make(map[string]*tradeState),
		prevClose: make(map[string]decimal.Decimal),
	}
}

// ───────────────────────────────────────────────────────────────────────────────
// Creation
// ───────────────────────────────────────────────────────────────────────────────

// Propose validates a signal and builds the trade record without inserting
// it. The coordinator runs this through the risk gate before Create.
func (m *Manager) Propose(sig types.Signal, signalTime time.Time) (*types.ActiveTrade, error) {
	if err := m.validate(sig); err != nil {
		return nil, err
	}

	t := &types.ActiveTrade{
		TradeID:     uuid.NewString(),
		ScripCode:   sig.ScripCode,
		Exchange:    sig.Exchange,
		Side:        sig.Side,
		StrategyID:  sig.StrategyID,
		SignalTime:  signalTime,
		SignalPrice: sig.SignalPrice,
		StopLoss:    sig.StopLoss,
		Target1:     sig.Target1,
		Target2:     sig.Target2,
		Status:      types.StatusWaitingForEntry,
		CreatedAt:   m.sched.Now(),
	}

	if t.Target2.IsZero() {
		t.Target2 = m.defaultTarget2(sig)
	}
	t.PositionSize = m.plannedSize(sig)

	m.analyzeEntryDelay(t)
	return t, nil
}

// validate enforces the signal setup invariants.
func (m *Manager) validate(sig types.Signal) error {
	if !sig.SignalPrice.IsPositive() || !sig.StopLoss.IsPositive() || !sig.Target1.IsPositive() {
		return fmt.Errorf("INVALID_PRICES: non-positive price in signal for %s", sig.ScripCode)
	}
	switch sig.Side {
	case types.SideLong:
		if !(sig.StopLoss.LessThan(sig.SignalPrice) && sig.SignalPrice.LessThan(sig.Target1)) {
			return fmt.Errorf("INVALID_PRICES: long setup requires stop < signal < target1")
		}
	case types.SideShort:
		if !(sig.Target1.LessThan(sig.SignalPrice) && sig.SignalPrice.LessThan(sig.StopLoss)) {
			return fmt.Errorf("INVALID_PRICES: short setup requires target1 < signal < stop")
		}
	default:
		return fmt.Errorf("INVALID_PRICES: unknown side %q", sig.Side)
	}

	stopDist := sig.SignalPrice.Sub(sig.StopLoss).Abs()
	moveDist := sig.Target1.Sub(sig.SignalPrice).Abs()

	if stopDist.GreaterThan(sig.SignalPrice.Mul(decimal.NewFromFloat(m.cfg.MaxStopPct))) {
		return fmt.Errorf("STOP_TOO_WIDE: stop distance exceeds %.1f%% of signal price", m.cfg.MaxStopPct*100)
	}
	if moveDist.LessThan(sig.SignalPrice.Mul(decimal.NewFromFloat(m.cfg.MinMovePct))) {
		return fmt.Errorf("TARGET_TOO_CLOSE: target1 distance below %.1f%% of signal price", m.cfg.MinMovePct*100)
	}
	if stopDist.IsPositive() {
		rr := moveDist.Div(stopDist)
		if rr.LessThan(decimal.NewFromFloat(m.cfg.MinRR)) {
			return fmt.Errorf("RR_TOO_LOW: reward/risk %s below %.2f", rr.StringFixed(2), m.cfg.MinRR)
		}
	}
	return nil
}

func (m *Manager) defaultTarget2(sig types.Signal) decimal.Decimal {
	if m.cfg.Target2RiskMultiple > 0 {
		risk := sig.SignalPrice.Sub(sig.StopLoss).Abs().Mul(decimal.NewFromFloat(m.cfg.Target2RiskMultiple))
		if sig.Side == types.SideLong {
			return sig.SignalPrice.Add(risk).Round(2)
		}
		return sig.SignalPrice.Sub(risk).Round(2)
	}
	pct := decimal.NewFromFloat(target2Pct)
	if sig.Side == types.SideLong {
		return sig.SignalPrice.Mul(decimal.NewFromInt(1).Add(pct)).Round(2)
	}
	return sig.SignalPrice.Mul(decimal.NewFromInt(1).Sub(pct)).Round(2)
}

// plannedSize fixes the position size at creation from the signal price, so
// the risk gate admits the same exposure the trade will carry.
func (m *Manager) plannedSize(sig types.Signal) int64 {
	if sig.SignalPrice.IsZero() {
		return 0
	}
	size := m.cfg.TradeNotional.Div(sig.SignalPrice).Floor().IntPart()

	if m.cfg.RiskBudget.IsPositive() {
		perShare := sig.SignalPrice.Sub(sig.StopLoss).Abs()
		if perShare.IsPositive() {
			riskSize := m.cfg.RiskBudget.Div(perShare).Floor().IntPart()
			size = riskSize
		}
		if m.account != nil {
			cap := m.account.CurrentValue().Mul(decimal.NewFromFloat(0.10)).Div(sig.SignalPrice).Floor().IntPart()
			if size > cap {
				size = cap
			}
		}
	}
	if size < 1 {
		size = 0
	}
	return size
}

// analyzeEntryDelay decides whether the entry waits for a pivot breakout.
func (m *Manager) analyzeEntryDelay(t *types.ActiveTrade) {
	targetDist := t.Target1.Sub(t.SignalPrice).Abs().Div(t.SignalPrice)
	targetProximity := decimal.NewFromInt(1).Sub(targetDist)
	if targetProximity.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) {
		t.EntryDelayed = true
		t.DelayReason = types.DelayTargetTooClose
		t.DelayPivot = t.StopLoss
		t.Extra = types.PivotDelay{Pivot: t.StopLoss, Reason: types.DelayTargetTooClose}
		return
	}

	pivotProximity := t.SignalPrice.Sub(t.StopLoss).Abs().Div(t.SignalPrice)
	if pivotProximity.LessThanOrEqual(decimal.NewFromFloat(0.02)) {
		t.EntryDelayed = true
		t.DelayReason = types.DelayPivotTooClose
		t.DelayPivot = t.StopLoss
		t.Extra = types.PivotDelay{Pivot: t.StopLoss, Reason: types.DelayPivotTooClose}
	}
}

// Create inserts a proposed trade. Compare-and-set on the scrip slot: a
// concurrent occupant wins and the caller gets ErrAlreadyActive.
func (m *Manager) Create(t *types.ActiveTrade) (string, error) {
	m.mu.Lock()
	if _, exists := m.trades[t.ScripCode]; exists {
		m.mu.Unlock()
		return "", ErrAlreadyActive
	}
	if m.cfg.SingleTradeMode && len(m.trades) > 0 {
		m.mu.Unlock()
		return "", ErrSingleTradeMode
	}

	st := &tradeState{t: *t}
	m.trades[t.ScripCode] = st
	m.mu.Unlock()

	now := m.sched.Now()
	st.mu.Lock()
	st.t.MaxHoldDeadline = now.Add(m.cfg.MaxHold)

	scrip := t.ScripCode
	entryDeadline := t.SignalTime.Add(m.cfg.EntryTimeout)
	wait := entryDeadline.Sub(now)
	if wait < 0 {
		wait = 0
	}
	st.entryTimer = m.sched.ScheduleOnce(wait, func() { m.onEntryTimeout(scrip) })
	st.holdTimer = m.sched.ScheduleOnce(m.cfg.MaxHold, func() { m.onMaxHold(scrip) })
	snapshot := st.t
	st.mu.Unlock()

	metrics.PositionsOpen.Inc()
	m.persist(&snapshot)

	log.Info().
		Str("trade_id", t.TradeID).
		Str("scrip", t.ScripCode).
		Str("side", string(t.Side)).
		Str("signal", t.SignalPrice.StringFixed(2)).
		Str("stop", t.StopLoss.StringFixed(2)).
		Str("target1", t.Target1.StringFixed(2)).
		Bool("delayed", t.EntryDelayed).
		Str("delay_reason", t.DelayReason).
		Msg("🆕 Trade created, waiting for entry")

	return t.TradeID, nil
}

// ───────────────────────────────────────────────────────────────────────────────
// Tick ingestion
// ───────────────────────────────────────────────────────────────────────────────

// OnPrice drives the state machine. Invalid ticks are logged and ignored.
func (m *Manager) OnPrice(scrip string, price decimal.Decimal, tickTime time.Time) {
	if !price.IsPositive() {
		log.Warn().Str("scrip", scrip).Str("price", price.String()).Msg("Ignoring non-positive tick")
		return
	}

	m.mu.RLock()
	st := m.trades[scrip]
	m.mu.RUnlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}
	st.t.LastSeenPrice = price

	switch st.t.Status {
	case types.StatusWaitingForEntry:
		m.checkEntry(st, price, tickTime)
	case types.StatusActive, types.StatusPartialExit:
		m.checkExits(st, price, tickTime)
	}
}

// OnBar processes an OHLC candle. When both the stop and a target are
// reachable inside the candle, the open-direction heuristic decides which
// fires first: a long that opened below entry hits the stop first, otherwise
// the target does. Shorts mirrored.
func (m *Manager) OnBar(bar types.Bar) {
	m.mu.RLock()
	st := m.trades[bar.ScripCode]
	m.mu.RUnlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	entry := st.t.EntryPrice
	side := st.t.Side
	st.mu.Unlock()

	stopFirst := false
	if !entry.IsZero() {
		if side == types.SideLong {
			stopFirst = bar.Open.LessThan(entry)
		} else {
			stopFirst = bar.Open.GreaterThan(entry)
		}
	}

	var seq []decimal.Decimal
	adverse, favorable := bar.Low, bar.High
	if side == types.SideShort {
		adverse, favorable = bar.High, bar.Low
	}
	if stopFirst {
		seq = []decimal.Decimal{bar.Open, adverse, favorable, bar.Close}
	} else {
		seq = []decimal.Decimal{bar.Open, favorable, adverse, bar.Close}
	}
	for _, px := range seq {
		m.OnPrice(bar.ScripCode, px, bar.Timestamp)
	}
}

// SetPrevClose records the previous session close used by the optional
// 1%-drop exit.
func (m *Manager) SetPrevClose(scrip string, px decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prevClose[scrip] = px
}

// Snapshot returns read-only copies of all open trades.
func (m *Manager) Snapshot() []*types.ActiveTrade {
	m.mu.RLock()
	states := make([]*tradeState, 0, len(m.trades))
	for _, st := range m.trades {
		states = append(states, st)
	}
	m.mu.RUnlock()

	out := make([]*types.ActiveTrade, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if !st.done {
			cp := st.t
			out = append(out, &cp)
		}
		st.mu.Unlock()
	}
	return out
}

// Load restores a persisted trade on startup, rescheduling its timers
// relative to the original deadlines.
func (m *Manager) Load(t types.ActiveTrade) error {
	if t.Status.Terminal() {
		return fmt.Errorf("load: trade %s already terminal", t.TradeID)
	}
	m.mu.Lock()
	if _, exists := m.trades[t.ScripCode]; exists {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	st := &tradeState{t: t}
	m.trades[t.ScripCode] = st
	m.mu.Unlock()

	now := m.sched.Now()
	scrip := t.ScripCode
	st.mu.Lock()
	if t.Status == types.StatusWaitingForEntry {
		wait := t.SignalTime.Add(m.cfg.EntryTimeout).Sub(now)
		if wait < 0 {
			wait = 0
		}
		st.entryTimer = m.sched.ScheduleOnce(wait, func() { m.onEntryTimeout(scrip) })
	}
	hold := t.MaxHoldDeadline.Sub(now)
	if hold < 0 {
		hold = 0
	}
	st.holdTimer = m.sched.ScheduleOnce(hold, func() { m.onMaxHold(scrip) })
	st.mu.Unlock()

	metrics.PositionsOpen.Inc()
	log.Warn().
		Str("trade_id", t.TradeID).
		Str("scrip", t.ScripCode).
		Str("status", string(t.Status)).
		Msg("📥 Trade recovered from persistence")
	return nil
}

func (m *Manager) persist(t *types.ActiveTrade) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertActiveTrade(t); err != nil {
		log.Error().Err(err).Str("trade_id", t.TradeID).Msg("Trade persistence failed")
	}
}

// idempotencyKey derives the deterministic broker-submission key from the
// signal identity, so redelivered signals cannot double-order.
func idempotencyKey(t *types.ActiveTrade) string {
	seed := fmt.Sprintf("%s|%s|%d|%s", t.ScripCode, t.Side, t.SignalTime.UnixMilli(), t.SignalPrice.String())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

func exchangeType(ex types.Exchange) string {
	if ex == types.ExchangeMCX {
		return "D"
	}
	return "C"
}

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
