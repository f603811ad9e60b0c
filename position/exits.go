package position

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantgully/tradefabric/metrics"
	"github.com/quantgully/tradefabric/types"
)

// ───────────────────────────────────────────────────────────────────────────────
// Entry evaluation
// ───────────────────────────────────────────────────────────────────────────────

// checkEntry evaluates the waiting trade against the tick. Caller holds st.mu.
// Entries are frozen while the emergency stop is latched: no trade leaves
// WAITING_FOR_ENTRY until an operator resets the latch.
func (m *Manager) checkEntry(st *tradeState, price decimal.Decimal, ts time.Time) {
	if m.account != nil && m.account.EmergencyActive() {
		return
	}
	t := &st.t

	var trigger bool
	switch {
	case t.EntryDelayed:
		trigger = m.breakoutTriggered(t, price)
	case m.cfg.EntryStyle == "retest":
		trigger = m.retestTriggered(t, price)
	default:
		trigger = m.thresholdTriggered(t, price)
	}
	if !trigger {
		return
	}
	m.enter(st, price, ts)
}

// breakoutTriggered: price must clear the delay pivot by the breakout margin.
// The threshold is rounded to the paise, strict inequality.
func (m *Manager) breakoutTriggered(t *types.ActiveTrade, price decimal.Decimal) bool {
	margin := decimal.NewFromFloat(breakoutPct)
	if t.Side == types.SideLong {
		threshold := round2(t.DelayPivot.Mul(decimal.NewFromInt(1).Add(margin)))
		return price.GreaterThan(threshold)
	}
	threshold := round2(t.DelayPivot.Mul(decimal.NewFromInt(1).Sub(margin)))
	return price.LessThan(threshold)
}

// retestTriggered: price pulled back into the band just above the stop (long)
// reaching at most 20% toward the signal price. Entering on the retest gives
// the tightest effective risk.
func (m *Manager) retestTriggered(t *types.ActiveTrade, price decimal.Decimal) bool {
	depth := t.SignalPrice.Sub(t.StopLoss).Mul(decimal.NewFromFloat(retestFraction))
	if t.Side == types.SideLong {
		ceiling := round2(t.StopLoss.Add(depth.Abs()))
		return price.GreaterThan(t.StopLoss) && price.LessThanOrEqual(ceiling)
	}
	floor := round2(t.StopLoss.Sub(t.StopLoss.Sub(t.SignalPrice).Mul(decimal.NewFromFloat(retestFraction))))
	return price.LessThan(t.StopLoss) && price.GreaterThanOrEqual(floor)
}

// thresholdTriggered: price confirms past the signal by the breakout margin,
// or sits within the near band around it. Boundary equality counts.
func (m *Manager) thresholdTriggered(t *types.ActiveTrade, price decimal.Decimal) bool {
	margin := decimal.NewFromFloat(breakoutPct)
	near := t.SignalPrice.Mul(decimal.NewFromFloat(nearEntryPct))
	if price.Sub(t.SignalPrice).Abs().LessThanOrEqual(near) {
		return true
	}
	if t.Side == types.SideLong {
		return price.GreaterThanOrEqual(round2(t.SignalPrice.Mul(decimal.NewFromInt(1).Add(margin))))
	}
	return price.LessThanOrEqual(round2(t.SignalPrice.Mul(decimal.NewFromInt(1).Sub(margin))))
}

// enter flips the trade to ACTIVE at the triggering tick price and submits
// the entry order. Caller holds st.mu.
func (m *Manager) enter(st *tradeState, price decimal.Decimal, ts time.Time) {
	t := &st.t
	m.sched.Cancel(st.entryTimer)

	t.Status = types.StatusActive
	t.EntryPrice = price
	t.EntryTime = ts
	t.HighSinceEntry = price
	t.LowSinceEntry = price

	req := types.OrderRequest{
		TradeID:        t.TradeID,
		ScripCode:      t.ScripCode,
		Exchange:       t.Exchange,
		ExchangeType:   exchangeType(t.Exchange),
		Side:           entrySide(t.Side),
		Intent:         types.IntentEntry,
		Qty:            t.PositionSize,
		IdempotencyKey: idempotencyKey(t),
	}
	tradeID := t.TradeID
	m.orders.Submit(req, func(o types.OrderOutcome) { m.onEntryOutcome(tradeID, t.ScripCode, o) })

	snapshot := *t
	log.Info().
		Str("trade_id", t.TradeID).
		Str("scrip", t.ScripCode).
		Str("side", string(t.Side)).
		Str("entry", price.StringFixed(2)).
		Int64("qty", t.PositionSize).
		Msg("✅ Entry triggered")

	m.sink.TradeEntry(&snapshot)
	m.persist(&snapshot)
}

func entrySide(s types.Side) types.OrderSide {
	if s == types.SideLong {
		return types.OrderBuy
	}
	return types.OrderSell
}

func exitSide(s types.Side) types.OrderSide {
	if s == types.SideLong {
		return types.OrderSell
	}
	return types.OrderBuy
}

// ───────────────────────────────────────────────────────────────────────────────
// Exit evaluation
// ───────────────────────────────────────────────────────────────────────────────

// checkExits runs the fixed-priority exit ladder. At most one transition per
// tick; the stop always dominates. Caller holds st.mu.
func (m *Manager) checkExits(st *tradeState, price decimal.Decimal, ts time.Time) {
	t := &st.t

	if price.GreaterThan(t.HighSinceEntry) {
		t.HighSinceEntry = price
	}
	if price.LessThan(t.LowSinceEntry) {
		t.LowSinceEntry = price
	}

	long := t.Side == types.SideLong

	// 1. Fixed stop. Exits at the stop level, not the tick.
	if (long && price.LessThanOrEqual(t.StopLoss)) || (!long && price.GreaterThanOrEqual(t.StopLoss)) {
		m.closeLocked(st, t.StopLoss, types.ExitStopLoss, ts, true)
		return
	}

	// 2. Target1 half exit. Trailing stop arms at breakeven.
	if !t.Target1Hit {
		if (long && price.GreaterThanOrEqual(t.Target1)) || (!long && price.LessThanOrEqual(t.Target1)) {
			m.partialAtTarget1(st, ts)
			return
		}
	}

	// 3. Trailing stop, only once armed. Exits at the tick price. The stop
	// ratchets from the favorable watermark and never loosens.
	if t.Target1Hit {
		trail := decimal.NewFromFloat(m.cfg.TrailPct)
		if long {
			candidate := round2(t.HighSinceEntry.Mul(decimal.NewFromInt(1).Sub(trail)))
			if candidate.GreaterThan(t.TrailingStop) {
				t.TrailingStop = candidate
			}
			if price.LessThanOrEqual(t.TrailingStop) {
				m.closeLocked(st, price, types.ExitTrailingStop, ts, true)
				return
			}
		} else {
			candidate := round2(t.LowSinceEntry.Mul(decimal.NewFromInt(1).Add(trail)))
			if t.TrailingStop.IsZero() || candidate.LessThan(t.TrailingStop) {
				t.TrailingStop = candidate
			}
			if price.GreaterThanOrEqual(t.TrailingStop) {
				m.closeLocked(st, price, types.ExitTrailingStop, ts, true)
				return
			}
		}
	}

	// 4. Target2 full exit, at the target level.
	if (long && price.GreaterThanOrEqual(t.Target2)) || (!long && price.LessThanOrEqual(t.Target2)) {
		m.closeLocked(st, t.Target2, types.ExitTarget2, ts, true)
		return
	}

	// 5. Previous-close drop, only after target1 and only when enabled.
	if m.cfg.PrevCloseExit && t.Target1Hit {
		m.mu.RLock()
		pc, ok := m.prevClose[t.ScripCode]
		m.mu.RUnlock()
		if ok && pc.IsPositive() {
			floor := pc.Mul(decimal.NewFromFloat(0.99))
			ceil := pc.Mul(decimal.NewFromFloat(1.01))
			if (long && price.LessThanOrEqual(floor)) || (!long && price.GreaterThanOrEqual(ceil)) {
				m.closeLocked(st, price, types.ExitPrevCloseDrop, ts, true)
				return
			}
		}
	}
}

// partialAtTarget1 books half the position at the target1 level and moves the
// trailing stop to breakeven. Caller holds st.mu.
func (m *Manager) partialAtTarget1(st *tradeState, ts time.Time) {
	t := &st.t
	half := t.PositionSize / 2
	if half < 1 {
		// Position too small to split; treat target1 as a full exit.
		m.closeLocked(st, t.Target1, types.ExitTarget1, ts, true)
		return
	}

	pnl := signedPnL(t.Side, t.EntryPrice, t.Target1, half)
	t.PositionSize -= half
	t.RealizedPnL = t.RealizedPnL.Add(pnl)
	t.Target1Hit = true
	t.TrailingStop = t.EntryPrice
	t.Status = types.StatusPartialExit

	m.submitExit(t, half, types.ExitTarget1)

	snapshot := *t
	log.Info().
		Str("trade_id", t.TradeID).
		Str("scrip", t.ScripCode).
		Int64("exit_qty", half).
		Str("exit_price", t.Target1.StringFixed(2)).
		Str("pnl", pnl.StringFixed(2)).
		Str("trailing_stop", t.TrailingStop.StringFixed(2)).
		Msg("🎯 Target1 half exit, trailing armed at breakeven")

	m.sink.PartialExit(&snapshot, t.Target1, half, pnl, ts)
	m.persist(&snapshot)
}

func signedPnL(side types.Side, entry, exit decimal.Decimal, qty int64) decimal.Decimal {
	q := decimal.NewFromInt(qty)
	if side == types.SideLong {
		return exit.Sub(entry).Mul(q)
	}
	return entry.Sub(exit).Mul(q)
}

// ───────────────────────────────────────────────────────────────────────────────
// Closure
// ───────────────────────────────────────────────────────────────────────────────

// closeLocked finalizes the trade: books the remaining pnl, submits the exit
// order when a live position exists, removes the scrip slot and emits the
// terminal events. Caller holds st.mu. Idempotent via st.done.
func (m *Manager) closeLocked(st *tradeState, exitPrice decimal.Decimal, reason string, ts time.Time, submitOrder bool) {
	t := &st.t
	if st.done {
		return
	}
	st.done = true
	m.sched.Cancel(st.entryTimer)
	m.sched.Cancel(st.holdTimer)

	entered := !t.EntryPrice.IsZero()
	if entered && t.PositionSize > 0 && !exitPrice.IsZero() {
		t.RealizedPnL = t.RealizedPnL.Add(signedPnL(t.Side, t.EntryPrice, exitPrice, t.PositionSize))
	}
	if submitOrder && entered && t.PositionSize > 0 {
		m.submitExit(t, t.PositionSize, reason)
	}

	t.Status = terminalStatus(reason, t.RealizedPnL)

	m.mu.Lock()
	if cur, ok := m.trades[t.ScripCode]; ok && cur == st {
		delete(m.trades, t.ScripCode)
	}
	m.mu.Unlock()
	metrics.PositionsOpen.Dec()

	result := types.TradeResult{
		TradeID:     t.TradeID,
		ScripCode:   t.ScripCode,
		Side:        t.Side,
		StrategyID:  t.StrategyID,
		Status:      t.Status,
		Reason:      reason,
		EntryPrice:  t.EntryPrice,
		ExitPrice:   exitPrice,
		RealizedPnL: t.RealizedPnL,
		SignalTime:  t.SignalTime,
		EntryTime:   t.EntryTime,
		ExitTime:    ts,
	}

	log.Info().
		Str("trade_id", t.TradeID).
		Str("scrip", t.ScripCode).
		Str("status", string(t.Status)).
		Str("reason", reason).
		Str("exit_price", exitPrice.StringFixed(2)).
		Str("pnl", t.RealizedPnL.StringFixed(2)).
		Msg("🏁 Trade closed")

	if entered {
		m.sink.TradeClosed(result)
	} else {
		m.sink.TradeFailed(result)
	}

	if m.store != nil {
		if err := m.store.AppendTradeResult(result); err != nil {
			log.Error().Err(err).Str("trade_id", t.TradeID).Msg("Result persistence failed")
		}
		if err := m.store.DeleteActiveTrade(t.TradeID); err != nil {
			log.Error().Err(err).Str("trade_id", t.TradeID).Msg("Active trade cleanup failed")
		}
	}
}

// terminalStatus maps an exit reason (plus realized pnl) onto the closed
// status family.
func terminalStatus(reason string, pnl decimal.Decimal) types.TradeStatus {
	switch reason {
	case types.ExitEntryTimeout, types.ExitTimeLimit, types.ExitVerifyTimeout:
		return types.StatusClosedTimeout
	case types.ExitBrokerRejected:
		return types.StatusClosedLoss
	}
	if pnl.IsPositive() {
		return types.StatusClosedProfit
	}
	return types.StatusClosedLoss
}

// submitExit fires the market exit order. The book is already updated; a
// broker failure here is an operator alert, not a state rollback.
func (m *Manager) submitExit(t *types.ActiveTrade, qty int64, reason string) {
	seed := fmt.Sprintf("%s|%s|%s|%d", t.TradeID, types.IntentExit, reason, qty)
	req := types.OrderRequest{
		TradeID:        t.TradeID,
		ScripCode:      t.ScripCode,
		Exchange:       t.Exchange,
		ExchangeType:   exchangeType(t.Exchange),
		Side:           exitSide(t.Side),
		Intent:         types.IntentExit,
		Qty:            qty,
		IdempotencyKey: uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String(),
	}
	tradeID, scrip := t.TradeID, t.ScripCode
	m.orders.Submit(req, func(o types.OrderOutcome) {
		switch o.Kind {
		case types.OutcomeSuccess, types.OutcomePartial:
			log.Info().
				Str("trade_id", tradeID).
				Str("order_id", o.OrderID).
				Int64("filled", o.FilledQty).
				Msg("Exit order verified")
		default:
			log.Error().
				Str("trade_id", tradeID).
				Str("scrip", scrip).
				Str("kind", string(o.Kind)).
				Str("reason", o.Reason).
				Msg("🚨 Exit order did not verify, manual intervention required")
			m.sink.Notify("🚨 EXIT ORDER FAILED " + scrip + " trade=" + tradeID + " reason=" + o.Reason)
		}
	})
}

// onEntryOutcome reconciles the verified broker fill with the book.
func (m *Manager) onEntryOutcome(tradeID, scrip string, o types.OrderOutcome) {
	m.mu.RLock()
	st := m.trades[scrip]
	m.mu.RUnlock()
	if st == nil {
		log.Warn().Str("trade_id", tradeID).Str("kind", string(o.Kind)).Msg("Entry outcome for already-closed trade")
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done || st.t.TradeID != tradeID {
		return
	}
	t := &st.t

	switch o.Kind {
	case types.OutcomeSuccess:
		if o.AvgPrice.IsPositive() {
			t.EntryPrice = o.AvgPrice
			t.HighSinceEntry = o.AvgPrice
			t.LowSinceEntry = o.AvgPrice
		}
		snapshot := *t
		m.persist(&snapshot)
		log.Info().
			Str("trade_id", tradeID).
			Str("order_id", o.OrderID).
			Str("avg_price", o.AvgPrice.StringFixed(2)).
			Msg("Entry order verified")

	case types.OutcomePartial:
		// Carry only what actually filled.
		if o.FilledQty > 0 && o.FilledQty < t.PositionSize {
			t.PositionSize = o.FilledQty
		}
		if o.AvgPrice.IsPositive() {
			t.EntryPrice = o.AvgPrice
		}
		snapshot := *t
		m.persist(&snapshot)
		log.Warn().
			Str("trade_id", tradeID).
			Int64("filled", o.FilledQty).
			Int64("remaining", o.Remaining).
			Msg("⚠️ Entry partially filled, position resized")

	case types.OutcomeFailure:
		// Broker never gave us a position. Close flat; the trade already
		// entered, so closure must flow through the TradeClosed path.
		t.PositionSize = 0
		t.RealizedPnL = decimal.Zero
		m.closeLocked(st, decimal.Zero, types.ExitBrokerRejected, m.sched.Now(), false)

	case types.OutcomeTimeout:
		t.PositionSize = 0
		t.RealizedPnL = decimal.Zero
		m.sink.Notify("🚨 ENTRY VERIFICATION TIMEOUT " + scrip + " trade=" + tradeID + " — reconcile with broker")
		m.closeLocked(st, decimal.Zero, types.ExitVerifyTimeout, m.sched.Now(), false)
	}
}

// ───────────────────────────────────────────────────────────────────────────────
// Timer callbacks
// ───────────────────────────────────────────────────────────────────────────────

// onEntryTimeout abandons a trade whose entry condition never fired.
func (m *Manager) onEntryTimeout(scrip string) {
	m.mu.RLock()
	st := m.trades[scrip]
	m.mu.RUnlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done || st.t.Status != types.StatusWaitingForEntry {
		return
	}
	t := &st.t

	msg := fmt.Sprintf("⏰ ENTRY TIMEOUT %s %s: %s", t.ScripCode, t.Side, m.describeUnmetEntry(t))
	if m.pivots != nil {
		if p, ok := m.pivots.DailyPivots(t.ScripCode, m.sched.Now()); ok {
			msg += " | pivots " + p.String()
		}
	}
	m.sink.Notify(msg)

	m.closeLocked(st, decimal.Zero, types.ExitEntryTimeout, m.sched.Now(), false)
}

// describeUnmetEntry names the condition that never triggered, for the
// operator notification.
func (m *Manager) describeUnmetEntry(t *types.ActiveTrade) string {
	last := t.LastSeenPrice.StringFixed(2)
	switch {
	case t.EntryDelayed:
		return fmt.Sprintf("waiting for breakout beyond pivot %s (%s), last price %s",
			t.DelayPivot.StringFixed(2), t.DelayReason, last)
	case m.cfg.EntryStyle == "retest":
		return fmt.Sprintf("waiting for retest of stop zone %s, last price %s",
			t.StopLoss.StringFixed(2), last)
	default:
		return fmt.Sprintf("price never confirmed past signal %s, last price %s",
			t.SignalPrice.StringFixed(2), last)
	}
}

// onMaxHold force-exits a position that hit the hold limit.
func (m *Manager) onMaxHold(scrip string) {
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
	t := &st.t

	if t.Status == types.StatusWaitingForEntry {
		m.closeLocked(st, decimal.Zero, types.ExitEntryTimeout, m.sched.Now(), false)
		return
	}

	exitPx := t.LastSeenPrice
	if exitPx.IsZero() {
		exitPx = t.EntryPrice
	}
	log.Warn().
		Str("trade_id", t.TradeID).
		Str("scrip", scrip).
		Msg("⏳ Max hold reached, forcing exit")
	m.closeLocked(st, exitPx, types.ExitTimeLimit, m.sched.Now(), true)
}

// ───────────────────────────────────────────────────────────────────────────────
// Emergency paths
// ───────────────────────────────────────────────────────────────────────────────

// EmergencyExit force-closes one scrip at the last seen price (entry price
// when no tick arrived yet). Returns false when nothing was open.
func (m *Manager) EmergencyExit(scrip, reason string) bool {
	m.mu.RLock()
	st := m.trades[scrip]
	m.mu.RUnlock()
	if st == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return false
	}
	t := &st.t

	if t.Status == types.StatusWaitingForEntry {
		m.closeLocked(st, decimal.Zero, types.EmergencyReason(reason), m.sched.Now(), false)
		return true
	}
	exitPx := t.LastSeenPrice
	if exitPx.IsZero() {
		exitPx = t.EntryPrice
	}
	m.closeLocked(st, exitPx, types.EmergencyReason(reason), m.sched.Now(), true)
	return true
}

// EmergencyExitAll force-closes every open trade. Returns the count closed.
func (m *Manager) EmergencyExitAll(reason string) int {
	m.mu.RLock()
	scrips := make([]string, 0, len(m.trades))
	for scrip := range m.trades {
		scrips = append(scrips, scrip)
	}
	m.mu.RUnlock()

	n := 0
	for _, scrip := range scrips {
		if m.EmergencyExit(scrip, reason) {
			n++
		}
	}
	if n > 0 {
		log.Warn().Int("closed", n).Str("reason", reason).Msg("🚨 Emergency exit sweep complete")
	}
	return n
}

// Diagnostics reports manager state for the operator surface.
func (m *Manager) Diagnostics() map[string]interface{} {
	trades := m.Snapshot()
	waiting, active := 0, 0
	exposure := decimal.Zero
	for _, t := range trades {
		if t.Status == types.StatusWaitingForEntry {
			waiting++
		} else {
			active++
		}
		exposure = exposure.Add(t.Exposure())
	}
	return map[string]interface{}{
		"open_trades":    len(trades),
		"waiting_entry":  waiting,
		"active":         active,
		"total_exposure": exposure.StringFixed(2),
	}
}
