package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantgully/tradefabric/metrics"
	"github.com/quantgully/tradefabric/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PORTFOLIO RISK GATE - Central admission decision
// ═══════════════════════════════════════════════════════════════════════════════
//
// Coordinator asks → Gate approves/rejects → Position manager creates trade
//
// Every capital protection rule lives here, evaluated in a fixed order under
// one mutex so admission and value updates cannot interleave.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Rejection reasons (closed set).
const (
	ReasonEmergencyStop       = "EMERGENCY_STOP"
	ReasonMaxDrawdown         = "MAX_DRAWDOWN_BREACHED"
	ReasonDailyLoss           = "DAILY_LOSS_LIMIT"
	ReasonMaxPositions        = "MAX_POSITIONS"
	ReasonCorrelation         = "CORRELATION_TOO_HIGH"
	ReasonSectorConcentration = "SECTOR_CONCENTRATION"
	ReasonLeverage            = "LEVERAGE_LIMIT"
)

// SectorMap resolves a scrip to its sector, "OTHER" for unknowns.
type SectorMap interface {
	SectorOf(scrip string) string
}

// GateConfig holds the gate's limits.
type GateConfig struct {
	MaxDrawdownPct         float64
	MaxDailyLossPct        float64
	MaxPositions           int
	MaxCorrelation         float64
	MaxSectorConcentration float64
	MaxLeverage            float64
}

// Validate rejects limits outside their admissible ranges.
func (c GateConfig) Validate() error {
	if c.MaxDrawdownPct <= 0 || c.MaxDrawdownPct > 0.5 {
		return fmt.Errorf("max drawdown pct %v outside (0, 0.5]", c.MaxDrawdownPct)
	}
	if c.MaxDailyLossPct <= 0 || c.MaxDailyLossPct > 0.2 {
		return fmt.Errorf("max daily loss pct %v outside (0, 0.2]", c.MaxDailyLossPct)
	}
	if c.MaxPositions < 1 {
		return fmt.Errorf("max positions %d must be >= 1", c.MaxPositions)
	}
	if c.MaxCorrelation <= 0 || c.MaxCorrelation > 1 {
		return fmt.Errorf("max correlation %v outside (0, 1]", c.MaxCorrelation)
	}
	if c.MaxSectorConcentration <= 0 || c.MaxSectorConcentration > 1 {
		return fmt.Errorf("max sector concentration %v outside (0, 1]", c.MaxSectorConcentration)
	}
	if c.MaxLeverage <= 0 || c.MaxLeverage > 10 {
		return fmt.Errorf("max leverage %v outside (0, 10]", c.MaxLeverage)
	}
	return nil
}

type dayStats struct {
	PnL        decimal.Decimal
	TradeCount int
	StartValue decimal.Decimal
}

// Gate is the synchronous admission gate over the portfolio state.
type Gate struct {
	mu  sync.Mutex
	cfg GateConfig
	now func() time.Time

	startValue   decimal.Decimal
	currentValue decimal.Decimal
	peakValue    decimal.Decimal

	emergencyStop   bool
	emergencyTime   time.Time
	emergencyReason string

	daily map[string]*dayStats

	sectors SectorMap
}

// NewGate creates the gate. Construction fails on an invalid limit set.
func NewGate(cfg GateConfig, startValue decimal.Decimal, sectors SectorMap, now func() time.Time) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("risk gate config: %w", err)
	}
	if startValue.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("risk gate: start value must be positive, got %s", startValue)
	}
	g := &Gate{
		cfg:          cfg,
		now:          now,
		startValue:   startValue,
		currentValue: startValue,
		peakValue:    startValue,
		daily:        make(map[string]*dayStats),
		sectors:      sectors,
	}
	log.Info().
		Str("start_value", startValue.StringFixed(2)).
		Float64("max_drawdown", cfg.MaxDrawdownPct).
		Float64("max_daily_loss", cfg.MaxDailyLossPct).
		Int("max_positions", cfg.MaxPositions).
		Float64("max_leverage", cfg.MaxLeverage).
		Msg("🛡️ Risk gate initialized")
	return g, nil
}

// Admit decides whether the proposed trade may be taken given the current
// open positions. Checks short-circuit in a fixed order; the first failure
// wins. A drawdown breach latches the emergency stop as a side effect.
func (g *Gate) Admit(proposed *types.ActiveTrade, current []*types.ActiveTrade) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	reject := func(reason string) (bool, string) {
		log.Debug().
			Str("scrip", proposed.ScripCode).
			Str("reason", reason).
			Msg("🚫 Admission rejected")
		return false, reason
	}

	// 1. Emergency-stop latch.
	if g.emergencyStop {
		return reject(ReasonEmergencyStop)
	}

	// 2. Drawdown; a breach latches the emergency stop.
	if g.drawdownLocked().GreaterThanOrEqual(decimal.NewFromFloat(g.cfg.MaxDrawdownPct)) {
		g.latchLocked(ReasonMaxDrawdown)
		return reject(ReasonMaxDrawdown)
	}

	// 3. Daily loss.
	day := g.dayLocked()
	if day.PnL.IsNegative() && !day.StartValue.IsZero() {
		lossPct := day.PnL.Abs().Div(day.StartValue)
		if lossPct.GreaterThanOrEqual(decimal.NewFromFloat(g.cfg.MaxDailyLossPct)) {
			return reject(ReasonDailyLoss)
		}
	}

	// 4. Position count.
	open := 0
	for _, p := range current {
		if p.Open() {
			open++
		}
	}
	if open >= g.cfg.MaxPositions {
		return reject(ReasonMaxPositions)
	}

	// 5. Correlation proxy: 1.0 same scrip, 0.7 same sector, 0.3 otherwise.
	propSector := g.sectorOf(proposed.ScripCode)
	maxCorr := decimal.NewFromFloat(g.cfg.MaxCorrelation)
	for _, p := range current {
		if !p.Open() {
			continue
		}
		corr := decimal.NewFromFloat(0.3)
		if p.ScripCode == proposed.ScripCode {
			corr = decimal.NewFromInt(1)
		} else if g.sectorOf(p.ScripCode) == propSector {
			corr = decimal.NewFromFloat(0.7)
		}
		if corr.GreaterThan(maxCorr) {
			return reject(ReasonCorrelation)
		}
	}

	// 6. Sector concentration, including the proposed trade.
	sectorValue := proposed.Exposure()
	for _, p := range current {
		if p.Open() && g.sectorOf(p.ScripCode) == propSector {
			sectorValue = sectorValue.Add(p.Exposure())
		}
	}
	if g.currentValue.IsPositive() {
		concentration := sectorValue.Div(g.currentValue)
		if concentration.GreaterThan(decimal.NewFromFloat(g.cfg.MaxSectorConcentration)) {
			return reject(ReasonSectorConcentration)
		}
	}

	// 7. Leverage, including the proposed trade.
	exposure := proposed.Exposure()
	for _, p := range current {
		if p.Open() {
			exposure = exposure.Add(p.Exposure())
		}
	}
	if g.currentValue.IsPositive() {
		leverage := exposure.Div(g.currentValue)
		if leverage.GreaterThan(decimal.NewFromFloat(g.cfg.MaxLeverage)) {
			return reject(ReasonLeverage)
		}
	}

	log.Info().
		Str("scrip", proposed.ScripCode).
		Str("side", string(proposed.Side)).
		Int("open_positions", open).
		Msg("✅ Admission approved")
	return true, ""
}

// UpdateValue records a new account value and the realized pnl that moved it.
func (g *Gate) UpdateValue(newValue, pnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.currentValue = newValue
	if newValue.GreaterThan(g.peakValue) {
		g.peakValue = newValue
	}
	day := g.dayLocked()
	day.PnL = day.PnL.Add(pnl)
	day.TradeCount++
}

// ApplyPnL folds realized pnl into the current value.
func (g *Gate) ApplyPnL(pnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currentValue = g.currentValue.Add(pnl)
	if g.currentValue.GreaterThan(g.peakValue) {
		g.peakValue = g.currentValue
	}
	day := g.dayLocked()
	day.PnL = day.PnL.Add(pnl)
	day.TradeCount++
}

// LatchEmergency sets the emergency-stop latch. Latched state persists until
// an operator resets it.
func (g *Gate) LatchEmergency(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latchLocked(reason)
}

// ResetEmergency clears the latch. The operator identifier is mandatory and
// logged for the audit trail.
func (g *Gate) ResetEmergency(operatorID string) error {
	if operatorID == "" {
		return fmt.Errorf("reset emergency: operator id required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.emergencyStop {
		return nil
	}
	g.emergencyStop = false
	g.emergencyReason = ""
	metrics.EmergencyStop.Set(0)
	log.Warn().
		Str("operator", operatorID).
		Msg("🔓 Emergency stop reset by operator")
	return nil
}

// EmergencyActive reports the latch state.
func (g *Gate) EmergencyActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emergencyStop
}

// CurrentValue returns the current account value.
func (g *Gate) CurrentValue() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentValue
}

// Snapshot returns the portfolio update payload for the event emitter.
func (g *Gate) Snapshot() types.PortfolioUpdateEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	totalPnL := g.currentValue.Sub(g.startValue)
	roi := decimal.Zero
	if g.startValue.IsPositive() {
		roi = totalPnL.Div(g.startValue).Mul(decimal.NewFromInt(100))
	}
	return types.PortfolioUpdateEvent{
		CurrentValue: g.currentValue,
		TotalPnL:     totalPnL,
		ROIPct:       roi,
		Timestamp:    g.now(),
	}
}

// Diagnostics returns the gate state for operator surfaces.
func (g *Gate) Diagnostics() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	day := g.dayLocked()
	return map[string]interface{}{
		"start_value":      g.startValue.StringFixed(2),
		"current_value":    g.currentValue.StringFixed(2),
		"peak_value":       g.peakValue.StringFixed(2),
		"drawdown_pct":     g.drawdownLocked().Mul(decimal.NewFromInt(100)).StringFixed(3),
		"daily_pnl":        day.PnL.StringFixed(2),
		"daily_trades":     day.TradeCount,
		"emergency_stop":   g.emergencyStop,
		"emergency_reason": g.emergencyReason,
	}
}

// TrimDaily drops per-day stats older than keepDays. Runs on a scheduled
// task from main.
func (g *Gate) TrimDaily(keepDays int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().AddDate(0, 0, -keepDays).Format("2006-01-02")
	for k := range g.daily {
		if k < cutoff {
			delete(g.daily, k)
		}
	}
}

func (g *Gate) drawdownLocked() decimal.Decimal {
	if g.peakValue.IsZero() {
		return decimal.Zero
	}
	return g.peakValue.Sub(g.currentValue).Div(g.peakValue)
}

func (g *Gate) latchLocked(reason string) {
	if g.emergencyStop {
		return
	}
	g.emergencyStop = true
	g.emergencyTime = g.now()
	g.emergencyReason = reason
	metrics.EmergencyStop.Set(1)
	log.Error().
		Str("reason", reason).
		Str("current_value", g.currentValue.StringFixed(2)).
		Str("peak_value", g.peakValue.StringFixed(2)).
		Msg("🚨 EMERGENCY STOP LATCHED")
}

func (g *Gate) dayLocked() *dayStats {
	key := g.now().Format("2006-01-02")
	day, ok := g.daily[key]
	if !ok {
		day = &dayStats{StartValue: g.currentValue}
		g.daily[key] = day
	}
	return day
}

func (g *Gate) sectorOf(scrip string) string {
	if g.sectors == nil {
		return "OTHER"
	}
	return g.sectors.SectorOf(scrip)
}
