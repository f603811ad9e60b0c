package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantgully/tradefabric/arbiter"
	"github.com/quantgully/tradefabric/clock"
	"github.com/quantgully/tradefabric/metrics"
	"github.com/quantgully/tradefabric/position"
	"github.com/quantgully/tradefabric/risk"
	"github.com/quantgully/tradefabric/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COORDINATOR - Single ingress, bounded queues
// ═══════════════════════════════════════════════════════════════════════════════
//
// All signals and ticks enter here. The signal queue applies backpressure to
// the producer; the tick queue sheds the newest tick when full, because a
// stale tick is worth less than the ones already queued.
//
// Winner signals from the arbiter run the full admission pipeline:
// validation → risk gate → position slot. Every signal ends in exactly one
// terminal outcome.
//
// ═══════════════════════════════════════════════════════════════════════════════

const failReasonMarketClosed = "MARKET_CLOSED"
const failReasonPaused = "PAUSED"

// Config sizes the ingress queues.
type Config struct {
	SignalQueue  int
	TickQueue    int
	EnforceHours bool
}

func DefaultConfig() Config {
	return Config{
		SignalQueue:  256,
		TickQueue:    4096,
		EnforceHours: true,
	}
}

// Coordinator wires the arbiter, risk gate and position manager together.
type Coordinator struct {
	cfg   Config
	sched clock.Scheduler
	arb   *arbiter.Arbiter
	mgr   *position.Manager
	gate  *risk.Gate
	sink  position.EventSink

	signalCh chan types.Signal
	tickCh   chan types.PriceTick
	barCh    chan types.Bar

	tickObservers []func(types.PriceTick)

	paused  atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates the coordinator. The arbiter is constructed here so its
// winner/loser callbacks land in the admission pipeline.
func New(cfg Config, sched clock.Scheduler, holdDur, batchDur time.Duration, mgr *position.Manager, gate *risk.Gate, sink position.EventSink) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		sched:    sched,
		mgr:      mgr,
		gate:     gate,
		sink:     sink,
		signalCh: make(chan types.Signal, cfg.SignalQueue),
		tickCh:   make(chan types.PriceTick, cfg.TickQueue),
		barCh:    make(chan types.Bar, cfg.TickQueue),
		stopCh:   make(chan struct{}),
	}
	c.arb = arbiter.New(sched, holdDur, batchDur, c.handleWinner, c.handleSuperseded)
	return c
}

// ObserveTicks registers a callback invoked for every accepted tick, before
// the position manager sees it. Used to feed the paper broker's fill price.
// Not safe to call after Start.
func (c *Coordinator) ObserveTicks(fn func(types.PriceTick)) {
	c.tickObservers = append(c.tickObservers, fn)
}

// Start launches the ingress consumers.
func (c *Coordinator) Start() {
	c.wg.Add(2)
	go c.signalLoop()
	go c.tickLoop()
	log.Info().
		Int("signal_queue", c.cfg.SignalQueue).
		Int("tick_queue", c.cfg.TickQueue).
		Msg("🚦 Coordinator started")
}

// SubmitSignal enqueues a signal, blocking while the queue is full. The
// context bounds the wait.
func (c *Coordinator) SubmitSignal(ctx context.Context, sig types.Signal) error {
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = c.sched.Now()
	}
	select {
	case c.signalCh <- sig:
		return nil
	case <-c.stopCh:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitTick enqueues a tick, dropping it when the queue is full.
func (c *Coordinator) SubmitTick(tick types.PriceTick) {
	select {
	case c.tickCh <- tick:
	default:
		metrics.TicksDropped.Inc()
	}
}

// SubmitBar enqueues an OHLC candle, dropping it when the queue is full.
func (c *Coordinator) SubmitBar(bar types.Bar) {
	select {
	case c.barCh <- bar:
	default:
		metrics.TicksDropped.Inc()
	}
}

func (c *Coordinator) signalLoop() {
	defer c.wg.Done()
	for {
		select {
		case sig := <-c.signalCh:
			c.ingestSignal(sig)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) tickLoop() {
	defer c.wg.Done()
	for {
		select {
		case tick := <-c.tickCh:
			for _, fn := range c.tickObservers {
				fn(tick)
			}
			c.mgr.OnPrice(tick.ScripCode, tick.Price, tick.Timestamp)
		case bar := <-c.barCh:
			c.mgr.OnBar(bar)
		case <-c.stopCh:
			return
		}
	}
}

// ingestSignal applies the cheap pre-filters, then hands the signal to the
// arbitration windows.
func (c *Coordinator) ingestSignal(sig types.Signal) {
	metrics.SignalsReceived.WithLabelValues(sig.Source).Inc()

	if c.paused.Load() {
		c.fail(sig, failReasonPaused)
		return
	}
	if c.cfg.EnforceHours && !MarketOpen(sig.Exchange, c.sched.Now()) {
		log.Info().
			Str("scrip", sig.ScripCode).
			Str("exchange", string(sig.Exchange)).
			Msg("Signal outside market hours")
		c.fail(sig, failReasonMarketClosed)
		return
	}

	c.arb.Submit(sig)
}

// handleWinner runs the admission pipeline for an arbitration winner.
func (c *Coordinator) handleWinner(sig types.Signal) {
	proposed, err := c.mgr.Propose(sig, sig.ReceivedAt)
	if err != nil {
		log.Info().
			Str("scrip", sig.ScripCode).
			Err(err).
			Msg("Signal failed validation")
		c.fail(sig, err.Error())
		return
	}

	if ok, reason := c.gate.Admit(proposed, c.mgr.Snapshot()); !ok {
		log.Warn().
			Str("scrip", sig.ScripCode).
			Str("reason", reason).
			Msg("⛔ Risk gate rejected trade")
		if reason == risk.ReasonMaxDrawdown {
			c.sink.Notify("🚨 EMERGENCY STOP LATCHED: max drawdown breached. Manual reset required.")
		}
		c.fail(sig, reason)
		return
	}

	if _, err := c.mgr.Create(proposed); err != nil {
		c.fail(sig, err.Error())
	}
}

func (c *Coordinator) handleSuperseded(sig types.Signal, reason string) {
	c.fail(sig, reason)
}

// fail emits the terminal result for a signal that never became a trade.
func (c *Coordinator) fail(sig types.Signal, reason string) {
	c.sink.TradeFailed(types.TradeResult{
		TradeID:    uuid.NewString(),
		ScripCode:  sig.ScripCode,
		Side:       sig.Side,
		StrategyID: sig.StrategyID,
		Status:     types.StatusFailed,
		Reason:     reason,
		SignalTime: sig.ReceivedAt,
		ExitTime:   c.sched.Now(),
	})
}

// Pause stops admitting new signals; open positions keep managing.
func (c *Coordinator) Pause() { c.paused.Store(true) }

// Resume re-enables signal admission.
func (c *Coordinator) Resume() { c.paused.Store(false) }

// Paused reports the admission state.
func (c *Coordinator) Paused() bool { return c.paused.Load() }

// EmergencyExitAll flattens every open position and latches the gate.
func (c *Coordinator) EmergencyExitAll(reason string) int {
	c.gate.LatchEmergency(reason)
	return c.mgr.EmergencyExitAll(reason)
}

// Stop drains the pipeline: ingress closes, outstanding arbitration windows
// flush inline so no buffered signal is silently lost.
func (c *Coordinator) Stop() {
	c.stopped.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	c.arb.Flush()
	log.Info().Msg("🛑 Coordinator stopped")
}

// Diagnostics aggregates subsystem state for the operator surface.
func (c *Coordinator) Diagnostics() map[string]interface{} {
	groups, batched := c.arb.Outstanding()
	d := map[string]interface{}{
		"paused":           c.paused.Load(),
		"arbiter_groups":   groups,
		"arbiter_batched":  batched,
		"signal_queue_len": len(c.signalCh),
		"tick_queue_len":   len(c.tickCh),
	}
	for k, v := range c.mgr.Diagnostics() {
		d[k] = v
	}
	for k, v := range c.gate.Diagnostics() {
		d[k] = v
	}
	return d
}
