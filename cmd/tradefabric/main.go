package main

import (
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantgully/tradefabric/bot"
	"github.com/quantgully/tradefabric/broker"
	"github.com/quantgully/tradefabric/clock"
	"github.com/quantgully/tradefabric/config"
	"github.com/quantgully/tradefabric/core"
	"github.com/quantgully/tradefabric/events"
	"github.com/quantgully/tradefabric/feeds"
	"github.com/quantgully/tradefabric/position"
	"github.com/quantgully/tradefabric/risk"
	"github.com/quantgully/tradefabric/storage"
	"github.com/quantgully/tradefabric/types"
	"github.com/quantgully/tradefabric/verify"
)

// chatRelay lets the emitter notify before the Telegram bot exists. The bot
// needs the coordinator, which needs the emitter, so the chat is bound late.
type chatRelay struct {
	mu       sync.RWMutex
	delegate events.Chat
}

func (r *chatRelay) set(c events.Chat) {
	r.mu.Lock()
	r.delegate = c
	r.mu.Unlock()
}

func (r *chatRelay) Send(channel, text string) error {
	r.mu.RLock()
	c := r.delegate
	r.mu.RUnlock()
	if c == nil {
		return nil
	}
	return c.Send(channel, text)
}

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration invalid")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("                TRADEFABRIC - EXECUTION FABRIC")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Clock & timers
	timers := clock.NewTimers(8)
	log.Info().Msg("✅ Timer service initialized")

	// 2. Storage
	var store position.Store
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Warn().Err(err).Msg("Database connection failed, continuing without persistence")
	} else {
		store = db
		log.Info().Msg("✅ Storage layer initialized")
	}

	// 3. Broker
	var brk broker.Port
	var paper *broker.Paper
	if cfg.DryRun || cfg.BrokerBaseURL == "" {
		paper = broker.NewPaper(timers.Now, 3*time.Second, decimal.NewFromFloat(0.0005))
		brk = paper
	} else {
		brk = broker.NewClient(cfg.BrokerBaseURL, cfg.BrokerAPIKey, os.Getenv("BROKER_CLIENT_CODE"), 10*time.Second)
	}
	log.Info().Bool("dry_run", paper != nil).Msg("✅ Broker layer initialized")

	// 4. Order verifier
	vcfg := verify.DefaultConfig()
	vcfg.PendingBackoff = cfg.RetryDelay
	vcfg.RetryBase = cfg.RetryDelay
	vcfg.MaxRetries = cfg.MaxRetryAttempts
	vcfg.HardTimeout = cfg.VerificationTimeout
	verifier := verify.New(vcfg, brk, timers)
	log.Info().Msg("✅ Order verification initialized")

	// 5. Risk gate
	gate, err := risk.NewGate(risk.GateConfig{
		MaxDrawdownPct:         cfg.MaxDrawdownPct,
		MaxDailyLossPct:        cfg.MaxDailyLossPct,
		MaxPositions:           cfg.MaxPositions,
		MaxCorrelation:         cfg.MaxCorrelation,
		MaxSectorConcentration: cfg.MaxSectorConcentration,
		MaxLeverage:            cfg.MaxLeverage,
	}, cfg.StartValue, core.DefaultSectors(), timers.Now)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize risk gate")
	}
	timers.SchedulePeriodic(24*time.Hour, 24*time.Hour, func() { gate.TrimDaily(90) })
	log.Info().Msg("✅ Risk gate initialized")

	// 6. Event emitter
	relay := &chatRelay{}
	emitter := events.New(events.LogBus{}, relay, "operator", gate)

	// 7. Position manager
	pivots := core.NewPivotBook()
	manager := position.NewManager(position.Config{
		TradeNotional:       cfg.TradeNotional,
		RiskBudget:          cfg.RiskBudget,
		Target2RiskMultiple: cfg.Target2RiskMultiple,
		TrailPct:            cfg.TrailPct,
		MinRR:               cfg.MinRR,
		MinMovePct:          cfg.MinMovePct,
		MaxStopPct:          cfg.MaxStopPct,
		EntryTimeout:        cfg.EntryTimeout,
		MaxHold:             cfg.MaxHold,
		SingleTradeMode:     cfg.SingleTradeMode,
		EntryStyle:          cfg.EntryStyle,
		PrevCloseExit:       cfg.PrevCloseExit,
	}, timers, verifier, emitter, store, pivots, gate)
	log.Info().Msg("✅ Position manager initialized")

	// 8. Coordinator
	coord := core.New(core.Config{
		SignalQueue:  cfg.SignalQueueSize,
		TickQueue:    cfg.TickQueueSize,
		EnforceHours: !cfg.DryRun,
	}, timers, cfg.Layer1Buffer, cfg.Layer2Batch, manager, gate, emitter)
	if paper != nil {
		coord.ObserveTicks(func(tick types.PriceTick) {
			paper.SetPrice(tick.ScripCode, tick.Price)
		})
	}
	log.Info().Msg("✅ Coordinator initialized")

	// 9. Crash recovery
	if db != nil {
		open, err := db.LoadOpenTrades()
		if err != nil {
			log.Error().Err(err).Msg("Crash recovery load failed")
		}
		for _, t := range open {
			if err := manager.Load(t); err != nil {
				log.Error().Err(err).Str("trade_id", t.TradeID).Msg("Trade recovery failed")
			}
		}
		if len(open) > 0 {
			log.Warn().Int("recovered", len(open)).Msg("📥 Recovered open trades from persistence")
		}
	}

	// 10. Telegram control surface
	var tg *bot.TelegramBot
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err = bot.New(cfg.TelegramToken, cfg.TelegramChatID, coord, manager, gate)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram bot unavailable, continuing without chat control")
		} else {
			relay.set(tg)
			tg.Start()
			log.Info().Msg("✅ Telegram control surface initialized")
		}
	}

	// 11. Metrics endpoint
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	log.Info().Str("addr", cfg.MetricsAddr).Msg("✅ Metrics endpoint up")

	// ═══════════════════════════════════════════════════════════════════════════════
	// START PIPELINE
	// ═══════════════════════════════════════════════════════════════════════════════

	coord.Start()

	var signalFeed *feeds.SignalFeed
	var priceFeed *feeds.PriceFeed
	if cfg.SignalWSURL != "" {
		signalFeed = feeds.NewSignalFeed(cfg.SignalWSURL, coord)
		signalFeed.Start()
	} else {
		log.Warn().Msg("SIGNAL_WS_URL not set, no upstream signals")
	}
	if cfg.PriceWSURL != "" {
		priceFeed = feeds.NewPriceFeed(cfg.PriceWSURL, cfg.Scrips, coord)
		priceFeed.Start()
	} else {
		log.Warn().Msg("PRICE_WS_URL not set, no market data")
	}

	emitter.Notify("🚀 TradeFabric started")
	log.Info().Msg("🚀 Pipeline running, press Ctrl+C to stop")

	// ═══════════════════════════════════════════════════════════════════════════════
	// SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")
	if signalFeed != nil {
		signalFeed.Stop()
	}
	if priceFeed != nil {
		priceFeed.Stop()
	}
	coord.Stop()
	verifier.Stop(5 * time.Second)
	if tg != nil {
		tg.Stop()
	}
	timers.Stop()
	log.Info().Msg("👋 Shutdown complete")
}
