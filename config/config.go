package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the fabric.
type Config struct {
	// Risk envelope
	MaxDrawdownPct         float64
	MaxDailyLossPct        float64
	MaxPositions           int
	MaxCorrelation         float64
	MaxSectorConcentration float64
	MaxLeverage            float64

	// Signal validation
	MinRR      float64
	MinMovePct float64
	MaxStopPct float64

	// Position management
	TrailPct            float64
	TradeNotional       decimal.Decimal
	RiskBudget          decimal.Decimal // per-trade rupee risk; zero means notional sizing
	Target2RiskMultiple float64         // zero keeps the flat target2 percentage
	EntryTimeout        time.Duration
	MaxHold             time.Duration
	SingleTradeMode     bool
	EntryStyle          string // "threshold" or "retest"
	PrevCloseExit       bool

	// Arbitration windows
	Layer1Buffer time.Duration
	Layer2Batch  time.Duration

	// Order verification
	VerificationTimeout time.Duration
	RetryDelay          time.Duration
	MaxRetryAttempts    int

	// Account
	StartValue decimal.Decimal

	// Ingress queues
	SignalQueueSize int
	TickQueueSize   int

	// Broker
	BrokerBaseURL string
	BrokerAPIKey  string
	DryRun        bool

	// Buses
	SignalWSURL string
	PriceWSURL  string
	Scrips      []string // price-feed subscription list

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Persistence
	DatabasePath string

	// Observability
	MetricsAddr string
	Debug       bool
}

// Entry styles for immediate (non-delayed) entries.
const (
	EntryStyleThreshold = "threshold"
	EntryStyleRetest    = "retest"
)

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		MaxDrawdownPct:         getEnvFloat("MAX_DRAWDOWN_PCT", 0.15),
		MaxDailyLossPct:        getEnvFloat("MAX_DAILY_LOSS_PCT", 0.03),
		MaxPositions:           getEnvInt("MAX_POSITIONS", 5),
		MaxCorrelation:         getEnvFloat("MAX_CORRELATION", 0.70),
		MaxSectorConcentration: getEnvFloat("MAX_SECTOR_CONCENTRATION", 0.40),
		MaxLeverage:            getEnvFloat("MAX_LEVERAGE", 2.0),

		MinRR:      getEnvFloat("MIN_RR", 1.5),
		MinMovePct: getEnvFloat("MIN_MOVE_PCT", 0.02),
		MaxStopPct: getEnvFloat("MAX_STOP_PCT", 0.02),

		TrailPct:            getEnvFloat("TRAIL_PCT", 0.01),
		TradeNotional:       getEnvDecimal("TRADE_NOTIONAL", decimal.NewFromInt(100000)),
		RiskBudget:          getEnvDecimal("RISK_BUDGET", decimal.Zero),
		Target2RiskMultiple: getEnvFloat("TARGET2_RISK_MULTIPLE", 0),
		EntryTimeout:        time.Duration(getEnvInt("ENTRY_TIMEOUT_MIN", 30)) * time.Minute,
		MaxHold:             time.Duration(getEnvInt("MAX_HOLD_HOURS", 6)) * time.Hour,
		SingleTradeMode:     getEnvBool("SINGLE_TRADE_MODE", false),
		EntryStyle:          getEnv("ENTRY_STYLE", EntryStyleThreshold),
		PrevCloseExit:       getEnvBool("PREV_CLOSE_EXIT", false),

		Layer1Buffer: time.Duration(getEnvInt("LAYER1_BUFFER_SEC", 35)) * time.Second,
		Layer2Batch:  time.Duration(getEnvInt("LAYER2_BATCH_SEC", 60)) * time.Second,

		VerificationTimeout: time.Duration(getEnvInt("VERIFICATION_TIMEOUT_MS", 30000)) * time.Millisecond,
		RetryDelay:          time.Duration(getEnvInt("RETRY_DELAY_MS", 2000)) * time.Millisecond,
		MaxRetryAttempts:    getEnvInt("MAX_RETRY_ATTEMPTS", 3),

		StartValue: getEnvDecimal("START_VALUE", decimal.NewFromInt(1000000)),

		SignalQueueSize: getEnvInt("SIGNAL_QUEUE_SIZE", 256),
		TickQueueSize:   getEnvInt("TICK_QUEUE_SIZE", 4096),

		BrokerBaseURL: getEnv("BROKER_BASE_URL", ""),
		BrokerAPIKey:  os.Getenv("BROKER_API_KEY"),
		DryRun:        getEnvBool("DRY_RUN", true),

		SignalWSURL: getEnv("SIGNAL_WS_URL", ""),
		PriceWSURL:  getEnv("PRICE_WS_URL", ""),
		Scrips:      splitList(os.Getenv("SCRIPS")),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabasePath: getEnv("DATABASE_PATH", "data/tradefabric.db"),

		MetricsAddr: getEnv("METRICS_ADDR", ":9109"),
		Debug:       getEnvBool("DEBUG", false),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Single-trade mode caps the position count at one.
	if cfg.SingleTradeMode {
		cfg.MaxPositions = 1
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects limits outside their admissible ranges.
func (c *Config) Validate() error {
	checks := []struct {
		name     string
		val      float64
		min, max float64
	}{
		{"MAX_DRAWDOWN_PCT", c.MaxDrawdownPct, 0.01, 0.50},
		{"MAX_DAILY_LOSS_PCT", c.MaxDailyLossPct, 0.005, 0.20},
		{"MAX_CORRELATION", c.MaxCorrelation, 0.10, 1.0},
		{"MAX_SECTOR_CONCENTRATION", c.MaxSectorConcentration, 0.05, 1.0},
		{"MAX_LEVERAGE", c.MaxLeverage, 0.5, 10.0},
		{"MIN_RR", c.MinRR, 0.5, 10.0},
		{"MIN_MOVE_PCT", c.MinMovePct, 0.001, 0.20},
		{"MAX_STOP_PCT", c.MaxStopPct, 0.001, 0.20},
		{"TRAIL_PCT", c.TrailPct, 0.001, 0.10},
	}
	for _, ck := range checks {
		if ck.val < ck.min || ck.val > ck.max {
			return fmt.Errorf("%s=%v outside admissible range [%v, %v]", ck.name, ck.val, ck.min, ck.max)
		}
	}

	if c.MaxPositions < 1 || c.MaxPositions > 100 {
		return fmt.Errorf("MAX_POSITIONS=%d outside admissible range [1, 100]", c.MaxPositions)
	}
	if c.MaxRetryAttempts < 0 || c.MaxRetryAttempts > 10 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS=%d outside admissible range [0, 10]", c.MaxRetryAttempts)
	}
	if c.Target2RiskMultiple < 0 || c.Target2RiskMultiple > 10 {
		return fmt.Errorf("TARGET2_RISK_MULTIPLE=%v outside admissible range [0, 10]", c.Target2RiskMultiple)
	}
	if c.TradeNotional.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("TRADE_NOTIONAL must be positive, got %s", c.TradeNotional)
	}
	if c.StartValue.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("START_VALUE must be positive, got %s", c.StartValue)
	}
	if c.EntryStyle != EntryStyleThreshold && c.EntryStyle != EntryStyleRetest {
		return fmt.Errorf("ENTRY_STYLE must be %q or %q, got %q", EntryStyleThreshold, EntryStyleRetest, c.EntryStyle)
	}
	if c.Layer1Buffer <= 0 || c.Layer2Batch <= 0 {
		return fmt.Errorf("arbitration windows must be positive")
	}
	if c.VerificationTimeout <= 0 || c.RetryDelay <= 0 {
		return fmt.Errorf("verification timeouts must be positive")
	}
	return nil
}

// Helper functions

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
