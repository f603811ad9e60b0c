package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/quantgully/tradefabric/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STORAGE - Trade persistence layer
// ═══════════════════════════════════════════════════════════════════════════════
//
// Active trades are upserted on every state transition and deleted on
// closure; results are append-only. On startup the open-trade table is the
// crash-recovery source of truth.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Storage struct {
	db *gorm.DB
}

// ActiveTradeRecord mirrors a live ActiveTrade row.
type ActiveTradeRecord struct {
	TradeID    string `gorm:"primaryKey"`
	ScripCode  string `gorm:"index"`
	Exchange   string
	Side       string
	StrategyID string

	SignalTime  time.Time
	SignalPrice decimal.Decimal `gorm:"type:decimal(20,4)"`
	StopLoss    decimal.Decimal `gorm:"type:decimal(20,4)"`
	Target1     decimal.Decimal `gorm:"type:decimal(20,4)"`
	Target2     decimal.Decimal `gorm:"type:decimal(20,4)"`

	Status       string `gorm:"index"`
	EntryPrice   decimal.Decimal `gorm:"type:decimal(20,4)"`
	EntryTime    time.Time
	PositionSize int64

	HighSinceEntry decimal.Decimal `gorm:"type:decimal(20,4)"`
	LowSinceEntry  decimal.Decimal `gorm:"type:decimal(20,4)"`
	TrailingStop   decimal.Decimal `gorm:"type:decimal(20,4)"`
	Target1Hit     bool

	EntryDelayed bool
	DelayPivot   decimal.Decimal `gorm:"type:decimal(20,4)"`
	DelayReason  string

	RealizedPnL     decimal.Decimal `gorm:"type:decimal(20,4)"`
	MaxHoldDeadline time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TradeResultRecord is one terminal outcome. Append-only.
type TradeResultRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	TradeID     string `gorm:"index"`
	ScripCode   string `gorm:"index"`
	Side        string
	StrategyID  string
	Status      string `gorm:"index"`
	Reason      string
	EntryPrice  decimal.Decimal `gorm:"type:decimal(20,4)"`
	ExitPrice   decimal.Decimal `gorm:"type:decimal(20,4)"`
	RealizedPnL decimal.Decimal `gorm:"type:decimal(20,4)"`
	SignalTime  time.Time
	EntryTime   time.Time
	ExitTime    time.Time
	CreatedAt   time.Time
}

// New opens the database. A postgres:// DSN selects PostgreSQL, anything
// else is treated as a SQLite file path.
func New(dsn string) (*Storage, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&ActiveTradeRecord{}, &TradeResultRecord{}); err != nil {
		return nil, err
	}
	return &Storage{db: db}, nil
}

// UpsertActiveTrade writes the trade row keyed by trade id.
func (s *Storage) UpsertActiveTrade(t *types.ActiveTrade) error {
	rec := toRecord(t)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_id"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

// DeleteActiveTrade removes the row after closure.
func (s *Storage) DeleteActiveTrade(tradeID string) error {
	return s.db.Delete(&ActiveTradeRecord{}, "trade_id = ?", tradeID).Error
}

// AppendTradeResult records a terminal outcome.
func (s *Storage) AppendTradeResult(r types.TradeResult) error {
	rec := TradeResultRecord{
		TradeID:     r.TradeID,
		ScripCode:   r.ScripCode,
		Side:        string(r.Side),
		StrategyID:  r.StrategyID,
		Status:      string(r.Status),
		Reason:      r.Reason,
		EntryPrice:  r.EntryPrice,
		ExitPrice:   r.ExitPrice,
		RealizedPnL: r.RealizedPnL,
		SignalTime:  r.SignalTime,
		EntryTime:   r.EntryTime,
		ExitTime:    r.ExitTime,
	}
	return s.db.Create(&rec).Error
}

// LoadOpenTrades returns every persisted non-terminal trade, for crash
// recovery at startup.
func (s *Storage) LoadOpenTrades() ([]types.ActiveTrade, error) {
	var recs []ActiveTradeRecord
	if err := s.db.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]types.ActiveTrade, 0, len(recs))
	for _, rec := range recs {
		t := fromRecord(rec)
		if t.Status.Terminal() {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// RecentResults returns the latest terminal outcomes, newest first.
func (s *Storage) RecentResults(limit int) ([]TradeResultRecord, error) {
	var recs []TradeResultRecord
	err := s.db.Order("created_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

// DailyPnL sums realized pnl for trades closed on the given day.
func (s *Storage) DailyPnL(day time.Time) (decimal.Decimal, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)

	var recs []TradeResultRecord
	if err := s.db.Where("exit_time >= ? AND exit_time < ?", start, end).Find(&recs).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, rec := range recs {
		total = total.Add(rec.RealizedPnL)
	}
	return total, nil
}

func toRecord(t *types.ActiveTrade) ActiveTradeRecord {
	return ActiveTradeRecord{
		TradeID:         t.TradeID,
		ScripCode:       t.ScripCode,
		Exchange:        string(t.Exchange),
		Side:            string(t.Side),
		StrategyID:      t.StrategyID,
		SignalTime:      t.SignalTime,
		SignalPrice:     t.SignalPrice,
		StopLoss:        t.StopLoss,
		Target1:         t.Target1,
		Target2:         t.Target2,
		Status:          string(t.Status),
		EntryPrice:      t.EntryPrice,
		EntryTime:       t.EntryTime,
		PositionSize:    t.PositionSize,
		HighSinceEntry:  t.HighSinceEntry,
		LowSinceEntry:   t.LowSinceEntry,
		TrailingStop:    t.TrailingStop,
		Target1Hit:      t.Target1Hit,
		EntryDelayed:    t.EntryDelayed,
		DelayPivot:      t.DelayPivot,
		DelayReason:     t.DelayReason,
		RealizedPnL:     t.RealizedPnL,
		MaxHoldDeadline: t.MaxHoldDeadline,
		CreatedAt:       t.CreatedAt,
	}
}

func fromRecord(rec ActiveTradeRecord) types.ActiveTrade {
	return types.ActiveTrade{
		TradeID:         rec.TradeID,
		ScripCode:       rec.ScripCode,
		Exchange:        types.Exchange(rec.Exchange),
		Side:            types.Side(rec.Side),
		StrategyID:      rec.StrategyID,
		SignalTime:      rec.SignalTime,
		SignalPrice:     rec.SignalPrice,
		StopLoss:        rec.StopLoss,
		Target1:         rec.Target1,
		Target2:         rec.Target2,
		Status:          types.TradeStatus(rec.Status),
		EntryPrice:      rec.EntryPrice,
		EntryTime:       rec.EntryTime,
		PositionSize:    rec.PositionSize,
		HighSinceEntry:  rec.HighSinceEntry,
		LowSinceEntry:   rec.LowSinceEntry,
		TrailingStop:    rec.TrailingStop,
		Target1Hit:      rec.Target1Hit,
		EntryDelayed:    rec.EntryDelayed,
		DelayPivot:      rec.DelayPivot,
		DelayReason:     rec.DelayReason,
		RealizedPnL:     rec.RealizedPnL,
		MaxHoldDeadline: rec.MaxHoldDeadline,
		CreatedAt:       rec.CreatedAt,
	}
}
