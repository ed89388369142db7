package storage

import (
	"fmt"
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

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BAR STORE - Historical OHLCV persistence (SQLite or PostgreSQL)
// ═══════════════════════════════════════════════════════════════════════════════
//
// Dedup key is (symbol, timeframe, timestamp). Writes are idempotent: a bar
// already present at its key is counted as deduped, not an error.
//
// ═══════════════════════════════════════════════════════════════════════════════

// BarRow is the persisted bar model.
type BarRow struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	Symbol    string          `gorm:"uniqueIndex:idx_bar_key;index"`
	Timeframe string          `gorm:"uniqueIndex:idx_bar_key"`
	Timestamp time.Time       `gorm:"uniqueIndex:idx_bar_key"`
	Open      decimal.Decimal `gorm:"type:decimal(20,8)"`
	High      decimal.Decimal `gorm:"type:decimal(20,8)"`
	Low       decimal.Decimal `gorm:"type:decimal(20,8)"`
	Close     decimal.Decimal `gorm:"type:decimal(20,8)"`
	Volume    decimal.Decimal `gorm:"type:decimal(20,8)"`
	RunID     string          `gorm:"index"`
	CreatedAt time.Time
}

// SymbolSummary describes one (symbol, timeframe) slice of the store.
type SymbolSummary struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	BarCount  int64     `json:"bar_count"`
	FirstBar  time.Time `json:"first_bar"`
	LastBar   time.Time `json:"last_bar"`
}

// BarQuery narrows a ReadBars call. Zero fields are unconstrained.
type BarQuery struct {
	Start time.Time
	End   time.Time // exclusive
	Limit int
}

// BarStore wraps the gorm connection.
type BarStore struct {
	db *gorm.DB
}

// OpenBarStore connects to PostgreSQL when dsn looks like a connection string,
// otherwise treats dsn as a SQLite file path.
func OpenBarStore(dsn string) (*BarStore, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Bar store connected (PostgreSQL)")
	} else {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Bar store initialized (SQLite)")
	}

	if err := db.AutoMigrate(&BarRow{}); err != nil {
		return nil, err
	}
	return &BarStore{db: db}, nil
}

func rowFromBar(bar types.Bar, runID string) BarRow {
	return BarRow{
		Symbol:    bar.Symbol,
		Timeframe: string(bar.Timeframe),
		Timestamp: bar.Timestamp.UTC(),
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    bar.Volume,
		RunID:     runID,
	}
}

func barFromRow(row BarRow) types.Bar {
	return types.Bar{
		Symbol:    row.Symbol,
		Timeframe: types.Timeframe(row.Timeframe),
		Timestamp: row.Timestamp.UTC(),
		Open:      row.Open,
		High:      row.High,
		Low:       row.Low,
		Close:     row.Close,
		Volume:    row.Volume,
	}
}

// WriteBars persists bars, skipping any whose (symbol, timeframe, timestamp)
// key already exists. Invalid bars are rejected before any row is written.
func (s *BarStore) WriteBars(bars []types.Bar, runID string) (written, deduped int, err error) {
	for _, bar := range bars {
		if err := bar.Validate(); err != nil {
			return 0, 0, fmt.Errorf("invalid bar %s %s @ %s: %w", bar.Symbol, bar.Timeframe, bar.Timestamp, err)
		}
	}

	for _, bar := range bars {
		row := rowFromBar(bar, runID)
		res := s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "timeframe"}, {Name: "timestamp"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return written, deduped, res.Error
		}
		if res.RowsAffected > 0 {
			written++
		} else {
			deduped++
		}
	}

	log.Debug().Int("written", written).Int("deduped", deduped).Str("run_id", runID).Msg("Bars persisted")
	return written, deduped, nil
}

// ReadBars returns bars for (symbol, timeframe) ordered by timestamp ascending.
func (s *BarStore) ReadBars(symbol string, tf types.Timeframe, q BarQuery) ([]types.Bar, error) {
	query := s.db.Where("symbol = ? AND timeframe = ?", symbol, string(tf)).Order("timestamp ASC")
	if !q.Start.IsZero() {
		query = query.Where("timestamp >= ?", q.Start.UTC())
	}
	if !q.End.IsZero() {
		query = query.Where("timestamp < ?", q.End.UTC())
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var rows []BarRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	bars := make([]types.Bar, len(rows))
	for i, row := range rows {
		bars[i] = barFromRow(row)
	}
	return bars, nil
}

// Summary lists every (symbol, timeframe) slice with counts and time bounds.
func (s *BarStore) Summary() ([]SymbolSummary, error) {
	var out []SymbolSummary
	err := s.db.Model(&BarRow{}).
		Select("symbol, timeframe, count(*) as bar_count, min(timestamp) as first_bar, max(timestamp) as last_bar").
		Group("symbol, timeframe").
		Order("symbol, timeframe").
		Scan(&out).Error
	return out, err
}
