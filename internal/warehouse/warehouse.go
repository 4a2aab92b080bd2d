// Package warehouse persists transformed records into the partitioned
// Postgres market_data table, absorbing replays through the table's
// unique index rather than failing on them.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantfeed/btcpipeline/internal/metrics"
)

// Row is one market_data row. Optional columns are pointers so absent
// fields land as NULL.
type Row struct {
	Symbol          string
	Timestamp       int64
	Price           decimal.Decimal
	Volume          decimal.Decimal
	TradeID         *int64
	IsBuyerMaker    *bool
	Source          string
	DataType        string
	IngestTimestamp *int64

	OpenPrice   *decimal.Decimal
	HighPrice   *decimal.Decimal
	LowPrice    *decimal.Decimal
	ClosePrice  *decimal.Decimal
	QuoteVolume *decimal.Decimal
	VWAP        *decimal.Decimal
	TradeCount  *int64
	Interval    *string

	BestBidPrice *decimal.Decimal
	BestBidSize  *decimal.Decimal
	BestAskPrice *decimal.Decimal
	BestAskSize  *decimal.Decimal
	Spread       *decimal.Decimal
	MidPrice     *decimal.Decimal
	LastUpdateID *int64

	PriceChange    *decimal.Decimal
	PriceChangePct *decimal.Decimal
	HourOfDay      *int
	DayOfWeek      *int
}

// Stats counts warehouse writer activity.
type Stats struct {
	RecordsWritten int64
	DuplicateSkips int64
	WriteErrors    int64
	Batches        int64
}

// Store is the warehouse writer.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration

	mu    sync.Mutex
	stats Stats
}

// New opens a connection pool against dsn.
func New(dsn string, timeout time.Duration) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewWithDB(db, timeout), nil
}

// NewWithDB wraps an existing pool, used with sqlmock in tests.
func NewWithDB(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS market_data (
    id BIGSERIAL,
    symbol VARCHAR(20) NOT NULL,
    timestamp BIGINT NOT NULL,
    price DECIMAL(20,8) NOT NULL,
    volume DECIMAL(20,8) NOT NULL,
    trade_id BIGINT,
    is_buyer_maker BOOLEAN,
    source VARCHAR(10) NOT NULL,
    data_type VARCHAR(20) NOT NULL,
    ingest_timestamp BIGINT,
    created_at TIMESTAMP DEFAULT NOW(),

    open_price DECIMAL(20,8),
    high_price DECIMAL(20,8),
    low_price DECIMAL(20,8),
    close_price DECIMAL(20,8),
    quote_volume DECIMAL(20,8),
    vwap DECIMAL(20,8),
    trade_count INTEGER,
    interval VARCHAR(10),

    best_bid_price DECIMAL(20,8),
    best_bid_size DECIMAL(20,8),
    best_ask_price DECIMAL(20,8),
    best_ask_size DECIMAL(20,8),
    spread DECIMAL(20,8),
    mid_price DECIMAL(20,8),
    last_update_id BIGINT,

    price_change DECIMAL(20,8),
    price_change_pct DECIMAL(10,4),
    hour_of_day INTEGER,
    day_of_week INTEGER
) PARTITION BY RANGE (timestamp)`

var indexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_market_data_symbol_timestamp ON market_data(symbol, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_market_data_timestamp ON market_data(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_market_data_symbol_data_type ON market_data(symbol, data_type)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_market_data_unique
ON market_data(symbol, timestamp, data_type, COALESCE(trade_id, 0))`,
}

// EnsureSchema creates the table, its indexes, and the monthly
// partitions for the current month plus the next three.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create market_data: %w", err)
	}
	for _, stmt := range indexSQL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	if err := s.EnsurePartitions(ctx, time.Now().UTC(), 4); err != nil {
		return err
	}

	log.Info().Msg("Warehouse schema ensured")
	return nil
}

// EnsurePartitions creates monthly range partitions covering months
// consecutive months starting at the month containing from.
func (s *Store) EnsurePartitions(ctx context.Context, from time.Time, months int) error {
	for i := 0; i < months; i++ {
		start := time.Date(from.Year(), from.Month()+time.Month(i), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0)

		name := fmt.Sprintf("market_data_%04d_%02d", start.Year(), int(start.Month()))
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF market_data FOR VALUES FROM (%d) TO (%d)`,
			name, start.UnixMilli(), end.UnixMilli())

		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create partition %s: %w", name, err)
		}
	}
	return nil
}

const insertSQL = `
INSERT INTO market_data (
    symbol, timestamp, price, volume, trade_id, is_buyer_maker, source,
    data_type, ingest_timestamp, open_price, high_price, low_price,
    close_price, quote_volume, vwap, trade_count, interval,
    best_bid_price, best_bid_size, best_ask_price, best_ask_size,
    spread, mid_price, last_update_id, price_change, price_change_pct,
    hour_of_day, day_of_week
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
    $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)`

// WriteBatch inserts rows one at a time so a unique violation on one
// row does not poison the rest. Violations count as duplicate skips,
// not errors; replays from the at-least-once upstream are expected.
func (s *Store) WriteBatch(ctx context.Context, rows []Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	written := 0
	for i := range rows {
		err := s.insert(ctx, &rows[i])
		switch {
		case err == nil:
			written++
		case isUniqueViolation(err):
			s.addDuplicate()
			metrics.DuplicateSkips.WithLabelValues("warehouse").Inc()
			log.Debug().Str("symbol", rows[i].Symbol).Int64("timestamp", rows[i].Timestamp).
				Msg("Duplicate row skipped")
		default:
			s.addError()
			log.Warn().Str("symbol", rows[i].Symbol).Err(err).Msg("Row insert failed")
		}
	}

	s.addWritten(written)
	metrics.ETLRowsWritten.WithLabelValues(rows[0].DataType).Add(float64(written))
	return written, nil
}

func (s *Store) insert(ctx context.Context, row *Row) error {
	_, err := s.db.ExecContext(ctx, insertSQL,
		row.Symbol, row.Timestamp, row.Price, row.Volume, row.TradeID,
		row.IsBuyerMaker, row.Source, row.DataType, row.IngestTimestamp,
		row.OpenPrice, row.HighPrice, row.LowPrice, row.ClosePrice,
		row.QuoteVolume, row.VWAP, row.TradeCount, row.Interval,
		row.BestBidPrice, row.BestBidSize, row.BestAskPrice, row.BestAskSize,
		row.Spread, row.MidPrice, row.LastUpdateID,
		row.PriceChange, row.PriceChangePct, row.HourOfDay, row.DayOfWeek)
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Ping verifies connectivity; used as a fatal startup check.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the writer counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) addWritten(n int) {
	s.mu.Lock()
	s.stats.RecordsWritten += int64(n)
	s.stats.Batches++
	s.mu.Unlock()
}

func (s *Store) addDuplicate() {
	s.mu.Lock()
	s.stats.DuplicateSkips++
	s.mu.Unlock()
}

func (s *Store) addError() {
	s.mu.Lock()
	s.stats.WriteErrors++
	s.mu.Unlock()
}
