package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/btcpipeline/internal/exchange"
	"github.com/quantfeed/btcpipeline/internal/metrics"
	"github.com/quantfeed/btcpipeline/internal/models"
	"github.com/quantfeed/btcpipeline/internal/resilience"
)

// ExchangeAPI is the slice of the REST client the backfiller drives.
type ExchangeAPI interface {
	GetAggTrades(ctx context.Context, symbol string, startTime, endTime int64, limit int) ([]models.Trade, error)
	GetKlines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]models.Kline, error)
	GetDepth(ctx context.Context, symbol string, limit int) (*models.DepthUpdate, error)
}

// BatchSink receives each normalized page; the caller lands it in the
// lake. A sink error aborts the run before the checkpoint advances.
type BatchSink func(ctx context.Context, records []models.Record) error

// Config bounds one backfill run.
type Config struct {
	BatchWindow time.Duration
	PageSize    int
	Politeness  time.Duration
	Retry       resilience.RetryPolicy
}

// DefaultConfig uses 24h request slices, full 1000-record pages, and a
// 100ms pause between pages on top of the shared rate limiter.
func DefaultConfig() Config {
	policy := resilience.DefaultRetryPolicy()
	policy.Retriable = exchange.IsTransient
	return Config{
		BatchWindow: 24 * time.Hour,
		PageSize:    exchange.MaxPageSize,
		Politeness:  100 * time.Millisecond,
		Retry:       policy,
	}
}

// Backfiller walks a historical time range page by page, feeding each
// page to a sink and checkpointing progress after every landed batch.
type Backfiller struct {
	api         ExchangeAPI
	checkpoints Store
	cfg         Config

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// New creates a backfiller over the given exchange client and checkpoint store.
func New(api ExchangeAPI, checkpoints Store, cfg Config) *Backfiller {
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 24 * time.Hour
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = exchange.MaxPageSize
	}
	return &Backfiller{
		api:         api,
		checkpoints: checkpoints,
		cfg:         cfg,
		sleep:       sleepCtx,
		now:         time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BackfillAggTrades pulls every aggregate trade for symbol in
// [start, end) millis, resuming from the stored checkpoint when one
// exists. The cursor only moves forward, so a crash between the sink
// and the checkpoint write replays the last batch rather than losing it.
func (b *Backfiller) BackfillAggTrades(ctx context.Context, symbol string, start, end int64, sink BatchSink) (*Checkpoint, error) {
	cp, cursor, err := b.resume(ctx, symbol, models.DataTypeAggTrades, start)
	if err != nil {
		return nil, err
	}

	log.Info().Str("symbol", symbol).Int64("cursor", cursor).Int64("end", end).
		Msg("Starting aggTrades backfill")

	for cursor < end {
		batchEnd := cursor + b.cfg.BatchWindow.Milliseconds()
		if batchEnd > end {
			batchEnd = end
		}

		var page []models.Trade
		err := b.cfg.Retry.Do(ctx, "fetch aggTrades page", func(ctx context.Context) error {
			var err error
			page, err = b.api.GetAggTrades(ctx, symbol, cursor, batchEnd, b.cfg.PageSize)
			return err
		})
		if err != nil {
			return cp, err
		}

		if len(page) == 0 {
			cursor = batchEnd + 1
			continue
		}

		records := make([]models.Record, 0, len(page))
		lastID := cp.LastTradeID
		for i := range page {
			if err := page[i].Validate(); err != nil {
				log.Warn().Str("symbol", symbol).Int64("trade_id", page[i].TradeID).
					Err(err).Msg("Dropping invalid trade")
				continue
			}
			records = append(records, page[i])
			lastID = page[i].TradeID
			if next := page[i].EventTS + 1; next > cursor {
				cursor = next
			}
		}

		if err := b.land(ctx, sink, records); err != nil {
			return cp, err
		}
		metrics.RecordsIngested.WithLabelValues("rest", models.DataTypeAggTrades).
			Add(float64(len(records)))

		cp.LastTradeID = lastID
		if err := b.advance(ctx, cp, cursor, len(records)); err != nil {
			return cp, err
		}

		if err := b.sleep(ctx, b.cfg.Politeness); err != nil {
			return cp, err
		}
	}

	log.Info().Str("symbol", symbol).Int64("total_records", cp.TotalRecords).
		Msg("aggTrades backfill complete")
	return cp, nil
}

// BackfillKlines pulls candles at interval for symbol in [start, end)
// millis, cursoring on candle open time.
func (b *Backfiller) BackfillKlines(ctx context.Context, symbol, interval string, start, end int64, sink BatchSink) (*Checkpoint, error) {
	dataType := models.DataTypeKlines + "_" + interval
	cp, cursor, err := b.resume(ctx, symbol, dataType, start)
	if err != nil {
		return nil, err
	}

	log.Info().Str("symbol", symbol).Str("interval", interval).Int64("cursor", cursor).
		Int64("end", end).Msg("Starting klines backfill")

	for cursor < end {
		batchEnd := cursor + b.cfg.BatchWindow.Milliseconds()
		if batchEnd > end {
			batchEnd = end
		}

		var page []models.Kline
		err := b.cfg.Retry.Do(ctx, "fetch klines page", func(ctx context.Context) error {
			var err error
			page, err = b.api.GetKlines(ctx, symbol, interval, cursor, batchEnd, b.cfg.PageSize)
			return err
		})
		if err != nil {
			return cp, err
		}

		if len(page) == 0 {
			cursor = batchEnd + 1
			continue
		}

		records := make([]models.Record, 0, len(page))
		for i := range page {
			if err := page[i].Validate(); err != nil {
				log.Warn().Str("symbol", symbol).Int64("open_time", page[i].OpenTime).
					Err(err).Msg("Dropping invalid kline")
				continue
			}
			records = append(records, page[i])
			if next := page[i].OpenTime + 1; next > cursor {
				cursor = next
			}
		}

		if err := b.land(ctx, sink, records); err != nil {
			return cp, err
		}
		metrics.RecordsIngested.WithLabelValues("rest", models.DataTypeKlines).
			Add(float64(len(records)))

		if err := b.advance(ctx, cp, cursor, len(records)); err != nil {
			return cp, err
		}

		if err := b.sleep(ctx, b.cfg.Politeness); err != nil {
			return cp, err
		}
	}

	log.Info().Str("symbol", symbol).Str("interval", interval).
		Int64("total_records", cp.TotalRecords).Msg("klines backfill complete")
	return cp, nil
}

// CollectDepthSnapshot fetches one order-book snapshot and feeds it to
// the sink. Snapshots are point-in-time polls, not a ranged backfill,
// so there is no checkpoint involved.
func (b *Backfiller) CollectDepthSnapshot(ctx context.Context, symbol string, levels int, sink BatchSink) error {
	var depth *models.DepthUpdate
	err := b.cfg.Retry.Do(ctx, "fetch depth snapshot", func(ctx context.Context) error {
		var err error
		depth, err = b.api.GetDepth(ctx, symbol, levels)
		return err
	})
	if err != nil {
		return err
	}
	if err := depth.Validate(); err != nil {
		return fmt.Errorf("depth snapshot for %s: %w", symbol, err)
	}

	if err := b.land(ctx, sink, []models.Record{*depth}); err != nil {
		return err
	}
	metrics.RecordsIngested.WithLabelValues("rest", models.DataTypeDepthSnapshots).Inc()
	return nil
}

// resume loads or seeds the checkpoint and picks the starting cursor:
// the stored last_timestamp when it is past the requested start.
func (b *Backfiller) resume(ctx context.Context, symbol, dataType string, start int64) (*Checkpoint, int64, error) {
	cp, err := b.checkpoints.Load(ctx, symbol, dataType)
	if err != nil {
		return nil, 0, err
	}
	cursor := start
	if cp == nil {
		cp = &Checkpoint{Symbol: symbol, DataType: dataType}
	} else if cp.LastTimestamp > cursor {
		cursor = cp.LastTimestamp
		log.Info().Str("symbol", symbol).Str("data_type", dataType).
			Int64("resume_from", cursor).Msg("Resuming from checkpoint")
	}
	return cp, cursor, nil
}

func (b *Backfiller) land(ctx context.Context, sink BatchSink, records []models.Record) error {
	if sink == nil || len(records) == 0 {
		return nil
	}
	return sink(ctx, records)
}

// advance moves the checkpoint forward and persists it. last_timestamp
// is monotone even if a caller hands back an older cursor.
func (b *Backfiller) advance(ctx context.Context, cp *Checkpoint, cursor int64, landed int) error {
	if cursor > cp.LastTimestamp {
		cp.LastTimestamp = cursor
	}
	cp.TotalRecords += int64(landed)
	cp.LastCollectionTime = b.now().UTC().Format(time.RFC3339)
	if err := b.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", cp.Symbol, cp.DataType, err)
	}
	return nil
}
