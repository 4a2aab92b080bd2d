// Package etl batch-loads bronze partition objects into the warehouse.
// Each cycle discovers objects modified since the watermark, transforms
// their JSONL records into warehouse rows, enriches them with derived
// columns, and writes them batch by batch.
package etl

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantfeed/btcpipeline/internal/health"
	"github.com/quantfeed/btcpipeline/internal/lake"
	"github.com/quantfeed/btcpipeline/internal/metrics"
	"github.com/quantfeed/btcpipeline/internal/models"
	"github.com/quantfeed/btcpipeline/internal/warehouse"
)

// RowWriter is the warehouse surface the pipeline writes through.
type RowWriter interface {
	WriteBatch(ctx context.Context, rows []warehouse.Row) (int, error)
}

// Config bounds one ETL pipeline.
type Config struct {
	Prefix        string
	CycleInterval time.Duration
	BatchSize     int
}

// DefaultConfig runs 60s cycles over the bronze prefix in 1000-row batches.
func DefaultConfig(prefix string) Config {
	return Config{
		Prefix:        prefix,
		CycleInterval: 60 * time.Second,
		BatchSize:     1000,
	}
}

// Stats counts pipeline activity across cycles.
type Stats struct {
	Cycles         int64
	ObjectsRead    int64
	ObjectFailures int64
	RowsExtracted  int64
	RowsWritten    int64
	MalformedLines int64
}

// Pipeline is the bronze-to-warehouse batch loader.
type Pipeline struct {
	store  lake.ObjectStore
	writer RowWriter
	cfg    Config

	mu        sync.Mutex
	watermark time.Time
	processed map[string]struct{}
	lastPrice map[string]decimal.Decimal
	stats     Stats
	lastError string

	now func() time.Time
}

// New creates a pipeline reading from store and writing through writer.
func New(store lake.ObjectStore, writer RowWriter, cfg Config) *Pipeline {
	if cfg.Prefix == "" {
		cfg.Prefix = "bronze"
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Pipeline{
		store:     store,
		writer:    writer,
		cfg:       cfg,
		processed: make(map[string]struct{}),
		lastPrice: make(map[string]decimal.Decimal),
		now:       time.Now,
	}
}

// Run executes cycles until the context is cancelled. Cycle errors are
// logged and retried on the next tick, never fatal.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.CycleInterval)
	defer ticker.Stop()

	if err := p.RunCycle(ctx); err != nil {
		log.Error().Err(err).Msg("ETL cycle failed")
	}
	for {
		select {
		case <-ticker.C:
			if err := p.RunCycle(ctx); err != nil {
				log.Error().Err(err).Msg("ETL cycle failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// RunCycle discovers and loads every new partition object. Objects are
// processed oldest first; the watermark advances only past objects that
// loaded cleanly, so a failed object is retried next cycle.
func (p *Pipeline) RunCycle(ctx context.Context) error {
	cycleID := uuid.NewString()[:8]
	started := p.now()

	objects, err := p.discover(ctx)
	if err != nil {
		p.noteCycle(err)
		metrics.ETLCycles.WithLabelValues("error").Inc()
		return fmt.Errorf("discover objects: %w", err)
	}
	if len(objects) == 0 {
		p.noteCycle(nil)
		metrics.ETLCycles.WithLabelValues("empty").Inc()
		return nil
	}

	log.Info().Str("cycle", cycleID).Int("objects", len(objects)).Msg("ETL cycle started")

	var failed bool
	var firstErr error
	newWatermark := p.currentWatermark()

	for _, obj := range objects {
		if err := p.loadObject(ctx, obj.Key); err != nil {
			p.addObjectFailure()
			if firstErr == nil {
				firstErr = fmt.Errorf("load %s: %w", obj.Key, err)
			}
			failed = true
			log.Warn().Str("cycle", cycleID).Str("key", obj.Key).Err(err).
				Msg("Object load failed, will retry next cycle")
			continue
		}
		p.markProcessed(obj.Key)
		if !failed && obj.LastModified.After(newWatermark) {
			newWatermark = obj.LastModified
		}
	}
	p.setWatermark(newWatermark)
	p.noteCycle(firstErr)

	outcome := "ok"
	if firstErr != nil {
		outcome = "error"
	}
	metrics.ETLCycles.WithLabelValues(outcome).Inc()
	log.Info().Str("cycle", cycleID).Dur("elapsed", p.now().Sub(started)).
		Str("outcome", outcome).Msg("ETL cycle finished")
	return firstErr
}

// discover lists partition objects newer than the watermark, oldest
// first, skipping already-processed keys and non-JSONL objects.
func (p *Pipeline) discover(ctx context.Context) ([]lake.Object, error) {
	listed, err := p.store.List(ctx, p.cfg.Prefix+"/")
	if err != nil {
		return nil, err
	}

	watermark := p.currentWatermark()
	var fresh []lake.Object
	for _, obj := range listed {
		if !strings.HasSuffix(obj.Key, ".jsonl") && !strings.HasSuffix(obj.Key, ".jsonl.gz") {
			continue
		}
		if !obj.LastModified.After(watermark) {
			continue
		}
		if p.isProcessed(obj.Key) {
			continue
		}
		fresh = append(fresh, obj)
	}
	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].LastModified.Before(fresh[j].LastModified)
	})
	return fresh, nil
}

func (p *Pipeline) loadObject(ctx context.Context, key string) error {
	symbol, dataType, err := parseKey(p.cfg.Prefix, key)
	if err != nil {
		return err
	}

	body, err := p.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object: %w", err)
	}
	if strings.HasSuffix(key, ".gz") {
		if body, err = gunzip(body); err != nil {
			return fmt.Errorf("decompress object: %w", err)
		}
	}

	rows, malformed := p.transform(dataType, body)
	p.addExtracted(len(rows), malformed)
	if malformed > 0 {
		log.Warn().Str("key", key).Int("lines", malformed).Msg("Malformed lines dropped")
	}
	if len(rows) == 0 {
		return nil
	}

	p.deriveColumns(rows)

	for start := 0; start < len(rows); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		written, err := p.writer.WriteBatch(ctx, rows[start:end])
		if err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		p.addWritten(written)
	}

	log.Debug().Str("key", key).Str("symbol", symbol).Str("data_type", dataType).
		Int("rows", len(rows)).Msg("Object loaded")
	return nil
}

// parseKey extracts symbol and data type from the partition key grammar
// <prefix>/<SYMBOL>/<data_type>/yyyy=.../file.jsonl[.gz].
func parseKey(prefix, key string) (string, string, error) {
	rel := strings.TrimPrefix(key, prefix+"/")
	parts := strings.Split(rel, "/")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("unrecognized partition key %q", key)
	}
	return parts[0], parts[1], nil
}

// transform parses JSONL lines into warehouse rows. Lines that fail to
// parse or validate are dropped and counted, never fatal.
func (p *Pipeline) transform(dataType string, body []byte) ([]warehouse.Row, int) {
	var rows []warehouse.Row
	malformed := 0

	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		row, err := transformLine(dataType, line)
		if err != nil {
			malformed++
			continue
		}
		rows = append(rows, row)
	}
	return rows, malformed
}

func transformLine(dataType string, line []byte) (warehouse.Row, error) {
	switch dataType {
	case models.DataTypeAggTrades, models.DataTypeTrades:
		var t models.Trade
		if err := json.Unmarshal(line, &t); err != nil {
			return warehouse.Row{}, err
		}
		if err := t.Validate(); err != nil {
			return warehouse.Row{}, err
		}
		return tradeRow(t), nil
	case models.DataTypeKlines:
		var k models.Kline
		if err := json.Unmarshal(line, &k); err != nil {
			return warehouse.Row{}, err
		}
		if err := k.Validate(); err != nil {
			return warehouse.Row{}, err
		}
		return klineRow(k), nil
	case models.DataTypeDepthSnapshots:
		var d models.DepthUpdate
		if err := json.Unmarshal(line, &d); err != nil {
			return warehouse.Row{}, err
		}
		if err := d.Validate(); err != nil {
			return warehouse.Row{}, err
		}
		return depthRow(d)
	default:
		return warehouse.Row{}, fmt.Errorf("unknown data type %q", dataType)
	}
}

func tradeRow(t models.Trade) warehouse.Row {
	tradeID := t.TradeID
	maker := t.IsBuyerMaker
	ingest := t.IngestTS
	return warehouse.Row{
		Symbol:          t.Symbol,
		Timestamp:       t.EventTS,
		Price:           t.Price,
		Volume:          t.Qty,
		TradeID:         &tradeID,
		IsBuyerMaker:    &maker,
		Source:          t.Source,
		DataType:        models.DataTypeTrades,
		IngestTimestamp: &ingest,
	}
}

func klineRow(k models.Kline) warehouse.Row {
	open, high, low, closePx := k.Open, k.High, k.Low, k.Close
	quoteVolume, vwap := k.QuoteVolume, k.VWAP()
	tradeCount := k.TradeCount
	interval := k.Interval
	ingest := k.IngestTS
	return warehouse.Row{
		Symbol:          k.Symbol,
		Timestamp:       k.OpenTime,
		Price:           k.Close,
		Volume:          k.Volume,
		Source:          k.Source,
		DataType:        models.DataTypeKlines,
		IngestTimestamp: &ingest,
		OpenPrice:       &open,
		HighPrice:       &high,
		LowPrice:        &low,
		ClosePrice:      &closePx,
		QuoteVolume:     &quoteVolume,
		VWAP:            &vwap,
		TradeCount:      &tradeCount,
		Interval:        &interval,
	}
}

func depthRow(d models.DepthUpdate) (warehouse.Row, error) {
	if len(d.Bids) == 0 || len(d.Asks) == 0 {
		return warehouse.Row{}, fmt.Errorf("depth %s: one-sided book", d.Symbol)
	}
	bidPx, err := d.Bids[0].Price()
	if err != nil {
		return warehouse.Row{}, err
	}
	bidSz, err := d.Bids[0].Qty()
	if err != nil {
		return warehouse.Row{}, err
	}
	askPx, err := d.Asks[0].Price()
	if err != nil {
		return warehouse.Row{}, err
	}
	askSz, err := d.Asks[0].Qty()
	if err != nil {
		return warehouse.Row{}, err
	}

	spread := askPx.Sub(bidPx)
	mid := bidPx.Add(askPx).Div(decimal.NewFromInt(2))
	ingest := d.IngestTS

	row := warehouse.Row{
		Symbol:          d.Symbol,
		Timestamp:       d.EventTS,
		Price:           mid,
		Volume:          decimal.Zero,
		Source:          d.Source,
		DataType:        models.DataTypeDepthSnapshots,
		IngestTimestamp: &ingest,
		BestBidPrice:    &bidPx,
		BestBidSize:     &bidSz,
		BestAskPrice:    &askPx,
		BestAskSize:     &askSz,
		Spread:          &spread,
		MidPrice:        &mid,
	}
	if d.LastUpdateID != 0 {
		id := d.LastUpdateID
		row.LastUpdateID = &id
	}
	return row, nil
}

// deriveColumns fills price_change, price_change_pct, hour_of_day, and
// day_of_week in place. Price deltas chain per symbol across cycles
// through the lastPrice map, ordered by event timestamp.
func (p *Pipeline) deriveColumns(rows []warehouse.Row) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range rows {
		row := &rows[i]

		ts := time.UnixMilli(row.Timestamp).UTC()
		hour := ts.Hour()
		day := int(ts.Weekday())
		row.HourOfDay = &hour
		row.DayOfWeek = &day

		prev, ok := p.lastPrice[row.Symbol]
		if ok && prev.Sign() > 0 {
			change := row.Price.Sub(prev)
			pct := change.Div(prev).Mul(decimal.NewFromInt(100)).Round(4)
			row.PriceChange = &change
			row.PriceChangePct = &pct
		}
		p.lastPrice[row.Symbol] = row.Price
	}
}

func gunzip(body []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Watermark returns the current discovery watermark.
func (p *Pipeline) Watermark() time.Time { return p.currentWatermark() }

// Name implements health.Checker.
func (p *Pipeline) Name() string { return "etl" }

// Check reports degraded while object loads are failing and unhealthy
// once the most recent cycle errored.
func (p *Pipeline) Check(context.Context) health.Report {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := health.Report{
		Status: health.StatusHealthy,
		Stats: map[string]any{
			"cycles":          p.stats.Cycles,
			"objects_read":    p.stats.ObjectsRead,
			"object_failures": p.stats.ObjectFailures,
			"rows_written":    p.stats.RowsWritten,
			"malformed_lines": p.stats.MalformedLines,
			"watermark":       p.watermark.UTC().Format(time.RFC3339),
		},
	}
	if p.stats.ObjectFailures > 0 {
		report.Status = health.StatusDegraded
		report.Issues = append(report.Issues, "object load failures")
	}
	if p.lastError != "" {
		report.Status = health.StatusUnhealthy
		report.Issues = append(report.Issues, p.lastError)
	}
	return report
}

func (p *Pipeline) currentWatermark() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

func (p *Pipeline) setWatermark(ts time.Time) {
	p.mu.Lock()
	if ts.After(p.watermark) {
		p.watermark = ts
	}
	p.mu.Unlock()
}

func (p *Pipeline) isProcessed(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.processed[key]
	return ok
}

func (p *Pipeline) markProcessed(key string) {
	p.mu.Lock()
	p.processed[key] = struct{}{}
	p.stats.ObjectsRead++
	p.mu.Unlock()
}

func (p *Pipeline) addObjectFailure() {
	p.mu.Lock()
	p.stats.ObjectFailures++
	p.mu.Unlock()
}

func (p *Pipeline) addExtracted(rows, malformed int) {
	p.mu.Lock()
	p.stats.RowsExtracted += int64(rows)
	p.stats.MalformedLines += int64(malformed)
	p.mu.Unlock()
}

func (p *Pipeline) addWritten(n int) {
	p.mu.Lock()
	p.stats.RowsWritten += int64(n)
	p.mu.Unlock()
}

func (p *Pipeline) noteCycle(err error) {
	p.mu.Lock()
	p.stats.Cycles++
	if err != nil {
		p.lastError = err.Error()
	} else {
		p.lastError = ""
	}
	p.mu.Unlock()
}
