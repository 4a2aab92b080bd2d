package lake

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/btcpipeline/internal/dedup"
	"github.com/quantfeed/btcpipeline/internal/metrics"
	"github.com/quantfeed/btcpipeline/internal/models"
	"github.com/quantfeed/btcpipeline/internal/resilience"
)

// WriterConfig bounds the partition writer's buffering and retries.
type WriterConfig struct {
	Prefix      string
	Compression bool
	BufferSize  int
	BufferIdle  time.Duration
	Retry       resilience.RetryPolicy
}

// DefaultWriterConfig matches the streaming defaults: gzip on, 1000
// record buffers flushed after 300s idle, 3 put attempts with 1-10s backoff.
func DefaultWriterConfig(prefix string) WriterConfig {
	return WriterConfig{
		Prefix:      prefix,
		Compression: true,
		BufferSize:  1000,
		BufferIdle:  300 * time.Second,
		Retry: resilience.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

// WriterStats counts partition-writer activity.
type WriterStats struct {
	ObjectsWritten    int64
	RecordsWritten    int64
	BytesWritten      int64
	DuplicatesSkipped int64
	Errors            int64
}

type recordBuffer struct {
	symbol   string
	dataType string
	records  []models.Record
	lastAdd  time.Time
}

// Writer emits deduplicated, time-partitioned JSONL objects. In batch
// use WriteBatch lands a whole page at once; in streaming use Buffer
// accumulates per (symbol, data type) and flushes on size or idle time.
type Writer struct {
	store ObjectStore
	dedup *dedup.Deduplicator
	cfg   WriterConfig

	mu        sync.Mutex
	buffers   map[string]*recordBuffer
	lastKeyTS map[string]time.Time
	stats     WriterStats
	now       func() time.Time
}

// NewWriter creates a partition writer over the given store.
func NewWriter(store ObjectStore, deduper *dedup.Deduplicator, cfg WriterConfig) *Writer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BufferIdle <= 0 {
		cfg.BufferIdle = 300 * time.Second
	}
	return &Writer{
		store:     store,
		dedup:     deduper,
		cfg:       cfg,
		buffers:   make(map[string]*recordBuffer),
		lastKeyTS: make(map[string]time.Time),
		now:       time.Now,
	}
}

// objectTime pins the filename second for (symbol, data type), nudging
// a repeat of the previous second forward so no two objects share a key.
func (w *Writer) objectTime(symbol, dataType string, ts time.Time) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	name := symbol + "|" + dataType
	t := ts.UTC().Truncate(time.Second)
	if last, ok := w.lastKeyTS[name]; ok && !t.After(last) {
		t = last.Add(time.Second)
	}
	w.lastKeyTS[name] = t
	return t
}

// BuildKey renders the partition key grammar:
//
//	<prefix>/<SYMBOL>/<data_type>/yyyy=YYYY/mm=MM/dd=DD/hh=HH/<data_type>_YYYYMMDD_HHMMSS.jsonl[.gz]
func BuildKey(prefix, symbol, dataType string, ts time.Time, compressed bool) string {
	u := ts.UTC()
	key := fmt.Sprintf("%s/%s/%s/yyyy=%04d/mm=%02d/dd=%02d/hh=%02d/%s_%04d%02d%02d_%02d%02d%02d.jsonl",
		prefix, symbol, dataType,
		u.Year(), int(u.Month()), u.Day(), u.Hour(),
		dataType, u.Year(), int(u.Month()), u.Day(), u.Hour(), u.Minute(), u.Second())
	if compressed {
		key += ".gz"
	}
	return key
}

// WriteBatch deduplicates and lands records under one partition object
// keyed at ts. It returns the number of records written; zero-record
// objects are never created.
func (w *Writer) WriteBatch(ctx context.Context, symbol, dataType string, records []models.Record, ts time.Time) (int, error) {
	unique := records
	if w.dedup != nil {
		unique = make([]models.Record, 0, len(records))
		for _, rec := range records {
			if w.dedup.IsUnique(rec.RecordSymbol(), rec.DedupKey(), rec.RecordEventTS()) {
				unique = append(unique, rec)
			} else {
				w.addDuplicate()
				metrics.DuplicateSkips.WithLabelValues("lake_writer").Inc()
			}
		}
	}
	if len(unique) == 0 {
		log.Debug().Str("symbol", symbol).Str("data_type", dataType).Msg("No unique records to write")
		return 0, nil
	}

	body, err := encodeJSONL(unique)
	if err != nil {
		return 0, err
	}

	opts := PutOptions{
		ContentType: "application/x-ndjson",
		Metadata: map[string]string{
			"record_count":     strconv.Itoa(len(unique)),
			"ingest_timestamp": strconv.FormatInt(w.now().UnixMilli(), 10),
			"compression":      strconv.FormatBool(w.cfg.Compression),
		},
	}
	if w.cfg.Compression {
		if body, err = gzipBytes(body); err != nil {
			return 0, err
		}
		opts.ContentEncoding = "gzip"
	}

	key := BuildKey(w.cfg.Prefix, symbol, dataType, w.objectTime(symbol, dataType, ts), w.cfg.Compression)
	err = w.cfg.Retry.Do(ctx, "lake put "+key, func(ctx context.Context) error {
		return w.store.Put(ctx, key, body, opts)
	})
	if err != nil {
		w.addError()
		return 0, fmt.Errorf("write partition object: %w", err)
	}

	w.addWritten(len(unique), len(body))
	metrics.ObjectsWritten.WithLabelValues(dataType).Inc()
	log.Info().Str("key", key).Int("records", len(unique)).Msg("Partition object written")
	return len(unique), nil
}

// Buffer queues one record for (symbol, data type) and flushes the
// buffer when it reaches the configured size.
func (w *Writer) Buffer(ctx context.Context, symbol, dataType string, rec models.Record) error {
	w.mu.Lock()
	name := symbol + "|" + dataType
	buf := w.buffers[name]
	if buf == nil {
		buf = &recordBuffer{symbol: symbol, dataType: dataType}
		w.buffers[name] = buf
	}
	buf.records = append(buf.records, rec)
	buf.lastAdd = w.now()

	var toFlush []models.Record
	if len(buf.records) >= w.cfg.BufferSize {
		toFlush = buf.records
		buf.records = nil
	}
	w.mu.Unlock()

	if toFlush == nil {
		return nil
	}
	_, err := w.WriteBatch(ctx, symbol, dataType, toFlush, w.now())
	return err
}

// FlushIdle flushes every buffer that has been idle past the configured
// bound; the ingest loop calls this on a timer.
func (w *Writer) FlushIdle(ctx context.Context) error {
	return w.flushWhere(ctx, func(buf *recordBuffer) bool {
		return w.now().Sub(buf.lastAdd) >= w.cfg.BufferIdle
	})
}

// FlushAll drains every non-empty buffer; called on shutdown.
func (w *Writer) FlushAll(ctx context.Context) error {
	return w.flushWhere(ctx, func(*recordBuffer) bool { return true })
}

func (w *Writer) flushWhere(ctx context.Context, pred func(*recordBuffer) bool) error {
	w.mu.Lock()
	type pending struct {
		symbol, dataType string
		records          []models.Record
	}
	var drained []pending
	for _, buf := range w.buffers {
		if len(buf.records) > 0 && pred(buf) {
			drained = append(drained, pending{buf.symbol, buf.dataType, buf.records})
			buf.records = nil
		}
	}
	w.mu.Unlock()

	var firstErr error
	for _, p := range drained {
		if _, err := w.WriteBatch(ctx, p.symbol, p.dataType, p.records, w.now()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of the writer counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Writer) addWritten(records, bytes int) {
	w.mu.Lock()
	w.stats.ObjectsWritten++
	w.stats.RecordsWritten += int64(records)
	w.stats.BytesWritten += int64(bytes)
	w.mu.Unlock()
}

func (w *Writer) addDuplicate() {
	w.mu.Lock()
	w.stats.DuplicatesSkipped++
	w.mu.Unlock()
}

func (w *Writer) addError() {
	w.mu.Lock()
	w.stats.Errors++
	w.mu.Unlock()
}

func encodeJSONL(records []models.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func gzipBytes(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}
