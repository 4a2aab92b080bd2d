package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/btcpipeline/internal/bus"
	"github.com/quantfeed/btcpipeline/internal/health"
	"github.com/quantfeed/btcpipeline/internal/metrics"
	"github.com/quantfeed/btcpipeline/internal/models"
)

// FeatureWriter is the hot-store surface the aggregator writes to.
type FeatureWriter interface {
	WriteFeatures(ctx context.Context, symbol string, ts time.Time, features map[string]any) error
}

// Config bounds the windowing behavior.
type Config struct {
	BufferCapacity int
	MinMessages    int
	MaxInterval    time.Duration
	CheckInterval  time.Duration
}

// DefaultConfig uses 1000-message ring buffers aggregated at 100
// messages or 30s, checked every second.
func DefaultConfig() Config {
	return Config{
		BufferCapacity: 1000,
		MinMessages:    100,
		MaxInterval:    30 * time.Second,
		CheckInterval:  time.Second,
	}
}

// Stats counts aggregator activity.
type Stats struct {
	MessagesConsumed int64
	FeaturesWritten  int64
	WriteFailures    int64
	DecodeErrors     int64
}

type window struct {
	symbol      string
	messageType string
	entries     []models.Record
	lastAgg     time.Time
}

// Aggregator windows records per (symbol, message type) and writes
// derived features to the hot store when a window triggers.
type Aggregator struct {
	writer FeatureWriter
	cfg    Config

	mu      sync.Mutex
	windows map[string]*window
	stats   Stats
	now     func() time.Time
}

// New creates an aggregator writing to the given feature store.
func New(writer FeatureWriter, cfg Config) *Aggregator {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 1000
	}
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = 100
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	return &Aggregator{
		writer:  writer,
		cfg:     cfg,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// HandlerFor returns a bus record handler that decodes payloads of one
// message type and routes them into windows.
func (a *Aggregator) HandlerFor(messageType string) bus.RecordHandler {
	return func(_ context.Context, records []bus.ReceivedRecord) error {
		for _, raw := range records {
			rec, err := decodePayload(messageType, raw.Data)
			if err != nil {
				a.addDecodeError()
				log.Warn().Str("message_type", messageType).Err(err).
					Msg("Undecodable bus payload dropped")
				continue
			}
			a.Ingest(messageType, rec)
		}
		return nil
	}
}

func decodePayload(messageType string, data []byte) (models.Record, error) {
	switch messageType {
	case models.MessageTypeTrade:
		var t models.Trade
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		return t, nil
	case models.MessageTypeBestBidAsk:
		var q models.BestBidAsk
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, err
		}
		return q, nil
	case models.MessageTypeDepth:
		var d models.DepthUpdate
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", messageType)
	}
}

// Ingest routes one record into its window, evicting the oldest entry
// when the ring is full.
func (a *Aggregator) Ingest(messageType string, rec models.Record) {
	symbol := strings.ToUpper(rec.RecordSymbol())
	if symbol == "" {
		a.addDecodeError()
		return
	}

	key := symbol + "|" + messageType
	a.mu.Lock()
	w := a.windows[key]
	if w == nil {
		w = &window{symbol: symbol, messageType: messageType, lastAgg: a.now()}
		a.windows[key] = w
	}
	w.entries = append(w.entries, rec)
	if len(w.entries) > a.cfg.BufferCapacity {
		w.entries = w.entries[1:]
	}
	a.stats.MessagesConsumed++
	a.mu.Unlock()
}

// Run wakes every check interval, aggregating each window that has
// reached min messages or aged past the max interval. On shutdown every
// non-empty window is drained.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, key := range a.dueWindows() {
				a.Aggregate(ctx, key)
			}
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			for _, key := range a.allWindows() {
				a.Aggregate(drainCtx, key)
			}
			cancel()
			return nil
		}
	}
}

func (a *Aggregator) dueWindows() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var due []string
	for key, w := range a.windows {
		if len(w.entries) == 0 {
			continue
		}
		if len(w.entries) >= a.cfg.MinMessages || a.now().Sub(w.lastAgg) >= a.cfg.MaxInterval {
			due = append(due, key)
		}
	}
	return due
}

func (a *Aggregator) allWindows() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.windows))
	for key := range a.windows {
		keys = append(keys, key)
	}
	return keys
}

// Aggregate drains one window, derives features, and writes them out.
func (a *Aggregator) Aggregate(ctx context.Context, key string) {
	a.mu.Lock()
	w := a.windows[key]
	if w == nil || len(w.entries) == 0 {
		a.mu.Unlock()
		return
	}
	entries := w.entries
	w.entries = nil
	w.lastAgg = a.now()
	symbol, messageType := w.symbol, w.messageType
	a.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].RecordEventTS() < entries[j].RecordEventTS()
	})

	features := buildFeatures(messageType, entries)
	if features == nil {
		log.Debug().Str("key", key).Int("messages", len(entries)).
			Msg("Window produced no features")
		return
	}

	ts := a.now()
	features["symbol"] = symbol
	features["timestamp"] = ts.Unix()
	features["message_count"] = len(entries)
	features["message_type"] = messageType
	features["feature_version"] = "1.0"

	if err := a.writer.WriteFeatures(ctx, symbol, ts, features); err != nil {
		a.addWriteFailure()
		log.Error().Str("symbol", symbol).Str("message_type", messageType).
			Err(err).Msg("Feature write failed")
		return
	}

	a.addWritten()
	metrics.FeaturesWritten.WithLabelValues(messageType).Inc()
	log.Debug().Str("symbol", symbol).Str("message_type", messageType).
		Int("messages", len(entries)).Msg("Features aggregated")
}

func buildFeatures(messageType string, entries []models.Record) map[string]any {
	switch messageType {
	case models.MessageTypeTrade:
		trades := make([]models.Trade, 0, len(entries))
		for _, e := range entries {
			if t, ok := e.(models.Trade); ok {
				trades = append(trades, t)
			}
		}
		return buildTradeFeatures(trades)
	case models.MessageTypeBestBidAsk:
		quotes := make([]models.BestBidAsk, 0, len(entries))
		for _, e := range entries {
			if q, ok := e.(models.BestBidAsk); ok {
				quotes = append(quotes, q)
			}
		}
		return buildQuoteFeatures(quotes)
	case models.MessageTypeDepth:
		depths := make([]models.DepthUpdate, 0, len(entries))
		for _, e := range entries {
			if d, ok := e.(models.DepthUpdate); ok {
				depths = append(depths, d)
			}
		}
		return buildDepthFeatures(depths)
	default:
		return nil
	}
}

// Stats returns a snapshot of the aggregator counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Name implements health.Checker.
func (a *Aggregator) Name() string { return "aggregator" }

// Check reports unhealthy when feature write failures exceed 5% of
// attempts, degraded when any failed.
func (a *Aggregator) Check(context.Context) health.Report {
	stats := a.Stats()
	attempts := stats.FeaturesWritten + stats.WriteFailures

	report := health.Report{
		Status: health.StatusHealthy,
		Stats: map[string]any{
			"messages_consumed": stats.MessagesConsumed,
			"features_written":  stats.FeaturesWritten,
			"write_failures":    stats.WriteFailures,
			"decode_errors":     stats.DecodeErrors,
		},
	}
	if stats.WriteFailures > 0 {
		report.Status = health.StatusDegraded
		report.Issues = append(report.Issues, "feature write failures")
		if attempts > 0 && float64(stats.WriteFailures)/float64(attempts) > 0.05 {
			report.Status = health.StatusUnhealthy
		}
	}
	return report
}

func (a *Aggregator) addDecodeError() {
	a.mu.Lock()
	a.stats.DecodeErrors++
	a.mu.Unlock()
}

func (a *Aggregator) addWriteFailure() {
	a.mu.Lock()
	a.stats.WriteFailures++
	a.mu.Unlock()
}

func (a *Aggregator) addWritten() {
	a.mu.Lock()
	a.stats.FeaturesWritten++
	a.mu.Unlock()
}
