package aggregator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/btcpipeline/internal/bus"
	"github.com/quantfeed/btcpipeline/internal/health"
	"github.com/quantfeed/btcpipeline/internal/models"
)

type capturedWrite struct {
	symbol   string
	ts       time.Time
	features map[string]any
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []capturedWrite
	fail   bool
}

func (f *fakeWriter) WriteFeatures(_ context.Context, symbol string, ts time.Time, features map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.writes = append(f.writes, capturedWrite{symbol: symbol, ts: ts, features: features})
	return nil
}

func (f *fakeWriter) last(t *testing.T) capturedWrite {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.writes)
	return f.writes[len(f.writes)-1]
}

func windowTrade(price, qty string, maker bool, ts int64) models.Trade {
	px, _ := decimal.NewFromString(price)
	q, _ := decimal.NewFromString(qty)
	return models.Trade{
		Symbol:       "BTCUSDT",
		EventTS:      ts,
		IngestTS:     ts + 10,
		TradeID:      ts,
		Price:        px,
		Qty:          q,
		IsBuyerMaker: maker,
		Source:       models.SourceSBE,
	}
}

func TestTradeWindowFeatures(t *testing.T) {
	writer := &fakeWriter{}
	cfg := DefaultConfig()
	cfg.MinMessages = 3
	agg := New(writer, cfg)

	// Maker buyer means the taker sold; m=true is sell volume.
	agg.Ingest(models.MessageTypeTrade, windowTrade("100", "1", true, 1_700_000_000_000))
	agg.Ingest(models.MessageTypeTrade, windowTrade("102", "2", false, 1_700_000_001_000))
	agg.Ingest(models.MessageTypeTrade, windowTrade("101", "1", false, 1_700_000_002_000))

	agg.Aggregate(context.Background(), "BTCUSDT|trade")

	write := writer.last(t)
	assert.Equal(t, "BTCUSDT", write.symbol)

	f := write.features
	assert.Equal(t, 101.0, f["price"])
	assert.Equal(t, 4.0, f["volume"])
	assert.Equal(t, 101.25, f["vwap"])
	assert.Equal(t, 3.0, f["buy_volume"])
	assert.Equal(t, 1.0, f["sell_volume"])
	assert.Equal(t, 0.5, f["volume_imbalance"])
	assert.Equal(t, 3, f["trade_count"])
	assert.Equal(t, 100.0, f["min_price"])
	assert.Equal(t, 102.0, f["max_price"])
	assert.Equal(t, 2.0, f["time_span_seconds"])
	assert.Equal(t, "BTCUSDT", f["symbol"])
	assert.Equal(t, 3, f["message_count"])
	assert.Equal(t, "trade", f["message_type"])
	assert.Equal(t, "1.0", f["feature_version"])
}

func TestTradeWindowSortsByEventTime(t *testing.T) {
	writer := &fakeWriter{}
	agg := New(writer, DefaultConfig())

	// Out-of-order arrival; latest price must follow event time.
	agg.Ingest(models.MessageTypeTrade, windowTrade("105", "1", false, 1_700_000_005_000))
	agg.Ingest(models.MessageTypeTrade, windowTrade("100", "1", false, 1_700_000_001_000))

	agg.Aggregate(context.Background(), "BTCUSDT|trade")
	f := writer.last(t).features
	assert.Equal(t, 105.0, f["price"])
	assert.Equal(t, 5.0, f["price_change"])
	assert.Equal(t, 5.0, f["price_change_pct"])
}

func TestQuoteWindowFeatures(t *testing.T) {
	writer := &fakeWriter{}
	agg := New(writer, DefaultConfig())

	quote := func(bid, ask, bidSz, askSz string, ts int64) models.BestBidAsk {
		b, _ := decimal.NewFromString(bid)
		a, _ := decimal.NewFromString(ask)
		bs, _ := decimal.NewFromString(bidSz)
		as, _ := decimal.NewFromString(askSz)
		return models.BestBidAsk{
			Symbol: "BTCUSDT", EventTS: ts, IngestTS: ts,
			BidPx: b, BidSz: bs, AskPx: a, AskSz: as, Source: models.SourceSBE,
		}
	}
	agg.Ingest(models.MessageTypeBestBidAsk, quote("100", "101", "3", "1", 1_700_000_000_000))
	agg.Ingest(models.MessageTypeBestBidAsk, quote("100", "102", "3", "1", 1_700_000_001_000))

	agg.Aggregate(context.Background(), "BTCUSDT|bestBidAsk")
	f := writer.last(t).features

	assert.Equal(t, 100.0, f["bid_price"])
	assert.Equal(t, 102.0, f["ask_price"])
	assert.Equal(t, 2.0, f["spread"])
	assert.Equal(t, 101.0, f["mid_price"])
	assert.Equal(t, 1.0, f["min_spread"])
	assert.Equal(t, 2.0, f["max_spread"])
	assert.Equal(t, 1.5, f["avg_spread"])
	assert.Equal(t, 6.0, f["total_bid_size"])
	assert.Equal(t, 2.0, f["total_ask_size"])
	assert.Equal(t, 0.5, f["size_imbalance"])
	assert.Equal(t, 0.5, f["mid_change"])
	assert.Equal(t, 2, f["update_count"])
}

func TestDepthWindowUsesLatestSnapshot(t *testing.T) {
	writer := &fakeWriter{}
	agg := New(writer, DefaultConfig())

	stale := models.DepthUpdate{
		Symbol: "BTCUSDT", EventTS: 1_700_000_000_000, IngestTS: 1_700_000_000_000,
		Bids:   []models.PriceLevel{{"90", "1"}},
		Asks:   []models.PriceLevel{{"91", "1"}},
		Source: models.SourceSBE,
	}
	latest := models.DepthUpdate{
		Symbol: "BTCUSDT", EventTS: 1_700_000_001_000, IngestTS: 1_700_000_001_000,
		Bids: []models.PriceLevel{
			{"100", "2"}, {"99", "3"}, {"98", "1"}, {"97", "1"}, {"96", "1"}, {"95", "10"},
		},
		Asks:   []models.PriceLevel{{"101", "4"}, {"102", "4"}},
		Source: models.SourceSBE,
	}
	agg.Ingest(models.MessageTypeDepth, stale)
	agg.Ingest(models.MessageTypeDepth, latest)

	agg.Aggregate(context.Background(), "BTCUSDT|depth")
	f := writer.last(t).features

	assert.Equal(t, 100.0, f["bid_price"])
	assert.Equal(t, 101.0, f["ask_price"])
	assert.Equal(t, 100.5, f["mid_price"])
	assert.Equal(t, 2.0, f["bid_size"])
	// Top five levels only; the sixth (95 x 10) is excluded.
	assert.Equal(t, 8.0, f["bid_depth_5"])
	assert.Equal(t, 8.0, f["ask_depth_5"])
	assert.Equal(t, 0.0, f["depth_imbalance"])
	assert.Equal(t, 8, f["total_levels"])
}

func TestWindowTriggersAtMinMessagesExactly(t *testing.T) {
	writer := &fakeWriter{}
	cfg := DefaultConfig()
	cfg.MinMessages = 3
	cfg.MaxInterval = time.Hour
	agg := New(writer, cfg)

	agg.Ingest(models.MessageTypeTrade, windowTrade("100", "1", false, 1_700_000_000_000))
	agg.Ingest(models.MessageTypeTrade, windowTrade("100", "1", false, 1_700_000_001_000))
	assert.Empty(t, agg.dueWindows())

	agg.Ingest(models.MessageTypeTrade, windowTrade("100", "1", false, 1_700_000_002_000))
	assert.Equal(t, []string{"BTCUSDT|trade"}, agg.dueWindows())
}

func TestWindowTriggersOnMaxInterval(t *testing.T) {
	writer := &fakeWriter{}
	cfg := DefaultConfig()
	cfg.MinMessages = 100
	cfg.MaxInterval = 30 * time.Second
	agg := New(writer, cfg)

	current := time.UnixMilli(1_700_000_000_000)
	agg.now = func() time.Time { return current }

	agg.Ingest(models.MessageTypeTrade, windowTrade("100", "1", false, 1_700_000_000_000))
	assert.Empty(t, agg.dueWindows())

	current = current.Add(31 * time.Second)
	assert.Equal(t, []string{"BTCUSDT|trade"}, agg.dueWindows())
}

func TestRingBufferEvictsOldest(t *testing.T) {
	writer := &fakeWriter{}
	cfg := DefaultConfig()
	cfg.BufferCapacity = 2
	agg := New(writer, cfg)

	agg.Ingest(models.MessageTypeTrade, windowTrade("100", "1", false, 1_700_000_000_000))
	agg.Ingest(models.MessageTypeTrade, windowTrade("101", "1", false, 1_700_000_001_000))
	agg.Ingest(models.MessageTypeTrade, windowTrade("102", "1", false, 1_700_000_002_000))

	agg.Aggregate(context.Background(), "BTCUSDT|trade")
	f := writer.last(t).features
	assert.Equal(t, 2, f["trade_count"])
	assert.Equal(t, 101.0, f["min_price"])
}

func TestHandlerForDecodesBusPayloads(t *testing.T) {
	writer := &fakeWriter{}
	agg := New(writer, DefaultConfig())

	trade := windowTrade("43250.12345678", "1.5", false, 1_700_000_000_000)
	payload, err := json.Marshal(trade)
	require.NoError(t, err)

	handler := agg.HandlerFor(models.MessageTypeTrade)
	require.NoError(t, handler(context.Background(), []bus.ReceivedRecord{
		{Data: payload, PartitionKey: "BTCUSDT", SequenceNumber: "1"},
		{Data: []byte("not json"), PartitionKey: "BTCUSDT", SequenceNumber: "2"},
	}))

	stats := agg.Stats()
	assert.Equal(t, int64(1), stats.MessagesConsumed)
	assert.Equal(t, int64(1), stats.DecodeErrors)

	agg.Aggregate(context.Background(), "BTCUSDT|trade")
	f := writer.last(t).features
	assert.Equal(t, 43250.12345678, f["price"])
}

func TestHealthTracksWriteFailureRate(t *testing.T) {
	writer := &fakeWriter{}
	agg := New(writer, DefaultConfig())
	assert.Equal(t, health.StatusHealthy, agg.Check(context.Background()).Status)

	// A failing store turns every aggregation into a write failure.
	writer.fail = true
	agg.Ingest(models.MessageTypeTrade, windowTrade("100", "1", false, 1_700_000_000_000))
	agg.Aggregate(context.Background(), "BTCUSDT|trade")

	report := agg.Check(context.Background())
	assert.Equal(t, health.StatusUnhealthy, report.Status)
	assert.NotEmpty(t, report.Issues)
}
