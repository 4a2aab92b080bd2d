package lake

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/btcpipeline/internal/dedup"
	"github.com/quantfeed/btcpipeline/internal/models"
)

func testTrade(id int64, price string) models.Trade {
	px, _ := decimal.NewFromString(price)
	return models.Trade{
		Symbol:   "BTCUSDT",
		EventTS:  1700000000000,
		IngestTS: 1700000000100,
		TradeID:  id,
		Price:    px,
		Qty:      decimal.NewFromInt(1),
		Source:   models.SourceREST,
	}
}

func TestBuildKey(t *testing.T) {
	// 1_700_000_000_000 ms = 2023-11-14 22:13:20 UTC.
	ts := time.UnixMilli(1700000000000)

	key := BuildKey("bronze", "BTCUSDT", "aggTrades", ts, true)
	assert.Equal(t,
		"bronze/BTCUSDT/aggTrades/yyyy=2023/mm=11/dd=14/hh=22/aggTrades_20231114_221320.jsonl.gz",
		key)

	plain := BuildKey("bronze", "BTCUSDT", "aggTrades", ts, false)
	assert.Equal(t,
		"bronze/BTCUSDT/aggTrades/yyyy=2023/mm=11/dd=14/hh=22/aggTrades_20231114_221320.jsonl",
		plain)
}

func TestWriteBatchGzipRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	writer := NewWriter(store, nil, WriterConfig{Prefix: "bronze", Compression: true})

	records := []models.Record{testTrade(1, "43250.12345678"), testTrade(2, "43251.00000001")}
	ts := time.UnixMilli(1700000000000)

	n, err := writer.WriteBatch(context.Background(), "BTCUSDT", "aggTrades", records, ts)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	key := BuildKey("bronze", "BTCUSDT", "aggTrades", ts, true)
	body, err := store.Get(context.Background(), key)
	require.NoError(t, err)

	opts, ok := store.Options(key)
	require.True(t, ok)
	assert.Equal(t, "gzip", opts.ContentEncoding)
	assert.Equal(t, "2", opts.Metadata["record_count"])
	assert.Equal(t, "true", opts.Metadata["compression"])

	gz, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	var lines []models.Trade
	for scanner.Scan() {
		var trade models.Trade
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &trade))
		lines = append(lines, trade)
	}
	require.Len(t, lines, 2)
	// Decimal fields survive the encode/gzip/decode cycle byte-for-string.
	assert.Equal(t, "43250.12345678", lines[0].Price.String())
	assert.Equal(t, "43251.00000001", lines[1].Price.String())
}

func TestWriteBatchSkipsDuplicates(t *testing.T) {
	store := NewMemoryStore()
	deduper := dedup.New(dedup.DefaultConfig())
	writer := NewWriter(store, deduper, WriterConfig{Prefix: "bronze", Compression: false})

	records := []models.Record{testTrade(1, "100"), testTrade(1, "100"), testTrade(2, "101")}
	n, err := writer.WriteBatch(context.Background(), "BTCUSDT", "aggTrades", records, time.UnixMilli(1700000000000))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(1), writer.Stats().DuplicatesSkipped)
}

func TestZeroRecordObjectsAreNeverWritten(t *testing.T) {
	store := NewMemoryStore()
	deduper := dedup.New(dedup.DefaultConfig())
	writer := NewWriter(store, deduper, WriterConfig{Prefix: "bronze", Compression: false})

	// First write consumes the record; the replay dedups down to nothing.
	_, err := writer.WriteBatch(context.Background(), "BTCUSDT", "aggTrades",
		[]models.Record{testTrade(1, "100")}, time.UnixMilli(1700000000000))
	require.NoError(t, err)

	n, err := writer.WriteBatch(context.Background(), "BTCUSDT", "aggTrades",
		[]models.Record{testTrade(1, "100")}, time.UnixMilli(1700003600000))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	objects, err := store.List(context.Background(), "bronze/")
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

func TestSameSecondFlushesGetDistinctKeys(t *testing.T) {
	store := NewMemoryStore()
	writer := NewWriter(store, nil, WriterConfig{Prefix: "bronze", Compression: false})

	ctx := context.Background()
	ts := time.UnixMilli(1700000000000)

	// Back-to-back flushes for one (symbol, data type) inside the same
	// second must land as separate objects, not overwrite each other.
	_, err := writer.WriteBatch(ctx, "BTCUSDT", "trades", []models.Record{testTrade(1, "100")}, ts)
	require.NoError(t, err)
	_, err = writer.WriteBatch(ctx, "BTCUSDT", "trades", []models.Record{testTrade(2, "101")}, ts)
	require.NoError(t, err)

	objects, err := store.List(ctx, "bronze/BTCUSDT/trades/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.NotEqual(t, objects[0], objects[1])
}

func TestBufferFlushesOnSize(t *testing.T) {
	store := NewMemoryStore()
	writer := NewWriter(store, nil, WriterConfig{Prefix: "bronze", Compression: false, BufferSize: 3, BufferIdle: time.Hour})

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, writer.Buffer(ctx, "BTCUSDT", "trades", testTrade(i, "100")))
	}

	objects, err := store.List(ctx, "bronze/BTCUSDT/trades/")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, int64(3), writer.Stats().RecordsWritten)
}

func TestFlushAllDrainsBuffers(t *testing.T) {
	store := NewMemoryStore()
	writer := NewWriter(store, nil, WriterConfig{Prefix: "bronze", Compression: false, BufferSize: 100, BufferIdle: time.Hour})

	ctx := context.Background()
	require.NoError(t, writer.Buffer(ctx, "BTCUSDT", "trades", testTrade(1, "100")))
	require.NoError(t, writer.Buffer(ctx, "ETHUSDT", "trades", testTrade(2, "200")))

	require.NoError(t, writer.FlushAll(ctx))

	objects, err := store.List(ctx, "bronze/")
	require.NoError(t, err)
	assert.Len(t, objects, 2)
}
