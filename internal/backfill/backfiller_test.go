package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/btcpipeline/internal/lake"
	"github.com/quantfeed/btcpipeline/internal/models"
)

type fakeExchange struct {
	tradePages [][]models.Trade
	klinePages [][]models.Kline
	depth      *models.DepthUpdate
	calls      int
	requested  [][2]int64
}

func (f *fakeExchange) GetAggTrades(_ context.Context, _ string, start, end int64, _ int) ([]models.Trade, error) {
	f.requested = append(f.requested, [2]int64{start, end})
	if f.calls >= len(f.tradePages) {
		return nil, nil
	}
	page := f.tradePages[f.calls]
	f.calls++
	return page, nil
}

func (f *fakeExchange) GetKlines(_ context.Context, _, _ string, _, _ int64, _ int) ([]models.Kline, error) {
	if f.calls >= len(f.klinePages) {
		return nil, nil
	}
	page := f.klinePages[f.calls]
	f.calls++
	return page, nil
}

func (f *fakeExchange) GetDepth(context.Context, string, int) (*models.DepthUpdate, error) {
	return f.depth, nil
}

func tradeAt(id, ts int64) models.Trade {
	return models.Trade{
		Symbol:   "BTCUSDT",
		EventTS:  ts,
		IngestTS: ts + 50,
		TradeID:  id,
		Price:    decimal.NewFromInt(43000),
		Qty:      decimal.NewFromInt(1),
		Source:   models.SourceREST,
	}
}

func testBackfiller(t *testing.T, api ExchangeAPI) (*Backfiller, Store) {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Politeness = 0
	cfg.Retry.InitialDelay = time.Millisecond
	b := New(api, store, cfg)
	b.now = func() time.Time { return time.UnixMilli(1700000100000) }
	return b, store
}

func TestBackfillAggTradesAdvancesCursorPastEachPage(t *testing.T) {
	api := &fakeExchange{tradePages: [][]models.Trade{
		{tradeAt(1, 1_700_000_010_000)},
		{tradeAt(2, 1_700_000_030_000)},
		{tradeAt(3, 1_700_000_050_000)},
	}}
	b, store := testBackfiller(t, api)

	var landed []models.Record
	cp, err := b.BackfillAggTrades(context.Background(), "BTCUSDT",
		1_700_000_000_000, 1_700_000_060_000,
		func(_ context.Context, records []models.Record) error {
			landed = append(landed, records...)
			return nil
		})
	require.NoError(t, err)

	assert.Len(t, landed, 3)
	assert.Equal(t, int64(1_700_000_050_001), cp.LastTimestamp)
	assert.Equal(t, int64(3), cp.TotalRecords)
	assert.Equal(t, int64(3), cp.LastTradeID)

	// Each request resumes one past the last seen trade.
	require.GreaterOrEqual(t, len(api.requested), 3)
	assert.Equal(t, int64(1_700_000_010_001), api.requested[1][0])
	assert.Equal(t, int64(1_700_000_030_001), api.requested[2][0])

	saved, err := store.Load(context.Background(), "BTCUSDT", models.DataTypeAggTrades)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, int64(1_700_000_050_001), saved.LastTimestamp)
	assert.Equal(t, int64(3), saved.TotalRecords)
}

func TestBackfillResumesFromCheckpoint(t *testing.T) {
	api := &fakeExchange{tradePages: [][]models.Trade{{tradeAt(9, 1_700_000_055_000)}}}
	b, store := testBackfiller(t, api)

	require.NoError(t, store.Save(context.Background(), &Checkpoint{
		Symbol:        "BTCUSDT",
		DataType:      models.DataTypeAggTrades,
		LastTimestamp: 1_700_000_050_001,
		TotalRecords:  3,
	}))

	cp, err := b.BackfillAggTrades(context.Background(), "BTCUSDT",
		1_700_000_000_000, 1_700_000_060_000, nil)
	require.NoError(t, err)

	// First request starts at the stored cursor, not the range start.
	require.NotEmpty(t, api.requested)
	assert.Equal(t, int64(1_700_000_050_001), api.requested[0][0])
	assert.Equal(t, int64(4), cp.TotalRecords)
	assert.Equal(t, int64(1_700_000_055_001), cp.LastTimestamp)
}

func TestCheckpointTimestampIsMonotone(t *testing.T) {
	// Pages arriving out of order must not pull the cursor backwards.
	api := &fakeExchange{tradePages: [][]models.Trade{
		{tradeAt(5, 1_700_000_040_000)},
		{tradeAt(4, 1_700_000_020_000)},
	}}
	b, store := testBackfiller(t, api)

	_, err := b.BackfillAggTrades(context.Background(), "BTCUSDT",
		1_700_000_000_000, 1_700_000_060_000, nil)
	require.NoError(t, err)

	saved, err := store.Load(context.Background(), "BTCUSDT", models.DataTypeAggTrades)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_040_001), saved.LastTimestamp)
}

func TestBackfillEmptyWindowSkipsForward(t *testing.T) {
	api := &fakeExchange{}
	b, _ := testBackfiller(t, api)

	start := int64(1_700_000_000_000)
	end := start + 3*24*time.Hour.Milliseconds()
	cp, err := b.BackfillAggTrades(context.Background(), "BTCUSDT", start, end, nil)
	require.NoError(t, err)

	// Three empty 24h slices, no checkpoint file created.
	assert.Len(t, api.requested, 3)
	assert.Equal(t, int64(0), cp.TotalRecords)
	assert.Equal(t, int64(0), cp.LastTimestamp)
}

func TestBackfillSinkErrorLeavesCheckpointUntouched(t *testing.T) {
	api := &fakeExchange{tradePages: [][]models.Trade{{tradeAt(1, 1_700_000_010_000)}}}
	b, store := testBackfiller(t, api)

	_, err := b.BackfillAggTrades(context.Background(), "BTCUSDT",
		1_700_000_000_000, 1_700_000_060_000,
		func(context.Context, []models.Record) error {
			return assert.AnError
		})
	require.Error(t, err)

	saved, err := store.Load(context.Background(), "BTCUSDT", models.DataTypeAggTrades)
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestBackfillDropsInvalidTrades(t *testing.T) {
	bad := tradeAt(2, 1_500_000_000_000) // before the valid epoch range
	api := &fakeExchange{tradePages: [][]models.Trade{
		{tradeAt(1, 1_700_000_010_000), bad},
	}}
	b, _ := testBackfiller(t, api)

	var landed []models.Record
	cp, err := b.BackfillAggTrades(context.Background(), "BTCUSDT",
		1_700_000_000_000, 1_700_000_060_000,
		func(_ context.Context, records []models.Record) error {
			landed = append(landed, records...)
			return nil
		})
	require.NoError(t, err)
	assert.Len(t, landed, 1)
	assert.Equal(t, int64(1), cp.TotalRecords)
}

func TestBackfillKlinesCursorsOnOpenTime(t *testing.T) {
	kline := models.Kline{
		Symbol:      "BTCUSDT",
		Interval:    "1m",
		OpenTime:    1_700_000_000_000,
		CloseTime:   1_700_000_059_999,
		Open:        decimal.NewFromInt(43000),
		High:        decimal.NewFromInt(43100),
		Low:         decimal.NewFromInt(42900),
		Close:       decimal.NewFromInt(43050),
		Volume:      decimal.NewFromInt(10),
		QuoteVolume: decimal.NewFromInt(430500),
		TradeCount:  25,
		IngestTS:    1_700_000_060_100,
		Source:      models.SourceREST,
	}
	api := &fakeExchange{klinePages: [][]models.Kline{{kline}}}
	b, store := testBackfiller(t, api)

	cp, err := b.BackfillKlines(context.Background(), "BTCUSDT", "1m",
		1_700_000_000_000, 1_700_000_060_000, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_001), cp.LastTimestamp)
	assert.Equal(t, int64(1), cp.TotalRecords)

	saved, err := store.Load(context.Background(), "BTCUSDT", models.DataTypeKlines+"_1m")
	require.NoError(t, err)
	require.NotNil(t, saved)
}

func TestCollectDepthSnapshot(t *testing.T) {
	api := &fakeExchange{depth: &models.DepthUpdate{
		Symbol:       "BTCUSDT",
		EventTS:      1_700_000_000_000,
		IngestTS:     1_700_000_000_000,
		LastUpdateID: 42,
		Bids:         []models.PriceLevel{{"43000.00", "1.5"}},
		Asks:         []models.PriceLevel{{"43001.00", "2.0"}},
		Source:       models.SourceREST,
	}}
	b, _ := testBackfiller(t, api)

	var landed []models.Record
	err := b.CollectDepthSnapshot(context.Background(), "BTCUSDT", 20,
		func(_ context.Context, records []models.Record) error {
			landed = append(landed, records...)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, landed, 1)
	depth, ok := landed[0].(models.DepthUpdate)
	require.True(t, ok)
	assert.Equal(t, int64(42), depth.LastUpdateID)
}

func TestLocalStoreRoundTripAndSweep(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)

	cp := &Checkpoint{
		Symbol:        "BTCUSDT",
		DataType:      models.DataTypeAggTrades,
		LastTimestamp: 1_700_000_050_001,
		LastTradeID:   3,
		TotalRecords:  3,
	}
	require.NoError(t, store.Save(context.Background(), cp))

	loaded, err := store.Load(context.Background(), "BTCUSDT", models.DataTypeAggTrades)
	require.NoError(t, err)
	assert.Equal(t, cp, loaded)

	// Fresh files survive a sweep; only aged ones are removed.
	removed, err := store.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = store.Sweep(-time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	loaded, err = store.Load(context.Background(), "BTCUSDT", models.DataTypeAggTrades)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestObjectStoreCheckpoints(t *testing.T) {
	mem := lake.NewMemoryStore()
	store := NewObjectStoreStore(mem, "checkpoints")

	missing, err := store.Load(context.Background(), "BTCUSDT", models.DataTypeAggTrades)
	require.NoError(t, err)
	assert.Nil(t, missing)

	cp := &Checkpoint{
		Symbol:        "BTCUSDT",
		DataType:      models.DataTypeAggTrades,
		LastTimestamp: 1_700_000_050_001,
		TotalRecords:  3,
	}
	require.NoError(t, store.Save(context.Background(), cp))

	objects, err := mem.List(context.Background(), "checkpoints/")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "checkpoints/BTCUSDT/aggTrades/checkpoint.json", objects[0].Key)

	loaded, err := store.Load(context.Background(), "BTCUSDT", models.DataTypeAggTrades)
	require.NoError(t, err)
	assert.Equal(t, cp, loaded)
}
