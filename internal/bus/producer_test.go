package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/btcpipeline/internal/resilience"
)

type testPayload struct {
	Symbol  string `json:"symbol"`
	TradeID int64  `json:"trade_id"`
}

func TestPartitionKey(t *testing.T) {
	assert.Equal(t, "BTCUSDT", PartitionKey("BTCUSDT", []byte(`{}`)))

	key := PartitionKey("", []byte(`{"x":1}`))
	assert.Len(t, key, 16)
	assert.Regexp(t, "^[0-9a-f]{16}$", key)
	// Same payload hashes to the same shard key.
	assert.Equal(t, key, PartitionKey("", []byte(`{"x":1}`)))
}

func TestFlushPublishesQueuedRecords(t *testing.T) {
	mem := NewMemoryBus("trades")
	producer := NewProducer(mem, DefaultProducerConfig())

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, producer.Publish(ctx, "trades", "BTCUSDT", testPayload{Symbol: "BTCUSDT", TradeID: i}))
	}
	require.NoError(t, producer.Flush(ctx, "trades"))

	records := mem.Records("trades")
	require.Len(t, records, 3)
	assert.Equal(t, "BTCUSDT", records[0].PartitionKey)

	var payload testPayload
	require.NoError(t, json.Unmarshal(records[0].Data, &payload))
	assert.Equal(t, int64(1), payload.TradeID)
	assert.Equal(t, int64(3), producer.Stats().Published)
	assert.Zero(t, producer.QueueLen("trades"))
}

func TestPublishTriggersFlushAtBatchSize(t *testing.T) {
	mem := NewMemoryBus("trades")
	cfg := DefaultProducerConfig()
	cfg.BatchSize = 2
	producer := NewProducer(mem, cfg)

	ctx := context.Background()
	require.NoError(t, producer.Publish(ctx, "trades", "BTCUSDT", testPayload{TradeID: 1}))
	require.NoError(t, producer.Publish(ctx, "trades", "BTCUSDT", testPayload{TradeID: 2}))

	assert.Eventually(t, func() bool {
		return len(mem.Records("trades")) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPartialFailureRequeuesAtHead(t *testing.T) {
	mem := NewMemoryBus("trades")
	producer := NewProducer(mem, DefaultProducerConfig())

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, producer.Publish(ctx, "trades", "BTCUSDT", testPayload{TradeID: i}))
	}

	mem.FailIndexes = []int{1}
	require.NoError(t, producer.Flush(ctx, "trades"))

	assert.Equal(t, 1, producer.QueueLen("trades"))
	assert.Equal(t, int64(2), producer.Stats().Published)
	assert.Equal(t, int64(1), producer.Stats().Requeued)

	// The requeued record goes out on the next cycle.
	require.NoError(t, producer.Flush(ctx, "trades"))
	records := mem.Records("trades")
	require.Len(t, records, 3)

	var payload testPayload
	require.NoError(t, json.Unmarshal(records[2].Data, &payload))
	assert.Equal(t, int64(2), payload.TradeID)
}

func TestRequeueDropsOverHighWater(t *testing.T) {
	mem := NewMemoryBus("trades")
	cfg := DefaultProducerConfig()
	cfg.BatchSize = 3
	cfg.HighWater = 2
	producer := NewProducer(mem, cfg)

	ctx := context.Background()
	q := producer.queue("trades")
	q.mu.Lock()
	for i := 0; i < 6; i++ {
		q.records = append(q.records, Record{Data: []byte(`{}`), PartitionKey: "BTCUSDT"})
	}
	q.mu.Unlock()

	mem.FailNextPuts = 1
	err := producer.Flush(ctx, "trades")
	require.Error(t, err)

	// Three records stayed queued (over the mark), so the failed batch
	// was dropped instead of requeued.
	assert.Equal(t, int64(3), producer.Stats().Dropped)
	assert.Equal(t, 3, producer.QueueLen("trades"))
}

func TestOpenBreakerShortCircuitsFlush(t *testing.T) {
	mem := NewMemoryBus("trades")
	cfg := DefaultProducerConfig()
	cfg.BreakerThreshold = 2
	producer := NewProducer(mem, cfg)

	ctx := context.Background()
	require.NoError(t, producer.Publish(ctx, "trades", "BTCUSDT", testPayload{TradeID: 1}))

	mem.FailNextPuts = 2
	require.Error(t, producer.Flush(ctx, "trades"))
	require.Error(t, producer.Flush(ctx, "trades"))
	assert.Equal(t, "open", producer.BreakerState("trades"))

	// The third flush fails fast without reaching the bus and leaves
	// the record queued.
	err := producer.Flush(ctx, "trades")
	require.ErrorIs(t, err, resilience.ErrBreakerOpen)
	assert.Equal(t, 1, producer.QueueLen("trades"))
	assert.Empty(t, mem.Records("trades"))
}

func TestRunDrainsOnShutdown(t *testing.T) {
	mem := NewMemoryBus("trades")
	cfg := DefaultProducerConfig()
	cfg.FlushInterval = 50 * time.Millisecond
	producer := NewProducer(mem, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- producer.Run(ctx) }()

	require.NoError(t, producer.Publish(ctx, "trades", "BTCUSDT", testPayload{TradeID: 1}))
	require.NoError(t, producer.Publish(ctx, "trades", "BTCUSDT", testPayload{TradeID: 2}))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not stop")
	}

	assert.Len(t, mem.Records("trades"), 2)
	assert.Zero(t, producer.QueueLen("trades"))
}
