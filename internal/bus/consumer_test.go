package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/btcpipeline/internal/resilience"
)

type recordCollector struct {
	mu      sync.Mutex
	records []ReceivedRecord
}

func (c *recordCollector) handle(_ context.Context, records []ReceivedRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, records...)
	return nil
}

func (c *recordCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *recordCollector) all() []ReceivedRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ReceivedRecord(nil), c.records...)
}

func fastConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		PageLimit:    100,
		PollInterval: 5 * time.Millisecond,
		ThrottleWait: 5 * time.Millisecond,
	}
}

func put(t *testing.T, mem *MemoryBus, stream string, payloads ...string) {
	t.Helper()
	records := make([]Record, len(payloads))
	for i, p := range payloads {
		records[i] = Record{Data: []byte(p), PartitionKey: "BTCUSDT"}
	}
	result, err := mem.PutRecords(context.Background(), stream, records)
	require.NoError(t, err)
	require.Empty(t, result.Failed)
}

func TestConsumerTailsFromLatest(t *testing.T) {
	mem := NewMemoryBus("trades")
	// Published before the consumer starts; LATEST must skip it.
	put(t, mem, "trades", `{"trade_id":0}`)

	collector := &recordCollector{}
	consumer := NewConsumer(mem, "trades", fastConsumerConfig(), collector.handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	put(t, mem, "trades", `{"trade_id":1}`, `{"trade_id":2}`)

	require.Eventually(t, func() bool { return collector.len() == 2 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	records := collector.all()
	assert.Equal(t, `{"trade_id":1}`, string(records[0].Data))
	assert.Equal(t, `{"trade_id":2}`, string(records[1].Data))
}

func TestConsumerResumesAfterIteratorExpiry(t *testing.T) {
	mem := NewMemoryBus("trades")
	collector := &recordCollector{}
	consumer := NewConsumer(mem, "trades", fastConsumerConfig(), collector.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	put(t, mem, "trades", `{"trade_id":1}`)
	require.Eventually(t, func() bool { return collector.len() == 1 },
		2*time.Second, 5*time.Millisecond)

	// Expire the iterator, then publish more; the consumer must resume
	// after the last seen sequence without skipping or re-reading.
	mem.mu.Lock()
	mem.ExpireNextIterator = true
	mem.mu.Unlock()
	put(t, mem, "trades", `{"trade_id":2}`, `{"trade_id":3}`)

	require.Eventually(t, func() bool { return collector.len() == 3 },
		2*time.Second, 5*time.Millisecond)

	records := collector.all()
	assert.Equal(t, `{"trade_id":2}`, string(records[1].Data))
	assert.Equal(t, `{"trade_id":3}`, string(records[2].Data))

	cancel()
	<-done
}

func TestConsumerBacksOffWhenThrottled(t *testing.T) {
	mem := NewMemoryBus("trades")
	collector := &recordCollector{}
	consumer := NewConsumer(mem, "trades", fastConsumerConfig(), collector.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	mem.mu.Lock()
	mem.ThrottleNextGets = 2
	mem.mu.Unlock()
	put(t, mem, "trades", `{"trade_id":1}`)

	require.Eventually(t, func() bool { return collector.len() == 1 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestConsumerFailsWithoutShards(t *testing.T) {
	mem := NewMemoryBus()
	consumer := NewConsumer(mem, "missing", fastConsumerConfig(), nil)
	err := consumer.Run(context.Background())
	require.Error(t, err)
}

func fastRetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}
}

func TestConsumerRetriesTransientReadFailures(t *testing.T) {
	mem := NewMemoryBus("trades")
	collector := &recordCollector{}
	cfg := fastConsumerConfig()
	cfg.Retry = fastRetryPolicy()
	consumer := NewConsumer(mem, "trades", cfg, collector.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	// A short run of generic read failures must not kill the shard reader.
	mem.mu.Lock()
	mem.FailNextGets = 2
	mem.mu.Unlock()
	put(t, mem, "trades", `{"trade_id":1}`)

	require.Eventually(t, func() bool { return collector.len() == 1 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

const deadShardID = "shardId-000000000001"

// deadShardBus presents a second shard whose reads always fail, leaving
// the embedded MemoryBus shard healthy.
type deadShardBus struct {
	*MemoryBus
}

func (b *deadShardBus) DescribeStream(ctx context.Context, stream string) (*StreamDescription, error) {
	desc, err := b.MemoryBus.DescribeStream(ctx, stream)
	if err != nil {
		return nil, err
	}
	desc.ShardIDs = append(desc.ShardIDs, deadShardID)
	return desc, nil
}

func (b *deadShardBus) GetShardIterator(ctx context.Context, stream, shardID, iteratorType, sequenceNumber string) (string, error) {
	if shardID == deadShardID {
		return "dead", nil
	}
	return b.MemoryBus.GetShardIterator(ctx, stream, shardID, iteratorType, sequenceNumber)
}

func (b *deadShardBus) GetRecords(ctx context.Context, iterator string, limit int) (*GetOutput, error) {
	if iterator == "dead" {
		return nil, errors.New("connection reset by peer")
	}
	return b.MemoryBus.GetRecords(ctx, iterator, limit)
}

func TestConsumerStopsWhenOneShardDies(t *testing.T) {
	b := &deadShardBus{MemoryBus: NewMemoryBus("trades")}
	collector := &recordCollector{}
	cfg := fastConsumerConfig()
	cfg.Retry = fastRetryPolicy()
	consumer := NewConsumer(b, "trades", cfg, collector.handle)

	done := make(chan error, 1)
	go func() { done <- consumer.Run(context.Background()) }()

	// The failing shard must take the whole consumer down once its retry
	// budget is spent, not leave the healthy shard polling alone.
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), deadShardID)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer kept running with a dead shard")
	}
}
