package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/btcpipeline/internal/metrics"
	"github.com/quantfeed/btcpipeline/internal/resilience"
)

// ProducerConfig bounds the batching publisher.
type ProducerConfig struct {
	BatchSize        int
	FlushInterval    time.Duration
	HighWater        int
	BreakerThreshold uint32
	BreakerRecovery  time.Duration
}

// DefaultProducerConfig applies the bus defaults: 500-record batches
// flushed at least every second, 1000-record high-water mark, and a
// per-stream breaker tripping after 5 consecutive failures with 30s recovery.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		BatchSize:        500,
		FlushInterval:    time.Second,
		HighWater:        1000,
		BreakerThreshold: 5,
		BreakerRecovery:  30 * time.Second,
	}
}

// ProducerStats counts producer activity across all streams.
type ProducerStats struct {
	Published int64
	Requeued  int64
	Dropped   int64
	Flushes   int64
}

type streamQueue struct {
	mu        sync.Mutex
	records   []Record
	flushing  bool
	lastFlush time.Time
	breaker   *resilience.Breaker
}

// Producer batches records per stream and publishes them with the bus's
// batch put. Failed records are requeued at the head for the next cycle;
// a stream whose breaker is open keeps its queue intact until recovery.
type Producer struct {
	bus Bus
	cfg ProducerConfig

	mu     sync.Mutex
	queues map[string]*streamQueue
	stats  ProducerStats
	now    func() time.Time
}

// NewProducer creates a producer over the given bus.
func NewProducer(b Bus, cfg ProducerConfig) *Producer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = 1000
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerRecovery <= 0 {
		cfg.BreakerRecovery = 30 * time.Second
	}
	return &Producer{
		bus:    b,
		cfg:    cfg,
		queues: make(map[string]*streamQueue),
		now:    time.Now,
	}
}

// PartitionKey routes by symbol when the payload carries one, preserving
// per-symbol ordering within a shard; otherwise the first 16 hex chars
// of a fast non-crypto hash of the payload spread the load.
func PartitionKey(symbol string, payload []byte) string {
	if symbol != "" {
		return symbol
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}

// Publish serializes payload and enqueues it on stream. The queue is
// flushed in the background once it reaches the batch size; Publish
// itself never blocks on the bus.
func (p *Producer) Publish(ctx context.Context, stream, symbol string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", stream, err)
	}

	q := p.queue(stream)
	q.mu.Lock()
	q.records = append(q.records, Record{Data: data, PartitionKey: PartitionKey(symbol, data)})
	full := len(q.records) >= p.cfg.BatchSize
	q.mu.Unlock()

	if full {
		go p.Flush(ctx, stream)
	}
	return nil
}

// Flush publishes up to one batch from stream. Flushes within a stream
// are single-flight; a concurrent call returns immediately.
func (p *Producer) Flush(ctx context.Context, stream string) error {
	q := p.queue(stream)

	q.mu.Lock()
	if q.flushing || len(q.records) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	n := len(q.records)
	if n > p.cfg.BatchSize {
		n = p.cfg.BatchSize
	}
	batch := make([]Record, n)
	copy(batch, q.records[:n])
	q.records = q.records[n:]
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.lastFlush = p.now()
		q.mu.Unlock()
	}()

	start := p.now()
	var result *PutResult
	err := q.breaker.Execute(func() error {
		var err error
		result, err = p.bus.PutRecords(ctx, stream, batch)
		return err
	})
	metrics.FlushLatency.WithLabelValues(stream).Observe(p.now().Sub(start).Seconds())

	p.addFlush()
	if err != nil {
		p.requeue(q, stream, batch)
		if errors.Is(err, resilience.ErrBreakerOpen) {
			return err
		}
		return fmt.Errorf("flush %s: %w", stream, err)
	}

	if len(result.Failed) > 0 {
		failed := make([]Record, 0, len(result.Failed))
		for _, i := range result.Failed {
			failed = append(failed, batch[i])
		}
		p.requeue(q, stream, failed)
	}

	published := len(batch) - len(result.Failed)
	p.addPublished(published)
	metrics.RecordsPublished.WithLabelValues(stream).Add(float64(published))
	log.Debug().Str("stream", stream).Int("published", published).
		Int("failed", len(result.Failed)).Msg("Bus batch flushed")
	return nil
}

// requeue puts records back at the head of the queue for the next
// cycle, dropping them instead when the queue is past the high-water mark.
func (p *Producer) requeue(q *streamQueue, stream string, records []Record) {
	q.mu.Lock()
	over := len(q.records) > p.cfg.HighWater
	if !over {
		q.records = append(append([]Record(nil), records...), q.records...)
	}
	q.mu.Unlock()

	if over {
		p.addDropped(len(records))
		metrics.RecordsDropped.WithLabelValues("bus_producer").Add(float64(len(records)))
		log.Error().Str("stream", stream).Int("dropped", len(records)).
			Msg("Queue over high-water mark, records dropped")
		return
	}
	p.addRequeued(len(records))
	log.Warn().Str("stream", stream).Int("requeued", len(records)).
		Msg("Failed records requeued at head")
}

// Run drives the time-based flush bound until ctx is cancelled, then
// performs a final drain pass over every non-empty queue.
func (p *Producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, stream := range p.dueStreams() {
				go p.Flush(ctx, stream)
			}
		case <-ctx.Done():
			p.drain()
			return nil
		}
	}
}

// dueStreams lists non-empty streams whose last flush is older than the
// flush interval.
func (p *Producer) dueStreams() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var due []string
	for name, q := range p.queues {
		q.mu.Lock()
		if len(q.records) > 0 && p.now().Sub(q.lastFlush) >= p.cfg.FlushInterval {
			due = append(due, name)
		}
		q.mu.Unlock()
	}
	return due
}

// drain flushes every queue to empty with a bounded context. Records
// that still fail here are already counted as requeued or dropped.
func (p *Producer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.mu.Lock()
	streams := make([]string, 0, len(p.queues))
	for name := range p.queues {
		streams = append(streams, name)
	}
	p.mu.Unlock()

	for _, stream := range streams {
		q := p.queue(stream)
		for {
			q.mu.Lock()
			remaining := len(q.records)
			q.mu.Unlock()
			if remaining == 0 {
				break
			}
			if err := p.Flush(ctx, stream); err != nil {
				log.Error().Str("stream", stream).Err(err).Msg("Final drain flush failed")
				break
			}
		}
	}
}

// QueueLen returns the current depth of one stream queue.
func (p *Producer) QueueLen(stream string) int {
	q := p.queue(stream)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// BreakerState reports the stream breaker state for the health surface.
func (p *Producer) BreakerState(stream string) string {
	return p.queue(stream).breaker.State()
}

// Stats returns a snapshot of the producer counters.
func (p *Producer) Stats() ProducerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Producer) queue(stream string) *streamQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queues[stream]
	if q == nil {
		q = &streamQueue{
			lastFlush: p.now(),
			breaker:   resilience.NewBreaker("bus:"+stream, p.cfg.BreakerThreshold, p.cfg.BreakerRecovery),
		}
		p.queues[stream] = q
	}
	return q
}

func (p *Producer) addPublished(n int) {
	p.mu.Lock()
	p.stats.Published += int64(n)
	p.mu.Unlock()
}

func (p *Producer) addRequeued(n int) {
	p.mu.Lock()
	p.stats.Requeued += int64(n)
	p.mu.Unlock()
}

func (p *Producer) addDropped(n int) {
	p.mu.Lock()
	p.stats.Dropped += int64(n)
	p.mu.Unlock()
}

func (p *Producer) addFlush() {
	p.mu.Lock()
	p.stats.Flushes++
	p.mu.Unlock()
}
