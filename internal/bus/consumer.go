package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/btcpipeline/internal/resilience"
)

// RecordHandler receives each page of records read from one shard.
type RecordHandler func(ctx context.Context, records []ReceivedRecord) error

// ConsumerConfig bounds the shard readers. Retry covers transient
// GetRecords failures; the expiry and throttle sentinels bypass it and
// keep their dedicated handling.
type ConsumerConfig struct {
	PageLimit    int
	PollInterval time.Duration
	ThrottleWait time.Duration
	Retry        resilience.RetryPolicy
}

// DefaultConsumerConfig polls each shard every 200ms for pages of up to
// 1000 records, backing off 2s when throttled and retrying transient
// read failures with the shared transport policy.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		PageLimit:    1000,
		PollInterval: 200 * time.Millisecond,
		ThrottleWait: 2 * time.Second,
		Retry:        resilience.DefaultRetryPolicy(),
	}
}

// Consumer tails every shard of one stream from LATEST, re-acquiring
// expired iterators at the last seen sequence number so no records are
// skipped across the gap.
type Consumer struct {
	bus     Bus
	stream  string
	cfg     ConsumerConfig
	handler RecordHandler

	sleep func(context.Context, time.Duration) error
}

// NewConsumer creates a consumer for stream delivering pages to handler.
func NewConsumer(b Bus, stream string, cfg ConsumerConfig, handler RecordHandler) *Consumer {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.ThrottleWait <= 0 {
		cfg.ThrottleWait = 2 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryPolicy()
	}
	cfg.Retry.Retriable = func(err error) bool {
		return !errors.Is(err, ErrExpiredIterator) && !errors.Is(err, ErrThrottled)
	}
	return &Consumer{
		bus:     b,
		stream:  stream,
		cfg:     cfg,
		handler: handler,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// Run discovers the stream's shards and tails each one until ctx is
// cancelled. A shard reader failing permanently takes the consumer down.
func (c *Consumer) Run(ctx context.Context) error {
	desc, err := c.bus.DescribeStream(ctx, c.stream)
	if err != nil {
		return err
	}
	if len(desc.ShardIDs) == 0 {
		return fmt.Errorf("stream %s has no shards", c.stream)
	}

	log.Info().Str("stream", c.stream).Int("shards", len(desc.ShardIDs)).
		Msg("Consumer starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(desc.ShardIDs))
	var wg sync.WaitGroup
	for _, shardID := range desc.ShardIDs {
		wg.Add(1)
		go func(shardID string) {
			defer wg.Done()
			if err := c.tailShard(ctx, shardID); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("shard %s: %w", shardID, err)
				cancel()
			}
		}(shardID)
	}

	wg.Wait()
	close(errCh)
	return <-errCh
}

func (c *Consumer) tailShard(ctx context.Context, shardID string) error {
	iterator, err := c.bus.GetShardIterator(ctx, c.stream, shardID, IteratorLatest, "")
	if err != nil {
		return err
	}

	lastSequence := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var page *GetOutput
		err := c.cfg.Retry.Do(ctx, "get records", func(ctx context.Context) error {
			var err error
			page, err = c.bus.GetRecords(ctx, iterator, c.cfg.PageLimit)
			return err
		})
		switch {
		case errors.Is(err, ErrExpiredIterator):
			iterator, err = c.reacquire(ctx, shardID, lastSequence)
			if err != nil {
				return err
			}
			continue
		case errors.Is(err, ErrThrottled):
			log.Warn().Str("stream", c.stream).Str("shard", shardID).
				Msg("Shard read throttled, backing off")
			if err := c.sleep(ctx, c.cfg.ThrottleWait); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}

		if len(page.Records) > 0 {
			lastSequence = page.Records[len(page.Records)-1].SequenceNumber
			if err := c.handler(ctx, page.Records); err != nil {
				return fmt.Errorf("handle records: %w", err)
			}
		}

		iterator = page.NextIterator
		if len(page.Records) == 0 {
			if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
				return err
			}
		}
	}
}

// reacquire gets a fresh iterator after expiry, resuming after the last
// seen sequence or falling back to LATEST when nothing was read yet.
func (c *Consumer) reacquire(ctx context.Context, shardID, lastSequence string) (string, error) {
	if lastSequence == "" {
		return c.bus.GetShardIterator(ctx, c.stream, shardID, IteratorLatest, "")
	}
	return c.bus.GetShardIterator(ctx, c.stream, shardID, IteratorAfterSequence, lastSequence)
}
