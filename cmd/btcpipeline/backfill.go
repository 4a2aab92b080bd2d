package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfeed/btcpipeline/internal/backfill"
	"github.com/quantfeed/btcpipeline/internal/config"
	"github.com/quantfeed/btcpipeline/internal/dedup"
	"github.com/quantfeed/btcpipeline/internal/exchange"
	"github.com/quantfeed/btcpipeline/internal/lake"
	"github.com/quantfeed/btcpipeline/internal/models"
	"github.com/quantfeed/btcpipeline/internal/resilience"
)

func runBackfill(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateIngest(); err != nil {
		return err
	}

	start, end, err := parseWindow(cmd)
	if err != nil {
		return err
	}
	symbols, _ := cmd.Flags().GetStringSlice("symbols")
	if len(symbols) == 0 {
		symbols = cfg.Exchange.Symbols
	}
	withTrades, _ := cmd.Flags().GetBool("trades")
	withKlines, _ := cmd.Flags().GetBool("klines")
	withDepth, _ := cmd.Flags().GetBool("depth")

	ctx, stop := signalContext()
	defer stop()

	store, err := lake.NewS3Store(ctx, cfg.AWS.S3Bucket, s3Options(cfg))
	if err != nil {
		return err
	}
	if err := store.HeadBucket(ctx); err != nil {
		return fmt.Errorf("verify bucket %s: %w", cfg.AWS.S3Bucket, err)
	}

	writer := lake.NewWriter(store, dedup.New(dedupConfig(cfg)), writerConfig(cfg))

	checkpoints, err := checkpointStore(cfg, store)
	if err != nil {
		return err
	}

	rest, err := exchange.NewRESTClient(cfg.Exchange.RestURL,
		cfg.Exchange.RateLimitPerMinute,
		time.Duration(cfg.Exchange.RequestTimeoutSec)*time.Second)
	if err != nil {
		return err
	}

	bf := backfill.New(rest, checkpoints, backfillConfig(cfg))

	sink := func(symbol, dataType string) backfill.BatchSink {
		return func(ctx context.Context, records []models.Record) error {
			if len(records) == 0 {
				return nil
			}
			partition := time.UnixMilli(records[0].RecordEventTS()).UTC()
			_, err := writer.WriteBatch(ctx, symbol, dataType, records, partition)
			return err
		}
	}

	for _, symbol := range symbols {
		symbol = strings.ToUpper(symbol)

		if withTrades {
			cp, err := bf.BackfillAggTrades(ctx, symbol, start.UnixMilli(), end.UnixMilli(),
				sink(symbol, models.DataTypeAggTrades))
			if err != nil {
				return fmt.Errorf("backfill %s aggTrades: %w", symbol, err)
			}
			if cp != nil {
				log.Info().Str("symbol", symbol).Int64("records", cp.TotalRecords).
					Msg("Trade backfill complete")
			}
		}
		if withKlines {
			cp, err := bf.BackfillKlines(ctx, symbol, cfg.Exchange.KlineInterval,
				start.UnixMilli(), end.UnixMilli(), sink(symbol, models.DataTypeKlines))
			if err != nil {
				return fmt.Errorf("backfill %s klines: %w", symbol, err)
			}
			if cp != nil {
				log.Info().Str("symbol", symbol).Int64("records", cp.TotalRecords).
					Msg("Kline backfill complete")
			}
		}
	}

	if withDepth {
		return pollDepth(ctx, cfg, bf, symbols, sink)
	}
	return nil
}

// pollDepth collects a depth snapshot per symbol on the configured
// interval until the context is cancelled.
func pollDepth(ctx context.Context, cfg *config.Config, bf *backfill.Backfiller,
	symbols []string, sink func(symbol, dataType string) backfill.BatchSink) error {

	interval := time.Duration(cfg.Backfill.DepthSnapshotSec) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Depth snapshot polling started")
	for {
		select {
		case <-ticker.C:
			for _, symbol := range symbols {
				err := bf.CollectDepthSnapshot(ctx, symbol,
					cfg.Backfill.DepthSnapshotLimit,
					sink(strings.ToUpper(symbol), models.DataTypeDepthSnapshots))
				if err != nil {
					log.Warn().Str("symbol", symbol).Err(err).Msg("Depth snapshot failed")
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func parseWindow(cmd *cobra.Command) (time.Time, time.Time, error) {
	startStr, _ := cmd.Flags().GetString("start")
	if startStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--start is required")
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse --start: %w", err)
	}

	end := time.Now().UTC()
	if endStr, _ := cmd.Flags().GetString("end"); endStr != "" {
		if end, err = time.Parse(time.RFC3339, endStr); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse --end: %w", err)
		}
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--end must be after --start")
	}
	return start, end, nil
}

func checkpointStore(cfg *config.Config, store lake.ObjectStore) (backfill.Store, error) {
	if cfg.Backfill.StorageType == "s3" {
		return backfill.NewObjectStoreStore(store, cfg.AWS.CheckpointPrefix), nil
	}
	local, err := backfill.NewLocalStore(cfg.Backfill.LocalDirectory)
	if err != nil {
		return nil, err
	}
	if days := cfg.Backfill.CheckpointSweepDays; days > 0 {
		if removed, err := local.Sweep(time.Duration(days) * 24 * time.Hour); err != nil {
			log.Warn().Err(err).Msg("Checkpoint sweep failed")
		} else if removed > 0 {
			log.Info().Int("removed", removed).Msg("Stale checkpoints swept")
		}
	}
	return local, nil
}

func s3Options(cfg *config.Config) lake.S3Options {
	return lake.S3Options{
		Region:      cfg.AWS.Region,
		EndpointURL: cfg.AWS.EndpointURL,
	}
}

func dedupConfig(cfg *config.Config) dedup.Config {
	return dedup.Config{
		Window:          time.Duration(cfg.Dedup.WindowSec) * time.Second,
		MaxPerSymbol:    cfg.Dedup.MaxRecordsPerSymbol,
		CleanupInterval: time.Duration(cfg.Dedup.CleanupIntervalSec) * time.Second,
	}
}

func writerConfig(cfg *config.Config) lake.WriterConfig {
	wc := lake.DefaultWriterConfig(cfg.AWS.BronzePrefix)
	wc.Compression = cfg.Writer.Compression
	wc.BufferSize = cfg.Writer.BufferSize
	wc.BufferIdle = time.Duration(cfg.Writer.BufferIdleSec) * time.Second
	wc.Retry.MaxAttempts = cfg.Writer.PutMaxAttempts
	return wc
}

func backfillConfig(cfg *config.Config) backfill.Config {
	bc := backfill.DefaultConfig()
	bc.Politeness = time.Duration(cfg.Backfill.PolitenessDelayMs) * time.Millisecond
	bc.Retry = retryPolicy(cfg)
	bc.Retry.Retriable = exchange.IsTransient
	return bc
}

func retryPolicy(cfg *config.Config) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay(),
		MaxDelay:     cfg.Retry.MaxDelay(),
		Multiplier:   cfg.Retry.Multiplier,
		Jitter:       cfg.Retry.Jitter,
	}
}
