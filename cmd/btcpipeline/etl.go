package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfeed/btcpipeline/internal/etl"
	"github.com/quantfeed/btcpipeline/internal/health"
	"github.com/quantfeed/btcpipeline/internal/lake"
	"github.com/quantfeed/btcpipeline/internal/warehouse"
)

func runETL(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateETL(); err != nil {
		return err
	}
	once, _ := cmd.Flags().GetBool("once")
	skipSchema, _ := cmd.Flags().GetBool("skip-schema")

	ctx, stop := signalContext()
	defer stop()

	store, err := lake.NewS3Store(ctx, cfg.AWS.S3Bucket, s3Options(cfg))
	if err != nil {
		return err
	}
	if err := store.HeadBucket(ctx); err != nil {
		return fmt.Errorf("verify bucket %s: %w", cfg.AWS.S3Bucket, err)
	}

	wh, err := warehouse.New(cfg.Database.DSN(), 30*time.Second)
	if err != nil {
		return err
	}
	defer wh.Close()
	if err := wh.Ping(ctx); err != nil {
		return fmt.Errorf("verify warehouse: %w", err)
	}
	if !skipSchema {
		if err := wh.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	pipe := etl.New(store, wh, etl.Config{
		Prefix:        cfg.AWS.BronzePrefix,
		CycleInterval: time.Duration(cfg.ETL.CycleIntervalSec) * time.Second,
		BatchSize:     cfg.ETL.BatchSize,
	})

	if once {
		return pipe.RunCycle(ctx)
	}

	server := health.NewServer(cfg.HealthAddr, pipe, warehouseChecker(wh))

	log.Info().Str("prefix", cfg.AWS.BronzePrefix).Msg("ETL loop starting")
	return runGroup(ctx,
		pipe.Run,
		server.Run,
	)
}

func warehouseChecker(wh *warehouse.Store) health.Checker {
	return health.CheckerFunc{
		ComponentName: "warehouse",
		Fn: func(ctx context.Context) health.Report {
			stats := wh.Stats()
			report := health.Report{
				Status: health.StatusHealthy,
				Stats: map[string]any{
					"records_written": stats.RecordsWritten,
					"duplicate_skips": stats.DuplicateSkips,
					"write_errors":    stats.WriteErrors,
				},
			}
			if err := wh.Ping(ctx); err != nil {
				report.Status = health.StatusUnhealthy
				report.Issues = append(report.Issues, err.Error())
			}
			return report
		},
	}
}
