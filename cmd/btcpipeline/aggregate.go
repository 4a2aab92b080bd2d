package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfeed/btcpipeline/internal/aggregator"
	"github.com/quantfeed/btcpipeline/internal/bus"
	"github.com/quantfeed/btcpipeline/internal/config"
	"github.com/quantfeed/btcpipeline/internal/health"
	"github.com/quantfeed/btcpipeline/internal/hotstore"
)

func runAggregate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateAggregate(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	kinesis, err := bus.NewKinesisBus(ctx, kinesisOptions(cfg))
	if err != nil {
		return err
	}
	if err := verifyStreams(ctx, kinesis, cfg.Bus.Streams); err != nil {
		return err
	}

	store := hotstore.New(hotstore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL(),
	})
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("verify redis: %w", err)
	}

	agg := aggregator.New(store, aggregatorConfig(cfg))

	tasks := []func(context.Context) error{agg.Run}
	for messageType, stream := range cfg.Bus.Streams {
		consumer := bus.NewConsumer(kinesis, stream, consumerConfig(cfg), agg.HandlerFor(messageType))
		tasks = append(tasks, consumer.Run)
	}

	server := health.NewServer(cfg.HealthAddr, agg, redisChecker(store))
	tasks = append(tasks, server.Run)

	log.Info().Int("streams", len(cfg.Bus.Streams)).Msg("Aggregation starting")
	return runGroup(ctx, tasks...)
}

func redisChecker(store *hotstore.Store) health.Checker {
	return health.CheckerFunc{
		ComponentName: "hot_store",
		Fn: func(ctx context.Context) health.Report {
			if err := store.Ping(ctx); err != nil {
				return health.Report{
					Status: health.StatusUnhealthy,
					Issues: []string{err.Error()},
				}
			}
			return health.Report{Status: health.StatusHealthy}
		},
	}
}

func aggregatorConfig(cfg *config.Config) aggregator.Config {
	return aggregator.Config{
		BufferCapacity: cfg.Aggregation.BufferCapacity,
		MinMessages:    cfg.Aggregation.MinMessages,
		MaxInterval:    cfg.Aggregation.MaxInterval(),
		CheckInterval:  cfg.Aggregation.CheckInterval(),
	}
}

func consumerConfig(cfg *config.Config) bus.ConsumerConfig {
	cc := bus.DefaultConsumerConfig()
	cc.PageLimit = cfg.Bus.MaxRecordsPerGet
	cc.PollInterval = cfg.Bus.PollInterval()
	return cc
}
