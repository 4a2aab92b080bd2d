package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfeed/btcpipeline/internal/bus"
	"github.com/quantfeed/btcpipeline/internal/config"
	"github.com/quantfeed/btcpipeline/internal/health"
	"github.com/quantfeed/btcpipeline/internal/models"
	"github.com/quantfeed/btcpipeline/internal/sbe"
)

func runStream(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateStream(); err != nil {
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

	producer := bus.NewProducer(kinesis, producerConfig(cfg))

	clientCfg := sbe.DefaultClientConfig(cfg.Exchange.WsURL, cfg.Exchange.Symbols, streamNames(cfg))
	clientCfg.APIKey = cfg.Exchange.APIKey
	clientCfg.Strict = cfg.Exchange.StrictSBE
	clientCfg.MaxReconnects = cfg.Exchange.ReconnectMaxAttempts
	client := sbe.NewClient(clientCfg)

	for messageType, stream := range cfg.Bus.Streams {
		client.OnMessage(messageType, publishHandler(producer, stream))
	}

	server := health.NewServer(cfg.HealthAddr,
		feedChecker(client),
		producerChecker(producer, cfg.Bus.Streams),
	)

	log.Info().Strs("symbols", cfg.Exchange.Symbols).Msg("Stream ingestion starting")
	return runGroup(ctx,
		client.Run,
		producer.Run,
		server.Run,
	)
}

// publishHandler validates each decoded message and publishes it on the
// stream for its message type. Invalid records are dropped.
func publishHandler(producer *bus.Producer, stream string) sbe.Handler {
	return func(msg sbe.Message) {
		rec := msg.Record()
		if rec == nil {
			return
		}
		if err := validateRecord(rec); err != nil {
			log.Warn().Str("stream", stream).Err(err).Msg("Invalid record dropped")
			return
		}
		if err := producer.Publish(context.Background(), stream, rec.RecordSymbol(), rec); err != nil {
			log.Error().Str("stream", stream).Err(err).Msg("Publish failed")
		}
	}
}

func validateRecord(rec models.Record) error {
	switch r := rec.(type) {
	case models.Trade:
		return r.Validate()
	case models.BestBidAsk:
		return r.Validate()
	case models.DepthUpdate:
		return r.Validate()
	default:
		return fmt.Errorf("unsupported record type %T", rec)
	}
}

// verifyStreams fails fast when any configured stream is missing or inactive.
func verifyStreams(ctx context.Context, b bus.Bus, streams map[string]string) error {
	for messageType, stream := range streams {
		desc, err := b.DescribeStream(ctx, stream)
		if err != nil {
			return fmt.Errorf("describe stream %s (%s): %w", stream, messageType, err)
		}
		if desc.Status != "ACTIVE" {
			return fmt.Errorf("stream %s is %s, want ACTIVE", stream, desc.Status)
		}
		log.Info().Str("stream", stream).Int("shards", len(desc.ShardIDs)).Msg("Stream verified")
	}
	return nil
}

func streamNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Bus.Streams))
	for messageType := range cfg.Bus.Streams {
		names = append(names, messageType)
	}
	return names
}

func feedChecker(client *sbe.Client) health.Checker {
	return health.CheckerFunc{
		ComponentName: "sbe_feed",
		Fn: func(context.Context) health.Report {
			report := health.Report{
				Status: health.StatusHealthy,
				Stats:  map[string]any{"state": string(client.State())},
			}
			if !client.Healthy() {
				report.Status = health.StatusUnhealthy
				report.Issues = append(report.Issues, "feed not connected or silent")
			}
			return report
		},
	}
}

func producerChecker(producer *bus.Producer, streams map[string]string) health.Checker {
	return health.CheckerFunc{
		ComponentName: "bus_producer",
		Fn: func(context.Context) health.Report {
			stats := producer.Stats()
			report := health.Report{
				Status: health.StatusHealthy,
				Stats: map[string]any{
					"published": stats.Published,
					"requeued":  stats.Requeued,
					"dropped":   stats.Dropped,
					"flushes":   stats.Flushes,
				},
			}
			for _, stream := range streams {
				if producer.BreakerState(stream) == "open" {
					report.Status = health.StatusUnhealthy
					report.Issues = append(report.Issues, "breaker open: "+stream)
				}
				if producer.QueueLen(stream) > 1000 {
					if report.Status == health.StatusHealthy {
						report.Status = health.StatusDegraded
					}
					report.Issues = append(report.Issues, "queue backlog: "+stream)
				}
			}
			return report
		},
	}
}

func kinesisOptions(cfg *config.Config) bus.KinesisOptions {
	return bus.KinesisOptions{
		Region:      cfg.AWS.Region,
		EndpointURL: cfg.AWS.EndpointURL,
	}
}

func producerConfig(cfg *config.Config) bus.ProducerConfig {
	pc := bus.DefaultProducerConfig()
	pc.BatchSize = cfg.Bus.BatchSize
	pc.FlushInterval = cfg.Bus.FlushInterval()
	pc.BreakerThreshold = cfg.Retry.BreakerThreshold
	pc.BreakerRecovery = cfg.Retry.BreakerRecovery()
	return pc
}
