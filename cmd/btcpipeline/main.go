// Command btcpipeline runs the market-data pipeline services: REST
// backfill, SBE stream ingestion, feature aggregation, and the
// bronze-to-warehouse ETL loader.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfeed/btcpipeline/internal/config"
	applog "github.com/quantfeed/btcpipeline/internal/log"
)

const version = "v1.2.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "btcpipeline",
		Short:   "Bitcoin market-data pipeline",
		Version: version,
		Long: `btcpipeline ingests Bitcoin market data over REST and the SBE
websocket feed, lands it in the bronze object store, publishes it on the
bus, aggregates rolling features into the hot store, and batch-loads the
bronze layer into the warehouse.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to the YAML config file")

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Backfill historical data over REST into the bronze layer",
		RunE:  runBackfill,
	}
	backfillCmd.Flags().String("start", "", "Start of the window (RFC3339), required")
	backfillCmd.Flags().String("end", "", "End of the window (RFC3339), defaults to now")
	backfillCmd.Flags().StringSlice("symbols", nil, "Symbols to backfill, defaults to exchange.symbols")
	backfillCmd.Flags().Bool("trades", true, "Backfill aggregated trades")
	backfillCmd.Flags().Bool("klines", true, "Backfill klines")
	backfillCmd.Flags().Bool("depth", false, "Poll depth snapshots until interrupted")

	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "Ingest the SBE websocket feed and publish to the bus",
		RunE:  runStream,
	}

	aggregateCmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Consume the bus and write windowed features to the hot store",
		RunE:  runAggregate,
	}

	etlCmd := &cobra.Command{
		Use:   "etl",
		Short: "Load bronze partition objects into the warehouse",
		RunE:  runETL,
	}
	etlCmd.Flags().Bool("once", false, "Run a single cycle and exit")
	etlCmd.Flags().Bool("skip-schema", false, "Skip schema and partition creation")

	rootCmd.AddCommand(backfillCmd, streamCmd, aggregateCmd, etlCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadConfig reads the config named by --config and installs the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	applog.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runGroup runs every task until the first error or context cancel;
// any exit cancels the rest.
func runGroup(ctx context.Context, tasks ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(tasks))
	for _, task := range tasks {
		wg.Add(1)
		go func(task func(context.Context) error) {
			defer wg.Done()
			if err := task(ctx); err != nil {
				errCh <- err
				cancel()
			}
		}(task)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}
