// Package metrics registers the Prometheus instruments shared by the
// pipeline services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsIngested counts normalized records produced by the edge
	// components, labeled by source (rest, sbe) and data type.
	RecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcpipeline_records_ingested_total",
		Help: "Normalized records ingested from the exchange",
	}, []string{"source", "data_type"})

	// RecordsPublished counts records successfully published to the bus.
	RecordsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcpipeline_records_published_total",
		Help: "Records published to the bus per stream",
	}, []string{"stream"})

	// RecordsDropped counts records dropped on overflow or permanent failure.
	RecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcpipeline_records_dropped_total",
		Help: "Records dropped on overflow or permanent failure",
	}, []string{"component"})

	// DuplicateSkips counts duplicates absorbed at any dedup point.
	DuplicateSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcpipeline_duplicate_skips_total",
		Help: "Duplicate records skipped",
	}, []string{"component"})

	// DecodeErrors counts streaming frames that failed to decode.
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btcpipeline_sbe_decode_errors_total",
		Help: "SBE frames that failed to decode",
	})

	// FlushLatency observes bus flush round trips per stream.
	FlushLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "btcpipeline_bus_flush_seconds",
		Help:    "Latency of bus batch flushes",
		Buckets: prometheus.DefBuckets,
	}, []string{"stream"})

	// ObjectsWritten counts partition objects landed in the object store.
	ObjectsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcpipeline_lake_objects_written_total",
		Help: "Partition objects written to the object store",
	}, []string{"data_type"})

	// FeaturesWritten counts feature records written to the hot store.
	FeaturesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcpipeline_features_written_total",
		Help: "Feature records written to the hot store",
	}, []string{"message_type"})

	// ETLCycles counts completed ETL cycles by outcome.
	ETLCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcpipeline_etl_cycles_total",
		Help: "Completed ETL cycles",
	}, []string{"outcome"})

	// ETLRowsWritten counts warehouse rows written by data type.
	ETLRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcpipeline_etl_rows_written_total",
		Help: "Warehouse rows written",
	}, []string{"data_type"})
)
