// Package config loads the per-service YAML configuration. Values may
// reference environment variables as ${VAR} or ${VAR:-default}; expansion
// happens before unmarshalling.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full pipeline configuration. Each service reads the
// sections it needs and validates them at startup; validation failure
// is fatal.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	HealthAddr  string            `yaml:"health_addr"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	AWS         AWSConfig         `yaml:"aws"`
	Bus         BusConfig         `yaml:"bus"`
	Backfill    BackfillConfig    `yaml:"backfill"`
	Writer      WriterConfig      `yaml:"writer"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Retry       RetryConfig       `yaml:"retry"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	ETL         ETLConfig         `yaml:"etl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ExchangeConfig covers both the REST and streaming endpoints.
type ExchangeConfig struct {
	RestURL              string   `yaml:"rest_url"`
	WsURL                string   `yaml:"ws_url"`
	APIKey               string   `yaml:"api_key"`
	Symbols              []string `yaml:"symbols"`
	Streams              []string `yaml:"streams"` // trade, bestBidAsk, depth
	KlineInterval        string   `yaml:"kline_interval"`
	RateLimitPerMinute   int      `yaml:"rate_limit_per_minute"`
	RequestTimeoutSec    int      `yaml:"request_timeout_sec"`
	StrictSBE            bool     `yaml:"strict_sbe"`
	ReconnectMaxAttempts int      `yaml:"reconnect_max_attempts"`
}

type AWSConfig struct {
	Region           string `yaml:"region"`
	EndpointURL      string `yaml:"endpoint_url"`
	S3Bucket         string `yaml:"s3_bucket"`
	BronzePrefix     string `yaml:"bronze_prefix"`
	CheckpointPrefix string `yaml:"checkpoint_prefix"`
}

// BusConfig names the per-message-type streams and bounds the producer
// and consumer behavior.
type BusConfig struct {
	Streams          map[string]string `yaml:"streams"` // message type -> stream name
	BatchSize        int               `yaml:"batch_size"`
	FlushIntervalSec float64           `yaml:"flush_interval_sec"`
	PollIntervalSec  float64           `yaml:"poll_interval_sec"`
	MaxRecordsPerGet int               `yaml:"max_records_per_get"`
	OpTimeoutSec     int               `yaml:"op_timeout_sec"`
}

type BackfillConfig struct {
	StorageType         string `yaml:"storage_type"` // local or s3
	LocalDirectory      string `yaml:"local_directory"`
	PolitenessDelayMs   int    `yaml:"politeness_delay_ms"`
	DepthSnapshotSec    int    `yaml:"depth_snapshot_sec"`
	DepthSnapshotLimit  int    `yaml:"depth_snapshot_limit"`
	CheckpointSweepDays int    `yaml:"checkpoint_sweep_days"`
}

type WriterConfig struct {
	Compression    bool `yaml:"compression"`
	BufferSize     int  `yaml:"buffer_size"`
	BufferIdleSec  int  `yaml:"buffer_idle_sec"`
	PutMaxAttempts int  `yaml:"put_max_attempts"`
}

type DedupConfig struct {
	WindowSec           int `yaml:"window_sec"`
	MaxRecordsPerSymbol int `yaml:"max_records_per_symbol"`
	CleanupIntervalSec  int `yaml:"cleanup_interval_sec"`
}

type RetryConfig struct {
	MaxAttempts        int     `yaml:"max_attempts"`
	InitialDelaySec    float64 `yaml:"initial_delay_sec"`
	MaxDelaySec        float64 `yaml:"max_delay_sec"`
	Multiplier         float64 `yaml:"multiplier"`
	Jitter             bool    `yaml:"jitter"`
	BreakerThreshold   uint32  `yaml:"breaker_threshold"`
	BreakerRecoverySec int     `yaml:"breaker_recovery_sec"`
}

type AggregationConfig struct {
	MinMessages      int     `yaml:"min_messages"`
	MaxIntervalSec   float64 `yaml:"max_interval_sec"`
	CheckIntervalSec float64 `yaml:"check_interval_sec"`
	BufferCapacity   int     `yaml:"buffer_capacity"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"`
	DB         int    `yaml:"db"`
	Password   string `yaml:"password"`
	KeyPrefix  string `yaml:"key_prefix"`
	FeatureTTL int    `yaml:"feature_ttl_sec"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

type ETLConfig struct {
	CycleIntervalSec int `yaml:"cycle_interval_sec"`
	BatchSize        int `yaml:"batch_size"`
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:-default} references. An unset
// variable without a default expands to the empty string.
func ExpandEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envVarPattern.FindSubmatch(match)
		name := string(groups[1])
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		if len(groups[2]) > 0 {
			return groups[3]
		}
		return nil
	})
}

// Load reads, expands, and unmarshals the YAML file at path, then applies
// defaults for unset tuning knobs.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(ExpandEnv(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.HealthAddr == "" {
		c.HealthAddr = ":8080"
	}
	if c.Exchange.RateLimitPerMinute == 0 {
		c.Exchange.RateLimitPerMinute = 1200
	}
	if c.Exchange.RequestTimeoutSec == 0 {
		c.Exchange.RequestTimeoutSec = 30
	}
	if c.Exchange.KlineInterval == "" {
		c.Exchange.KlineInterval = "1m"
	}
	if c.Exchange.ReconnectMaxAttempts == 0 {
		c.Exchange.ReconnectMaxAttempts = 10
	}
	if c.Bus.BatchSize == 0 {
		c.Bus.BatchSize = 500
	}
	if c.Bus.FlushIntervalSec == 0 {
		c.Bus.FlushIntervalSec = 1
	}
	if c.Bus.PollIntervalSec == 0 {
		c.Bus.PollIntervalSec = 1
	}
	if c.Bus.MaxRecordsPerGet == 0 {
		c.Bus.MaxRecordsPerGet = 100
	}
	if c.Bus.OpTimeoutSec == 0 {
		c.Bus.OpTimeoutSec = 10
	}
	if c.Backfill.StorageType == "" {
		c.Backfill.StorageType = "local"
	}
	if c.Backfill.LocalDirectory == "" {
		c.Backfill.LocalDirectory = "checkpoints"
	}
	if c.Backfill.PolitenessDelayMs == 0 {
		c.Backfill.PolitenessDelayMs = 100
	}
	if c.Backfill.DepthSnapshotLimit == 0 {
		c.Backfill.DepthSnapshotLimit = 100
	}
	if c.Writer.BufferSize == 0 {
		c.Writer.BufferSize = 1000
	}
	if c.Writer.BufferIdleSec == 0 {
		c.Writer.BufferIdleSec = 300
	}
	if c.Writer.PutMaxAttempts == 0 {
		c.Writer.PutMaxAttempts = 3
	}
	if c.Dedup.WindowSec == 0 {
		c.Dedup.WindowSec = 3600
	}
	if c.Dedup.MaxRecordsPerSymbol == 0 {
		c.Dedup.MaxRecordsPerSymbol = 100000
	}
	if c.Dedup.CleanupIntervalSec == 0 {
		c.Dedup.CleanupIntervalSec = 300
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelaySec == 0 {
		c.Retry.InitialDelaySec = 1
	}
	if c.Retry.MaxDelaySec == 0 {
		c.Retry.MaxDelaySec = 60
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.BreakerThreshold == 0 {
		c.Retry.BreakerThreshold = 5
	}
	if c.Retry.BreakerRecoverySec == 0 {
		c.Retry.BreakerRecoverySec = 30
	}
	if c.Aggregation.MinMessages == 0 {
		c.Aggregation.MinMessages = 10
	}
	if c.Aggregation.MaxIntervalSec == 0 {
		c.Aggregation.MaxIntervalSec = 5
	}
	if c.Aggregation.CheckIntervalSec == 0 {
		c.Aggregation.CheckIntervalSec = 1
	}
	if c.Aggregation.BufferCapacity == 0 {
		c.Aggregation.BufferCapacity = 1000
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "features"
	}
	if c.Redis.FeatureTTL == 0 {
		c.Redis.FeatureTTL = 300
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.ETL.CycleIntervalSec == 0 {
		c.ETL.CycleIntervalSec = 60
	}
	if c.ETL.BatchSize == 0 {
		c.ETL.BatchSize = 1000
	}
	if c.AWS.BronzePrefix == "" {
		c.AWS.BronzePrefix = "bronze"
	}
	if c.AWS.CheckpointPrefix == "" {
		c.AWS.CheckpointPrefix = "checkpoints"
	}
}

// ValidateIngest checks the fields the ingestion services depend on.
func (c *Config) ValidateIngest() error {
	if c.Exchange.RestURL == "" {
		return fmt.Errorf("exchange.rest_url is required")
	}
	if len(c.Exchange.Symbols) == 0 {
		return fmt.Errorf("exchange.symbols must not be empty")
	}
	if c.AWS.S3Bucket == "" {
		return fmt.Errorf("aws.s3_bucket is required")
	}
	if c.Backfill.StorageType != "local" && c.Backfill.StorageType != "s3" {
		return fmt.Errorf("backfill.storage_type must be local or s3, got %q", c.Backfill.StorageType)
	}
	return nil
}

// ValidateStream checks the fields the streaming service depends on.
func (c *Config) ValidateStream() error {
	if c.Exchange.WsURL == "" {
		return fmt.Errorf("exchange.ws_url is required")
	}
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required for the stream")
	}
	if len(c.Exchange.Symbols) == 0 {
		return fmt.Errorf("exchange.symbols must not be empty")
	}
	if len(c.Bus.Streams) == 0 {
		return fmt.Errorf("bus.streams must not be empty")
	}
	return nil
}

// ValidateAggregate checks the fields the aggregator depends on.
func (c *Config) ValidateAggregate() error {
	if len(c.Bus.Streams) == 0 {
		return fmt.Errorf("bus.streams must not be empty")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}

// ValidateETL checks the fields the ETL service depends on.
func (c *Config) ValidateETL() error {
	if c.AWS.S3Bucket == "" {
		return fmt.Errorf("aws.s3_bucket is required")
	}
	if c.Database.Host == "" || c.Database.Name == "" || c.Database.User == "" {
		return fmt.Errorf("database host, name, and user are required")
	}
	return nil
}

// Duration helpers keep callers out of the unit-conversion business.

func (b BusConfig) FlushInterval() time.Duration {
	return time.Duration(b.FlushIntervalSec * float64(time.Second))
}

func (b BusConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalSec * float64(time.Second))
}

func (b BusConfig) OpTimeout() time.Duration {
	return time.Duration(b.OpTimeoutSec) * time.Second
}

func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelaySec * float64(time.Second))
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySec * float64(time.Second))
}

func (r RetryConfig) BreakerRecovery() time.Duration {
	return time.Duration(r.BreakerRecoverySec) * time.Second
}

func (a AggregationConfig) MaxInterval() time.Duration {
	return time.Duration(a.MaxIntervalSec * float64(time.Second))
}

func (a AggregationConfig) CheckInterval() time.Duration {
	return time.Duration(a.CheckIntervalSec * float64(time.Second))
}

func (r RedisConfig) TTL() time.Duration {
	return time.Duration(r.FeatureTTL) * time.Second
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	parts := []string{
		fmt.Sprintf("host=%s", d.Host),
		fmt.Sprintf("port=%d", d.Port),
		fmt.Sprintf("user=%s", d.User),
		fmt.Sprintf("dbname=%s", d.Name),
		fmt.Sprintf("sslmode=%s", d.SSLMode),
	}
	if d.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", d.Password))
	}
	return strings.Join(parts, " ")
}
