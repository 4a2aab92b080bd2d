// Package hotstore writes windowed feature records to Redis with a
// bounded TTL, keyed so consumers can read either a point-in-time
// snapshot or the latest value per symbol.
package hotstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrNoFeatures is returned when no feature record exists for the key.
var ErrNoFeatures = errors.New("no features stored")

// Config locates the Redis instance and bounds record lifetime.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Store is the hot feature store. Both the timestamped key and the
// :latest alias carry the same TTL, so neither outlives the other.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects a store; the connection is verified separately via Ping.
func New(cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = 300 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{client: client, ttl: cfg.TTL}
}

// NewWithClient wraps an existing client, used with redismock in tests.
func NewWithClient(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// FeatureKey renders features:<SYMBOL>:<unix_seconds>.
func FeatureKey(symbol string, ts time.Time) string {
	return fmt.Sprintf("features:%s:%d", strings.ToUpper(symbol), ts.Unix())
}

// LatestKey renders the per-symbol latest alias.
func LatestKey(symbol string) string {
	return fmt.Sprintf("features:%s:latest", strings.ToUpper(symbol))
}

// WriteFeatures stores one feature record under both the timestamped
// key and the latest alias.
func (s *Store) WriteFeatures(ctx context.Context, symbol string, ts time.Time, features map[string]any) error {
	payload, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("marshal features for %s: %w", symbol, err)
	}

	key := FeatureKey(symbol, ts)
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := s.client.Set(ctx, LatestKey(symbol), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", LatestKey(symbol), err)
	}

	log.Debug().Str("key", key).Int("fields", len(features)).Msg("Features written")
	return nil
}

// ReadLatest returns the latest feature record for symbol.
func (s *Store) ReadLatest(ctx context.Context, symbol string) (map[string]any, error) {
	return s.read(ctx, LatestKey(symbol))
}

// ReadAt returns the feature record stored at ts, if still live.
func (s *Store) ReadAt(ctx context.Context, symbol string, ts time.Time) (map[string]any, error) {
	return s.read(ctx, FeatureKey(symbol, ts))
}

func (s *Store) read(ctx context.Context, key string) (map[string]any, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNoFeatures, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	var features map[string]any
	if err := json.Unmarshal(raw, &features); err != nil {
		return nil, fmt.Errorf("parse features at %s: %w", key, err)
	}
	return features, nil
}

// Keys lists the live feature keys for symbol, the latest alias included.
func (s *Store) Keys(ctx context.Context, symbol string) ([]string, error) {
	pattern := fmt.Sprintf("features:%s:*", strings.ToUpper(symbol))
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", pattern, err)
	}
	return keys, nil
}

// Ping verifies connectivity; used as a fatal startup check.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }
