// Package backfill pulls historical records from the exchange REST API,
// resumable across restarts via per-(symbol, data-type) checkpoints.
package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/btcpipeline/internal/lake"
)

// Checkpoint records backfill progress for one (symbol, data type).
// LastTimestamp never decreases across writes.
type Checkpoint struct {
	Symbol             string           `json:"symbol"`
	DataType           string           `json:"data_type"`
	LastTimestamp      int64            `json:"last_timestamp"`
	LastTradeID        int64            `json:"last_trade_id,omitempty"`
	TotalRecords       int64            `json:"total_records"`
	LastCollectionTime string           `json:"last_collection_time"`
	Stats              map[string]int64 `json:"stats,omitempty"`
}

// Store persists checkpoints. Load returns (nil, nil) when no checkpoint
// exists yet; checkpoints are created lazily on the first saved batch.
type Store interface {
	Load(ctx context.Context, symbol, dataType string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
}

// LocalStore keeps checkpoints as JSON files in a directory, written
// new-then-renamed so a crash never leaves a torn checkpoint behind.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the directory if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) path(symbol, dataType string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s_checkpoint.json", symbol, dataType))
}

// Load reads the checkpoint for (symbol, dataType), if any.
func (s *LocalStore) Load(_ context.Context, symbol, dataType string) (*Checkpoint, error) {
	raw, err := os.ReadFile(s.path(symbol, dataType))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &cp, nil
}

// Save writes the checkpoint atomically.
func (s *LocalStore) Save(_ context.Context, cp *Checkpoint) error {
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	final := s.path(cp.Symbol, cp.DataType)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("swap checkpoint: %w", err)
	}
	return nil
}

// Sweep removes checkpoint files older than maxAge. This is the only
// path that ever deletes a checkpoint and is operator-triggered.
func (s *LocalStore) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list checkpoint dir: %w", err)
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Swept aged checkpoints")
	}
	return removed, nil
}

// ObjectStoreStore keeps checkpoints in the object store under
// <prefix>/<symbol>/<data_type>/checkpoint.json.
type ObjectStoreStore struct {
	store  lake.ObjectStore
	prefix string
}

// NewObjectStoreStore creates an object-store backed checkpoint store.
func NewObjectStoreStore(store lake.ObjectStore, prefix string) *ObjectStoreStore {
	return &ObjectStoreStore{store: store, prefix: prefix}
}

func (s *ObjectStoreStore) key(symbol, dataType string) string {
	return fmt.Sprintf("%s/%s/%s/checkpoint.json", s.prefix, symbol, dataType)
}

// Load reads the checkpoint for (symbol, dataType), if any.
func (s *ObjectStoreStore) Load(ctx context.Context, symbol, dataType string) (*Checkpoint, error) {
	raw, err := s.store.Get(ctx, s.key(symbol, dataType))
	if err != nil {
		if errors.Is(err, lake.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &cp, nil
}

// Save overwrites the checkpoint object; object-store puts replace the
// whole object, which gives the write-new-then-swap behavior for free.
func (s *ObjectStoreStore) Save(ctx context.Context, cp *Checkpoint) error {
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return s.store.Put(ctx, s.key(cp.Symbol, cp.DataType), raw, lake.PutOptions{
		ContentType: "application/json",
	})
}
