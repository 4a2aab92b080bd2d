// Package dedup provides an advisory time-windowed deduplicator. It guards
// against double-writes on the hot path; the authoritative duplicate guards
// are the backfill checkpoints and the warehouse unique index, so a miss
// after a restart is tolerated.
package dedup

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config bounds the deduplicator's memory and window.
type Config struct {
	Window          time.Duration
	MaxPerSymbol    int
	CleanupInterval time.Duration
}

// DefaultConfig mirrors the ingestion defaults: 1 hour window, 100k
// records per symbol, sweep every 5 minutes.
func DefaultConfig() Config {
	return Config{
		Window:          time.Hour,
		MaxPerSymbol:    100000,
		CleanupInterval: 5 * time.Minute,
	}
}

// Stats counts deduplicator activity.
type Stats struct {
	TotalChecks     int64
	DuplicatesFound int64
	UniqueRecords   int64
	CleanupRuns     int64
	RecordsCleaned  int64
}

type entry struct {
	recordID  string
	firstSeen time.Time
	elem      *list.Element
}

type symbolState struct {
	seen  map[string]*entry
	order *list.List // front = oldest, values are *entry
}

// Deduplicator tracks first-seen times per (symbol, record id) with an
// LRU cap per symbol and a periodic sweep of expired entries.
type Deduplicator struct {
	mu          sync.Mutex
	cfg         Config
	symbols     map[string]*symbolState
	lastCleanup time.Time
	stats       Stats
	now         func() time.Time
}

// New creates a deduplicator with the given bounds.
func New(cfg Config) *Deduplicator {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.MaxPerSymbol <= 0 {
		cfg.MaxPerSymbol = 100000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	return &Deduplicator{
		cfg:         cfg,
		symbols:     make(map[string]*symbolState),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// IsUnique reports whether the record has not been seen for symbol within
// the window. Seeing a record again outside the window refreshes its
// first-seen time and reports unique.
func (d *Deduplicator) IsUnique(symbol, recordID string, eventTS int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.TotalChecks++
	now := d.now()

	if now.Sub(d.lastCleanup) > d.cfg.CleanupInterval {
		d.cleanupLocked(now)
	}

	state := d.symbols[symbol]
	if state == nil {
		state = &symbolState{seen: make(map[string]*entry), order: list.New()}
		d.symbols[symbol] = state
	}

	if existing, ok := state.seen[recordID]; ok {
		if now.Sub(existing.firstSeen) < d.cfg.Window {
			d.stats.DuplicatesFound++
			return false
		}
		// Outside the window: refresh and move to the back of the LRU order.
		existing.firstSeen = now
		state.order.MoveToBack(existing.elem)
		d.stats.UniqueRecords++
		return true
	}

	e := &entry{recordID: recordID, firstSeen: now}
	e.elem = state.order.PushBack(e)
	state.seen[recordID] = e
	d.stats.UniqueRecords++

	// Per-symbol cap: evict from the front until within bound.
	for len(state.seen) > d.cfg.MaxPerSymbol {
		front := state.order.Front()
		if front == nil {
			break
		}
		oldest := front.Value.(*entry)
		state.order.Remove(front)
		delete(state.seen, oldest.recordID)
		d.stats.RecordsCleaned++
	}

	return true
}

// Stats returns a snapshot of the deduplicator counters.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// cleanupLocked drops entries older than the window across all symbols.
func (d *Deduplicator) cleanupLocked(now time.Time) {
	d.lastCleanup = now
	d.stats.CleanupRuns++

	cleaned := int64(0)
	for symbol, state := range d.symbols {
		for {
			front := state.order.Front()
			if front == nil {
				break
			}
			oldest := front.Value.(*entry)
			if now.Sub(oldest.firstSeen) < d.cfg.Window {
				break
			}
			state.order.Remove(front)
			delete(state.seen, oldest.recordID)
			cleaned++
		}
		if len(state.seen) == 0 {
			delete(d.symbols, symbol)
		}
	}

	d.stats.RecordsCleaned += cleaned
	if cleaned > 0 {
		log.Debug().Int64("records_cleaned", cleaned).Msg("Deduplicator sweep completed")
	}
}
