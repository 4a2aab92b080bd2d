// Package models defines the normalized domain records shared by every
// stage of the pipeline. Prices and quantities are decimals that marshal
// to JSON strings, so they round-trip exactly against the string-valued
// exchange APIs and never pass through binary floats.
package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Record sources.
const (
	SourceREST = "rest"
	SourceSBE  = "sbe"
)

// Data types as they appear in object-store keys and warehouse rows.
const (
	DataTypeAggTrades      = "aggTrades"
	DataTypeTrades         = "trades"
	DataTypeKlines         = "klines"
	DataTypeDepthSnapshots = "depth_snapshots"
)

// Message types carried on the streaming feed and the bus.
const (
	MessageTypeTrade      = "trade"
	MessageTypeBestBidAsk = "bestBidAsk"
	MessageTypeDepth      = "depth"
)

// Valid event-timestamp bounds in unix millis: [2020-01-01, 2030-01-01).
const (
	MinValidTimestamp = 1577836800000
	MaxValidTimestamp = 1893456000000
)

// Record is implemented by every domain record that flows through the
// partition writer and the deduplicator.
type Record interface {
	RecordSymbol() string
	RecordEventTS() int64
	DedupKey() string
}

// Trade is a single executed trade, uniquely identified by (symbol, trade_id).
type Trade struct {
	Symbol       string          `json:"symbol"`
	EventTS      int64           `json:"event_ts"`
	IngestTS     int64           `json:"ingest_ts"`
	TradeID      int64           `json:"trade_id"`
	Price        decimal.Decimal `json:"price"`
	Qty          decimal.Decimal `json:"qty"`
	IsBuyerMaker bool            `json:"is_buyer_maker"`
	Source       string          `json:"source"`
}

func (t Trade) RecordSymbol() string { return t.Symbol }
func (t Trade) RecordEventTS() int64 { return t.EventTS }

// DedupKey identifies the trade within the dedup window.
func (t Trade) DedupKey() string { return fmt.Sprintf("%s_%d", t.Symbol, t.TradeID) }

// Validate checks required fields and the event-timestamp bounds.
func (t Trade) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("trade missing symbol")
	}
	if err := validateTimestamp(t.EventTS); err != nil {
		return fmt.Errorf("trade %s: %w", t.Symbol, err)
	}
	if t.Price.Sign() <= 0 {
		return fmt.Errorf("trade %s: non-positive price %s", t.Symbol, t.Price)
	}
	if t.Qty.Sign() <= 0 {
		return fmt.Errorf("trade %s: non-positive qty %s", t.Symbol, t.Qty)
	}
	return nil
}

// BestBidAsk is a top-of-book quote.
type BestBidAsk struct {
	Symbol   string          `json:"symbol"`
	EventTS  int64           `json:"event_ts"`
	IngestTS int64           `json:"ingest_ts"`
	BidPx    decimal.Decimal `json:"bid_px"`
	BidSz    decimal.Decimal `json:"bid_sz"`
	AskPx    decimal.Decimal `json:"ask_px"`
	AskSz    decimal.Decimal `json:"ask_sz"`
	Source   string          `json:"source"`
}

func (b BestBidAsk) RecordSymbol() string { return b.Symbol }
func (b BestBidAsk) RecordEventTS() int64 { return b.EventTS }
func (b BestBidAsk) DedupKey() string     { return fmt.Sprintf("%s_%d", b.Symbol, b.EventTS) }

// Validate checks required fields and that the book is not crossed upside down.
func (b BestBidAsk) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bba missing symbol")
	}
	if err := validateTimestamp(b.EventTS); err != nil {
		return fmt.Errorf("bba %s: %w", b.Symbol, err)
	}
	if b.BidPx.Sign() <= 0 || b.AskPx.Sign() <= 0 {
		return fmt.Errorf("bba %s: non-positive quote", b.Symbol)
	}
	return nil
}

// PriceLevel is a [price, qty] pair carried as decimal strings so depth
// levels survive JSON round trips byte-for-string.
type PriceLevel [2]string

// Price parses the level price.
func (l PriceLevel) Price() (decimal.Decimal, error) { return decimal.NewFromString(l[0]) }

// Qty parses the level quantity.
func (l PriceLevel) Qty() (decimal.Decimal, error) { return decimal.NewFromString(l[1]) }

// DepthUpdate is an order-book snapshot or delta. Bids are sorted
// descending, asks ascending.
type DepthUpdate struct {
	Symbol       string       `json:"symbol"`
	EventTS      int64        `json:"event_ts"`
	IngestTS     int64        `json:"ingest_ts"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID int64        `json:"last_update_id,omitempty"`
	Source       string       `json:"source"`
}

func (d DepthUpdate) RecordSymbol() string { return d.Symbol }
func (d DepthUpdate) RecordEventTS() int64 { return d.EventTS }

// DedupKey prefers the exchange update id, falling back to the event time.
func (d DepthUpdate) DedupKey() string {
	if d.LastUpdateID != 0 {
		return fmt.Sprintf("%s_%d", d.Symbol, d.LastUpdateID)
	}
	return fmt.Sprintf("%s_%d", d.Symbol, d.EventTS)
}

// Validate checks required fields and timestamp bounds.
func (d DepthUpdate) Validate() error {
	if d.Symbol == "" {
		return fmt.Errorf("depth missing symbol")
	}
	if err := validateTimestamp(d.EventTS); err != nil {
		return fmt.Errorf("depth %s: %w", d.Symbol, err)
	}
	if len(d.Bids) == 0 && len(d.Asks) == 0 {
		return fmt.Errorf("depth %s: empty book", d.Symbol)
	}
	return nil
}

// Kline is a single OHLCV candle, uniquely identified by
// (symbol, interval, open_time).
type Kline struct {
	Symbol      string          `json:"symbol"`
	Interval    string          `json:"interval"`
	OpenTime    int64           `json:"open_time"`
	CloseTime   int64           `json:"close_time"`
	Open        decimal.Decimal `json:"open_price"`
	High        decimal.Decimal `json:"high_price"`
	Low         decimal.Decimal `json:"low_price"`
	Close       decimal.Decimal `json:"close_price"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	TradeCount  int64           `json:"trade_count"`
	IngestTS    int64           `json:"ingest_ts"`
	Source      string          `json:"source"`
}

func (k Kline) RecordSymbol() string { return k.Symbol }
func (k Kline) RecordEventTS() int64 { return k.OpenTime }

// DedupKey identifies the candle within the dedup window.
func (k Kline) DedupKey() string {
	return fmt.Sprintf("%s_%s_%d", k.Symbol, k.Interval, k.OpenTime)
}

// Validate checks required fields and timestamp bounds.
func (k Kline) Validate() error {
	if k.Symbol == "" {
		return fmt.Errorf("kline missing symbol")
	}
	if k.Interval == "" {
		return fmt.Errorf("kline %s: missing interval", k.Symbol)
	}
	if err := validateTimestamp(k.OpenTime); err != nil {
		return fmt.Errorf("kline %s: %w", k.Symbol, err)
	}
	if k.CloseTime < k.OpenTime {
		return fmt.Errorf("kline %s: close_time before open_time", k.Symbol)
	}
	return nil
}

// VWAP returns quote_volume / volume, or the close price when the candle
// traded no volume.
func (k Kline) VWAP() decimal.Decimal {
	if k.Volume.Sign() <= 0 {
		return k.Close
	}
	return k.QuoteVolume.Div(k.Volume)
}

func validateTimestamp(ts int64) error {
	if ts < MinValidTimestamp || ts >= MaxValidTimestamp {
		return fmt.Errorf("timestamp %d outside valid range [%d, %d)", ts, MinValidTimestamp, MaxValidTimestamp)
	}
	return nil
}
