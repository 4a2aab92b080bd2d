// Package sbe implements the exchange's binary streaming feed: a frame
// decoder for the SBE message layout and a websocket client that keeps
// one logical connection alive across reconnects.
package sbe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantfeed/btcpipeline/internal/models"
)

// Expected schema pair; frames from any other schema are rejected.
const (
	SchemaID      = 1
	SchemaVersion = 0
)

// Stream template IDs.
const (
	TemplateTrade      = 10000
	TemplateBestBidAsk = 10001
	TemplateDepthSnap  = 10002
	TemplateDepthDiff  = 10003
)

const headerLen = 8

// Decode failure modes.
var (
	ErrShortFrame      = errors.New("frame shorter than message header")
	ErrSchemaMismatch  = errors.New("frame schema mismatch")
	ErrUnknownTemplate = errors.New("unknown template id")
	ErrTruncatedBody   = errors.New("frame body truncated")
)

// Header is the fixed 8-byte little-endian SBE message header.
type Header struct {
	BlockLength uint16
	TemplateID  uint16
	SchemaID    uint16
	Version     uint16
}

// ParseHeader reads the message header from the front of a frame.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < headerLen {
		return Header{}, ErrShortFrame
	}
	return Header{
		BlockLength: binary.LittleEndian.Uint16(frame[0:2]),
		TemplateID:  binary.LittleEndian.Uint16(frame[2:4]),
		SchemaID:    binary.LittleEndian.Uint16(frame[4:6]),
		Version:     binary.LittleEndian.Uint16(frame[6:8]),
	}, nil
}

// Message is one decoded and normalized feed message. Exactly one of
// the record pointers is set, matching Type.
type Message struct {
	Type       string
	Trade      *models.Trade
	BestBidAsk *models.BestBidAsk
	Depth      *models.DepthUpdate
}

// Record returns the populated domain record.
func (m Message) Record() models.Record {
	switch m.Type {
	case models.MessageTypeTrade:
		return *m.Trade
	case models.MessageTypeBestBidAsk:
		return *m.BestBidAsk
	default:
		return *m.Depth
	}
}

// Decoder turns binary frames into normalized domain records. In strict
// mode unknown template IDs are rejected; lax mode attempts the trade
// layout, which exists only for first-day compatibility with a new
// schema revision.
type Decoder struct {
	Strict bool

	now func() time.Time
}

// NewDecoder creates a decoder; strict selects unknown-template handling.
func NewDecoder(strict bool) *Decoder {
	return &Decoder{Strict: strict, now: time.Now}
}

// Decode parses one frame into a normalized message. Numeric fields
// arrive as (exponent, mantissa) pairs and are reconstructed as
// decimals without passing through binary floats.
func (d *Decoder) Decode(frame []byte) (Message, error) {
	hdr, err := ParseHeader(frame)
	if err != nil {
		return Message{}, err
	}
	if hdr.SchemaID != SchemaID || hdr.Version != SchemaVersion {
		return Message{}, fmt.Errorf("%w: got %d:%d, want %d:%d",
			ErrSchemaMismatch, hdr.SchemaID, hdr.Version, SchemaID, SchemaVersion)
	}

	body := frame[headerLen:]
	switch hdr.TemplateID {
	case TemplateTrade:
		return d.decodeTrade(body)
	case TemplateBestBidAsk:
		return d.decodeBestBidAsk(body)
	case TemplateDepthSnap, TemplateDepthDiff:
		return d.decodeDepth(body)
	default:
		if d.Strict {
			return Message{}, fmt.Errorf("%w: %d", ErrUnknownTemplate, hdr.TemplateID)
		}
		log.Warn().Uint16("template_id", hdr.TemplateID).
			Msg("Unknown template, attempting trade layout")
		return d.decodeTrade(body)
	}
}

// frame body layouts, all little-endian
//
//	trade:      eventTime u64(us) transactTime u64(us) priceExp i8 qtyExp i8
//	            group{ blockLength u16 numInGroup u16 }
//	            entry{ tradeId u64 priceMantissa i64 qtyMantissa i64 buyerMaker u8 }...
//	            symbol{ len u8 ascii... }
//	bestBidAsk: eventTime u64(us) bookUpdateId u64 priceExp i8 qtyExp i8
//	            bidPx i64 bidQty i64 askPx i64 askQty i64
//	            symbol{ len u8 ascii... }
//	depth:      eventTime u64(us) lastUpdateId u64 priceExp i8 qtyExp i8
//	            bids group{...} entry{ px i64 qty i64 }... asks group ...
//	            symbol{ len u8 ascii... }

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = ErrTruncatedBody
		return false
	}
	return true
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) i8() int8 {
	if !r.need(1) {
		return 0
	}
	v := int8(r.buf[r.off])
	r.off++
	return v
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

// symbol reads the trailing length-prefixed symbol and upper-cases it.
func (r *reader) symbol() string {
	n := int(r.u8())
	if !r.need(n) {
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return strings.ToUpper(s)
}

func (d *Decoder) decodeTrade(body []byte) (Message, error) {
	r := &reader{buf: body}
	eventUS := r.u64()
	r.u64() // transact time, not carried on the domain record
	priceExp := r.i8()
	qtyExp := r.i8()

	entryLen := int(r.u16())
	count := int(r.u16())
	if r.err != nil {
		return Message{}, r.err
	}
	if count < 1 {
		return Message{}, fmt.Errorf("%w: empty trade group", ErrTruncatedBody)
	}

	// The stream delivers one trade per frame; extra group entries are
	// skipped by their declared block length.
	tradeID := r.u64()
	price := r.i64()
	qty := r.i64()
	buyerMaker := r.u8()
	if consumed := 25; entryLen > consumed && r.need(entryLen-consumed) {
		r.off += entryLen - consumed
	}
	for i := 1; i < count; i++ {
		if r.need(entryLen) {
			r.off += entryLen
		}
	}
	symbol := r.symbol()
	if r.err != nil {
		return Message{}, r.err
	}

	trade := &models.Trade{
		Symbol:       symbol,
		EventTS:      int64(eventUS / 1000),
		IngestTS:     d.now().UnixMilli(),
		TradeID:      int64(tradeID),
		Price:        decimal.New(price, int32(priceExp)),
		Qty:          decimal.New(qty, int32(qtyExp)),
		IsBuyerMaker: buyerMaker != 0,
		Source:       models.SourceSBE,
	}
	return Message{Type: models.MessageTypeTrade, Trade: trade}, nil
}

func (d *Decoder) decodeBestBidAsk(body []byte) (Message, error) {
	r := &reader{buf: body}
	eventUS := r.u64()
	r.u64() // book update id, advisory only
	priceExp := r.i8()
	qtyExp := r.i8()
	bidPx := r.i64()
	bidQty := r.i64()
	askPx := r.i64()
	askQty := r.i64()
	symbol := r.symbol()
	if r.err != nil {
		return Message{}, r.err
	}

	bba := &models.BestBidAsk{
		Symbol:   symbol,
		EventTS:  int64(eventUS / 1000),
		IngestTS: d.now().UnixMilli(),
		BidPx:    decimal.New(bidPx, int32(priceExp)),
		BidSz:    decimal.New(bidQty, int32(qtyExp)),
		AskPx:    decimal.New(askPx, int32(priceExp)),
		AskSz:    decimal.New(askQty, int32(qtyExp)),
		Source:   models.SourceSBE,
	}
	return Message{Type: models.MessageTypeBestBidAsk, BestBidAsk: bba}, nil
}

func (d *Decoder) decodeDepth(body []byte) (Message, error) {
	r := &reader{buf: body}
	eventUS := r.u64()
	lastUpdateID := r.i64()
	priceExp := r.i8()
	qtyExp := r.i8()

	bids := d.decodeLevels(r, priceExp, qtyExp)
	asks := d.decodeLevels(r, priceExp, qtyExp)
	symbol := r.symbol()
	if r.err != nil {
		return Message{}, r.err
	}

	depth := &models.DepthUpdate{
		Symbol:       symbol,
		EventTS:      int64(eventUS / 1000),
		IngestTS:     d.now().UnixMilli(),
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: lastUpdateID,
		Source:       models.SourceSBE,
	}
	return Message{Type: models.MessageTypeDepth, Depth: depth}, nil
}

// decodeLevels reads one price-level group, rendering each level as
// [price_string, qty_string] so it round-trips through JSON exactly.
func (d *Decoder) decodeLevels(r *reader, priceExp, qtyExp int8) []models.PriceLevel {
	entryLen := int(r.u16())
	count := int(r.u16())
	if r.err != nil {
		return nil
	}

	levels := make([]models.PriceLevel, 0, count)
	for i := 0; i < count; i++ {
		px := r.i64()
		qty := r.i64()
		if consumed := 16; entryLen > consumed && r.need(entryLen-consumed) {
			r.off += entryLen - consumed
		}
		if r.err != nil {
			return nil
		}
		levels = append(levels, models.PriceLevel{
			decimal.New(px, int32(priceExp)).String(),
			decimal.New(qty, int32(qtyExp)).String(),
		})
	}
	return levels
}
