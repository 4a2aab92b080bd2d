// Package exchange implements the client for the exchange's public REST
// API: historical aggregate trades, klines, and order-book snapshots.
// Responses carry prices as strings; they are parsed into decimals and
// never pass through floats.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantfeed/btcpipeline/internal/models"
	"github.com/quantfeed/btcpipeline/internal/ratelimit"
)

// MaxPageSize is the exchange's per-request record cap.
const MaxPageSize = 1000

// ErrTransient marks retriable transport failures (5xx, resets, timeouts).
var ErrTransient = errors.New("transient transport error")

// IsTransient reports whether err should be retried by the caller's policy.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// RESTClient is a rate-limited client for the exchange REST API.
type RESTClient struct {
	baseURL string
	http    *http.Client
	limiter *ratelimit.Limiter
	sleep   func(context.Context, time.Duration) error
}

// NewRESTClient creates a client with the given per-minute rate budget
// and per-call timeout.
func NewRESTClient(baseURL string, perMinute int, timeout time.Duration) (*RESTClient, error) {
	limiter, err := ratelimit.New(perMinute)
	if err != nil {
		return nil, err
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		sleep:   sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// aggTrade is the exchange wire shape for /api/v3/aggTrades.
type aggTrade struct {
	ID           int64  `json:"a"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	Timestamp    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// GetAggTrades fetches up to limit aggregate trades for symbol in
// [startTime, endTime] millis, normalized to the domain shape.
func (c *RESTClient) GetAggTrades(ctx context.Context, symbol string, startTime, endTime int64, limit int) ([]models.Trade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(clampLimit(limit)))
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}

	body, err := c.get(ctx, "/api/v3/aggTrades", params)
	if err != nil {
		return nil, err
	}

	var raw []aggTrade
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode aggTrades response: %w", err)
	}

	now := time.Now().UnixMilli()
	trades := make([]models.Trade, 0, len(raw))
	for _, r := range raw {
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, fmt.Errorf("aggTrade %d: bad price %q: %w", r.ID, r.Price, err)
		}
		qty, err := decimal.NewFromString(r.Qty)
		if err != nil {
			return nil, fmt.Errorf("aggTrade %d: bad qty %q: %w", r.ID, r.Qty, err)
		}
		trades = append(trades, models.Trade{
			Symbol:       symbol,
			EventTS:      r.Timestamp,
			IngestTS:     now,
			TradeID:      r.ID,
			Price:        price,
			Qty:          qty,
			IsBuyerMaker: r.IsBuyerMaker,
			Source:       models.SourceREST,
		})
	}
	return trades, nil
}

// GetKlines fetches up to limit candles for symbol at the given interval.
func (c *RESTClient) GetKlines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]models.Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(clampLimit(limit)))
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}

	body, err := c.get(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	// Klines arrive as positional arrays:
	// [openTime, open, high, low, close, volume, closeTime, quoteVolume, count, ...]
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines response: %w", err)
	}

	now := time.Now().UnixMilli()
	klines := make([]models.Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 9 {
			log.Warn().Str("symbol", symbol).Int("fields", len(row)).Msg("Short kline row dropped")
			continue
		}
		k := models.Kline{Symbol: symbol, Interval: interval, IngestTS: now, Source: models.SourceREST}
		var err error
		if err = json.Unmarshal(row[0], &k.OpenTime); err == nil {
			err = json.Unmarshal(row[6], &k.CloseTime)
		}
		if err != nil {
			return nil, fmt.Errorf("decode kline times: %w", err)
		}
		if k.Open, err = decimalField(row[1]); err != nil {
			return nil, fmt.Errorf("kline open: %w", err)
		}
		if k.High, err = decimalField(row[2]); err != nil {
			return nil, fmt.Errorf("kline high: %w", err)
		}
		if k.Low, err = decimalField(row[3]); err != nil {
			return nil, fmt.Errorf("kline low: %w", err)
		}
		if k.Close, err = decimalField(row[4]); err != nil {
			return nil, fmt.Errorf("kline close: %w", err)
		}
		if k.Volume, err = decimalField(row[5]); err != nil {
			return nil, fmt.Errorf("kline volume: %w", err)
		}
		if k.QuoteVolume, err = decimalField(row[7]); err != nil {
			return nil, fmt.Errorf("kline quote volume: %w", err)
		}
		if err = json.Unmarshal(row[8], &k.TradeCount); err != nil {
			return nil, fmt.Errorf("kline trade count: %w", err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// depthResponse is the exchange wire shape for /api/v3/depth.
type depthResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// GetDepth fetches an order-book snapshot with up to limit levels a side.
func (c *RESTClient) GetDepth(ctx context.Context, symbol string, limit int) (*models.DepthUpdate, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "/api/v3/depth", params)
	if err != nil {
		return nil, err
	}

	var raw depthResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode depth response: %w", err)
	}

	now := time.Now().UnixMilli()
	depth := &models.DepthUpdate{
		Symbol:       symbol,
		EventTS:      now,
		IngestTS:     now,
		LastUpdateID: raw.LastUpdateID,
		Bids:         make([]models.PriceLevel, len(raw.Bids)),
		Asks:         make([]models.PriceLevel, len(raw.Asks)),
		Source:       models.SourceREST,
	}
	for i, level := range raw.Bids {
		depth.Bids[i] = models.PriceLevel(level)
	}
	for i, level := range raw.Asks {
		depth.Asks[i] = models.PriceLevel(level)
	}
	return depth, nil
}

// get performs one rate-limited request. A 429 response sleeps for
// Retry-After seconds and retries once at the same position; that retry
// does not consume the caller's retry budget.
func (c *RESTClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	body, retryAfter, err := c.getOnce(ctx, path, params)
	if retryAfter > 0 {
		log.Warn().Str("path", path).Dur("retry_after", retryAfter).Msg("Rate limited by exchange, backing off")
		if err := c.sleep(ctx, retryAfter); err != nil {
			return nil, err
		}
		body, retryAfter, err = c.getOnce(ctx, path, params)
		if retryAfter > 0 {
			return nil, fmt.Errorf("%w: still rate limited after Retry-After", ErrTransient)
		}
	}
	return body, err
}

// getOnce returns a non-zero retryAfter only for 429 responses.
func (c *RESTClient) getOnce(ctx context.Context, path string, params url.Values) ([]byte, time.Duration, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: read body: %v", ErrTransient, err)
		}
		return body, 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 60 * time.Second
		if header := resp.Header.Get("Retry-After"); header != "" {
			if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, retryAfter, nil
	case resp.StatusCode >= 500:
		return nil, 0, fmt.Errorf("%w: server status %d", ErrTransient, resp.StatusCode)
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, 0, fmt.Errorf("exchange returned status %d: %s", resp.StatusCode, string(body))
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func decimalField(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(s)
}
