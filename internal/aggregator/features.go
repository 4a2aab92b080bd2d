// Package aggregator windows bus records per (symbol, message type) and
// derives feature records for the hot store.
package aggregator

import (
	"math"

	"github.com/quantfeed/btcpipeline/internal/models"
)

// Feature maps feed the hot store as a single JSON value. All values
// are finite; divisions guard their denominators.

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdev is the sample standard deviation; below two points it is 0.
func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

func minMax(xs []float64) (float64, float64) {
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}

// buildTradeFeatures derives window features from trades sorted by event_ts.
func buildTradeFeatures(trades []models.Trade) map[string]any {
	prices := make([]float64, 0, len(trades))
	volumes := make([]float64, 0, len(trades))
	var buyVolume, sellVolume, totalValue float64
	var firstTS, lastTS int64

	for _, t := range trades {
		price := t.Price.InexactFloat64()
		qty := t.Qty.InexactFloat64()
		if price <= 0 || qty <= 0 {
			continue
		}
		if len(prices) == 0 {
			firstTS = t.EventTS
		}
		lastTS = t.EventTS
		prices = append(prices, price)
		volumes = append(volumes, qty)
		totalValue += price * qty
		// The taker is the aggressor: a maker buyer means the taker sold.
		if t.IsBuyerMaker {
			sellVolume += qty
		} else {
			buyVolume += qty
		}
	}
	if len(prices) == 0 {
		return nil
	}

	totalVolume := 0.0
	for _, v := range volumes {
		totalVolume += v
	}
	count := len(prices)
	avgPrice := mean(prices)

	vwap := avgPrice
	if totalVolume > 0 {
		vwap = totalValue / totalVolume
	}

	timeSpan := 1.0
	if count > 1 {
		timeSpan = float64(lastTS-firstTS) / 1000
	}

	priceChange := 0.0
	priceChangePct := 0.0
	if count > 1 {
		priceChange = prices[count-1] - prices[0]
		if prices[0] > 0 {
			priceChangePct = priceChange / prices[0] * 100
		}
	}

	minPrice, maxPrice := minMax(prices)

	return map[string]any{
		"price":             prices[count-1],
		"volume":            totalVolume,
		"vwap":              vwap,
		"price_change":      priceChange,
		"price_change_pct":  priceChangePct,
		"min_price":         minPrice,
		"max_price":         maxPrice,
		"avg_price":         avgPrice,
		"price_volatility":  stdev(prices),
		"trade_count":       count,
		"trades_per_second": float64(count) / math.Max(timeSpan, 1),
		"buy_volume":        buyVolume,
		"sell_volume":       sellVolume,
		"volume_imbalance":  (buyVolume - sellVolume) / math.Max(totalVolume, 1),
		"avg_trade_size":    totalVolume / float64(count),
		"time_span_seconds": timeSpan,
	}
}

// buildQuoteFeatures derives window features from top-of-book quotes
// sorted by event_ts.
func buildQuoteFeatures(quotes []models.BestBidAsk) map[string]any {
	var bids, asks, bidSizes, askSizes, spreads, mids []float64

	for _, q := range quotes {
		bid := q.BidPx.InexactFloat64()
		ask := q.AskPx.InexactFloat64()
		if bid <= 0 || ask <= 0 {
			continue
		}
		bids = append(bids, bid)
		asks = append(asks, ask)
		bidSizes = append(bidSizes, q.BidSz.InexactFloat64())
		askSizes = append(askSizes, q.AskSz.InexactFloat64())
		spreads = append(spreads, ask-bid)
		mids = append(mids, (bid+ask)/2)
	}
	if len(bids) == 0 {
		return nil
	}

	n := len(bids)
	latestSpread := spreads[n-1]
	latestMid := mids[n-1]

	totalBidSize := 0.0
	totalAskSize := 0.0
	for i := range bidSizes {
		totalBidSize += bidSizes[i]
		totalAskSize += askSizes[i]
	}

	spreadPct := 0.0
	if latestMid > 0 {
		spreadPct = latestSpread / latestMid * 100
	}

	midChange := 0.0
	midChangePct := 0.0
	if n > 1 {
		midChange = mids[n-1] - mids[0]
		if mids[0] > 0 {
			midChangePct = midChange / mids[0] * 100
		}
	}

	minSpread, maxSpread := minMax(spreads)

	return map[string]any{
		"price":             latestMid,
		"bid_price":         bids[n-1],
		"ask_price":         asks[n-1],
		"spread":            latestSpread,
		"spread_pct":        spreadPct,
		"mid_price":         latestMid,
		"avg_bid":           mean(bids),
		"avg_ask":           mean(asks),
		"avg_spread":        mean(spreads),
		"avg_mid":           mean(mids),
		"min_spread":        minSpread,
		"max_spread":        maxSpread,
		"spread_volatility": stdev(spreads),
		"bid_size":          bidSizes[n-1],
		"ask_size":          askSizes[n-1],
		"avg_bid_size":      mean(bidSizes),
		"avg_ask_size":      mean(askSizes),
		"total_bid_size":    totalBidSize,
		"total_ask_size":    totalAskSize,
		"size_imbalance":    (totalBidSize - totalAskSize) / math.Max(totalBidSize+totalAskSize, 1),
		"mid_change":        midChange,
		"mid_change_pct":    midChangePct,
		"update_count":      n,
	}
}

// buildDepthFeatures derives features from the latest depth snapshot in
// the window; earlier snapshots are superseded.
func buildDepthFeatures(depths []models.DepthUpdate) map[string]any {
	if len(depths) == 0 {
		return nil
	}
	latest := depths[len(depths)-1]
	if len(latest.Bids) == 0 || len(latest.Asks) == 0 {
		return nil
	}

	bestBidPx, bestBidQty, ok := levelFloats(latest.Bids[0])
	if !ok {
		return nil
	}
	bestAskPx, bestAskQty, ok := levelFloats(latest.Asks[0])
	if !ok {
		return nil
	}

	spread := bestAskPx - bestBidPx
	mid := (bestBidPx + bestAskPx) / 2

	bidDepth, bidWeighted := sideDepth(latest.Bids, 5)
	askDepth, askWeighted := sideDepth(latest.Asks, 5)

	spreadPct := 0.0
	if mid > 0 {
		spreadPct = spread / mid * 100
	}

	return map[string]any{
		"price":              mid,
		"bid_price":          bestBidPx,
		"ask_price":          bestAskPx,
		"spread":             spread,
		"spread_pct":         spreadPct,
		"mid_price":          mid,
		"bid_size":           bestBidQty,
		"ask_size":           bestAskQty,
		"bid_depth_5":        bidDepth,
		"ask_depth_5":        askDepth,
		"depth_imbalance":    (bidDepth - askDepth) / math.Max(bidDepth+askDepth, 1),
		"bid_weighted_price": bidWeighted,
		"ask_weighted_price": askWeighted,
		"total_levels":       len(latest.Bids) + len(latest.Asks),
	}
}

func levelFloats(level models.PriceLevel) (float64, float64, bool) {
	price, err := level.Price()
	if err != nil {
		return 0, 0, false
	}
	qty, err := level.Qty()
	if err != nil {
		return 0, 0, false
	}
	return price.InexactFloat64(), qty.InexactFloat64(), true
}

// sideDepth sums quantity and computes the size-weighted price over the
// top n levels of one book side.
func sideDepth(levels []models.PriceLevel, n int) (float64, float64) {
	if len(levels) < n {
		n = len(levels)
	}
	var depth, value float64
	for _, level := range levels[:n] {
		price, qty, ok := levelFloats(level)
		if !ok {
			continue
		}
		depth += qty
		value += price * qty
	}
	return depth, value / math.Max(depth, 1)
}
