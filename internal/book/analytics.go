package book

import (
	"github.com/shopspring/decimal"

	"github.com/quantfray/trading-core/internal/model"
)

var (
	two        = decimal.NewFromInt(2)
	tenThou    = decimal.NewFromInt(10_000)
	oneHundred = decimal.NewFromInt(100)
)

// MidPrice returns (bestBid + bestAsk) / 2, or ErrBookEmpty if either side
// has no levels.
func (b *Book) MidPrice() (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return decimal.Zero, ErrBookEmpty
	}
	return b.bids[0].Price.Add(b.asks[0].Price).Div(two), nil
}

// SpreadBps returns the bid/ask spread in basis points of the mid price, or
// ErrBookEmpty if either side has no levels.
func (b *Book) SpreadBps() (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return decimal.Zero, ErrBookEmpty
	}
	mid := b.bids[0].Price.Add(b.asks[0].Price).Div(two)
	if mid.IsZero() {
		return decimal.Zero, ErrBookEmpty
	}
	spread := b.asks[0].Price.Sub(b.bids[0].Price)
	return spread.Div(mid).Mul(tenThou), nil
}

// Imbalance returns aggregate bid volume divided by aggregate ask volume over
// the best depth levels per side. Neutral sentinel 1.0 when either side is
// empty; clamped to the configured cap when the denominator is zero or the
// ratio exceeds it. The result is always finite, non-negative, and never NaN.
func (b *Book) Imbalance(depth int) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 1.0
	}

	bidVol := sumQuantity(b.bids, depth)
	askVol := sumQuantity(b.asks, depth)
	if !askVol.IsPositive() {
		return b.imbalanceCap
	}

	ratio := bidVol.Div(askVol).InexactFloat64()
	if ratio < 0 {
		return 0
	}
	if ratio > b.imbalanceCap {
		return b.imbalanceCap
	}
	return ratio
}

// LiquidityScore blends three 0–100 components into one 0–100 score:
// spread tightness (50%), two-sided depth vs the reference notional (30%),
// and bid/ask volume balance (20%). Returns 0 when either side is empty.
// The score is informational only and deliberately uses float64.
func (b *Book) LiquidityScore(depth int) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0
	}

	// Spread tightness: 0 bps → 100, >= 100 bps (1%) → 0, linear between.
	mid := b.bids[0].Price.Add(b.asks[0].Price).Div(two)
	spreadScore := 0.0
	if mid.IsPositive() {
		spreadBps := b.asks[0].Price.Sub(b.bids[0].Price).Div(mid).Mul(tenThou).InexactFloat64()
		spreadScore = clamp(100-spreadBps, 0, 100)
	}

	// Depth: two-sided notional within the window against the reference.
	notional := sumNotional(b.bids, depth).Add(sumNotional(b.asks, depth))
	depthScore := clamp(notional.Div(b.refNotional).Mul(oneHundred).InexactFloat64(), 0, 100)

	// Balance: 100 at perfect bid/ask symmetry, 0 when one-sided.
	bidVol := sumQuantity(b.bids, depth)
	askVol := sumQuantity(b.asks, depth)
	total := bidVol.Add(askVol)
	balanceScore := 0.0
	if total.IsPositive() {
		skew := bidVol.Sub(askVol).Abs().Div(total).InexactFloat64()
		balanceScore = clamp((1-skew)*100, 0, 100)
	}

	return spreadScore*0.5 + depthScore*0.3 + balanceScore*0.2
}

// Wall is a price level holding disproportionate resting size.
type Wall struct {
	Side     model.OrderSide `json:"side"` // BUY = bid wall, SELL = ask wall
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Ratio    float64         `json:"ratio"` // quantity / average level size
}

// DetectWalls scans up to maxDepth levels per side and flags levels whose
// quantity is at least multiplier times the side's average level size within
// the scanned window.
func (b *Book) DetectWalls(multiplier decimal.Decimal, maxDepth int) []Wall {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var walls []Wall
	walls = appendWalls(walls, b.bids, model.SideBuy, multiplier, maxDepth)
	walls = appendWalls(walls, b.asks, model.SideSell, multiplier, maxDepth)
	return walls
}

func appendWalls(walls []Wall, levels []model.PriceLevel, side model.OrderSide, multiplier decimal.Decimal, maxDepth int) []Wall {
	if maxDepth <= 0 || maxDepth > len(levels) {
		maxDepth = len(levels)
	}
	if maxDepth == 0 {
		return walls
	}

	avg := sumQuantity(levels, maxDepth).Div(decimal.NewFromInt(int64(maxDepth)))
	if !avg.IsPositive() {
		return walls
	}
	threshold := avg.Mul(multiplier)

	for _, l := range levels[:maxDepth] {
		if l.Quantity.GreaterThanOrEqual(threshold) {
			walls = append(walls, Wall{
				Side:     side,
				Price:    l.Price,
				Quantity: l.Quantity,
				Ratio:    l.Quantity.Div(avg).InexactFloat64(),
			})
		}
	}
	return walls
}

// sumQuantity totals quantity over the top depth levels; depth <= 0 totals
// the whole side.
func sumQuantity(levels []model.PriceLevel, depth int) decimal.Decimal {
	if depth <= 0 || depth > len(levels) {
		depth = len(levels)
	}
	sum := decimal.Zero
	for _, l := range levels[:depth] {
		sum = sum.Add(l.Quantity)
	}
	return sum
}

func sumNotional(levels []model.PriceLevel, depth int) decimal.Decimal {
	if depth <= 0 || depth > len(levels) {
		depth = len(levels)
	}
	sum := decimal.Zero
	for _, l := range levels[:depth] {
		sum = sum.Add(l.Price.Mul(l.Quantity))
	}
	return sum
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
