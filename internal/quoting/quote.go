package quoting

import (
	"fmt"
	"math"

	"makerflow/config"
	"makerflow/models"
)

// Quote is one computed bid/ask pair. A zero size on a side means that side
// is skipped for this pass.
type Quote struct {
	Symbol    string
	BidPrice  float64
	AskPrice  float64
	BidSize   float64
	AskSize   float64
	Imbalance float64
	Skew      float64
}

// spreadTierPct picks the base spread percentage for the observed short-term
// annualized volatility.
func spreadTierPct(cfg config.SpreadConfig, vol float64) float64 {
	switch {
	case vol < cfg.VolThresholdLow:
		return cfg.Tier1Pct
	case vol < cfg.VolThresholdHigh:
		return cfg.Tier2Pct
	default:
		return cfg.Tier3Pct
	}
}

// baseOrderSize derives the reference quote size from 24h volume, clamped to
// the configured bounds.
func baseOrderSize(cfg config.OrderSizeConfig, volume24h float64) float64 {
	size := volume24h * 0.001
	if size < cfg.MinSize {
		size = cfg.MinSize
	}
	if size > cfg.MaxSize {
		size = cfg.MaxSize
	}
	return size
}

// inventorySkew normalizes the current position against the tolerated
// imbalance, clamped to [-1, 1]. Positive means long.
func inventorySkew(position, baseSize, maxImbalance float64) float64 {
	if baseSize <= 0 || maxImbalance <= 0 {
		return 0
	}
	skew := position / (baseSize * maxImbalance)
	return math.Max(-1, math.Min(1, skew))
}

// roundEpsilon keeps values sitting exactly on an increment boundary from
// crossing it under floating point noise.
const roundEpsilon = 1e-9

func roundDown(v, increment float64) float64 {
	if increment <= 0 {
		return v
	}
	return math.Floor(v/increment+roundEpsilon) * increment
}

func roundUp(v, increment float64) float64 {
	if increment <= 0 {
		return v
	}
	return math.Ceil(v/increment-roundEpsilon) * increment
}

// ComputeQuote derives a bid/ask pair from the current book, market snapshot
// and position.
//
// The mid price is spread by a volatility-selected tier, optionally shifted
// toward the heavier book side, then rounded outward to the price increment.
// Sizes start from a volume-derived base, are shrunk on the side that would
// grow the inventory imbalance, floored to the size increment, and zeroed
// when they fall below the minimum.
func ComputeQuote(cfg config.MarketMakingConfig, book *models.OrderBookSnapshot, market *models.MarketSnapshot, position models.Position, shortVol float64) (Quote, error) {
	mid := book.Mid()
	if mid <= 0 {
		return Quote{}, fmt.Errorf("no two-sided book for %s", book.Symbol)
	}

	tierPct := spreadTierPct(cfg.Spread, shortVol)
	halfSpread := mid * (tierPct / 100) / 2

	bid := mid - halfSpread
	ask := mid + halfSpread

	q := Quote{Symbol: book.Symbol}
	if cfg.Imbalance.Enabled {
		q.Imbalance = book.Imbalance(cfg.Imbalance.Depth)
		if math.Abs(q.Imbalance) > cfg.Imbalance.Threshold {
			shift := mid * q.Imbalance * cfg.Imbalance.AdjustmentFactor
			bid += shift
			ask += shift
		}
	}

	q.BidPrice = roundDown(bid, cfg.Orders.PriceIncrement)
	q.AskPrice = roundUp(ask, cfg.Orders.PriceIncrement)

	base := baseOrderSize(cfg.Orders, market.Volume24h)
	q.Skew = inventorySkew(position.Size, base, cfg.Inventory.MaxImbalance)

	bidSize, askSize := base, base
	aggressive := cfg.Inventory.Strategy == "aggressive"
	if q.Skew > 0 {
		askSize = base * (1 - q.Skew)
		if aggressive {
			bidSize = base * (1 - q.Skew)
		}
	} else if q.Skew < 0 {
		bidSize = base * (1 + q.Skew)
		if aggressive {
			askSize = base * (1 + q.Skew)
		}
	}

	q.BidSize = roundDown(bidSize, cfg.Orders.SizeIncrement)
	q.AskSize = roundDown(askSize, cfg.Orders.SizeIncrement)
	if q.BidSize < cfg.Orders.MinSize {
		q.BidSize = 0
	}
	if q.AskSize < cfg.Orders.MinSize {
		q.AskSize = 0
	}
	return q, nil
}

// layeredQuote derives the order for one additional layer level on a side.
// Offsets widen by spread × level and sizes shrink by multiplier^level.
func layeredQuote(cfg config.MarketMakingConfig, q Quote, side models.Side, level int) (price, size float64) {
	spread := q.AskPrice - q.BidPrice
	offset := spread * float64(level)
	if side == models.SideBuy {
		price = roundDown(q.BidPrice-offset, cfg.Orders.PriceIncrement)
		size = q.BidSize * math.Pow(cfg.Layering.SizeMultiplier, float64(level))
	} else {
		price = roundUp(q.AskPrice+offset, cfg.Orders.PriceIncrement)
		size = q.AskSize * math.Pow(cfg.Layering.SizeMultiplier, float64(level))
	}
	size = roundDown(size, cfg.Orders.SizeIncrement)
	if size < cfg.Orders.MinSize {
		size = 0
	}
	return price, size
}
