package models

import (
	"time"
)

// BookLevel represents a single price level in the order book.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBookSnapshot represents the complete book state for a symbol. Snapshots
// are replaced wholesale on every update, never merged.
type OrderBookSnapshot struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// BestBid returns the top bid, or zero when the book side is empty.
func (ob *OrderBookSnapshot) BestBid() BookLevel {
	if len(ob.Bids) == 0 {
		return BookLevel{}
	}
	return ob.Bids[0]
}

// BestAsk returns the top ask, or zero when the book side is empty.
func (ob *OrderBookSnapshot) BestAsk() BookLevel {
	if len(ob.Asks) == 0 {
		return BookLevel{}
	}
	return ob.Asks[0]
}

// Mid returns the midpoint of the best bid and ask, or zero when either side
// is empty.
func (ob *OrderBookSnapshot) Mid() float64 {
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return 0
	}
	return (ob.Bids[0].Price + ob.Asks[0].Price) / 2
}

// Imbalance returns (bidVolume-askVolume)/(bidVolume+askVolume) over the top
// depth levels. The result is in [-1, 1]; positive means the bid side is
// heavier.
func (ob *OrderBookSnapshot) Imbalance(depth int) float64 {
	var bidVol, askVol float64
	for i := 0; i < depth && i < len(ob.Bids); i++ {
		bidVol += ob.Bids[i].Size
	}
	for i := 0; i < depth && i < len(ob.Asks); i++ {
		askVol += ob.Asks[i].Size
	}
	total := bidVol + askVol
	if total == 0 {
		return 0
	}
	return (bidVol - askVol) / total
}

// MarketSnapshot represents per-symbol market statistics.
type MarketSnapshot struct {
	Symbol       string    `json:"symbol"`
	LastPrice    float64   `json:"last_price"`
	MarkPrice    float64   `json:"mark_price"`
	IndexPrice   float64   `json:"index_price"`
	FundingRate  float64   `json:"funding_rate"`
	Volume24h    float64   `json:"volume_24h"`
	OpenInterest float64   `json:"open_interest"`
	Timestamp    time.Time `json:"timestamp"`
}

// MarginMode distinguishes cross from isolated margin.
type MarginMode string

const (
	MarginModeCross    MarginMode = "cross"
	MarginModeIsolated MarginMode = "isolated"
)

// Position represents the venue-reported position for one symbol. Size is
// signed, positive for long. Positions are replaced wholesale on each gateway
// position event.
type Position struct {
	Symbol           string     `json:"symbol"`
	Size             float64    `json:"size"`
	EntryPrice       float64    `json:"entry_price"`
	MarkPrice        float64    `json:"mark_price"`
	LiquidationPrice float64    `json:"liquidation_price"`
	RealizedPnL      float64    `json:"realized_pnl"`
	UnrealizedPnL    float64    `json:"unrealized_pnl"`
	Leverage         float64    `json:"leverage"`
	MarginMode       MarginMode `json:"margin_mode"`
	Timestamp        time.Time  `json:"timestamp"`
}

// Flat reports whether the position has no exposure.
func (p *Position) Flat() bool { return p.Size == 0 }

// Long reports whether the position is long.
func (p *Position) Long() bool { return p.Size > 0 }

// Notional is |size| * mark price.
func (p *Position) Notional() float64 {
	n := p.Size * p.MarkPrice
	if n < 0 {
		return -n
	}
	return n
}

// Balance represents the account balance reported by the venue.
type Balance struct {
	Asset     string  `json:"asset"`
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
}
