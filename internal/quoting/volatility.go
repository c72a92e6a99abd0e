package quoting

import (
	"makerflow/internal/stats"
)

// priceHistory tracks per-tick prices for a symbol, pruned to the longest
// configured lookback.
type priceHistory = stats.PriceWindow

func newPriceHistory(maxSize int) *priceHistory {
	return stats.NewPriceWindow(maxSize)
}
