package quoting

import (
	"math"
	"testing"

	"makerflow/config"
	"makerflow/models"
)

func testMMConfig() config.MarketMakingConfig {
	return config.MarketMakingConfig{
		Enabled: true,
		Symbols: []string{"BTCUSDT"},
		Spread: config.SpreadConfig{
			Tier1Pct:         0.1,
			Tier2Pct:         0.2,
			Tier3Pct:         0.4,
			VolThresholdLow:  50,
			VolThresholdHigh: 100,
		},
		Inventory: config.InventoryConfig{
			TargetSize:   0,
			MaxImbalance: 2,
			Strategy:     "passive",
		},
		Orders: config.OrderSizeConfig{
			MinSize:        0.5,
			MaxSize:        10,
			SizeIncrement:  0.1,
			PriceIncrement: 0.01,
		},
		Imbalance: config.ImbalanceConfig{
			Enabled:          false,
			Depth:            10,
			Threshold:        0.3,
			AdjustmentFactor: 0.5,
		},
		Volatility: config.VolatilityConfig{ShortWindow: 20, MediumWindow: 60, LongWindow: 120},
	}
}

func testBook(bid, ask float64) *models.OrderBookSnapshot {
	return &models.OrderBookSnapshot{
		Symbol: "BTCUSDT",
		Bids:   []models.BookLevel{{Price: bid, Size: 5}},
		Asks:   []models.BookLevel{{Price: ask, Size: 5}},
	}
}

func TestQuoteBracketsMidSymmetrically(t *testing.T) {
	cfg := testMMConfig()
	book := testBook(100, 102)
	market := &models.MarketSnapshot{Symbol: "BTCUSDT", Volume24h: 1000}

	q, err := ComputeQuote(cfg, book, market, models.Position{}, 0)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	mid := 101.0
	if q.BidPrice >= mid || q.AskPrice <= mid {
		t.Fatalf("quotes do not bracket mid: bid=%v ask=%v", q.BidPrice, q.AskPrice)
	}
	// half-spread 101*0.001/2 = 0.0505, rounded outward to 0.01
	if math.Abs(q.BidPrice-100.94) > 1e-9 {
		t.Fatalf("bid = %v, want 100.94", q.BidPrice)
	}
	if math.Abs(q.AskPrice-101.06) > 1e-9 {
		t.Fatalf("ask = %v, want 101.06", q.AskPrice)
	}
	if math.Abs((mid-q.BidPrice)-(q.AskPrice-mid)) > 1e-9 {
		t.Fatalf("quotes not symmetric around mid: bid=%v ask=%v", q.BidPrice, q.AskPrice)
	}
}

func TestSpreadTierWidensWithVolatility(t *testing.T) {
	cfg := testMMConfig()
	book := testBook(100, 102)
	market := &models.MarketSnapshot{Volume24h: 1000}

	low, _ := ComputeQuote(cfg, book, market, models.Position{}, 10)
	mid, _ := ComputeQuote(cfg, book, market, models.Position{}, 75)
	high, _ := ComputeQuote(cfg, book, market, models.Position{}, 150)

	lowSpread := low.AskPrice - low.BidPrice
	midSpread := mid.AskPrice - mid.BidPrice
	highSpread := high.AskPrice - high.BidPrice
	if !(lowSpread < midSpread && midSpread < highSpread) {
		t.Fatalf("spreads not widening: %v %v %v", lowSpread, midSpread, highSpread)
	}
}

func TestImbalanceShiftsBothQuotes(t *testing.T) {
	cfg := testMMConfig()
	cfg.Imbalance.Enabled = true

	balanced := testBook(100, 102)
	heavy := &models.OrderBookSnapshot{
		Symbol: "BTCUSDT",
		Bids:   []models.BookLevel{{Price: 100, Size: 9}},
		Asks:   []models.BookLevel{{Price: 102, Size: 1}},
	}
	market := &models.MarketSnapshot{Volume24h: 1000}

	base, _ := ComputeQuote(cfg, balanced, market, models.Position{}, 0)
	shifted, _ := ComputeQuote(cfg, heavy, market, models.Position{}, 0)

	if shifted.Imbalance <= cfg.Imbalance.Threshold {
		t.Fatalf("imbalance = %v, expected beyond threshold", shifted.Imbalance)
	}
	if shifted.BidPrice <= base.BidPrice || shifted.AskPrice <= base.AskPrice {
		t.Fatalf("bid-heavy book did not shift quotes up: base=(%v,%v) shifted=(%v,%v)",
			base.BidPrice, base.AskPrice, shifted.BidPrice, shifted.AskPrice)
	}
}

func TestImbalanceBelowThresholdNoShift(t *testing.T) {
	cfg := testMMConfig()
	cfg.Imbalance.Enabled = true

	slight := &models.OrderBookSnapshot{
		Symbol: "BTCUSDT",
		Bids:   []models.BookLevel{{Price: 100, Size: 6}},
		Asks:   []models.BookLevel{{Price: 102, Size: 5}},
	}
	market := &models.MarketSnapshot{Volume24h: 1000}

	off := testMMConfig()
	want, _ := ComputeQuote(off, slight, market, models.Position{}, 0)
	got, _ := ComputeQuote(cfg, slight, market, models.Position{}, 0)
	if got.BidPrice != want.BidPrice || got.AskPrice != want.AskPrice {
		t.Fatalf("sub-threshold imbalance moved quotes: got (%v,%v) want (%v,%v)",
			got.BidPrice, got.AskPrice, want.BidPrice, want.AskPrice)
	}
}

func TestInventorySkewShrinksHeavySide(t *testing.T) {
	cfg := testMMConfig()
	book := testBook(100, 102)
	// base size = 1000 * 0.001 = 1.0
	market := &models.MarketSnapshot{Volume24h: 1000}

	long, _ := ComputeQuote(cfg, book, market, models.Position{Size: 1}, 0)
	// skew = 1/(1*2) = 0.5, ask shrinks to 0.5, bid untouched (passive)
	if long.BidSize != 1.0 {
		t.Fatalf("passive long bid size = %v, want 1.0", long.BidSize)
	}
	if math.Abs(long.AskSize-0.5) > 1e-9 {
		t.Fatalf("long ask size = %v, want 0.5", long.AskSize)
	}

	short, _ := ComputeQuote(cfg, book, market, models.Position{Size: -1}, 0)
	if math.Abs(short.BidSize-0.5) > 1e-9 || short.AskSize != 1.0 {
		t.Fatalf("short sizes = (%v,%v), want (0.5,1.0)", short.BidSize, short.AskSize)
	}

	cfg.Inventory.Strategy = "aggressive"
	agg, _ := ComputeQuote(cfg, book, market, models.Position{Size: 1}, 0)
	if math.Abs(agg.BidSize-0.5) > 1e-9 {
		t.Fatalf("aggressive long bid size = %v, want 0.5", agg.BidSize)
	}
}

func TestSkewClampedAtFullImbalance(t *testing.T) {
	cfg := testMMConfig()
	book := testBook(100, 102)
	market := &models.MarketSnapshot{Volume24h: 1000}

	q, _ := ComputeQuote(cfg, book, market, models.Position{Size: 50}, 0)
	if q.Skew != 1 {
		t.Fatalf("skew = %v, want clamp at 1", q.Skew)
	}
	if q.AskSize != 0 {
		t.Fatalf("fully skewed ask size = %v, want skipped", q.AskSize)
	}
}

func TestSizesFlooredBeforeMinimumCheck(t *testing.T) {
	cfg := testMMConfig() // min 0.5, increment 0.1
	book := testBook(100, 102)
	market := &models.MarketSnapshot{Volume24h: 1000}

	// skew 0.45: ask 0.55 floors to 0.5, exactly the minimum
	q, _ := ComputeQuote(cfg, book, market, models.Position{Size: 0.9}, 0)
	if math.Abs(q.AskSize-0.5) > 1e-9 {
		t.Fatalf("ask size = %v, want floored to 0.5", q.AskSize)
	}

	// skew 0.6: ask 0.4 floors below minimum and is skipped
	q, _ = ComputeQuote(cfg, book, market, models.Position{Size: 1.2}, 0)
	if q.AskSize != 0 {
		t.Fatalf("ask size = %v, want 0 below minimum", q.AskSize)
	}
}

func TestBaseSizeClampedToBounds(t *testing.T) {
	cfg := testMMConfig()
	if got := baseOrderSize(cfg.Orders, 100); got != cfg.Orders.MinSize {
		t.Fatalf("tiny volume base = %v, want min %v", got, cfg.Orders.MinSize)
	}
	if got := baseOrderSize(cfg.Orders, 1e9); got != cfg.Orders.MaxSize {
		t.Fatalf("huge volume base = %v, want max %v", got, cfg.Orders.MaxSize)
	}
}

func TestLayeredQuotesWidenAndShrink(t *testing.T) {
	cfg := testMMConfig()
	cfg.Layering = config.LayeringConfig{Enabled: true, Levels: 2, SizeMultiplier: 0.5}

	q := Quote{Symbol: "BTCUSDT", BidPrice: 100.94, AskPrice: 101.06, BidSize: 4, AskSize: 4}

	p1, s1 := layeredQuote(cfg, q, models.SideBuy, 1)
	p2, s2 := layeredQuote(cfg, q, models.SideBuy, 2)
	if p1 >= q.BidPrice || p2 >= p1 {
		t.Fatalf("bid layers not widening: %v %v below %v", p1, p2, q.BidPrice)
	}
	if math.Abs(s1-2) > 1e-9 || math.Abs(s2-1) > 1e-9 {
		t.Fatalf("layer sizes = (%v,%v), want (2,1)", s1, s2)
	}

	a1, _ := layeredQuote(cfg, q, models.SideSell, 1)
	if a1 <= q.AskPrice {
		t.Fatalf("ask layer %v not above %v", a1, q.AskPrice)
	}
}

func TestEmptyBookRejected(t *testing.T) {
	cfg := testMMConfig()
	book := &models.OrderBookSnapshot{Symbol: "BTCUSDT"}
	if _, err := ComputeQuote(cfg, book, &models.MarketSnapshot{}, models.Position{}, 0); err == nil {
		t.Fatal("one-sided book produced a quote")
	}
}

func TestVolatilityOfConstantPricesIsZero(t *testing.T) {
	h := newPriceHistory(100)
	for i := 0; i < 50; i++ {
		h.Push(100)
	}
	if v := h.Volatility(20); v != 0 {
		t.Fatalf("constant series volatility = %v, want 0", v)
	}
}

func TestVolatilityGrowsWithDispersion(t *testing.T) {
	calm := newPriceHistory(100)
	wild := newPriceHistory(100)
	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			calm.Push(100.0)
			wild.Push(100.0)
		} else {
			calm.Push(100.1)
			wild.Push(105.0)
		}
	}
	cv, wv := calm.Volatility(20), wild.Volatility(20)
	if cv <= 0 || wv <= cv {
		t.Fatalf("volatility ordering wrong: calm=%v wild=%v", cv, wv)
	}
}

func TestPriceHistoryPrunes(t *testing.T) {
	h := newPriceHistory(10)
	for i := 0; i < 25; i++ {
		h.Push(float64(100 + i))
	}
	if h.Len() != 10 {
		t.Fatalf("history length = %d, want 10", h.Len())
	}
}
