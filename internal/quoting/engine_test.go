package quoting

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"makerflow/config"
	"makerflow/internal/events"
	"makerflow/internal/security"
	"makerflow/logger"
	"makerflow/models"
)

type fakeTrader struct {
	mu       sync.Mutex
	nextID   int
	placed   []models.OrderRequest
	canceled []string
}

func (f *fakeTrader) PlaceOrder(_ context.Context, req models.OrderRequest) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.placed = append(f.placed, req)
	return &models.Order{
		ID:            fmt.Sprintf("ord-%d", f.nextID),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Kind:          req.Kind,
		Price:         req.Price,
		Size:          req.Size,
		Status:        models.OrderStatusNew,
		CreatedAt:     time.Now(),
		CorrelationID: req.CorrelationID,
	}, nil
}

func (f *fakeTrader) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeTrader) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func (f *fakeTrader) canceledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.canceled)
}

func openGate(bus *events.Bus) *security.Gate {
	return security.NewGate(config.SecurityConfig{
		Tiers: config.ValueTierConfig{
			Tier1: config.ValueTier{MaxAmount: 1e12, Level: "low"},
			Tier2: config.ValueTier{MaxAmount: 1e13, Level: "medium"},
			Tier3: config.ValueTier{MaxAmount: 1e14, Level: "high"},
		},
		Anomaly: config.AnomalyConfig{Sensitivity: "low", MinSamples: 10},
	}, "0xlocal", bus)
}

func publishState(bus *events.Bus, symbol string) {
	book := &models.OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      []models.BookLevel{{Price: 100, Size: 5}},
		Asks:      []models.BookLevel{{Price: 102, Size: 5}},
		Timestamp: time.Now(),
	}
	market := &models.MarketSnapshot{Symbol: symbol, LastPrice: 101, Volume24h: 1000, Timestamp: time.Now()}
	bus.Publish(models.Event{Kind: models.EventOrderBook, Symbol: symbol, Timestamp: time.Now(), Payload: book})
	bus.Publish(models.Event{Kind: models.EventMarket, Symbol: symbol, Timestamp: time.Now(), Payload: market})
}

func startEngine(t *testing.T, cfg config.MarketMakingConfig, trader *fakeTrader) (*Engine, *events.Bus) {
	t.Helper()
	bus := events.NewBus(128)
	e := New(cfg, trader, openGate(bus), bus)
	e.imbalanceDebounce = time.Millisecond
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, bus
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRefreshQuotesBothSides(t *testing.T) {
	cfg := testMMConfig()
	cfg.RefreshInterval = 20 * time.Millisecond
	trader := &fakeTrader{}
	_, bus := startEngine(t, cfg, trader)

	publishState(bus, "BTCUSDT")
	waitFor(t, "both sides quoted", func() bool { return trader.placedCount() >= 2 })

	trader.mu.Lock()
	defer trader.mu.Unlock()
	var bid, ask *models.OrderRequest
	for i := range trader.placed {
		switch trader.placed[i].Side {
		case models.SideBuy:
			bid = &trader.placed[i]
		case models.SideSell:
			ask = &trader.placed[i]
		}
	}
	if bid == nil || ask == nil {
		t.Fatalf("missing a side: %+v", trader.placed)
	}
	if bid.Price >= ask.Price {
		t.Fatalf("bid %v not below ask %v", bid.Price, ask.Price)
	}
	if bid.CorrelationID == "" || bid.CorrelationID != ask.CorrelationID {
		t.Fatalf("top-of-book pair not sharing a correlation id: %q vs %q", bid.CorrelationID, ask.CorrelationID)
	}
}

func TestCancelPrecedesReplacement(t *testing.T) {
	cfg := testMMConfig()
	cfg.RefreshInterval = 20 * time.Millisecond
	trader := &fakeTrader{}
	_, bus := startEngine(t, cfg, trader)

	publishState(bus, "BTCUSDT")
	waitFor(t, "two refresh cycles", func() bool { return trader.placedCount() >= 4 })
	waitFor(t, "first cycle canceled", func() bool { return trader.canceledCount() >= 2 })
}

func TestEngineDoesNotCountOrders(t *testing.T) {
	cfg := testMMConfig()
	cfg.RefreshInterval = 20 * time.Millisecond
	trader := &fakeTrader{}
	_, bus := startEngine(t, cfg, trader)

	before := logger.Counters()
	publishState(bus, "BTCUSDT")
	waitFor(t, "placements and cancels", func() bool {
		return trader.placedCount() >= 4 && trader.canceledCount() >= 2
	})
	after := logger.Counters()

	// placement and cancel counters belong to the trader implementation;
	// counting here too would double every order in the report
	if d := after["orders_placed"] - before["orders_placed"]; d != 0 {
		t.Fatalf("orders_placed delta = %d, want 0", d)
	}
	if d := after["orders_canceled"] - before["orders_canceled"]; d != 0 {
		t.Fatalf("orders_canceled delta = %d, want 0", d)
	}
}

func TestCircuitBreakerSuppressesQuoting(t *testing.T) {
	cfg := testMMConfig()
	cfg.RefreshInterval = 20 * time.Millisecond
	trader := &fakeTrader{}
	_, bus := startEngine(t, cfg, trader)

	bus.Publish(models.Event{
		Kind: models.EventCircuitBreaker, Symbol: "BTCUSDT", Timestamp: time.Now(),
		Payload: &models.CircuitBreakerSignal{Symbol: "BTCUSDT", Triggered: true},
	})
	time.Sleep(50 * time.Millisecond)
	publishState(bus, "BTCUSDT")
	time.Sleep(100 * time.Millisecond)

	if n := trader.placedCount(); n != 0 {
		t.Fatalf("placed %d orders while breaker triggered", n)
	}

	bus.Publish(models.Event{
		Kind: models.EventCircuitBreaker, Symbol: "BTCUSDT", Timestamp: time.Now(),
		Payload: &models.CircuitBreakerSignal{Symbol: "BTCUSDT", Triggered: false},
	})
	waitFor(t, "quoting resumed", func() bool { return trader.placedCount() >= 2 })
}

func TestImbalanceTriggersOutOfCycleRefresh(t *testing.T) {
	cfg := testMMConfig()
	cfg.RefreshInterval = time.Hour // only the imbalance kick can quote
	cfg.Imbalance.Enabled = true
	trader := &fakeTrader{}
	_, bus := startEngine(t, cfg, trader)

	imb := bus.Subscribe("test-imbalance", models.EventImbalance)
	defer imb.Cancel()

	market := &models.MarketSnapshot{Symbol: "BTCUSDT", LastPrice: 101, Volume24h: 1000, Timestamp: time.Now()}
	bus.Publish(models.Event{Kind: models.EventMarket, Symbol: "BTCUSDT", Timestamp: time.Now(), Payload: market})
	heavy := &models.OrderBookSnapshot{
		Symbol:    "BTCUSDT",
		Bids:      []models.BookLevel{{Price: 100, Size: 9}},
		Asks:      []models.BookLevel{{Price: 102, Size: 1}},
		Timestamp: time.Now(),
	}
	bus.Publish(models.Event{Kind: models.EventOrderBook, Symbol: "BTCUSDT", Timestamp: time.Now(), Payload: heavy})

	waitFor(t, "out-of-cycle quotes", func() bool { return trader.placedCount() >= 2 })

	select {
	case ev := <-imb.C:
		sig := ev.Payload.(*models.ImbalanceSignal)
		if sig.Ratio <= cfg.Imbalance.Threshold {
			t.Fatalf("imbalance ratio = %v, want beyond threshold", sig.Ratio)
		}
	case <-time.After(time.Second):
		t.Fatal("no imbalance signal published")
	}
}

func TestSkippedSideNeverSubmitted(t *testing.T) {
	cfg := testMMConfig()
	cfg.RefreshInterval = 20 * time.Millisecond
	trader := &fakeTrader{}
	_, bus := startEngine(t, cfg, trader)

	publishState(bus, "BTCUSDT")
	// base size 1.0, skew clamps at 1: ask side must be skipped
	bus.Publish(models.Event{
		Kind: models.EventPosition, Symbol: "BTCUSDT", Timestamp: time.Now(),
		Payload: &models.Position{Symbol: "BTCUSDT", Size: 50, MarkPrice: 101},
	})
	time.Sleep(50 * time.Millisecond)

	trader.mu.Lock()
	start := len(trader.placed)
	trader.mu.Unlock()
	waitFor(t, "post-position refresh", func() bool { return trader.placedCount() > start })

	trader.mu.Lock()
	defer trader.mu.Unlock()
	for _, req := range trader.placed[start:] {
		if req.Side == models.SideSell {
			t.Fatalf("ask submitted despite full inventory skew: %+v", req)
		}
		if req.Size < cfg.Orders.MinSize {
			t.Fatalf("order below minimum size submitted: %+v", req)
		}
	}
}

func TestLayeringPlacesExtraLevels(t *testing.T) {
	cfg := testMMConfig()
	cfg.RefreshInterval = 20 * time.Millisecond
	cfg.Layering = config.LayeringConfig{Enabled: true, Levels: 2, SizeMultiplier: 0.5}
	cfg.Orders.MinSize = 0.1
	trader := &fakeTrader{}
	_, bus := startEngine(t, cfg, trader)

	publishState(bus, "BTCUSDT")
	// top pair plus 2 levels per side
	waitFor(t, "layered quotes", func() bool { return trader.placedCount() >= 6 })

	trader.mu.Lock()
	defer trader.mu.Unlock()
	var bids, asks []float64
	for _, req := range trader.placed[:6] {
		if req.Side == models.SideBuy {
			bids = append(bids, req.Price)
		} else {
			asks = append(asks, req.Price)
		}
	}
	if len(bids) != 3 || len(asks) != 3 {
		t.Fatalf("got %d bids / %d asks, want 3 each", len(bids), len(asks))
	}
}
