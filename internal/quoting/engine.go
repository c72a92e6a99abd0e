package quoting

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"makerflow/config"
	"makerflow/internal/events"
	"makerflow/internal/security"
	"makerflow/logger"
	"makerflow/models"
)

// Trader is the slice of the exchange gateway the engine places and cancels
// orders through.
type Trader interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

type symbolState struct {
	book       *models.OrderBookSnapshot
	market     *models.MarketSnapshot
	position   models.Position
	history    *priceHistory
	resting    map[string]models.Order
	suppressed bool
	lastKick   time.Time
}

// Engine is the market maker. It keeps per-symbol book, market and position
// state from the event bus, and on every refresh interval cancels its resting
// orders and re-quotes both sides through the security gate.
type Engine struct {
	cfg    config.MarketMakingConfig
	trader Trader
	gate   *security.Gate
	bus    *events.Bus
	log    *logger.Log

	mu      sync.RWMutex
	symbols map[string]*symbolState

	refreshCh chan string
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// shortened by tests
	imbalanceDebounce time.Duration
}

// New builds an engine quoting the configured symbols.
func New(cfg config.MarketMakingConfig, trader Trader, gate *security.Gate, bus *events.Bus) *Engine {
	e := &Engine{
		cfg:               cfg,
		trader:            trader,
		gate:              gate,
		bus:               bus,
		log:               logger.GetLogger(),
		symbols:           make(map[string]*symbolState),
		refreshCh:         make(chan string, 64),
		imbalanceDebounce: time.Second,
	}
	maxWindow := cfg.Volatility.LongWindow
	for _, sym := range cfg.Symbols {
		e.symbols[sym] = &symbolState{
			history: newPriceHistory(maxWindow),
			resting: make(map[string]models.Order),
		}
	}
	return e
}

// Start launches the event consumer and the quote refresh loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("quoting engine already running")
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	sub := e.bus.Subscribe("quoting",
		models.EventOrderBook, models.EventMarket, models.EventTrade,
		models.EventPosition, models.EventOrder, models.EventCircuitBreaker)

	e.wg.Add(2)
	go e.consumeEvents(ctx, sub)
	go e.refreshLoop(ctx)

	e.log.WithComponent("quoting").WithField("symbols", e.cfg.Symbols).Info("quoting engine started")
	return nil
}

// Stop halts both loops and cancels every resting order.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, sym := range e.cfg.Symbols {
		e.cancelResting(ctx, sym)
	}
	e.log.WithComponent("quoting").Info("quoting engine stopped")
}

// RestingOrders returns a snapshot of tracked orders for a symbol.
func (e *Engine) RestingOrders(symbol string) []models.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.symbols[symbol]
	if !ok {
		return nil
	}
	out := make([]models.Order, 0, len(st.resting))
	for _, o := range st.resting {
		out = append(out, o)
	}
	return out
}

func (e *Engine) consumeEvents(ctx context.Context, sub *events.Subscription) {
	defer e.wg.Done()
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev models.Event) {
	e.mu.Lock()
	st, tracked := e.symbols[ev.Symbol]
	if !tracked && ev.Kind != models.EventCircuitBreaker {
		e.mu.Unlock()
		return
	}

	var kick bool
	switch p := ev.Payload.(type) {
	case *models.OrderBookSnapshot:
		st.book = p
		if e.cfg.Imbalance.Enabled {
			ratio := p.Imbalance(e.cfg.Imbalance.Depth)
			if math.Abs(ratio) > e.cfg.Imbalance.Threshold &&
				time.Since(st.lastKick) >= e.imbalanceDebounce {
				st.lastKick = time.Now()
				kick = true
				e.bus.Publish(models.Event{
					Kind:      models.EventImbalance,
					Symbol:    ev.Symbol,
					Timestamp: time.Now(),
					Payload:   &models.ImbalanceSignal{Symbol: ev.Symbol, Ratio: ratio},
				})
			}
		}
	case *models.MarketSnapshot:
		st.market = p
		st.history.Push(p.LastPrice)
	case *models.Trade:
		st.history.Push(p.Price)
	case *models.Position:
		st.position = *p
		e.gate.RecordPosition(p.Symbol, p.Size)
	case *models.Order:
		if p.Status.Terminal() {
			delete(st.resting, p.ID)
		} else if _, ok := st.resting[p.ID]; ok {
			st.resting[p.ID] = *p
		}
	case *models.CircuitBreakerSignal:
		if tracked {
			st.suppressed = p.Triggered
		}
	}
	e.mu.Unlock()

	if kick {
		select {
		case e.refreshCh <- ev.Symbol:
		default:
		}
	}
}

func (e *Engine) refreshLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range e.cfg.Symbols {
				e.refreshSymbol(ctx, sym)
			}
		case sym := <-e.refreshCh:
			e.refreshSymbol(ctx, sym)
		}
	}
}

// refreshSymbol is one full quote pass: cancel everything resting, recompute,
// place anew. Cancellation always precedes replacement so no order is left
// unmanaged.
func (e *Engine) refreshSymbol(ctx context.Context, symbol string) {
	e.cancelResting(ctx, symbol)

	e.mu.RLock()
	st, ok := e.symbols[symbol]
	if !ok || st.book == nil || st.market == nil {
		e.mu.RUnlock()
		return
	}
	if st.suppressed {
		e.mu.RUnlock()
		e.log.WithComponent("quoting").WithField("symbol", symbol).Debug("quoting suppressed by circuit breaker")
		return
	}
	book, market, position := st.book, st.market, st.position
	shortVol := st.history.Volatility(e.cfg.Volatility.ShortWindow)
	e.mu.RUnlock()

	quote, err := ComputeQuote(e.cfg, book, market, position, shortVol)
	if err != nil {
		e.log.WithComponent("quoting").WithError(err).WithField("symbol", symbol).Debug("skipping quote pass")
		return
	}

	corrID := uuid.NewString()
	if quote.BidSize > 0 {
		e.submit(ctx, models.OrderRequest{
			Symbol: symbol, Side: models.SideBuy, Kind: models.OrderKindLimit,
			Price: quote.BidPrice, Size: quote.BidSize, CorrelationID: corrID,
		})
	}
	if quote.AskSize > 0 {
		e.submit(ctx, models.OrderRequest{
			Symbol: symbol, Side: models.SideSell, Kind: models.OrderKindLimit,
			Price: quote.AskPrice, Size: quote.AskSize, CorrelationID: corrID,
		})
	}

	if !e.cfg.Layering.Enabled {
		return
	}
	for level := 1; level <= e.cfg.Layering.Levels; level++ {
		levelID := uuid.NewString()
		for _, side := range []models.Side{models.SideBuy, models.SideSell} {
			price, size := layeredQuote(e.cfg, quote, side, level)
			if size <= 0 || price <= 0 {
				continue
			}
			e.submit(ctx, models.OrderRequest{
				Symbol: symbol, Side: side, Kind: models.OrderKindLimit,
				Price: price, Size: size, CorrelationID: levelID,
			})
		}
	}
}

// submit routes one placement through the security gate; held transactions
// simply stay pending and the order is not considered resting.
func (e *Engine) submit(ctx context.Context, req models.OrderRequest) {
	e.gate.RecordOrder(req.Size)
	status, txID, err := e.gate.Authorize(ctx, "place_order", req.Symbol, req.Notional(), map[string]any{
		"symbol": req.Symbol, "side": string(req.Side),
		"price": req.Price, "size": req.Size,
	}, func(ctx context.Context) error {
		order, err := e.trader.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if st, ok := e.symbols[req.Symbol]; ok {
			st.resting[order.ID] = *order
		}
		e.mu.Unlock()
		return nil
	})
	if err != nil {
		e.log.WithComponent("quoting").WithError(err).WithFields(logger.Fields{
			"symbol": req.Symbol,
			"side":   string(req.Side),
		}).Warn("order placement failed")
		return
	}
	if status == models.TransactionPending {
		e.log.WithComponent("quoting").WithFields(logger.Fields{
			"symbol": req.Symbol,
			"tx_id":  txID,
		}).Info("order held for signatures")
	}
}

func (e *Engine) cancelResting(ctx context.Context, symbol string) {
	e.mu.Lock()
	st, ok := e.symbols[symbol]
	if !ok {
		e.mu.Unlock()
		return
	}
	orders := make([]models.Order, 0, len(st.resting))
	for _, o := range st.resting {
		orders = append(orders, o)
	}
	st.resting = make(map[string]models.Order)
	e.mu.Unlock()

	for _, o := range orders {
		if err := e.trader.CancelOrder(ctx, symbol, o.ID); err != nil {
			e.log.WithComponent("quoting").WithError(err).WithField("order_id", o.ID).Warn("cancel failed")
		}
	}
}
