package risk

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

// Trader is the slice of the exchange gateway the engine manages protective
// orders through.
type Trader interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// protection holds the protective orders guarding one open position.
type protection struct {
	positionSide models.Side
	stopID       string
	stopPrice    float64
	takeProfitID string
}

// Engine watches positions and market ticks, emits advisory limit and
// portfolio signals, manages stop-loss/take-profit orders per position, and
// runs the per-symbol volatility circuit breaker. All signals are
// observability only; the engine never force-closes a position.
type Engine struct {
	cfg     config.RiskConfig
	trader  Trader
	gate    *security.Gate
	bus     *events.Bus
	log     *logger.Log
	breaker *CircuitBreaker

	mu          sync.Mutex
	positions   map[string]models.Position
	lastPrice   map[string]float64
	protections map[string]*protection

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// shortened by tests
	monitorInterval time.Duration
}

func New(cfg config.RiskConfig, trader Trader, gate *security.Gate, bus *events.Bus) *Engine {
	return &Engine{
		cfg:             cfg,
		trader:          trader,
		gate:            gate,
		bus:             bus,
		log:             logger.GetLogger(),
		breaker:         NewCircuitBreaker(cfg.CircuitBreaker),
		positions:       make(map[string]models.Position),
		lastPrice:       make(map[string]float64),
		protections:     make(map[string]*protection),
		monitorInterval: 5 * time.Second,
	}
}

// Start launches the event consumer and the monitoring tick.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("risk engine already running")
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	sub := e.bus.Subscribe("risk",
		models.EventPosition, models.EventMarket, models.EventTrade)

	e.wg.Add(2)
	go func() {
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
				e.handleEvent(ctx, ev)
			}
		}
	}()
	go e.monitorLoop(ctx)

	e.log.WithComponent("risk").Info("risk engine started")
	return nil
}

// Stop halts both loops.
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
	e.log.WithComponent("risk").Info("risk engine stopped")
}

// BreakerTriggered reports whether quoting for a symbol is currently
// suppressed.
func (e *Engine) BreakerTriggered(symbol string) bool {
	return e.breaker.Triggered(symbol)
}

func (e *Engine) handleEvent(ctx context.Context, ev models.Event) {
	switch p := ev.Payload.(type) {
	case *models.Position:
		e.handlePosition(ctx, *p)
	case *models.MarketSnapshot:
		e.handleTick(ctx, p.Symbol, p.LastPrice)
	case *models.Trade:
		e.handleTick(ctx, p.Symbol, p.Price)
	}
}

func (e *Engine) handlePosition(ctx context.Context, pos models.Position) {
	e.mu.Lock()
	prev := e.positions[pos.Symbol]
	e.positions[pos.Symbol] = pos
	e.mu.Unlock()

	e.checkLimits(pos)

	switch {
	case prev.Flat() && !pos.Flat(), !prev.Flat() && !pos.Flat() && (prev.Size > 0) != (pos.Size > 0):
		// opened or reversed: protections track the new direction
		e.cancelProtections(ctx, pos.Symbol)
		e.placeProtections(ctx, pos)
	case !prev.Flat() && pos.Flat():
		e.cancelProtections(ctx, pos.Symbol)
	}
}

// checkLimits emits advisory signals for per-position limit breaches.
func (e *Engine) checkLimits(pos models.Position) {
	signal := func(limit string, observed, max float64) {
		e.bus.Publish(models.Event{
			Kind: models.EventRiskLimit, Symbol: pos.Symbol, Timestamp: time.Now(),
			Payload: &models.RiskLimitSignal{Symbol: pos.Symbol, Limit: limit, Observed: observed, Max: max},
		})
		e.log.WithComponent("risk").WithFields(logger.Fields{
			"symbol": pos.Symbol, "limit": limit, "observed": observed, "max": max,
		}).Warn("position limit exceeded")
	}

	if e.cfg.MaxLongSize > 0 && pos.Size > e.cfg.MaxLongSize {
		signal("max_long_size", pos.Size, e.cfg.MaxLongSize)
	}
	if e.cfg.MaxShortSize > 0 && pos.Size < -e.cfg.MaxShortSize {
		signal("max_short_size", -pos.Size, e.cfg.MaxShortSize)
	}
	if e.cfg.MaxLeverage > 0 && pos.Leverage > e.cfg.MaxLeverage {
		signal("max_leverage", pos.Leverage, e.cfg.MaxLeverage)
	}
}

// placeProtections submits a stop-market stop-loss and a limit take-profit
// sized to the full position.
func (e *Engine) placeProtections(ctx context.Context, pos models.Position) {
	if pos.EntryPrice <= 0 || (e.cfg.StopLossPct <= 0 && e.cfg.TakeProfitPct <= 0) {
		return
	}

	size := math.Abs(pos.Size)
	exitSide := models.SideSell
	if pos.Size < 0 {
		exitSide = models.SideBuy
	}

	p := &protection{}
	if pos.Size > 0 {
		p.positionSide = models.SideBuy
	} else {
		p.positionSide = models.SideSell
	}

	if e.cfg.StopLossPct > 0 {
		stopPrice := pos.EntryPrice * (1 - e.cfg.StopLossPct/100)
		if pos.Size < 0 {
			stopPrice = pos.EntryPrice * (1 + e.cfg.StopLossPct/100)
		}
		if order := e.submit(ctx, "stop_loss", models.OrderRequest{
			Symbol: pos.Symbol, Side: exitSide, Kind: models.OrderKindStopMarket,
			StopPrice: stopPrice, Size: size, ReduceOnly: true,
			CorrelationID: uuid.NewString(),
		}); order != nil {
			p.stopID = order.ID
			p.stopPrice = stopPrice
		}
	}

	if e.cfg.TakeProfitPct > 0 {
		tpPrice := pos.EntryPrice * (1 + e.cfg.TakeProfitPct/100)
		if pos.Size < 0 {
			tpPrice = pos.EntryPrice * (1 - e.cfg.TakeProfitPct/100)
		}
		if order := e.submit(ctx, "take_profit", models.OrderRequest{
			Symbol: pos.Symbol, Side: exitSide, Kind: models.OrderKindLimit,
			Price: tpPrice, Size: size, ReduceOnly: true,
			CorrelationID: uuid.NewString(),
		}); order != nil {
			p.takeProfitID = order.ID
		}
	}

	e.mu.Lock()
	e.protections[pos.Symbol] = p
	e.mu.Unlock()
}

func (e *Engine) cancelProtections(ctx context.Context, symbol string) {
	e.mu.Lock()
	p := e.protections[symbol]
	delete(e.protections, symbol)
	e.mu.Unlock()
	if p == nil {
		return
	}
	for _, id := range []string{p.stopID, p.takeProfitID} {
		if id == "" {
			continue
		}
		if err := e.trader.CancelOrder(ctx, symbol, id); err != nil {
			e.log.WithComponent("risk").WithError(err).WithField("order_id", id).Warn("protective cancel failed")
		}
	}
}

// submit routes one protective placement through the security gate and
// returns the resulting order, or nil when it failed or was held pending.
func (e *Engine) submit(ctx context.Context, txType string, req models.OrderRequest) *models.Order {
	var placed *models.Order
	e.gate.RecordOrder(req.Size)
	_, _, err := e.gate.Authorize(ctx, txType, req.Symbol, req.Notional(), map[string]any{
		"symbol": req.Symbol, "side": string(req.Side), "kind": string(req.Kind),
	}, func(ctx context.Context) error {
		order, err := e.trader.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}
		placed = order
		return nil
	})
	if err != nil {
		e.log.WithComponent("risk").WithError(err).WithFields(logger.Fields{
			"symbol": req.Symbol, "type": txType,
		}).Error("protective order failed")
	}
	return placed
}

// handleTick feeds the breaker and, when trailing is enabled, tightens the
// stop for the symbol's open position.
func (e *Engine) handleTick(ctx context.Context, symbol string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	e.lastPrice[symbol] = price
	e.mu.Unlock()

	if change := e.breaker.Observe(symbol, price); change != nil {
		e.publishBreaker(symbol, change)
	}
	if e.cfg.TrailingStop.Enabled {
		e.tightenStop(ctx, symbol, price)
	}
}

// tightenStop replaces the stop-loss only when the candidate is strictly more
// favorable: higher for longs, lower for shorts. Stops never loosen.
func (e *Engine) tightenStop(ctx context.Context, symbol string, price float64) {
	e.mu.Lock()
	pos, havePos := e.positions[symbol]
	p, haveProt := e.protections[symbol]
	var stopID string
	var stopPrice float64
	if haveProt {
		stopID = p.stopID
		stopPrice = p.stopPrice
	}
	e.mu.Unlock()
	if !havePos || !haveProt || pos.Flat() {
		return
	}

	// An empty stopID means the previous replacement failed after its
	// cancel went through; place a fresh stop regardless of direction.
	var candidate float64
	if pos.Size > 0 {
		candidate = price * (1 - e.cfg.TrailingStop.Pct/100)
		if stopID != "" && candidate <= stopPrice {
			return
		}
	} else {
		candidate = price * (1 + e.cfg.TrailingStop.Pct/100)
		if stopID != "" && candidate >= stopPrice {
			return
		}
	}

	exitSide := models.SideSell
	if pos.Size < 0 {
		exitSide = models.SideBuy
	}
	if stopID != "" {
		if err := e.trader.CancelOrder(ctx, symbol, stopID); err != nil {
			// The stop may already be terminal venue-side; replacing it
			// is still the right direction.
			e.log.WithComponent("risk").WithError(err).WithField("order_id", stopID).Warn("trailing stop cancel failed")
		}
	}
	order := e.submit(ctx, "trailing_stop", models.OrderRequest{
		Symbol: symbol, Side: exitSide, Kind: models.OrderKindStopMarket,
		StopPrice: candidate, Size: math.Abs(pos.Size), ReduceOnly: true,
		CorrelationID: uuid.NewString(),
	})

	e.mu.Lock()
	if cur, ok := e.protections[symbol]; ok {
		if order != nil {
			cur.stopID = order.ID
			cur.stopPrice = candidate
		} else {
			// The old stop is gone and no replacement exists; clear the
			// tracking so the next tick re-places instead of canceling a
			// dead id forever.
			cur.stopID = ""
			cur.stopPrice = 0
		}
	}
	e.mu.Unlock()
	if order == nil {
		return
	}
	e.log.WithComponent("risk").WithFields(logger.Fields{
		"symbol": symbol, "stop": candidate,
	}).Debug("trailing stop tightened")
}

func (e *Engine) publishBreaker(symbol string, change *breakerChange) {
	e.bus.Publish(models.Event{
		Kind: models.EventCircuitBreaker, Symbol: symbol, Timestamp: time.Now(),
		Payload: &models.CircuitBreakerSignal{
			Symbol:     symbol,
			Triggered:  change.Triggered,
			Volatility: change.Volatility,
			Threshold:  e.cfg.CircuitBreaker.VolThreshold,
			CooldownTo: change.CooldownTo,
		},
	})
	verb := "reset"
	if change.Triggered {
		verb = "triggered"
	}
	e.log.WithComponent("risk").WithFields(logger.Fields{
		"symbol": symbol, "volatility": change.Volatility,
	}).Warn("circuit breaker " + verb)
}

func (e *Engine) monitorLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.monitorPass(ctx)
		}
	}
}

// monitorPass re-evaluates trailing stops from the last seen prices, clears
// expired breaker cooldowns and runs the portfolio guard.
func (e *Engine) monitorPass(ctx context.Context) {
	e.mu.Lock()
	prices := make(map[string]float64, len(e.lastPrice))
	for s, p := range e.lastPrice {
		prices[s] = p
	}
	e.mu.Unlock()

	if e.cfg.TrailingStop.Enabled {
		for symbol, price := range prices {
			e.tightenStop(ctx, symbol, price)
		}
	}
	for symbol, change := range e.breaker.Sweep() {
		e.publishBreaker(symbol, change)
	}
	e.checkPortfolio()
}

// checkPortfolio compares aggregate exposure and drawdown against their caps.
func (e *Engine) checkPortfolio() {
	e.mu.Lock()
	var exposure, unrealized float64
	for _, pos := range e.positions {
		exposure += pos.Notional()
		unrealized += pos.UnrealizedPnL
	}
	e.mu.Unlock()

	alert := func(kind string, observed, max float64) {
		e.bus.Publish(models.Event{
			Kind: models.EventPortfolioAlert, Timestamp: time.Now(),
			Payload: &models.PortfolioAlert{Kind: kind, Observed: observed, Max: max},
		})
		e.log.WithComponent("risk").WithFields(logger.Fields{
			"kind": kind, "observed": observed, "max": max,
		}).Warn("portfolio threshold breached")
	}

	if e.cfg.MaxPortfolioExposure > 0 && exposure > e.cfg.MaxPortfolioExposure {
		alert("exposure", exposure, e.cfg.MaxPortfolioExposure)
	}
	if unrealized < 0 && exposure > 0 && e.cfg.MaxDrawdownPct > 0 {
		drawdown := -unrealized / exposure * 100
		if drawdown > e.cfg.MaxDrawdownPct {
			alert("drawdown", drawdown, e.cfg.MaxDrawdownPct)
		}
	}
}
