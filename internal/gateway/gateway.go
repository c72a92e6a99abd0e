package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"makerflow/config"
	"makerflow/internal/events"
	"makerflow/logger"
	"makerflow/models"
)

// Gateway is the sole source of market and account truth. It owns the dual
// streaming connections and the rate-limited request path, and republishes
// every inbound message as a typed bus event.
type Gateway struct {
	cfg    config.ExchangeConfig
	venue  Venue
	bus    *events.Bus
	rest   *restClient
	stream *streamManager

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	log     *logger.Log
}

// New creates a gateway over the given venue.
func New(cfg config.ExchangeConfig, venue Venue, bus *events.Bus) *Gateway {
	g := &Gateway{
		cfg:   cfg,
		venue: venue,
		bus:   bus,
		rest:  newRestClient(venue, cfg),
		log:   logger.GetLogger(),
	}
	g.stream = newStreamManager(venue, g.publishMessage, g.publishConnError)
	return g
}

// Start opens both streaming connections. It returns an error when the
// gateway is already running; connection failures are handled by the stream
// manager's reconnect policy, not surfaced here.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return fmt.Errorf("gateway already running")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.stream.start(g.ctx)
	g.running = true

	g.log.WithComponent("gateway").WithFields(logger.Fields{
		"venue":        g.venue.Name(),
		"max_requests": g.cfg.RateLimit.MaxRequests,
		"time_window":  g.cfg.RateLimit.TimeWindow.String(),
	}).Info("gateway started")
	return nil
}

// Stop closes both connections and cancels all timers. In-flight requests
// run to completion or retry exhaustion before Stop returns.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.mu.Unlock()

	g.cancel()
	g.stream.stop()
	g.log.WithComponent("gateway").Info("gateway stopped")
}

// Running reports whether Start has been called and Stop has not.
func (g *Gateway) Running() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}

// Subscribe registers a streaming subscription. The registration is replayed
// automatically after every reconnect.
func (g *Gateway) Subscribe(channel, symbol string) error {
	if !g.Running() {
		return fmt.Errorf("gateway not running")
	}
	return g.stream.subscribe(channel, symbol)
}

// Unsubscribe removes a streaming subscription.
func (g *Gateway) Unsubscribe(channel, symbol string) error {
	if !g.Running() {
		return fmt.Errorf("gateway not running")
	}
	return g.stream.unsubscribe(channel, symbol)
}

// PlaceOrder submits an order through the rate-limited request path.
func (g *Gateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	return g.rest.placeOrder(ctx, req)
}

// CancelOrder cancels a resting order.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return g.rest.cancelOrder(ctx, symbol, orderID)
}

// GetOpenOrders lists resting orders for a symbol.
func (g *Gateway) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	return g.rest.openOrders(ctx, symbol)
}

// GetPositions lists the account's positions.
func (g *Gateway) GetPositions(ctx context.Context) ([]models.Position, error) {
	return g.rest.positions(ctx)
}

// GetOrderBook fetches a book snapshot.
func (g *Gateway) GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBookSnapshot, error) {
	return g.rest.orderBook(ctx, symbol, depth)
}

// GetMarketData fetches market statistics for a symbol.
func (g *Gateway) GetMarketData(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	return g.rest.marketData(ctx, symbol)
}

// GetBalance fetches the account balance.
func (g *Gateway) GetBalance(ctx context.Context) ([]models.Balance, error) {
	return g.rest.balance(ctx)
}

func (g *Gateway) publishMessage(msg *StreamMessage) {
	ev := models.Event{
		Kind:      msg.Kind,
		Symbol:    msg.Symbol,
		Timestamp: time.Now().UTC(),
	}
	switch msg.Kind {
	case models.EventOrderBook:
		ev.Payload = msg.Book
	case models.EventMarket:
		ev.Payload = msg.Market
	case models.EventTrade:
		ev.Payload = msg.Trade
	case models.EventOrder:
		ev.Payload = msg.Order
	case models.EventPosition:
		ev.Payload = msg.Position
	case models.EventFill:
		ev.Payload = msg.Fill
	default:
		g.log.WithComponent("gateway").WithField("kind", string(msg.Kind)).Debug("unhandled stream message kind")
		return
	}
	g.bus.Publish(ev)
}

func (g *Gateway) publishConnError(conn string, err error, recoverable bool) {
	g.bus.Publish(models.Event{
		Kind: models.EventConnectionError,
		Payload: &models.ConnectionError{
			Conn:        conn,
			Err:         err.Error(),
			Recoverable: recoverable,
		},
	})
}
