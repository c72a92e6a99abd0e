package gateway

import (
	"context"
	"fmt"

	"makerflow/models"
)

// Channel names accepted by Subscribe.
const (
	ChannelOrderBook = "orderbook"
	ChannelMarket    = "market"
	ChannelTrade     = "trade"
	ChannelOrder     = "order"
	ChannelPosition  = "position"
)

// StreamMessage is one decoded push message from a venue stream. Exactly one
// payload field is set according to Kind.
type StreamMessage struct {
	Kind     models.EventKind
	Symbol   string
	Book     *models.OrderBookSnapshot
	Market   *models.MarketSnapshot
	Trade    *models.Trade
	Order    *models.Order
	Position *models.Position
	Fill     *models.Fill
}

// StreamConn is a live streaming connection to the venue. ReadMessage blocks
// until a message arrives, the connection fails, or Close is called.
type StreamConn interface {
	ReadMessage() (*StreamMessage, error)
	Subscribe(channel, symbol string) error
	Unsubscribe(channel, symbol string) error
	Ping() error
	Close() error
}

// Venue abstracts one perpetual exchange: a dialable stream plus
// request/response operations. All REST operations are safe to retry except
// PlaceOrder, which relies on the request's correlation id for duplicate
// detection.
type Venue interface {
	Name() string
	DialStream(ctx context.Context) (StreamConn, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	Positions(ctx context.Context) ([]models.Position, error)
	OrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBookSnapshot, error)
	MarketData(ctx context.Context, symbol string) (*models.MarketSnapshot, error)
	Balance(ctx context.Context) ([]models.Balance, error)
}

// VenueError is a request/response failure with the venue's status code.
// 5xx and transport-level failures are retryable; 4xx are not.
type VenueError struct {
	Status int
	Msg    string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error (status %d): %s", e.Status, e.Msg)
}

// Retryable reports whether the failure is transient.
func (e *VenueError) Retryable() bool {
	return e.Status == 0 || e.Status >= 500
}
