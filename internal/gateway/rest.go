package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"makerflow/config"
	"makerflow/logger"
	"makerflow/models"
)

// restClient serializes outbound request/response calls through a token
// bucket and retries transient failures with exponential backoff. Non-
// retryable failures (4xx) and retry exhaustion are surfaced to the caller.
type restClient struct {
	venue   Venue
	limiter *rate.Limiter
	retry   config.RetryConfig
	log     *logger.Log
}

func newRestClient(venue Venue, cfg config.ExchangeConfig) *restClient {
	interval := cfg.RateLimit.TimeWindow / time.Duration(cfg.RateLimit.MaxRequests)
	return &restClient{
		venue:   venue,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		retry:   cfg.Retry,
		log:     logger.GetLogger(),
	}
}

// call waits for a rate-limit token, then runs fn with retry/backoff. fn is
// retried on 5xx and transport errors, never on 4xx.
func (c *restClient) call(ctx context.Context, op string, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	logger.IncrementRestCall()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.BaseDelay
	bo.MaxInterval = c.retry.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	attempt := 0
	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var ve *VenueError
		if errors.As(err, &ve) && !ve.Retryable() {
			return backoff.Permanent(err)
		}
		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		attempt++
		logger.IncrementRestRetry()
		c.log.WithComponent("gateway_rest").WithError(err).WithFields(logger.Fields{
			"operation": op,
			"attempt":   attempt,
		}).Warn("request failed, retrying")
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.retry.MaxRetries)), ctx))
}

func (c *restClient) placeOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	var order *models.Order
	err := c.call(ctx, "place_order", func() error {
		var err error
		order, err = c.venue.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.IncrementOrderPlaced()
	return order, nil
}

func (c *restClient) cancelOrder(ctx context.Context, symbol, orderID string) error {
	err := c.call(ctx, "cancel_order", func() error {
		return c.venue.CancelOrder(ctx, symbol, orderID)
	})
	if err == nil {
		logger.IncrementOrderCanceled()
	}
	return err
}

func (c *restClient) openOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	var orders []models.Order
	err := c.call(ctx, "open_orders", func() error {
		var err error
		orders, err = c.venue.OpenOrders(ctx, symbol)
		return err
	})
	return orders, err
}

func (c *restClient) positions(ctx context.Context) ([]models.Position, error) {
	var positions []models.Position
	err := c.call(ctx, "positions", func() error {
		var err error
		positions, err = c.venue.Positions(ctx)
		return err
	})
	return positions, err
}

func (c *restClient) orderBook(ctx context.Context, symbol string, depth int) (*models.OrderBookSnapshot, error) {
	var book *models.OrderBookSnapshot
	err := c.call(ctx, "order_book", func() error {
		var err error
		book, err = c.venue.OrderBook(ctx, symbol, depth)
		return err
	})
	return book, err
}

func (c *restClient) marketData(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	var md *models.MarketSnapshot
	err := c.call(ctx, "market_data", func() error {
		var err error
		md, err = c.venue.MarketData(ctx, symbol)
		return err
	})
	return md, err
}

func (c *restClient) balance(ctx context.Context) ([]models.Balance, error) {
	var balances []models.Balance
	err := c.call(ctx, "balance", func() error {
		var err error
		balances, err = c.venue.Balance(ctx)
		return err
	})
	return balances, err
}
