package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"

	"makerflow/config"
	"makerflow/models"
)

const defaultBinanceStreamURL = "wss://fstream.binance.com/stream"

// BinanceVenue maps the abstract venue boundary onto the Binance USD-M
// futures API: REST through the go-binance client, streaming through the
// combined websocket endpoint with live SUBSCRIBE frames.
type BinanceVenue struct {
	client    *futures.Client
	streamURL string
}

// NewBinanceVenue creates the driver. Credentials come from the environment
// so they never live in the config file.
func NewBinanceVenue(cfg config.ExchangeConfig, apiKey, secret string) *BinanceVenue {
	client := futures.NewClient(apiKey, secret)
	if cfg.RestURL != "" {
		client.SetApiEndpoint(cfg.RestURL)
	}
	streamURL := cfg.StreamURL
	if streamURL == "" {
		streamURL = defaultBinanceStreamURL
	}
	return &BinanceVenue{client: client, streamURL: streamURL}
}

func (b *BinanceVenue) Name() string { return "binance" }

func wrapBinanceErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		// Semantic rejections from the venue are not retryable.
		return &VenueError{Status: 400, Msg: fmt.Sprintf("binance %d: %s", apiErr.Code, apiErr.Message)}
	}
	return &VenueError{Status: 0, Msg: err.Error()}
}

func (b *BinanceVenue) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binanceSide(req.Side)).
		Type(binanceOrderType(req.Kind)).
		Quantity(formatFloat(req.Size))

	switch req.Kind {
	case models.OrderKindLimit:
		svc = svc.Price(formatFloat(req.Price)).TimeInForce(futures.TimeInForceTypeGTC)
	case models.OrderKindStopLimit:
		svc = svc.Price(formatFloat(req.Price)).StopPrice(formatFloat(req.StopPrice)).TimeInForce(futures.TimeInForceTypeGTC)
	case models.OrderKindStopMarket:
		svc = svc.StopPrice(formatFloat(req.StopPrice))
	}
	if req.CorrelationID != "" {
		svc = svc.NewClientOrderID(req.CorrelationID)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	return &models.Order{
		ID:            strconv.FormatInt(res.OrderID, 10),
		Symbol:        res.Symbol,
		Side:          req.Side,
		Kind:          req.Kind,
		Price:         parseFloat(res.Price),
		StopPrice:     parseFloat(res.StopPrice),
		Size:          parseFloat(res.OrigQuantity),
		Status:        binanceStatus(res.Status),
		FilledSize:    parseFloat(res.ExecutedQuantity),
		AvgFillPrice:  parseFloat(res.AvgPrice),
		CreatedAt:     time.UnixMilli(res.UpdateTime).UTC(),
		CorrelationID: res.ClientOrderID,
	}, nil
}

func (b *BinanceVenue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return &VenueError{Status: 400, Msg: fmt.Sprintf("bad order id %q", orderID)}
	}
	_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return wrapBinanceErr(err)
}

func (b *BinanceVenue) OpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	svc := b.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	out := make([]models.Order, 0, len(raw))
	for _, o := range raw {
		out = append(out, models.Order{
			ID:            strconv.FormatInt(o.OrderID, 10),
			Symbol:        o.Symbol,
			Side:          sideFromBinance(o.Side),
			Kind:          kindFromBinance(o.Type),
			Price:         parseFloat(o.Price),
			StopPrice:     parseFloat(o.StopPrice),
			Size:          parseFloat(o.OrigQuantity),
			Status:        binanceStatus(o.Status),
			FilledSize:    parseFloat(o.ExecutedQuantity),
			AvgFillPrice:  parseFloat(o.AvgPrice),
			CreatedAt:     time.UnixMilli(o.Time).UTC(),
			CorrelationID: o.ClientOrderID,
		})
	}
	return out, nil
}

func (b *BinanceVenue) Positions(ctx context.Context) ([]models.Position, error) {
	raw, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	out := make([]models.Position, 0, len(raw))
	for _, p := range raw {
		size := parseFloat(p.PositionAmt)
		if size == 0 {
			continue
		}
		mode := models.MarginModeCross
		if strings.EqualFold(p.MarginType, "isolated") {
			mode = models.MarginModeIsolated
		}
		out = append(out, models.Position{
			Symbol:           p.Symbol,
			Size:             size,
			EntryPrice:       parseFloat(p.EntryPrice),
			MarkPrice:        parseFloat(p.MarkPrice),
			LiquidationPrice: parseFloat(p.LiquidationPrice),
			UnrealizedPnL:    parseFloat(p.UnRealizedProfit),
			Leverage:         parseFloat(p.Leverage),
			MarginMode:       mode,
			Timestamp:        time.Now().UTC(),
		})
	}
	return out, nil
}

func (b *BinanceVenue) OrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBookSnapshot, error) {
	if depth <= 0 {
		depth = 20
	}
	res, err := b.client.NewDepthService().Symbol(symbol).Limit(depth).Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	book := &models.OrderBookSnapshot{Symbol: symbol, Timestamp: time.Now().UTC()}
	for _, lvl := range res.Bids {
		book.Bids = append(book.Bids, models.BookLevel{Price: parseFloat(lvl.Price), Size: parseFloat(lvl.Quantity)})
	}
	for _, lvl := range res.Asks {
		book.Asks = append(book.Asks, models.BookLevel{Price: parseFloat(lvl.Price), Size: parseFloat(lvl.Quantity)})
	}
	return book, nil
}

func (b *BinanceVenue) MarketData(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	stats, err := b.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	md := &models.MarketSnapshot{Symbol: symbol, Timestamp: time.Now().UTC()}
	if len(stats) > 0 {
		md.LastPrice = parseFloat(stats[0].LastPrice)
		md.Volume24h = parseFloat(stats[0].Volume)
	}
	premium, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err == nil && len(premium) > 0 {
		md.MarkPrice = parseFloat(premium[0].MarkPrice)
		md.IndexPrice = parseFloat(premium[0].IndexPrice)
		md.FundingRate = parseFloat(premium[0].LastFundingRate)
	}
	return md, nil
}

func (b *BinanceVenue) Balance(ctx context.Context) ([]models.Balance, error) {
	raw, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	out := make([]models.Balance, 0, len(raw))
	for _, bal := range raw {
		out = append(out, models.Balance{
			Asset:     bal.Asset,
			Total:     parseFloat(bal.Balance),
			Available: parseFloat(bal.AvailableBalance),
		})
	}
	return out, nil
}

// DialStream opens the combined-stream websocket. Account channels attach the
// user data stream through a listen key when credentials are present.
func (b *BinanceVenue) DialStream(ctx context.Context) (StreamConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, b.streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("binance stream dial: %w", err)
	}
	c := &binanceStreamConn{
		venue:   b,
		conn:    conn,
		markets: make(map[string]*models.MarketSnapshot),
	}
	return c, nil
}

type binanceStreamConn struct {
	venue *BinanceVenue
	conn  *websocket.Conn

	mu        sync.Mutex
	reqID     int64
	listenKey string
	markets   map[string]*models.MarketSnapshot
}

func (c *binanceStreamConn) Subscribe(channel, symbol string) error {
	params := streamParams(channel, symbol)
	if params == nil {
		// Account channels ride on the user data stream.
		return c.ensureUserStream()
	}
	return c.send("SUBSCRIBE", params)
}

func (c *binanceStreamConn) Unsubscribe(channel, symbol string) error {
	params := streamParams(channel, symbol)
	if params == nil {
		return nil
	}
	return c.send("UNSUBSCRIBE", params)
}

func (c *binanceStreamConn) ensureUserStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listenKey != "" {
		return nil
	}
	key, err := c.venue.client.NewStartUserStreamService().Do(context.Background())
	if err != nil {
		return wrapBinanceErr(err)
	}
	c.listenKey = key
	c.reqID++
	return c.conn.WriteJSON(map[string]any{
		"method": "SUBSCRIBE",
		"params": []string{key},
		"id":     c.reqID,
	})
}

func (c *binanceStreamConn) send(method string, params []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqID++
	return c.conn.WriteJSON(map[string]any{
		"method": method,
		"params": params,
		"id":     c.reqID,
	})
}

func (c *binanceStreamConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (c *binanceStreamConn) Close() error {
	return c.conn.Close()
}

// ReadMessage reads frames until one decodes to a known payload. Control
// acks and unrecognized streams are skipped, not errors.
func (c *binanceStreamConn) ReadMessage() (*StreamMessage, error) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		msg, err := c.decode(raw)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

func (c *binanceStreamConn) decode(raw []byte) (*StreamMessage, error) {
	var frame struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame.Data) == 0 {
		return nil, nil
	}

	switch {
	case strings.Contains(frame.Stream, "@depth"):
		return decodeDepth(frame.Stream, frame.Data)
	case strings.HasSuffix(frame.Stream, "@ticker"):
		return c.decodeTicker(frame.Data)
	case strings.HasSuffix(frame.Stream, "@markPrice"):
		return c.decodeMarkPrice(frame.Data)
	case strings.HasSuffix(frame.Stream, "@aggTrade"):
		return decodeAggTrade(frame.Data)
	default:
		return decodeUserData(frame.Data)
	}
}

func decodeDepth(stream string, data []byte) (*StreamMessage, error) {
	var d struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, nil
	}
	symbol := strings.ToUpper(strings.SplitN(stream, "@", 2)[0])
	book := &models.OrderBookSnapshot{Symbol: symbol, Timestamp: time.Now().UTC()}
	for _, lvl := range d.Bids {
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, models.BookLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
		}
	}
	for _, lvl := range d.Asks {
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, models.BookLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
		}
	}
	return &StreamMessage{Kind: models.EventOrderBook, Symbol: symbol, Book: book}, nil
}

func (c *binanceStreamConn) decodeTicker(data []byte) (*StreamMessage, error) {
	var t struct {
		Symbol string `json:"s"`
		Last   string `json:"c"`
		Volume string `json:"v"`
	}
	if err := json.Unmarshal(data, &t); err != nil || t.Symbol == "" {
		return nil, nil
	}
	md := c.mergeMarket(t.Symbol, func(md *models.MarketSnapshot) {
		md.LastPrice = parseFloat(t.Last)
		md.Volume24h = parseFloat(t.Volume)
	})
	return &StreamMessage{Kind: models.EventMarket, Symbol: t.Symbol, Market: md}, nil
}

func (c *binanceStreamConn) decodeMarkPrice(data []byte) (*StreamMessage, error) {
	var m struct {
		Symbol  string `json:"s"`
		Mark    string `json:"p"`
		Index   string `json:"i"`
		Funding string `json:"r"`
	}
	if err := json.Unmarshal(data, &m); err != nil || m.Symbol == "" {
		return nil, nil
	}
	md := c.mergeMarket(m.Symbol, func(md *models.MarketSnapshot) {
		md.MarkPrice = parseFloat(m.Mark)
		md.IndexPrice = parseFloat(m.Index)
		md.FundingRate = parseFloat(m.Funding)
	})
	return &StreamMessage{Kind: models.EventMarket, Symbol: m.Symbol, Market: md}, nil
}

// mergeMarket folds partial updates into a per-symbol snapshot so consumers
// always see a full MarketSnapshot replacement.
func (c *binanceStreamConn) mergeMarket(symbol string, apply func(*models.MarketSnapshot)) *models.MarketSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	md, ok := c.markets[symbol]
	if !ok {
		md = &models.MarketSnapshot{Symbol: symbol}
		c.markets[symbol] = md
	}
	apply(md)
	md.Timestamp = time.Now().UTC()
	cp := *md
	return &cp
}

func decodeAggTrade(data []byte) (*StreamMessage, error) {
	var t struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
		Qty    string `json:"q"`
		Maker  bool   `json:"m"`
		Time   int64  `json:"T"`
	}
	if err := json.Unmarshal(data, &t); err != nil || t.Symbol == "" {
		return nil, nil
	}
	side := models.SideBuy
	if t.Maker {
		side = models.SideSell
	}
	return &StreamMessage{Kind: models.EventTrade, Symbol: t.Symbol, Trade: &models.Trade{
		Symbol:    t.Symbol,
		Price:     parseFloat(t.Price),
		Size:      parseFloat(t.Qty),
		Side:      side,
		Timestamp: time.UnixMilli(t.Time).UTC(),
	}}, nil
}

func decodeUserData(data []byte) (*StreamMessage, error) {
	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, nil
	}
	switch head.Event {
	case "ORDER_TRADE_UPDATE":
		var u struct {
			Order struct {
				Symbol        string `json:"s"`
				ClientOrderID string `json:"c"`
				Side          string `json:"S"`
				Type          string `json:"o"`
				Price         string `json:"p"`
				Qty           string `json:"q"`
				AvgPrice      string `json:"ap"`
				StopPrice     string `json:"sp"`
				Status        string `json:"X"`
				OrderID       int64  `json:"i"`
				FilledQty     string `json:"z"`
				LastPrice     string `json:"L"`
				LastQty       string `json:"l"`
				TradeTime     int64  `json:"T"`
			} `json:"o"`
		}
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, nil
		}
		o := u.Order
		order := &models.Order{
			ID:            strconv.FormatInt(o.OrderID, 10),
			Symbol:        o.Symbol,
			Side:          sideFromBinance(futures.SideType(o.Side)),
			Kind:          kindFromBinance(futures.OrderType(o.Type)),
			Price:         parseFloat(o.Price),
			StopPrice:     parseFloat(o.StopPrice),
			Size:          parseFloat(o.Qty),
			Status:        binanceStatus(futures.OrderStatusType(o.Status)),
			FilledSize:    parseFloat(o.FilledQty),
			AvgFillPrice:  parseFloat(o.AvgPrice),
			CreatedAt:     time.UnixMilli(o.TradeTime).UTC(),
			CorrelationID: o.ClientOrderID,
		}
		return &StreamMessage{Kind: models.EventOrder, Symbol: o.Symbol, Order: order}, nil

	case "ACCOUNT_UPDATE":
		var u struct {
			Account struct {
				Positions []struct {
					Symbol     string `json:"s"`
					Amount     string `json:"pa"`
					Entry      string `json:"ep"`
					Unrealized string `json:"up"`
					MarginType string `json:"mt"`
				} `json:"P"`
			} `json:"a"`
		}
		if err := json.Unmarshal(data, &u); err != nil || len(u.Account.Positions) == 0 {
			return nil, nil
		}
		p := u.Account.Positions[0]
		mode := models.MarginModeCross
		if strings.EqualFold(p.MarginType, "isolated") {
			mode = models.MarginModeIsolated
		}
		return &StreamMessage{Kind: models.EventPosition, Symbol: p.Symbol, Position: &models.Position{
			Symbol:        p.Symbol,
			Size:          parseFloat(p.Amount),
			EntryPrice:    parseFloat(p.Entry),
			UnrealizedPnL: parseFloat(p.Unrealized),
			MarginMode:    mode,
			Timestamp:     time.Now().UTC(),
		}}, nil
	}
	return nil, nil
}

func streamParams(channel, symbol string) []string {
	s := strings.ToLower(symbol)
	switch channel {
	case ChannelOrderBook:
		return []string{s + "@depth20@100ms"}
	case ChannelMarket:
		return []string{s + "@ticker", s + "@markPrice"}
	case ChannelTrade:
		return []string{s + "@aggTrade"}
	}
	return nil
}

func binanceSide(side models.Side) futures.SideType {
	if side == models.SideBuy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func sideFromBinance(side futures.SideType) models.Side {
	if side == futures.SideTypeBuy {
		return models.SideBuy
	}
	return models.SideSell
}

func binanceOrderType(kind models.OrderKind) futures.OrderType {
	switch kind {
	case models.OrderKindLimit:
		return futures.OrderTypeLimit
	case models.OrderKindMarket:
		return futures.OrderTypeMarket
	case models.OrderKindStopLimit:
		return futures.OrderTypeStop
	case models.OrderKindStopMarket:
		return futures.OrderTypeStopMarket
	}
	return futures.OrderTypeLimit
}

func kindFromBinance(t futures.OrderType) models.OrderKind {
	switch t {
	case futures.OrderTypeLimit:
		return models.OrderKindLimit
	case futures.OrderTypeMarket:
		return models.OrderKindMarket
	case futures.OrderTypeStop:
		return models.OrderKindStopLimit
	case futures.OrderTypeStopMarket:
		return models.OrderKindStopMarket
	}
	return models.OrderKindLimit
}

func binanceStatus(s futures.OrderStatusType) models.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return models.OrderStatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return models.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return models.OrderStatusFilled
	case futures.OrderStatusTypeCanceled:
		return models.OrderStatusCanceled
	case futures.OrderStatusTypeRejected:
		return models.OrderStatusRejected
	case futures.OrderStatusTypeExpired:
		return models.OrderStatusExpired
	}
	return models.OrderStatusNew
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
