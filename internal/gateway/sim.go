package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"makerflow/models"
)

// SimVenue is an in-memory venue with scriptable books, fills and failures.
// It backs the "sim" exchange driver (paper trading) and the package tests.
type SimVenue struct {
	mu        sync.Mutex
	orders    map[string]*models.Order
	byCorrID  map[string]string
	positions map[string]*models.Position
	books     map[string]*models.OrderBookSnapshot
	markets   map[string]*models.MarketSnapshot
	conns     []*simConn

	dialErr      error
	restFailures int
	restErr      error
}

// NewSimVenue creates an empty simulated venue.
func NewSimVenue() *SimVenue {
	return &SimVenue{
		orders:    make(map[string]*models.Order),
		byCorrID:  make(map[string]string),
		positions: make(map[string]*models.Position),
		books:     make(map[string]*models.OrderBookSnapshot),
		markets:   make(map[string]*models.MarketSnapshot),
	}
}

func (v *SimVenue) Name() string { return "sim" }

// FailDials makes subsequent DialStream calls fail with err (nil to clear).
func (v *SimVenue) FailDials(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dialErr = err
}

// FailRequests makes the next n request/response calls fail with err.
func (v *SimVenue) FailRequests(n int, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.restFailures = n
	v.restErr = err
}

func (v *SimVenue) consumeFailure() error {
	if v.restFailures > 0 {
		v.restFailures--
		return v.restErr
	}
	return nil
}

func (v *SimVenue) DialStream(ctx context.Context) (StreamConn, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dialErr != nil {
		return nil, v.dialErr
	}
	conn := &simConn{
		venue: v,
		msgs:  make(chan *StreamMessage, 256),
		done:  make(chan struct{}),
		subs:  make(map[subKey]struct{}),
	}
	v.conns = append(v.conns, conn)
	return conn, nil
}

func (v *SimVenue) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.consumeFailure(); err != nil {
		return nil, err
	}

	// Duplicate placement detection by correlation id.
	if req.CorrelationID != "" {
		if id, ok := v.byCorrID[req.CorrelationID]; ok {
			dup := *v.orders[id]
			return &dup, nil
		}
	}

	order := &models.Order{
		ID:            uuid.NewString(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Kind:          req.Kind,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Size:          req.Size,
		Status:        models.OrderStatusNew,
		CreatedAt:     time.Now().UTC(),
		CorrelationID: req.CorrelationID,
	}
	v.orders[order.ID] = order
	if req.CorrelationID != "" {
		v.byCorrID[req.CorrelationID] = order.ID
	}

	cp := *order
	v.broadcastLocked(&StreamMessage{Kind: models.EventOrder, Symbol: order.Symbol, Order: &cp})
	out := *order
	return &out, nil
}

func (v *SimVenue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.consumeFailure(); err != nil {
		return err
	}
	order, ok := v.orders[orderID]
	if !ok {
		return &VenueError{Status: 404, Msg: fmt.Sprintf("unknown order %s", orderID)}
	}
	if order.Status.Terminal() {
		return &VenueError{Status: 400, Msg: fmt.Sprintf("order %s already %s", orderID, order.Status)}
	}
	order.Status = models.OrderStatusCanceled
	cp := *order
	v.broadcastLocked(&StreamMessage{Kind: models.EventOrder, Symbol: order.Symbol, Order: &cp})
	return nil
}

func (v *SimVenue) OpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.consumeFailure(); err != nil {
		return nil, err
	}
	var out []models.Order
	for _, o := range v.orders {
		if !o.Status.Terminal() && (symbol == "" || o.Symbol == symbol) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (v *SimVenue) Positions(ctx context.Context) ([]models.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.consumeFailure(); err != nil {
		return nil, err
	}
	var out []models.Position
	for _, p := range v.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (v *SimVenue) OrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBookSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.consumeFailure(); err != nil {
		return nil, err
	}
	book, ok := v.books[symbol]
	if !ok {
		return nil, &VenueError{Status: 404, Msg: fmt.Sprintf("no book for %s", symbol)}
	}
	cp := *book
	return &cp, nil
}

func (v *SimVenue) MarketData(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.consumeFailure(); err != nil {
		return nil, err
	}
	md, ok := v.markets[symbol]
	if !ok {
		return nil, &VenueError{Status: 404, Msg: fmt.Sprintf("no market data for %s", symbol)}
	}
	cp := *md
	return &cp, nil
}

func (v *SimVenue) Balance(ctx context.Context) ([]models.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.consumeFailure(); err != nil {
		return nil, err
	}
	return []models.Balance{{Asset: "USDT", Total: 100_000, Available: 100_000}}, nil
}

// SetOrderBook stores the snapshot and broadcasts it to subscribed streams.
func (v *SimVenue) SetOrderBook(book *models.OrderBookSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if book.Timestamp.IsZero() {
		book.Timestamp = time.Now().UTC()
	}
	v.books[book.Symbol] = book
	cp := *book
	v.broadcastLocked(&StreamMessage{Kind: models.EventOrderBook, Symbol: book.Symbol, Book: &cp})
}

// SetMarket stores the snapshot and broadcasts it to subscribed streams.
func (v *SimVenue) SetMarket(md *models.MarketSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if md.Timestamp.IsZero() {
		md.Timestamp = time.Now().UTC()
	}
	v.markets[md.Symbol] = md
	cp := *md
	v.broadcastLocked(&StreamMessage{Kind: models.EventMarket, Symbol: md.Symbol, Market: &cp})
}

// SetPosition replaces the stored position and broadcasts it.
func (v *SimVenue) SetPosition(p *models.Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	v.positions[p.Symbol] = p
	cp := *p
	v.broadcastLocked(&StreamMessage{Kind: models.EventPosition, Symbol: p.Symbol, Position: &cp})
}

// FillOrder executes size against the order at price, updating the order and
// position and broadcasting order, fill and position messages.
func (v *SimVenue) FillOrder(orderID string, price, size float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("order %s already %s", orderID, order.Status)
	}

	prevNotional := order.AvgFillPrice * order.FilledSize
	order.FilledSize += size
	order.AvgFillPrice = (prevNotional + price*size) / order.FilledSize
	if order.FilledSize >= order.Size {
		order.Status = models.OrderStatusFilled
	} else {
		order.Status = models.OrderStatusPartiallyFilled
	}

	pos, ok := v.positions[order.Symbol]
	if !ok {
		pos = &models.Position{Symbol: order.Symbol, MarginMode: models.MarginModeCross, Leverage: 1}
		v.positions[order.Symbol] = pos
	}
	delta := size
	if order.Side == models.SideSell {
		delta = -size
	}
	newSize := pos.Size + delta
	switch {
	case newSize == 0:
		pos.EntryPrice = 0
	case pos.Size == 0 || (pos.Size > 0) != (newSize > 0):
		// Opening or reversing: the fill price is the new entry.
		pos.EntryPrice = price
	case abs(newSize) > abs(pos.Size):
		// Adding exposure: blend the entry price.
		total := pos.EntryPrice*abs(pos.Size) + price*size
		pos.EntryPrice = total / (abs(pos.Size) + size)
	}
	pos.Size = newSize
	pos.MarkPrice = price
	pos.Timestamp = time.Now().UTC()

	book := v.books[order.Symbol]
	fill := &models.Fill{
		OrderID:       order.ID,
		CorrelationID: order.CorrelationID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Price:         price,
		Size:          size,
		Timestamp:     time.Now().UTC(),
	}
	if book != nil {
		fill.BookMid = book.Mid()
		fill.BookBestBid = book.BestBid().Price
		fill.BookBestAsk = book.BestAsk().Price
	}

	oc := *order
	pc := *pos
	v.broadcastLocked(&StreamMessage{Kind: models.EventOrder, Symbol: order.Symbol, Order: &oc})
	v.broadcastLocked(&StreamMessage{Kind: models.EventFill, Symbol: order.Symbol, Fill: fill})
	v.broadcastLocked(&StreamMessage{Kind: models.EventPosition, Symbol: order.Symbol, Position: &pc})
	return nil
}

// Order returns a copy of the stored order.
func (v *SimVenue) Order(orderID string) (models.Order, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// OpenConns returns the number of live stream connections.
func (v *SimVenue) OpenConns() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, c := range v.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

// SubscribeCounts returns, per (channel,symbol), how many subscribe requests
// every connection ever received. Used to assert subscription replay.
func (v *SimVenue) SubscribeCounts() map[string]int {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]int)
	for _, c := range v.conns {
		c.mu.Lock()
		for k, n := range c.subCount {
			out[k.channel+"/"+k.symbol] += n
		}
		c.mu.Unlock()
	}
	return out
}

// CloseConns force-closes every live stream connection, as a venue-side drop.
func (v *SimVenue) CloseConns() {
	v.mu.Lock()
	conns := append([]*simConn(nil), v.conns...)
	v.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (v *SimVenue) broadcastLocked(msg *StreamMessage) {
	key := subKey{channel: channelFor(msg.Kind), symbol: msg.Symbol}
	for _, c := range v.conns {
		c.deliver(key, msg)
	}
}

func channelFor(kind models.EventKind) string {
	switch kind {
	case models.EventOrderBook:
		return ChannelOrderBook
	case models.EventMarket:
		return ChannelMarket
	case models.EventTrade:
		return ChannelTrade
	case models.EventOrder, models.EventFill:
		return ChannelOrder
	case models.EventPosition:
		return ChannelPosition
	}
	return string(kind)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

type simConn struct {
	venue *SimVenue
	msgs  chan *StreamMessage
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	subs     map[subKey]struct{}
	subCount map[subKey]int
	pings    int
}

func (c *simConn) ReadMessage() (*StreamMessage, error) {
	select {
	case msg := <-c.msgs:
		return msg, nil
	case <-c.done:
		return nil, fmt.Errorf("sim stream closed")
	}
}

func (c *simConn) Subscribe(channel, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("sim stream closed")
	}
	if c.subCount == nil {
		c.subCount = make(map[subKey]int)
	}
	k := subKey{channel, symbol}
	c.subs[k] = struct{}{}
	c.subCount[k]++
	return nil
}

func (c *simConn) Unsubscribe(channel, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, subKey{channel, symbol})
	return nil
}

func (c *simConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("sim stream closed")
	}
	c.pings++
	return nil
}

func (c *simConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *simConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *simConn) deliver(key subKey, msg *StreamMessage) {
	c.mu.Lock()
	_, subscribed := c.subs[key]
	if !subscribed {
		// Order, fill and position streams are account level: an
		// empty-symbol subscription receives every symbol.
		_, subscribed = c.subs[subKey{channel: key.channel}]
	}
	closed := c.closed
	c.mu.Unlock()
	if closed || !subscribed {
		return
	}
	select {
	case c.msgs <- msg:
	default:
	}
}
