package models

import (
	"time"
)

// Side is the direction of an order or position delta.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind is the execution type of an order.
type OrderKind string

const (
	OrderKindLimit      OrderKind = "limit"
	OrderKindMarket     OrderKind = "market"
	OrderKindStopLimit  OrderKind = "stop_limit"
	OrderKindStopMarket OrderKind = "stop_market"
)

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Order represents a single venue order. Orders are created on submission and
// mutated only by gateway-delivered status events.
type Order struct {
	ID            string      `json:"id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Kind          OrderKind   `json:"kind"`
	Price         float64     `json:"price"`
	StopPrice     float64     `json:"stop_price,omitempty"`
	Size          float64     `json:"size"`
	Status        OrderStatus `json:"status"`
	FilledSize    float64     `json:"filled_size"`
	AvgFillPrice  float64     `json:"avg_fill_price"`
	CreatedAt     time.Time   `json:"created_at"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// OrderRequest is the caller-side description of an order to place.
// CorrelationID doubles as the client order id so retried placements are
// detectable as duplicates by the venue.
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Kind          OrderKind `json:"kind"`
	Price         float64   `json:"price"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	Size          float64   `json:"size"`
	ReduceOnly    bool      `json:"reduce_only,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Notional is the order's value at its limit (or stop) price.
func (r OrderRequest) Notional() float64 {
	p := r.Price
	if p == 0 {
		p = r.StopPrice
	}
	return p * r.Size
}

// Fill is one execution of an order, enriched with the book context at fill
// time so execution quality can be measured afterwards.
type Fill struct {
	OrderID       string    `json:"order_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Price         float64   `json:"price"`
	Size          float64   `json:"size"`
	BookMid       float64   `json:"book_mid,omitempty"`
	BookBestBid   float64   `json:"book_best_bid,omitempty"`
	BookBestAsk   float64   `json:"book_best_ask,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
