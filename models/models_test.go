package models

import (
	"math"
	"testing"
)

func TestOrderBookTopOfBook(t *testing.T) {
	book := &OrderBookSnapshot{
		Symbol: "BTC-PERP",
		Bids:   []BookLevel{{Price: 100, Size: 2}, {Price: 99, Size: 1}},
		Asks:   []BookLevel{{Price: 102, Size: 1}, {Price: 103, Size: 4}},
	}

	if got := book.BestBid().Price; got != 100 {
		t.Fatalf("best bid = %v, want 100", got)
	}
	if got := book.BestAsk().Price; got != 102 {
		t.Fatalf("best ask = %v, want 102", got)
	}
	if got := book.Mid(); got != 101 {
		t.Fatalf("mid = %v, want 101", got)
	}
}

func TestOrderBookEmptySide(t *testing.T) {
	book := &OrderBookSnapshot{Bids: []BookLevel{{Price: 100, Size: 1}}}
	if got := book.Mid(); got != 0 {
		t.Fatalf("mid of one-sided book = %v, want 0", got)
	}
	if got := book.BestAsk(); got != (BookLevel{}) {
		t.Fatalf("best ask of empty side = %+v, want zero", got)
	}
}

func TestImbalanceBounds(t *testing.T) {
	book := &OrderBookSnapshot{
		Bids: []BookLevel{{Price: 100, Size: 3}},
		Asks: []BookLevel{{Price: 102, Size: 1}},
	}
	if got := book.Imbalance(10); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("imbalance = %v, want 0.5", got)
	}

	empty := &OrderBookSnapshot{}
	if got := empty.Imbalance(10); got != 0 {
		t.Fatalf("imbalance of empty book = %v, want 0", got)
	}
}

func TestImbalanceHonorsDepth(t *testing.T) {
	book := &OrderBookSnapshot{
		Bids: []BookLevel{{Price: 100, Size: 1}, {Price: 99, Size: 100}},
		Asks: []BookLevel{{Price: 102, Size: 1}},
	}
	if got := book.Imbalance(1); got != 0 {
		t.Fatalf("depth-1 imbalance = %v, want 0", got)
	}
	if got := book.Imbalance(2); got <= 0.9 {
		t.Fatalf("depth-2 imbalance = %v, want near 1", got)
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Fatal("side opposite mapping broken")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderStatusNew, OrderStatusPartiallyFilled} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestOrderRequestNotional(t *testing.T) {
	limit := OrderRequest{Price: 100, Size: 2}
	if got := limit.Notional(); got != 200 {
		t.Fatalf("limit notional = %v, want 200", got)
	}
	stop := OrderRequest{StopPrice: 95, Size: 2}
	if got := stop.Notional(); got != 190 {
		t.Fatalf("stop notional = %v, want 190", got)
	}
}

func TestPositionNotionalUsesMarkPrice(t *testing.T) {
	p := &Position{Symbol: "BTC-PERP", Size: -2, EntryPrice: 100, MarkPrice: 110}
	if p.Flat() || p.Long() {
		t.Fatal("short position misclassified")
	}
	if got := p.Notional(); got != 220 {
		t.Fatalf("notional = %v, want 220", got)
	}
}
