package ledger

import (
	"context"
	"math"
	"testing"
	"time"

	"makerflow/internal/events"
	"makerflow/models"
)

func fill(symbol, corrID string, side models.Side, price, size float64) models.Fill {
	return models.Fill{
		Symbol:        symbol,
		CorrelationID: corrID,
		Side:          side,
		Price:         price,
		Size:          size,
		Timestamp:     time.Now(),
	}
}

func TestRoundTripPnL(t *testing.T) {
	l := New(events.NewBus(16))

	l.RecordFill(fill("BTCUSDT", "rt-1", models.SideBuy, 100, 2))
	if got := l.Snapshot().Trades; got != 0 {
		t.Fatalf("trade counted before round trip closed: %d", got)
	}

	l.RecordFill(fill("BTCUSDT", "rt-1", models.SideSell, 110, 2))

	rep := l.Snapshot()
	if rep.Trades != 1 {
		t.Fatalf("trades = %d, want 1", rep.Trades)
	}
	// sell proceeds 220 minus buy cost 200
	if rep.RealizedPnL != 20 {
		t.Fatalf("realized pnl = %v, want 20", rep.RealizedPnL)
	}
	if rep.WinRate != 1 {
		t.Fatalf("win rate = %v, want 1", rep.WinRate)
	}
}

func TestPartialFillsAccumulate(t *testing.T) {
	l := New(events.NewBus(16))

	l.RecordFill(fill("ETHUSDT", "rt-2", models.SideBuy, 100, 1))
	l.RecordFill(fill("ETHUSDT", "rt-2", models.SideBuy, 102, 1))
	l.RecordFill(fill("ETHUSDT", "rt-2", models.SideSell, 105, 1))
	if l.Snapshot().Trades != 0 {
		t.Fatal("round trip realized before volumes matched")
	}
	l.RecordFill(fill("ETHUSDT", "rt-2", models.SideSell, 105, 1))

	rep := l.Snapshot()
	if rep.Trades != 1 {
		t.Fatalf("trades = %d, want 1", rep.Trades)
	}
	// sell proceeds 210 minus buy cost 202
	if math.Abs(rep.RealizedPnL-8) > 1e-9 {
		t.Fatalf("realized pnl = %v, want 8", rep.RealizedPnL)
	}
}

func TestProfitFactorInfiniteWithoutLosses(t *testing.T) {
	l := New(events.NewBus(16))

	l.RecordFill(fill("BTCUSDT", "a", models.SideBuy, 100, 1))
	l.RecordFill(fill("BTCUSDT", "a", models.SideSell, 101, 1))

	rep := l.Snapshot()
	if !math.IsInf(rep.ProfitFactor, 1) {
		t.Fatalf("profit factor = %v, want +Inf", rep.ProfitFactor)
	}

	l.RecordFill(fill("BTCUSDT", "b", models.SideBuy, 100, 1))
	l.RecordFill(fill("BTCUSDT", "b", models.SideSell, 99, 1))

	rep = l.Snapshot()
	if math.IsInf(rep.ProfitFactor, 1) {
		t.Fatal("profit factor still infinite after a losing trade")
	}
	if math.Abs(rep.ProfitFactor-1) > 1e-9 {
		t.Fatalf("profit factor = %v, want 1", rep.ProfitFactor)
	}
	if rep.WinRate != 0.5 {
		t.Fatalf("win rate = %v, want 0.5", rep.WinRate)
	}
}

func TestExposureTracking(t *testing.T) {
	l := New(events.NewBus(16))

	l.UpdatePosition(models.Position{Symbol: "BTCUSDT", Size: 2, MarkPrice: 100})
	l.UpdatePosition(models.Position{Symbol: "BTCUSDT", Size: -4, MarkPrice: 100})
	l.UpdatePosition(models.Position{Symbol: "BTCUSDT", Size: 1, MarkPrice: 100})

	rep := l.Snapshot()
	st := rep.Symbols["BTCUSDT"]
	if st.Exposure != 100 {
		t.Fatalf("exposure = %v, want 100", st.Exposure)
	}
	if st.MaxExposure != 400 {
		t.Fatalf("max exposure = %v, want 400", st.MaxExposure)
	}
	// 200 seeded, then 0.2*400+0.8*200 = 240, then 0.2*100+0.8*240 = 212
	if math.Abs(st.AvgExposure-212) > 1e-9 {
		t.Fatalf("avg exposure = %v, want 212", st.AvgExposure)
	}
}

func TestSpreadCaptureAndSlippage(t *testing.T) {
	l := New(events.NewBus(16))

	f := fill("BTCUSDT", "", models.SideSell, 102, 1)
	f.BookMid = 101
	f.BookBestBid = 100
	f.BookBestAsk = 102
	l.RecordFill(f)

	st := l.Snapshot().Symbols["BTCUSDT"]
	// sell at the full ask captures the entire half-spread
	if math.Abs(st.SpreadCapture-1) > 1e-9 {
		t.Fatalf("spread capture = %v, want 1", st.SpreadCapture)
	}
	if st.Slippage != 0 {
		t.Fatalf("slippage = %v, want 0", st.Slippage)
	}
}

func TestBusDrivenFills(t *testing.T) {
	bus := events.NewBus(16)
	l := New(bus)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	f := fill("BTCUSDT", "bus-1", models.SideBuy, 100, 1)
	bus.Publish(models.Event{Kind: models.EventFill, Symbol: f.Symbol, Timestamp: f.Timestamp, Payload: &f})
	g := fill("BTCUSDT", "bus-1", models.SideSell, 103, 1)
	bus.Publish(models.Event{Kind: models.EventFill, Symbol: g.Symbol, Timestamp: g.Timestamp, Payload: &g})

	deadline := time.After(2 * time.Second)
	for {
		if l.Snapshot().Trades == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("fills never consumed, trades = %d", l.Snapshot().Trades)
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := l.Snapshot().RealizedPnL; got != 3 {
		t.Fatalf("realized pnl = %v, want 3", got)
	}
}
