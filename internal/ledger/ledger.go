package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"

	"makerflow/internal/events"
	"makerflow/logger"
	"makerflow/models"
)

// exposureSmoothing is the weight of the newest observation in the
// exponentially smoothed average exposure.
const exposureSmoothing = 0.2

// SymbolStats is the per-symbol performance view.
type SymbolStats struct {
	Symbol        string  `json:"symbol"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	TotalPnL      float64 `json:"total_pnl"`
	Trades        int     `json:"trades"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	WinRate       float64 `json:"win_rate"`
	ProfitFactor  float64 `json:"profit_factor"`
	TotalProfit   float64 `json:"total_profit"`
	TotalLoss     float64 `json:"total_loss"`

	Exposure    float64 `json:"exposure"`
	AvgExposure float64 `json:"avg_exposure"`
	MaxExposure float64 `json:"max_exposure"`

	SpreadCapture float64 `json:"spread_capture"`
	Slippage      float64 `json:"slippage"`
	fillsMeasured int
}

// Report is the aggregate performance view across all symbols.
type Report struct {
	Symbols       map[string]*SymbolStats `json:"symbols"`
	RealizedPnL   float64                 `json:"realized_pnl"`
	UnrealizedPnL float64                 `json:"unrealized_pnl"`
	TotalPnL      float64                 `json:"total_pnl"`
	Trades        int                     `json:"trades"`
	WinRate       float64                 `json:"win_rate"`
	ProfitFactor  float64                 `json:"profit_factor"`
	Exposure      float64                 `json:"exposure"`
	MaxExposure   float64                 `json:"max_exposure"`
}

type roundTrip struct {
	symbol       string
	buySize      float64
	buyCost      float64
	sellSize     float64
	sellProceeds float64
}

// Ledger aggregates fills and positions into PnL, win-rate, exposure and
// execution-quality metrics. Fills sharing a correlation id form one round
// trip; a round trip realizes when its buy and sell volume match.
type Ledger struct {
	bus *events.Bus
	log *logger.Log

	mu      sync.RWMutex
	symbols map[string]*SymbolStats
	trips   map[string]*roundTrip
	agg     Report

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an empty ledger.
func New(bus *events.Bus) *Ledger {
	return &Ledger{
		bus:     bus,
		log:     logger.GetLogger(),
		symbols: make(map[string]*SymbolStats),
		trips:   make(map[string]*roundTrip),
	}
}

// Start subscribes to fill and position events.
func (l *Ledger) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("ledger already running")
	}
	l.running = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	sub := l.bus.Subscribe("ledger", models.EventFill, models.EventPosition)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer sub.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				switch p := ev.Payload.(type) {
				case *models.Fill:
					l.RecordFill(*p)
				case *models.Position:
					l.UpdatePosition(*p)
				}
			}
		}
	}()

	l.log.WithComponent("ledger").Info("performance ledger started")
	return nil
}

// Stop cancels the consuming loop.
func (l *Ledger) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()
	l.cancel()
	l.wg.Wait()
	l.log.WithComponent("ledger").Info("performance ledger stopped")
}

// RecordFill folds one fill into the ledger.
func (l *Ledger) RecordFill(fill models.Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stats(fill.Symbol)
	l.measureExecution(st, fill)

	if fill.CorrelationID == "" {
		l.recompute()
		return
	}

	trip, ok := l.trips[fill.CorrelationID]
	if !ok {
		trip = &roundTrip{symbol: fill.Symbol}
		l.trips[fill.CorrelationID] = trip
	}
	if fill.Side == models.SideBuy {
		trip.buySize += fill.Size
		trip.buyCost += fill.Price * fill.Size
	} else {
		trip.sellSize += fill.Size
		trip.sellProceeds += fill.Price * fill.Size
	}

	// Realize once the two legs match.
	if trip.buySize > 0 && math.Abs(trip.buySize-trip.sellSize) < 1e-9 {
		pnl := trip.sellProceeds - trip.buyCost
		st.RealizedPnL += pnl
		st.Trades++
		if pnl >= 0 {
			st.Wins++
			st.TotalProfit += pnl
		} else {
			st.Losses++
			st.TotalLoss += -pnl
		}
		delete(l.trips, fill.CorrelationID)
	}

	l.recompute()
}

// UpdatePosition folds a position replacement into exposure and unrealized
// PnL.
func (l *Ledger) UpdatePosition(pos models.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stats(pos.Symbol)
	st.UnrealizedPnL = pos.UnrealizedPnL
	st.Exposure = pos.Notional()
	if st.AvgExposure == 0 {
		st.AvgExposure = st.Exposure
	} else {
		st.AvgExposure = exposureSmoothing*st.Exposure + (1-exposureSmoothing)*st.AvgExposure
	}
	if st.Exposure > st.MaxExposure {
		st.MaxExposure = st.Exposure
	}

	l.recompute()
}

// Snapshot returns a deep copy of the aggregate report.
func (l *Ledger) Snapshot() Report {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := l.agg
	out.Symbols = make(map[string]*SymbolStats, len(l.symbols))
	for sym, st := range l.symbols {
		cp := *st
		out.Symbols[sym] = &cp
	}
	return out
}

func (l *Ledger) stats(symbol string) *SymbolStats {
	st, ok := l.symbols[symbol]
	if !ok {
		st = &SymbolStats{Symbol: symbol}
		l.symbols[symbol] = st
	}
	return st
}

// measureExecution updates spread capture and slippage from the book context
// carried on the fill. A maker fill at or beyond its own side of the book
// captures up to the full half-spread.
func (l *Ledger) measureExecution(st *SymbolStats, fill models.Fill) {
	if fill.BookMid <= 0 {
		return
	}
	half := 0.0
	if fill.Side == models.SideBuy {
		half = fill.BookMid - fill.BookBestBid
	} else {
		half = fill.BookBestAsk - fill.BookMid
	}
	if half <= 0 {
		return
	}

	var capture, slip float64
	if fill.Side == models.SideBuy {
		capture = (fill.BookMid - fill.Price) / half
		slip = (fill.Price - fill.BookBestBid) / fill.BookBestBid
	} else {
		capture = (fill.Price - fill.BookMid) / half
		slip = (fill.BookBestAsk - fill.Price) / fill.BookBestAsk
	}

	n := float64(st.fillsMeasured)
	st.SpreadCapture = (st.SpreadCapture*n + capture) / (n + 1)
	st.Slippage = (st.Slippage*n + slip) / (n + 1)
	st.fillsMeasured++
}

// recompute rebuilds every derived figure and the aggregate view. Callers
// hold the lock.
func (l *Ledger) recompute() {
	agg := Report{}
	var wins, losses int
	var profit, loss float64

	for _, st := range l.symbols {
		st.TotalPnL = st.RealizedPnL + st.UnrealizedPnL
		if st.Trades > 0 {
			st.WinRate = float64(st.Wins) / float64(st.Trades)
		}
		st.ProfitFactor = profitFactor(st.TotalProfit, st.TotalLoss)

		agg.RealizedPnL += st.RealizedPnL
		agg.UnrealizedPnL += st.UnrealizedPnL
		agg.Trades += st.Trades
		agg.Exposure += st.Exposure
		agg.MaxExposure += st.MaxExposure
		wins += st.Wins
		losses += st.Losses
		profit += st.TotalProfit
		loss += st.TotalLoss
	}

	agg.TotalPnL = agg.RealizedPnL + agg.UnrealizedPnL
	if agg.Trades > 0 {
		agg.WinRate = float64(wins) / float64(agg.Trades)
	}
	agg.ProfitFactor = profitFactor(profit, loss)
	l.agg = agg
}

// profitFactor is profit/loss, +Inf when there is profit and no loss at all.
func profitFactor(profit, loss float64) float64 {
	if loss == 0 {
		if profit > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return profit / loss
}
