package optimizer

import (
	"math"
	"sync"

	"makerflow/internal/stats"
)

// Regime classifies current market behavior.
type Regime string

const (
	RegimeMomentum      Regime = "momentum"
	RegimeRanging       Regime = "ranging"
	RegimeMeanReversion Regime = "mean_reversion"
)

const (
	regimeMinSamples  = 100
	regimeShortSMA    = 20
	regimeLongSMA     = 100
	regimeRSIPeriod   = 14
	regimeVolWindow   = 20
	maxConfidence     = 0.95
	trendThreshold    = 0.01  // sma20 vs sma100 divergence for a trend
	convergeThreshold = 0.002 // divergence below which averages count as converged
	rangingVolCeiling = 100.0 // annualized % below which a converged market ranges
)

// RegimeReading is one classification with its inputs.
type RegimeReading struct {
	Symbol     string  `json:"symbol"`
	Regime     Regime  `json:"regime"`
	Confidence float64 `json:"confidence"`
	SMA20      float64 `json:"sma20"`
	SMA100     float64 `json:"sma100"`
	RSI        float64 `json:"rsi"`
	Volatility float64 `json:"volatility"`
}

// RegimeDetector classifies per-symbol market behavior from a rolling price
// window: trending prices with an extreme RSI read as momentum, converged
// moving averages with low volatility as ranging, everything else as
// mean-reversion.
type RegimeDetector struct {
	mu      sync.Mutex
	windows map[string]*stats.PriceWindow
}

func NewRegimeDetector() *RegimeDetector {
	return &RegimeDetector{windows: make(map[string]*stats.PriceWindow)}
}

// Observe folds one price tick into the symbol's window.
func (d *RegimeDetector) Observe(symbol string, price float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[symbol]
	if !ok {
		w = stats.NewPriceWindow(regimeLongSMA * 2)
		d.windows[symbol] = w
	}
	w.Push(price)
}

// Classify returns the regime reading for a symbol, or false until enough
// samples have accumulated.
func (d *RegimeDetector) Classify(symbol string) (RegimeReading, bool) {
	d.mu.Lock()
	w, ok := d.windows[symbol]
	d.mu.Unlock()
	if !ok || w.Len() < regimeMinSamples {
		return RegimeReading{}, false
	}

	prices := w.Values()
	r := RegimeReading{
		Symbol:     symbol,
		SMA20:      sma(prices, regimeShortSMA),
		SMA100:     sma(prices, regimeLongSMA),
		RSI:        rsi(prices, regimeRSIPeriod),
		Volatility: w.Volatility(regimeVolWindow),
	}

	trend := 0.0
	if r.SMA100 > 0 {
		trend = (r.SMA20 - r.SMA100) / r.SMA100
	}

	switch {
	case math.Abs(trend) > trendThreshold && (r.RSI > 70 || r.RSI < 30):
		r.Regime = RegimeMomentum
		r.Confidence = math.Min(maxConfidence, 0.6+math.Abs(trend)*10)
	case math.Abs(trend) < convergeThreshold && r.Volatility < rangingVolCeiling:
		r.Regime = RegimeRanging
		r.Confidence = math.Min(maxConfidence, 0.6+(convergeThreshold-math.Abs(trend))*100)
	default:
		r.Regime = RegimeMeanReversion
		r.Confidence = 0.5
	}
	return r, true
}

// sma averages the trailing period prices.
func sma(prices []float64, period int) float64 {
	if len(prices) < period {
		period = len(prices)
	}
	if period == 0 {
		return 0
	}
	return stats.Mean(prices[len(prices)-period:])
}

// rsi is Wilder's relative strength index over the trailing period.
func rsi(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50
	}
	tail := prices[len(prices)-period-1:]
	var gains, losses float64
	for i := 1; i < len(tail); i++ {
		d := tail[i] - tail[i-1]
		if d > 0 {
			gains += d
		} else {
			losses += -d
		}
	}
	if losses == 0 {
		if gains == 0 {
			return 50
		}
		return 100
	}
	rs := (gains / float64(period)) / (losses / float64(period))
	return 100 - 100/(1+rs)
}
