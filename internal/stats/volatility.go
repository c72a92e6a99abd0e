// Package stats holds the rolling price window and volatility math shared by
// the quoting engine, the risk engine's circuit breaker and the optimizer.
package stats

import (
	"math"

	"github.com/gammazero/deque"
)

const secondsPerYear = 365 * 24 * 60 * 60

// PriceWindow is a rolling window of per-tick prices, pruned to a fixed
// capacity.
type PriceWindow struct {
	prices  deque.Deque[float64]
	maxSize int
}

func NewPriceWindow(maxSize int) *PriceWindow {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &PriceWindow{maxSize: maxSize}
}

func (w *PriceWindow) Push(price float64) {
	if price <= 0 {
		return
	}
	w.prices.PushBack(price)
	for w.prices.Len() > w.maxSize {
		w.prices.PopFront()
	}
}

func (w *PriceWindow) Len() int { return w.prices.Len() }

// At returns the i-th oldest price in the window.
func (w *PriceWindow) At(i int) float64 { return w.prices.At(i) }

// Values returns the window oldest-first.
func (w *PriceWindow) Values() []float64 {
	out := make([]float64, w.prices.Len())
	for i := range out {
		out[i] = w.prices.At(i)
	}
	return out
}

// Volatility returns the annualized standard deviation of per-tick returns
// over the trailing window, expressed as a percentage. Returns zero until at
// least three prices (two returns) are observed.
func (w *PriceWindow) Volatility(window int) float64 {
	n := w.prices.Len()
	if window < n {
		n = window
	}
	start := w.prices.Len() - n
	if n < 3 {
		return 0
	}

	returns := make([]float64, 0, n-1)
	prev := w.prices.At(start)
	for i := start + 1; i < w.prices.Len(); i++ {
		p := w.prices.At(i)
		if prev > 0 {
			returns = append(returns, p/prev-1)
		}
		prev = p
	}
	if len(returns) < 2 {
		return 0
	}

	annualized := StdDev(returns) * math.Sqrt(secondsPerYear/float64(len(returns)))
	return annualized * 100
}

// Mean returns the arithmetic mean of vs, zero when empty.
func Mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

// StdDev returns the population standard deviation of vs.
func StdDev(vs []float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	mean := Mean(vs)
	var variance float64
	for _, v := range vs {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(vs)))
}
