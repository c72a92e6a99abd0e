package risk

import (
	"sync"
	"time"

	"makerflow/config"
	"makerflow/internal/stats"
)

// breakerState tracks one symbol's volatility window and cooldown.
type breakerState struct {
	window     *stats.PriceWindow
	triggered  bool
	cooldownTo time.Time
}

// CircuitBreaker trips a per-symbol suppression signal when short-term
// annualized volatility exceeds the configured threshold, and clears it once
// the cooldown passes.
type CircuitBreaker struct {
	mu      sync.Mutex
	cfg     config.CircuitBreakerConfig
	symbols map[string]*breakerState
	now     func() time.Time
}

func NewCircuitBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 60
	}
	return &CircuitBreaker{
		cfg:     cfg,
		symbols: make(map[string]*breakerState),
		now:     time.Now,
	}
}

type breakerChange struct {
	Triggered  bool
	Volatility float64
	CooldownTo time.Time
}

// Observe folds one price tick in and reports a state change, if any. The
// first return is non-nil only when the breaker trips or resets.
func (b *CircuitBreaker) Observe(symbol string, price float64) *breakerChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.symbols[symbol]
	if !ok {
		st = &breakerState{window: stats.NewPriceWindow(b.cfg.WindowSize)}
		b.symbols[symbol] = st
	}
	st.window.Push(price)

	now := b.now()
	vol := st.window.Volatility(b.cfg.WindowSize)

	if st.triggered {
		if now.After(st.cooldownTo) {
			st.triggered = false
			return &breakerChange{Triggered: false, Volatility: vol}
		}
		return nil
	}
	if vol > b.cfg.VolThreshold {
		st.triggered = true
		st.cooldownTo = now.Add(b.cfg.Cooldown)
		return &breakerChange{Triggered: true, Volatility: vol, CooldownTo: st.cooldownTo}
	}
	return nil
}

// Sweep clears any breaker whose cooldown has passed and returns the symbols
// that reset.
func (b *CircuitBreaker) Sweep() map[string]*breakerChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	resets := make(map[string]*breakerChange)
	for symbol, st := range b.symbols {
		if st.triggered && now.After(st.cooldownTo) {
			st.triggered = false
			resets[symbol] = &breakerChange{Volatility: st.window.Volatility(b.cfg.WindowSize)}
		}
	}
	return resets
}

// Triggered reports whether a symbol is currently suppressed.
func (b *CircuitBreaker) Triggered(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.symbols[symbol]
	return ok && st.triggered
}
