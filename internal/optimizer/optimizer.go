package optimizer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"makerflow/config"
	"makerflow/internal/events"
	"makerflow/internal/ledger"
	"makerflow/logger"
	"makerflow/models"
)

// PerformanceSource supplies the metrics the optimizer scores against.
type PerformanceSource interface {
	Snapshot() ledger.Report
}

// ApplyFunc receives the adopted parameters at the end of each optimization
// cycle.
type ApplyFunc func(Params)

// Optimizer periodically searches the declared parameter ranges with a
// genetic search, optionally arbitrates live paired variants by realized
// PnL, and classifies per-symbol market regimes from the market stream.
type Optimizer struct {
	cfg      config.OptimizationConfig
	bus      *events.Bus
	log      *logger.Log
	perf     PerformanceSource
	apply    ApplyFunc
	detector *RegimeDetector

	mu       sync.Mutex
	best     Params
	rng      *rand.Rand
	variants *VariantTester

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an optimizer seeded with the current parameter values. apply may
// be nil; adopted parameters are always published on the bus as a
// config-update event.
func New(cfg config.OptimizationConfig, seed Params, perf PerformanceSource, bus *events.Bus, apply ApplyFunc) *Optimizer {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	o := &Optimizer{
		cfg:      cfg,
		bus:      bus,
		log:      logger.GetLogger(),
		perf:     perf,
		apply:    apply,
		detector: NewRegimeDetector(),
		best:     seed.clone(),
		rng:      rng,
	}
	if cfg.VariantTest.Enabled {
		o.variants = NewVariantTester(cfg.VariantTest, cfg.Ranges, rng)
	}
	return o
}

// Best returns the currently adopted parameters.
func (o *Optimizer) Best() Params {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.best.clone()
}

// Regimes returns the latest classification per tracked symbol.
func (o *Optimizer) Regimes(symbols []string) []RegimeReading {
	out := make([]RegimeReading, 0, len(symbols))
	for _, sym := range symbols {
		if r, ok := o.detector.Classify(sym); ok {
			out = append(out, r)
		}
	}
	return out
}

// Start launches the market consumer and the optimization timers.
func (o *Optimizer) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("optimizer already running")
	}
	o.running = true
	ctx, o.cancel = context.WithCancel(ctx)
	if o.variants != nil {
		o.variants.Generate(o.best, o.perf.Snapshot().TotalPnL)
	}
	o.mu.Unlock()

	sub := o.bus.Subscribe("optimizer", models.EventMarket, models.EventTrade)
	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
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
				case *models.MarketSnapshot:
					o.detector.Observe(p.Symbol, p.LastPrice)
				case *models.Trade:
					o.detector.Observe(p.Symbol, p.Price)
				}
			}
		}
	}()
	go o.cycleLoop(ctx)

	o.log.WithComponent("optimizer").WithField("interval", o.cfg.Interval.String()).Info("optimizer started")
	return nil
}

// Stop halts both loops.
func (o *Optimizer) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
	o.log.WithComponent("optimizer").Info("optimizer stopped")
}

func (o *Optimizer) cycleLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	var rotate <-chan time.Time
	if o.variants != nil && o.cfg.VariantTest.Duration > 0 {
		rt := time.NewTicker(o.cfg.VariantTest.Duration)
		defer rt.Stop()
		rotate = rt.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-rotate:
			o.mu.Lock()
			o.variants.Advance(o.perf.Snapshot().TotalPnL)
			o.mu.Unlock()
		case <-ticker.C:
			o.runCycle()
		}
	}
}

// runCycle is one full optimization pass: settle the variant race if one is
// running, then refine the winner with a genetic search and adopt the result.
func (o *Optimizer) runCycle() {
	report := o.perf.Snapshot()

	o.mu.Lock()
	seed := o.best.clone()
	if o.variants != nil {
		winner, gain := o.variants.Evaluate(report.TotalPnL)
		if winner != nil {
			seed = winner
			o.log.WithComponent("optimizer").WithFields(logger.Fields{
				"pnl_gain": gain,
			}).Info("variant race settled")
		}
	}
	search := NewGeneticSearch(o.cfg.Genetic, o.cfg.Ranges, o.rng, nil)
	adopted := search.Run(seed)
	o.best = adopted.clone()
	o.mu.Unlock()

	if o.apply != nil {
		o.apply(adopted.clone())
	}
	o.bus.Publish(models.Event{
		Kind:      models.EventConfigUpdate,
		Timestamp: time.Now(),
		Payload:   adopted.clone(),
	})
	o.log.WithComponent("optimizer").WithFields(logger.Fields{
		"params":    len(adopted),
		"total_pnl": report.TotalPnL,
	}).Info("optimization cycle complete")
}
