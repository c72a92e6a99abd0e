package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"makerflow/config"
	"makerflow/internal/events"
	"makerflow/internal/gateway"
	"makerflow/internal/ledger"
	"makerflow/internal/optimizer"
	"makerflow/internal/quoting"
	"makerflow/internal/recorder"
	"makerflow/internal/risk"
	"makerflow/internal/security"
	"makerflow/logger"
	"makerflow/models"
)

const healthInterval = 30 * time.Second

// component is the shared lifecycle every engine implements.
type component interface {
	Start(ctx context.Context) error
	Stop()
}

type namedComponent struct {
	name string
	component
}

// ComponentStatus is one component's liveness in a status snapshot.
type ComponentStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// Status is the orchestrator's serializable state for the control surface.
type Status struct {
	Running     bool                       `json:"running"`
	Uptime      string                     `json:"uptime,omitempty"`
	Wallet      string                     `json:"wallet,omitempty"`
	WalletReady bool                       `json:"wallet_ready"`
	Exchange    string                     `json:"exchange"`
	Symbols     []string                   `json:"symbols"`
	Components  []ComponentStatus          `json:"components"`
	Regimes     []optimizer.RegimeReading  `json:"regimes,omitempty"`
	Pending     []models.PendingTransaction `json:"pending_transactions,omitempty"`
}

// Orchestrator wires every component, owns the start/stop sequence, the
// health tick and configuration replacement. Components are rebuilt from
// scratch on every start so a configuration swap is a full restart, never a
// partial hot-reload.
type Orchestrator struct {
	mu  sync.Mutex
	cfg *config.Config
	log *logger.Log

	bus       *events.Bus
	venue     gateway.Venue
	gw        *gateway.Gateway
	gate      *security.Gate
	ledger    *ledger.Ledger
	riskEng   *risk.Engine
	quoter    *quoting.Engine
	optim     *optimizer.Optimizer
	rec       *recorder.Recorder
	started   []namedComponent
	adoptedCh chan optimizer.Params

	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an orchestrator for a validated configuration.
func New(cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		log:       logger.GetLogger(),
		adoptedCh: make(chan optimizer.Params, 1),
	}
}

// Config returns the active configuration.
func (o *Orchestrator) Config() *config.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// build constructs every component against a fresh bus.
func (o *Orchestrator) build() error {
	cfg := o.cfg
	o.bus = events.NewBus(cfg.Channels.EventBuffer)

	switch cfg.Exchange.Driver {
	case "sim", "":
		o.venue = gateway.NewSimVenue()
	case "binance":
		o.venue = gateway.NewBinanceVenue(cfg.Exchange, cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	default:
		return fmt.Errorf("unknown exchange driver %q", cfg.Exchange.Driver)
	}

	o.gw = gateway.New(cfg.Exchange, o.venue, o.bus)
	o.gate = security.NewGate(cfg.Security, cfg.Wallet.Address, o.bus)
	o.ledger = ledger.New(o.bus)
	o.riskEng = risk.New(cfg.Risk, o.gw, o.gate, o.bus)
	o.quoter = quoting.New(cfg.MarketMaking, o.gw, o.gate, o.bus)
	o.optim = optimizer.New(cfg.Optimization, seedParams(cfg), o.ledger, o.bus, o.onAdopted)
	o.rec = recorder.New(cfg.Recorder, o.bus)
	return nil
}

// onAdopted queues optimizer-adopted parameters for the manager loop; the
// restart must not run on the optimizer's own goroutine.
func (o *Orchestrator) onAdopted(p optimizer.Params) {
	select {
	case o.adoptedCh <- p:
	default:
	}
}

// Start brings the system up: gateway and its subscriptions first, then
// security, risk, ledger, and — when enabled — quoting, the optimizer and
// the recorder. A failure anywhere rolls back everything already started.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startLocked(ctx)
}

func (o *Orchestrator) startLocked(ctx context.Context) error {
	if o.running {
		return fmt.Errorf("orchestrator already running")
	}
	if o.cfg.MarketMaking.Enabled && o.cfg.Wallet.Address == "" {
		return fmt.Errorf("wallet not ready: no address configured")
	}
	if err := o.build(); err != nil {
		return err
	}

	ctx, o.cancel = context.WithCancel(ctx)
	o.started = nil

	fail := func(err error) error {
		o.stopComponentsLocked()
		o.cancel()
		return err
	}

	if err := o.gw.Start(ctx); err != nil {
		o.cancel()
		return fmt.Errorf("exchange gateway: %w", err)
	}
	o.started = append(o.started, namedComponent{"gateway", o.gw})

	for _, symbol := range o.cfg.MarketMaking.Symbols {
		for _, channel := range []string{gateway.ChannelOrderBook, gateway.ChannelMarket, gateway.ChannelTrade} {
			if err := o.gw.Subscribe(channel, symbol); err != nil {
				return fail(fmt.Errorf("subscribe %s/%s: %w", channel, symbol, err))
			}
		}
	}
	for _, channel := range []string{gateway.ChannelOrder, gateway.ChannelPosition} {
		if err := o.gw.Subscribe(channel, ""); err != nil {
			return fail(fmt.Errorf("subscribe %s: %w", channel, err))
		}
	}

	sequence := []namedComponent{
		{"security", o.gate},
		{"risk", o.riskEng},
		{"ledger", o.ledger},
	}
	if o.cfg.MarketMaking.Enabled {
		sequence = append(sequence, namedComponent{"quoting", o.quoter})
	}
	if o.cfg.Optimization.Enabled {
		sequence = append(sequence, namedComponent{"optimizer", o.optim})
	}
	if o.cfg.Recorder.Enabled {
		sequence = append(sequence, namedComponent{"recorder", o.rec})
	}
	for _, c := range sequence {
		if err := c.Start(ctx); err != nil {
			return fail(fmt.Errorf("%s: %w", c.name, err))
		}
		o.started = append(o.started, c)
	}

	o.wg.Add(1)
	go o.manage(ctx)

	o.running = true
	o.startedAt = time.Now()
	o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"components": len(o.started),
		"exchange":   o.venue.Name(),
	}).Info("system started")
	return nil
}

// Stop tears the system down in reverse start order.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked()
}

func (o *Orchestrator) stopLocked() {
	if !o.running {
		return
	}
	o.running = false
	o.cancel()
	o.wg.Wait()
	o.stopComponentsLocked()
	o.bus.Close()
	o.log.WithComponent("orchestrator").Info("system stopped")
}

func (o *Orchestrator) stopComponentsLocked() {
	for i := len(o.started) - 1; i >= 0; i-- {
		o.started[i].Stop()
	}
	o.started = nil
}

// manage runs the health tick and applies optimizer-adopted parameters.
func (o *Orchestrator) manage(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.healthCheck()
		case params := <-o.adoptedCh:
			// Adoption runs off this goroutine; a successful one
			// restarts the system, which cancels ctx and ends this
			// loop. A rejected one leaves the loop running.
			go o.adoptParams(params)
		}
	}
}

// adoptParams restarts the system on an optimizer-updated configuration.
// Runs outside the manager goroutine because the restart waits for it to
// exit. Rejected parameters leave the running system untouched.
func (o *Orchestrator) adoptParams(params optimizer.Params) {
	o.mu.Lock()
	defer o.mu.Unlock()

	next := applyParams(o.cfg, params)
	if err := config.Validate(next); err != nil {
		o.log.WithComponent("orchestrator").WithError(err).Warn("adopted parameters rejected")
		return
	}
	if !o.running {
		o.cfg = next
		return
	}
	ctx := context.Background()
	o.stopLocked()
	o.cfg = next
	if err := o.startLocked(ctx); err != nil {
		o.log.WithComponent("orchestrator").WithError(err).Error("restart with adopted parameters failed")
	}
}

func (o *Orchestrator) healthCheck() {
	// TryLock: a contended mutex means a restart or shutdown is in flight
	// and may be waiting for the manager goroutine, so skip this tick.
	if !o.mu.TryLock() {
		return
	}
	components := make([]string, 0, len(o.started))
	for _, c := range o.started {
		components = append(components, c.name)
	}
	uptime := time.Since(o.startedAt)
	o.mu.Unlock()

	o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"components": components,
		"uptime":     uptime.String(),
	}).Debug("health check")
}

// ReplaceConfig merges a partial update and, when running, restarts the whole
// system on the merged configuration. The prior configuration stays active if
// the merge fails validation.
func (o *Orchestrator) ReplaceConfig(u config.Update) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	merged, err := o.cfg.Merge(u)
	if err != nil {
		return err
	}
	if !o.running {
		o.cfg = merged
		return nil
	}
	o.stopLocked()
	o.cfg = merged
	if err := o.startLocked(context.Background()); err != nil {
		return fmt.Errorf("restart with new configuration: %w", err)
	}
	return nil
}

// Running reports whether the system is up.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Status returns a serializable snapshot for the control surface.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		Running:     o.running,
		Wallet:      o.cfg.Wallet.Address,
		WalletReady: o.cfg.Wallet.Address != "",
		Exchange:    o.cfg.Exchange.Driver,
		Symbols:     append([]string(nil), o.cfg.MarketMaking.Symbols...),
	}
	if o.running {
		st.Uptime = time.Since(o.startedAt).String()
		for _, c := range o.started {
			st.Components = append(st.Components, ComponentStatus{Name: c.name, Running: true})
		}
		st.Regimes = o.optim.Regimes(o.cfg.MarketMaking.Symbols)
		st.Pending = o.gate.PendingTransactions()
	}
	return st
}

// Performance returns the ledger's aggregate report, empty when stopped.
func (o *Orchestrator) Performance() ledger.Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ledger == nil {
		return ledger.Report{}
	}
	return o.ledger.Snapshot()
}

// PendingTransactions lists transactions awaiting signatures.
func (o *Orchestrator) PendingTransactions() []models.PendingTransaction {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gate == nil {
		return nil
	}
	return o.gate.PendingTransactions()
}

// Sign submits one signature for a pending transaction.
func (o *Orchestrator) Sign(ctx context.Context, txID, signer string) (models.TransactionStatus, error) {
	o.mu.Lock()
	gate := o.gate
	o.mu.Unlock()
	if gate == nil {
		return "", fmt.Errorf("system not started")
	}
	return gate.Sign(ctx, txID, signer)
}

// Venue exposes the active venue; tests drive the sim venue through it.
func (o *Orchestrator) Venue() gateway.Venue {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.venue
}
