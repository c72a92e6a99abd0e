package orchestrator

import (
	"context"
	"testing"
	"time"

	"makerflow/config"
	"makerflow/internal/gateway"
	"makerflow/internal/optimizer"
	"makerflow/models"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Exchange.Driver = "sim"
	cfg.Wallet.Address = "0x1111111111111111111111111111111111111111"
	cfg.MarketMaking.Enabled = true
	cfg.MarketMaking.Symbols = []string{"BTC-PERP"}
	cfg.Security.MultiSig.Enabled = false
	return cfg
}

func TestStartStopWithSimVenue(t *testing.T) {
	orch := New(testConfig())

	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !orch.Running() {
		t.Fatal("expected running after start")
	}

	st := orch.Status()
	if !st.Running || st.Exchange != "sim" {
		t.Fatalf("unexpected status: %+v", st)
	}
	names := make(map[string]bool)
	for _, c := range st.Components {
		names[c.Name] = c.Running
	}
	for _, want := range []string{"gateway", "security", "risk", "ledger", "quoting"} {
		if !names[want] {
			t.Fatalf("expected component %q running, have %v", want, names)
		}
	}

	orch.Stop()
	if orch.Running() {
		t.Fatal("expected stopped after stop")
	}
}

func TestSecondStartRejected(t *testing.T) {
	orch := New(testConfig())
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop()

	if err := orch.Start(context.Background()); err == nil {
		t.Fatal("expected error from second start")
	}
}

func TestStartRequiresWalletWhenQuoting(t *testing.T) {
	cfg := testConfig()
	cfg.Wallet.Address = ""
	orch := New(cfg)

	if err := orch.Start(context.Background()); err == nil {
		orch.Stop()
		t.Fatal("expected wallet-not-ready error")
	}
}

func TestReplaceConfigKeepsPriorOnInvalidUpdate(t *testing.T) {
	orch := New(testConfig())
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop()

	bad := config.Update{Exchange: &config.ExchangeConfig{Driver: "unknown-venue"}}
	if err := orch.ReplaceConfig(bad); err == nil {
		t.Fatal("expected validation error")
	}
	if got := orch.Config().Exchange.Driver; got != "sim" {
		t.Fatalf("prior config not retained, driver=%q", got)
	}
	if !orch.Running() {
		t.Fatal("expected system still running after rejected update")
	}
}

func TestReplaceConfigWhileStopped(t *testing.T) {
	orch := New(testConfig())

	update := config.Update{Wallet: &config.WalletConfig{Address: "0x2222222222222222222222222222222222222222"}}
	if err := orch.ReplaceConfig(update); err != nil {
		t.Fatalf("replace config: %v", err)
	}
	if orch.Running() {
		t.Fatal("replace on a stopped system must not start it")
	}
	if got := orch.Config().Wallet.Address; got != "0x2222222222222222222222222222222222222222" {
		t.Fatalf("update not applied, wallet=%q", got)
	}
}

func TestReplaceConfigRestartsRunningSystem(t *testing.T) {
	orch := New(testConfig())
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop()

	update := config.Update{Wallet: &config.WalletConfig{Address: "0x3333333333333333333333333333333333333333"}}
	if err := orch.ReplaceConfig(update); err != nil {
		t.Fatalf("replace config: %v", err)
	}
	if !orch.Running() {
		t.Fatal("expected system running after restart")
	}
	if st := orch.Status(); st.Wallet != "0x3333333333333333333333333333333333333333" {
		t.Fatalf("restart did not pick up new wallet: %+v", st)
	}
}

func TestRejectedAdoptionKeepsManagerAlive(t *testing.T) {
	orch := New(testConfig())
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop()

	// out-of-range stop loss fails validation and must not restart anything
	orch.onAdopted(optimizer.Params{"stop_loss_pct": 150})
	deadline := time.Now().Add(2 * time.Second)
	for len(orch.adoptedCh) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("rejected adoption never consumed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !orch.Running() {
		t.Fatal("system stopped on rejected adoption")
	}

	// a later valid adoption must still be picked up and applied
	orch.onAdopted(optimizer.Params{"stop_loss_pct": 3})
	for time.Now().Before(deadline) {
		if orch.Config().Risk.StopLossPct == 3 {
			if !orch.Running() {
				t.Fatal("system not running after adopted restart")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("valid adoption never applied, stop_loss_pct=%v", orch.Config().Risk.StopLossPct)
}

func TestSimFillReachesPerformanceReport(t *testing.T) {
	cfg := testConfig()
	cfg.MarketMaking.Enabled = false
	orch := New(cfg)
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop()

	sim, ok := orch.Venue().(*gateway.SimVenue)
	if !ok {
		t.Fatalf("expected sim venue, got %T", orch.Venue())
	}

	ctx := context.Background()
	buy, err := sim.PlaceOrder(ctx, models.OrderRequest{
		Symbol: "BTC-PERP", Side: models.SideBuy, Kind: models.OrderKindLimit,
		Price: 100, Size: 1, CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}
	sell, err := sim.PlaceOrder(ctx, models.OrderRequest{
		Symbol: "BTC-PERP", Side: models.SideSell, Kind: models.OrderKindLimit,
		Price: 110, Size: 1, CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("place sell: %v", err)
	}
	if err := sim.FillOrder(buy.ID, 100, 1); err != nil {
		t.Fatalf("fill buy: %v", err)
	}
	if err := sim.FillOrder(sell.ID, 110, 1); err != nil {
		t.Fatalf("fill sell: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		report := orch.Performance()
		if report.Trades == 1 && report.RealizedPnL > 9.9 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("round trip never realized: %+v", orch.Performance())
}
