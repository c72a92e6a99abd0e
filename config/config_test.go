package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default configuration must validate: %v", err)
	}
}

func TestLoadConfigAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	yml := `
makerflow:
  name: makerflow
  version: test
exchange:
  driver: sim
market_making:
  enabled: true
  symbols: [BTC-PERP, ETH-PERP]
  refresh_interval: 5s
risk:
  stop_loss_pct: 3
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WALLET_ADDRESS", "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Makerflow.Version != "test" {
		t.Fatalf("version = %q, want test", cfg.Makerflow.Version)
	}
	if len(cfg.MarketMaking.Symbols) != 2 {
		t.Fatalf("symbols = %v", cfg.MarketMaking.Symbols)
	}
	if cfg.MarketMaking.RefreshInterval != 5*time.Second {
		t.Fatalf("refresh interval = %v", cfg.MarketMaking.RefreshInterval)
	}
	if cfg.Risk.StopLossPct != 3 {
		t.Fatalf("stop loss = %v, want yaml override", cfg.Risk.StopLossPct)
	}
	// Untouched sections keep their defaults.
	if cfg.Risk.TakeProfitPct != 4 {
		t.Fatalf("take profit = %v, want default 4", cfg.Risk.TakeProfitPct)
	}
	if cfg.Wallet.Address != "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd" {
		t.Fatalf("wallet = %q, want env override", cfg.Wallet.Address)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	yml := `
exchange:
  driver: nonsense
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for unknown driver")
	}
}

func TestValidateRejectsMalformedWallet(t *testing.T) {
	cfg := Default()
	cfg.Wallet.Address = "not-an-address"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected wallet address error")
	}
}

func TestValidateRejectsBadSpreadOrder(t *testing.T) {
	cfg := Default()
	cfg.MarketMaking.Enabled = true
	cfg.MarketMaking.Symbols = []string{"BTC-PERP"}
	cfg.MarketMaking.Spread.Tier2Pct = cfg.MarketMaking.Spread.Tier1Pct / 2
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for non-increasing spread tiers")
	}
}

func TestMergeReplacesOnlyGivenSections(t *testing.T) {
	base := Default()
	base.Wallet.Address = "0x1111111111111111111111111111111111111111"

	update := Update{Risk: &RiskConfig{
		MaxLongSize:          5,
		MaxShortSize:         5,
		MaxLeverage:          3,
		MaxPortfolioExposure: 100_000,
		MaxDrawdownPct:       5,
		StopLossPct:          1,
		TakeProfitPct:        2,
		TrailingStop:         TrailingStopConfig{Pct: 0.5},
		CircuitBreaker: CircuitBreakerConfig{
			VolThreshold: 80,
			WindowSize:   60,
			Cooldown:     time.Minute,
		},
	}}

	merged, err := base.Merge(update)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.Risk.MaxLeverage != 3 {
		t.Fatalf("risk section not replaced: %+v", merged.Risk)
	}
	if merged.Wallet.Address != base.Wallet.Address {
		t.Fatal("untouched section must carry over")
	}
	if base.Risk.MaxLeverage == 3 {
		t.Fatal("merge must not mutate the receiver")
	}
}

func TestMergeRejectsInvalidResult(t *testing.T) {
	base := Default()
	update := Update{Exchange: &ExchangeConfig{Driver: "nonsense"}}
	if _, err := base.Merge(update); err == nil {
		t.Fatal("expected validation error from merge")
	}
	if base.Exchange.Driver != "sim" {
		t.Fatal("failed merge must leave the receiver untouched")
	}
}

func TestEmptyUpdate(t *testing.T) {
	if !(Update{}).Empty() {
		t.Fatal("zero update should be empty")
	}
	if (Update{Logging: &LoggingConfig{}}).Empty() {
		t.Fatal("update with a section should not be empty")
	}
}

func TestCloneIsDeep(t *testing.T) {
	base := Default()
	base.MarketMaking.Symbols = []string{"BTC-PERP"}
	base.Optimization.Ranges = map[string]ParamRange{
		"spread_tier1_pct": {Min: 0.05, Max: 0.5, Step: 0.01},
	}

	cp := base.Clone()
	cp.MarketMaking.Symbols[0] = "ETH-PERP"
	r := cp.Optimization.Ranges["spread_tier1_pct"]
	r.Max = 9
	cp.Optimization.Ranges["spread_tier1_pct"] = r

	if base.MarketMaking.Symbols[0] != "BTC-PERP" {
		t.Fatal("clone shares the symbols slice")
	}
	if base.Optimization.Ranges["spread_tier1_pct"].Max != 0.5 {
		t.Fatal("clone shares the ranges map")
	}
}
