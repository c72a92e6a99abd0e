package config

import (
	"fmt"
	"regexp"
)

var walletAddrRegexp = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Validate checks every section for out-of-range or malformed values. A
// failed validation must leave any previously active configuration untouched,
// so Validate never mutates its argument.
func Validate(cfg *Config) error {
	if cfg.Makerflow.Name == "" {
		return fmt.Errorf("makerflow.name is required")
	}
	if cfg.Makerflow.Version == "" {
		return fmt.Errorf("makerflow.version is required")
	}

	if cfg.Wallet.Address != "" && !walletAddrRegexp.MatchString(cfg.Wallet.Address) {
		return fmt.Errorf("wallet.address %q is malformed", cfg.Wallet.Address)
	}

	switch cfg.Exchange.Driver {
	case "binance", "sim":
	default:
		return fmt.Errorf("exchange.driver %q is not supported", cfg.Exchange.Driver)
	}
	if cfg.Exchange.Retry.MaxRetries < 0 {
		return fmt.Errorf("exchange.retry.max_retries must not be negative")
	}
	if cfg.Exchange.Retry.BaseDelay <= 0 {
		return fmt.Errorf("exchange.retry.base_delay must be greater than 0")
	}
	if cfg.Exchange.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("exchange.rate_limit.max_requests must be greater than 0")
	}
	if cfg.Exchange.RateLimit.TimeWindow <= 0 {
		return fmt.Errorf("exchange.rate_limit.time_window must be greater than 0")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if err := validateMarketMaking(&cfg.MarketMaking); err != nil {
		return err
	}
	if err := validateRisk(&cfg.Risk); err != nil {
		return err
	}
	if err := validateSecurity(&cfg.Security); err != nil {
		return err
	}
	if err := validateOptimization(&cfg.Optimization); err != nil {
		return err
	}

	if cfg.Recorder.Enabled {
		if cfg.Recorder.BatchSize <= 0 {
			return fmt.Errorf("recorder.batch_size must be greater than 0")
		}
		if cfg.Recorder.FlushInterval <= 0 {
			return fmt.Errorf("recorder.flush_interval must be greater than 0")
		}
		if cfg.Recorder.S3.Enabled {
			if cfg.Recorder.S3.Bucket == "" {
				return fmt.Errorf("recorder.s3.bucket is required when S3 is enabled")
			}
			if cfg.Recorder.S3.Region == "" {
				return fmt.Errorf("recorder.s3.region is required when S3 is enabled")
			}
		}
	}

	if cfg.API.Enabled && cfg.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required when the API is enabled")
	}

	return nil
}

func validateMarketMaking(mm *MarketMakingConfig) error {
	if mm.Enabled && len(mm.Symbols) == 0 {
		return fmt.Errorf("market_making.symbols is required when market making is enabled")
	}
	if mm.Spread.Tier1Pct <= 0 || mm.Spread.Tier2Pct <= 0 || mm.Spread.Tier3Pct <= 0 {
		return fmt.Errorf("market_making.spread tiers must be greater than 0")
	}
	if mm.Spread.Tier1Pct > mm.Spread.Tier2Pct || mm.Spread.Tier2Pct > mm.Spread.Tier3Pct {
		return fmt.Errorf("market_making.spread tiers must be non-decreasing")
	}
	if mm.Spread.VolThresholdLow <= 0 || mm.Spread.VolThresholdHigh <= mm.Spread.VolThresholdLow {
		return fmt.Errorf("market_making.spread volatility thresholds must satisfy 0 < low < high")
	}
	if mm.Orders.MinSize <= 0 || mm.Orders.MaxSize < mm.Orders.MinSize {
		return fmt.Errorf("market_making.orders sizes must satisfy 0 < min_size <= max_size")
	}
	if mm.Orders.SizeIncrement <= 0 || mm.Orders.PriceIncrement <= 0 {
		return fmt.Errorf("market_making.orders increments must be greater than 0")
	}
	if mm.Inventory.MaxImbalance <= 0 {
		return fmt.Errorf("market_making.inventory.max_imbalance must be greater than 0")
	}
	switch mm.Inventory.Strategy {
	case "passive", "aggressive":
	default:
		return fmt.Errorf("market_making.inventory.strategy %q is not supported", mm.Inventory.Strategy)
	}
	if mm.Imbalance.Enabled {
		if mm.Imbalance.Depth <= 0 {
			return fmt.Errorf("market_making.imbalance.depth must be greater than 0")
		}
		if mm.Imbalance.Threshold <= 0 || mm.Imbalance.Threshold >= 1 {
			return fmt.Errorf("market_making.imbalance.threshold must be in (0, 1)")
		}
	}
	if mm.Layering.Enabled {
		if mm.Layering.Levels <= 0 {
			return fmt.Errorf("market_making.layering.levels must be greater than 0")
		}
		if mm.Layering.SizeMultiplier <= 0 || mm.Layering.SizeMultiplier > 1 {
			return fmt.Errorf("market_making.layering.size_multiplier must be in (0, 1]")
		}
	}
	if mm.Volatility.ShortWindow <= 1 {
		return fmt.Errorf("market_making.volatility.short_window must be greater than 1")
	}
	if mm.Volatility.MediumWindow < mm.Volatility.ShortWindow || mm.Volatility.LongWindow < mm.Volatility.MediumWindow {
		return fmt.Errorf("market_making.volatility windows must be non-decreasing")
	}
	if mm.RefreshInterval <= 0 {
		return fmt.Errorf("market_making.refresh_interval must be greater than 0")
	}
	return nil
}

func validateRisk(r *RiskConfig) error {
	if r.MaxLongSize <= 0 || r.MaxShortSize <= 0 {
		return fmt.Errorf("risk position limits must be greater than 0")
	}
	if r.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be greater than 0")
	}
	if r.MaxPortfolioExposure <= 0 {
		return fmt.Errorf("risk.max_portfolio_exposure must be greater than 0")
	}
	if r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct > 100 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0, 100]")
	}
	if r.StopLossPct <= 0 || r.StopLossPct >= 100 {
		return fmt.Errorf("risk.stop_loss_pct must be in (0, 100)")
	}
	if r.TakeProfitPct <= 0 {
		return fmt.Errorf("risk.take_profit_pct must be greater than 0")
	}
	if r.TrailingStop.Enabled && (r.TrailingStop.Pct <= 0 || r.TrailingStop.Pct >= 100) {
		return fmt.Errorf("risk.trailing_stop.pct must be in (0, 100)")
	}
	if r.CircuitBreaker.VolThreshold <= 0 {
		return fmt.Errorf("risk.circuit_breaker.vol_threshold must be greater than 0")
	}
	if r.CircuitBreaker.WindowSize <= 1 {
		return fmt.Errorf("risk.circuit_breaker.window_size must be greater than 1")
	}
	if r.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("risk.circuit_breaker.cooldown must be greater than 0")
	}
	return nil
}

func validateSecurity(s *SecurityConfig) error {
	if s.MultiSig.Enabled {
		if s.MultiSig.RequiredSignatures < 2 {
			return fmt.Errorf("security.multi_sig.required_signatures must be at least 2")
		}
		if len(s.MultiSig.AuthorizedSigners) < s.MultiSig.RequiredSignatures {
			return fmt.Errorf("security.multi_sig.authorized_signers must cover the signature threshold")
		}
	}
	tiers := []ValueTier{s.Tiers.Tier1, s.Tiers.Tier2, s.Tiers.Tier3}
	prev := 0.0
	for i, tier := range tiers {
		if tier.MaxAmount <= prev {
			return fmt.Errorf("security.tiers.tier%d.max_amount must be greater than the previous tier", i+1)
		}
		switch tier.Level {
		case "low", "medium", "high":
		default:
			return fmt.Errorf("security.tiers.tier%d.level %q is not supported", i+1, tier.Level)
		}
		prev = tier.MaxAmount
	}
	switch s.Anomaly.Sensitivity {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("security.anomaly.sensitivity %q is not supported", s.Anomaly.Sensitivity)
	}
	if s.Anomaly.MinSamples <= 1 {
		return fmt.Errorf("security.anomaly.min_samples must be greater than 1")
	}
	if s.TxTTL <= 0 {
		return fmt.Errorf("security.tx_ttl must be greater than 0")
	}
	return nil
}

func validateOptimization(o *OptimizationConfig) error {
	if !o.Enabled {
		return nil
	}
	if o.Interval <= 0 {
		return fmt.Errorf("optimization.interval must be greater than 0")
	}
	for name, r := range o.Ranges {
		if r.Min >= r.Max {
			return fmt.Errorf("optimization.ranges.%s must satisfy min < max", name)
		}
		if r.Step <= 0 {
			return fmt.Errorf("optimization.ranges.%s.step must be greater than 0", name)
		}
	}
	g := o.Genetic
	if g.PopulationSize < 2 {
		return fmt.Errorf("optimization.genetic.population_size must be at least 2")
	}
	if g.Generations <= 0 {
		return fmt.Errorf("optimization.genetic.generations must be greater than 0")
	}
	if g.MutationRate < 0 || g.MutationRate > 1 {
		return fmt.Errorf("optimization.genetic.mutation_rate must be in [0, 1]")
	}
	if g.CrossoverRate < 0 || g.CrossoverRate > 1 {
		return fmt.Errorf("optimization.genetic.crossover_rate must be in [0, 1]")
	}
	if g.TournamentSize < 2 {
		return fmt.Errorf("optimization.genetic.tournament_size must be at least 2")
	}
	if o.VariantTest.Enabled {
		if o.VariantTest.Count < 2 {
			return fmt.Errorf("optimization.variant_test.count must be at least 2")
		}
		if o.VariantTest.Duration <= 0 {
			return fmt.Errorf("optimization.variant_test.duration must be greater than 0")
		}
	}
	return nil
}
