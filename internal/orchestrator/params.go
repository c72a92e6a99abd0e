package orchestrator

import (
	"makerflow/config"
	"makerflow/internal/optimizer"
)

// Tunable parameter names recognized in optimization.ranges. Each maps to one
// numeric configuration field read by the quoting or risk engine.
const (
	paramSpreadTier1     = "spread_tier1_pct"
	paramSpreadTier2     = "spread_tier2_pct"
	paramSpreadTier3     = "spread_tier3_pct"
	paramImbalanceFactor = "imbalance_adjustment_factor"
	paramMaxImbalance    = "inventory_max_imbalance"
	paramStopLoss        = "stop_loss_pct"
	paramTakeProfit      = "take_profit_pct"
	paramTrailingStop    = "trailing_stop_pct"
)

// seedParams reads the current value of every recognized tunable.
func seedParams(cfg *config.Config) optimizer.Params {
	return optimizer.Params{
		paramSpreadTier1:     cfg.MarketMaking.Spread.Tier1Pct,
		paramSpreadTier2:     cfg.MarketMaking.Spread.Tier2Pct,
		paramSpreadTier3:     cfg.MarketMaking.Spread.Tier3Pct,
		paramImbalanceFactor: cfg.MarketMaking.Imbalance.AdjustmentFactor,
		paramMaxImbalance:    cfg.MarketMaking.Inventory.MaxImbalance,
		paramStopLoss:        cfg.Risk.StopLossPct,
		paramTakeProfit:      cfg.Risk.TakeProfitPct,
		paramTrailingStop:    cfg.Risk.TrailingStop.Pct,
	}
}

// applyParams writes adopted parameters onto a cloned configuration. Unknown
// names are ignored so ranges may be declared sparsely.
func applyParams(cfg *config.Config, p optimizer.Params) *config.Config {
	out := cfg.Clone()
	for name, v := range p {
		switch name {
		case paramSpreadTier1:
			out.MarketMaking.Spread.Tier1Pct = v
		case paramSpreadTier2:
			out.MarketMaking.Spread.Tier2Pct = v
		case paramSpreadTier3:
			out.MarketMaking.Spread.Tier3Pct = v
		case paramImbalanceFactor:
			out.MarketMaking.Imbalance.AdjustmentFactor = v
		case paramMaxImbalance:
			out.MarketMaking.Inventory.MaxImbalance = v
		case paramStopLoss:
			out.Risk.StopLossPct = v
		case paramTakeProfit:
			out.Risk.TakeProfitPct = v
		case paramTrailingStop:
			out.Risk.TrailingStop.Pct = v
		}
	}
	return out
}
