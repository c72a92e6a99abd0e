package config

import (
	"fmt"
)

// Update carries a partial configuration replacement. Each non-nil section
// replaces the corresponding section of the base configuration wholesale;
// nil sections are left untouched.
type Update struct {
	Wallet       *WalletConfig       `json:"wallet,omitempty"`
	Exchange     *ExchangeConfig     `json:"exchange,omitempty"`
	MarketMaking *MarketMakingConfig `json:"market_making,omitempty"`
	Risk         *RiskConfig         `json:"risk,omitempty"`
	Security     *SecurityConfig     `json:"security,omitempty"`
	Optimization *OptimizationConfig `json:"optimization,omitempty"`
	Recorder     *RecorderConfig     `json:"recorder,omitempty"`
	API          *APIConfig          `json:"api,omitempty"`
	Logging      *LoggingConfig      `json:"logging,omitempty"`
}

// Empty reports whether the update carries no sections.
func (u Update) Empty() bool {
	return u.Wallet == nil && u.Exchange == nil && u.MarketMaking == nil &&
		u.Risk == nil && u.Security == nil && u.Optimization == nil &&
		u.Recorder == nil && u.API == nil && u.Logging == nil
}

// Merge applies the update on a clone of the receiver and validates the
// result. The receiver is never modified: on validation failure the caller's
// prior configuration remains active.
func (c *Config) Merge(u Update) (*Config, error) {
	next := c.Clone()

	if u.Wallet != nil {
		next.Wallet = *u.Wallet
	}
	if u.Exchange != nil {
		next.Exchange = *u.Exchange
	}
	if u.MarketMaking != nil {
		next.MarketMaking = *u.MarketMaking
	}
	if u.Risk != nil {
		next.Risk = *u.Risk
	}
	if u.Security != nil {
		next.Security = *u.Security
	}
	if u.Optimization != nil {
		next.Optimization = *u.Optimization
	}
	if u.Recorder != nil {
		next.Recorder = *u.Recorder
	}
	if u.API != nil {
		next.API = *u.API
	}
	if u.Logging != nil {
		next.Logging = *u.Logging
	}

	if err := Validate(next); err != nil {
		return nil, fmt.Errorf("rejected configuration update: %w", err)
	}
	return next, nil
}
