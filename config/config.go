package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Makerflow    MakerflowConfig    `yaml:"makerflow" json:"makerflow"`
	Wallet       WalletConfig       `yaml:"wallet" json:"wallet"`
	Exchange     ExchangeConfig     `yaml:"exchange" json:"exchange"`
	Channels     ChannelsConfig     `yaml:"channels" json:"channels"`
	MarketMaking MarketMakingConfig `yaml:"market_making" json:"market_making"`
	Risk         RiskConfig         `yaml:"risk" json:"risk"`
	Security     SecurityConfig     `yaml:"security" json:"security"`
	Optimization OptimizationConfig `yaml:"optimization" json:"optimization"`
	Recorder     RecorderConfig     `yaml:"recorder" json:"recorder"`
	API          APIConfig          `yaml:"api" json:"api"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
}

type MakerflowConfig struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

type WalletConfig struct {
	Address string `yaml:"address" json:"address"`
}

type ExchangeConfig struct {
	Driver    string          `yaml:"driver" json:"driver"` // "binance" or "sim"
	RestURL   string          `yaml:"rest_url" json:"rest_url"`
	StreamURL string          `yaml:"stream_url" json:"stream_url"`
	APIKey    string          `yaml:"api_key" json:"-"`
	APISecret string          `yaml:"api_secret" json:"-"`
	Retry     RetryConfig     `yaml:"retry" json:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
}

type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	TimeWindow  time.Duration `yaml:"time_window" json:"time_window"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer" json:"event_buffer"`
}

type MarketMakingConfig struct {
	Enabled         bool             `yaml:"enabled" json:"enabled"`
	Symbols         []string         `yaml:"symbols" json:"symbols"`
	Spread          SpreadConfig     `yaml:"spread" json:"spread"`
	Inventory       InventoryConfig  `yaml:"inventory" json:"inventory"`
	Orders          OrderSizeConfig  `yaml:"orders" json:"orders"`
	Imbalance       ImbalanceConfig  `yaml:"imbalance" json:"imbalance"`
	Layering        LayeringConfig   `yaml:"layering" json:"layering"`
	Volatility      VolatilityConfig `yaml:"volatility" json:"volatility"`
	RefreshInterval time.Duration    `yaml:"refresh_interval" json:"refresh_interval"`
}

type SpreadConfig struct {
	Tier1Pct         float64 `yaml:"tier1_pct" json:"tier1_pct"`
	Tier2Pct         float64 `yaml:"tier2_pct" json:"tier2_pct"`
	Tier3Pct         float64 `yaml:"tier3_pct" json:"tier3_pct"`
	VolThresholdLow  float64 `yaml:"vol_threshold_low" json:"vol_threshold_low"`
	VolThresholdHigh float64 `yaml:"vol_threshold_high" json:"vol_threshold_high"`
}

type InventoryConfig struct {
	TargetSize   float64 `yaml:"target_size" json:"target_size"`
	Threshold    float64 `yaml:"threshold" json:"threshold"`
	MaxImbalance float64 `yaml:"max_imbalance" json:"max_imbalance"`
	Strategy     string  `yaml:"strategy" json:"strategy"` // "passive" or "aggressive"
}

type OrderSizeConfig struct {
	MinSize        float64 `yaml:"min_size" json:"min_size"`
	MaxSize        float64 `yaml:"max_size" json:"max_size"`
	SizeIncrement  float64 `yaml:"size_increment" json:"size_increment"`
	PriceIncrement float64 `yaml:"price_increment" json:"price_increment"`
}

type ImbalanceConfig struct {
	Enabled          bool    `yaml:"enabled" json:"enabled"`
	Depth            int     `yaml:"depth" json:"depth"`
	Threshold        float64 `yaml:"threshold" json:"threshold"`
	AdjustmentFactor float64 `yaml:"adjustment_factor" json:"adjustment_factor"`
}

type LayeringConfig struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	Levels         int     `yaml:"levels" json:"levels"`
	SizeMultiplier float64 `yaml:"size_multiplier" json:"size_multiplier"`
}

type VolatilityConfig struct {
	ShortWindow  int `yaml:"short_window" json:"short_window"`
	MediumWindow int `yaml:"medium_window" json:"medium_window"`
	LongWindow   int `yaml:"long_window" json:"long_window"`
}

type RiskConfig struct {
	MaxLongSize          float64              `yaml:"max_long_size" json:"max_long_size"`
	MaxShortSize         float64              `yaml:"max_short_size" json:"max_short_size"`
	MaxLeverage          float64              `yaml:"max_leverage" json:"max_leverage"`
	MaxPortfolioExposure float64              `yaml:"max_portfolio_exposure" json:"max_portfolio_exposure"`
	MaxDrawdownPct       float64              `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`
	StopLossPct          float64              `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	TakeProfitPct        float64              `yaml:"take_profit_pct" json:"take_profit_pct"`
	TrailingStop         TrailingStopConfig   `yaml:"trailing_stop" json:"trailing_stop"`
	CircuitBreaker       CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type TrailingStopConfig struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	Pct     float64 `yaml:"pct" json:"pct"`
}

type CircuitBreakerConfig struct {
	VolThreshold float64       `yaml:"vol_threshold" json:"vol_threshold"`
	WindowSize   int           `yaml:"window_size" json:"window_size"`
	Cooldown     time.Duration `yaml:"cooldown" json:"cooldown"`
}

type SecurityConfig struct {
	MultiSig MultiSigConfig  `yaml:"multi_sig" json:"multi_sig"`
	Tiers    ValueTierConfig `yaml:"tiers" json:"tiers"`
	Anomaly  AnomalyConfig   `yaml:"anomaly" json:"anomaly"`
	TxTTL    time.Duration   `yaml:"tx_ttl" json:"tx_ttl"`
}

type MultiSigConfig struct {
	Enabled            bool     `yaml:"enabled" json:"enabled"`
	RequiredSignatures int      `yaml:"required_signatures" json:"required_signatures"`
	AuthorizedSigners  []string `yaml:"authorized_signers" json:"authorized_signers"`
}

type ValueTier struct {
	MaxAmount float64 `yaml:"max_amount" json:"max_amount"`
	Level     string  `yaml:"level" json:"level"` // "low", "medium" or "high"
}

type ValueTierConfig struct {
	Tier1 ValueTier `yaml:"tier1" json:"tier1"`
	Tier2 ValueTier `yaml:"tier2" json:"tier2"`
	Tier3 ValueTier `yaml:"tier3" json:"tier3"`
}

type AnomalyConfig struct {
	Sensitivity string `yaml:"sensitivity" json:"sensitivity"` // "low", "medium" or "high"
	MinSamples  int    `yaml:"min_samples" json:"min_samples"`
}

type OptimizationConfig struct {
	Enabled     bool                  `yaml:"enabled" json:"enabled"`
	Interval    time.Duration         `yaml:"interval" json:"interval"`
	Ranges      map[string]ParamRange `yaml:"ranges" json:"ranges"`
	Genetic     GeneticConfig         `yaml:"genetic" json:"genetic"`
	VariantTest VariantTestConfig     `yaml:"variant_test" json:"variant_test"`
}

type ParamRange struct {
	Min  float64 `yaml:"min" json:"min"`
	Max  float64 `yaml:"max" json:"max"`
	Step float64 `yaml:"step" json:"step"`
}

type GeneticConfig struct {
	PopulationSize int     `yaml:"population_size" json:"population_size"`
	Generations    int     `yaml:"generations" json:"generations"`
	MutationRate   float64 `yaml:"mutation_rate" json:"mutation_rate"`
	CrossoverRate  float64 `yaml:"crossover_rate" json:"crossover_rate"`
	TournamentSize int     `yaml:"tournament_size" json:"tournament_size"`
}

type VariantTestConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Count    int           `yaml:"count" json:"count"`
	Duration time.Duration `yaml:"duration" json:"duration"`
}

type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	LocalDir      string        `yaml:"local_dir" json:"local_dir"`
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
	S3            S3Config      `yaml:"s3" json:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	Bucket          string `yaml:"bucket" json:"bucket"`
	Region          string `yaml:"region" json:"region"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	AccessKeyID     string `yaml:"access_key_id" json:"-"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-"`
}

type APIConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	ListenAddr     string   `yaml:"listen_addr" json:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

type LoggingConfig struct {
	Level         string `yaml:"level" json:"level"`
	Format        string `yaml:"format" json:"format"`
	Output        string `yaml:"output" json:"output"`
	MaxAge        int    `yaml:"max_age" json:"max_age"`
	DashboardName string `yaml:"dashboard_name" json:"dashboard_name"`
}

// Default returns a configuration with every section populated with safe
// defaults. LoadConfig starts from this before unmarshalling.
func Default() *Config {
	return &Config{
		Makerflow: MakerflowConfig{Name: "makerflow", Version: "dev"},
		Exchange: ExchangeConfig{
			Driver: "sim",
			Retry: RetryConfig{
				MaxRetries: 3,
				BaseDelay:  time.Second,
				MaxDelay:   30 * time.Second,
			},
			RateLimit: RateLimitConfig{
				MaxRequests: 10,
				TimeWindow:  time.Second,
			},
		},
		Channels: ChannelsConfig{EventBuffer: 1024},
		MarketMaking: MarketMakingConfig{
			Spread: SpreadConfig{
				Tier1Pct:         0.1,
				Tier2Pct:         0.2,
				Tier3Pct:         0.4,
				VolThresholdLow:  20,
				VolThresholdHigh: 50,
			},
			Inventory: InventoryConfig{
				MaxImbalance: 5,
				Strategy:     "passive",
			},
			Orders: OrderSizeConfig{
				MinSize:        0.001,
				MaxSize:        1,
				SizeIncrement:  0.001,
				PriceIncrement: 0.1,
			},
			Imbalance: ImbalanceConfig{
				Depth:            10,
				Threshold:        0.3,
				AdjustmentFactor: 0.5,
			},
			Layering: LayeringConfig{
				Levels:         3,
				SizeMultiplier: 0.7,
			},
			Volatility: VolatilityConfig{
				ShortWindow:  60,
				MediumWindow: 300,
				LongWindow:   900,
			},
			RefreshInterval: 10 * time.Second,
		},
		Risk: RiskConfig{
			MaxLongSize:          10,
			MaxShortSize:         10,
			MaxLeverage:          10,
			MaxPortfolioExposure: 1_000_000,
			MaxDrawdownPct:       10,
			StopLossPct:          2,
			TakeProfitPct:        4,
			TrailingStop:         TrailingStopConfig{Pct: 1.5},
			CircuitBreaker: CircuitBreakerConfig{
				VolThreshold: 100,
				WindowSize:   120,
				Cooldown:     5 * time.Minute,
			},
		},
		Security: SecurityConfig{
			MultiSig: MultiSigConfig{RequiredSignatures: 2},
			Tiers: ValueTierConfig{
				Tier1: ValueTier{MaxAmount: 1_000, Level: "low"},
				Tier2: ValueTier{MaxAmount: 10_000, Level: "medium"},
				Tier3: ValueTier{MaxAmount: 100_000, Level: "high"},
			},
			Anomaly: AnomalyConfig{Sensitivity: "medium", MinSamples: 10},
			TxTTL:   24 * time.Hour,
		},
		Optimization: OptimizationConfig{
			Interval: time.Hour,
			Genetic: GeneticConfig{
				PopulationSize: 20,
				Generations:    10,
				MutationRate:   0.1,
				CrossoverRate:  0.7,
				TournamentSize: 3,
			},
			VariantTest: VariantTestConfig{Count: 3, Duration: time.Hour},
		},
		Recorder: RecorderConfig{
			LocalDir:      "data",
			BatchSize:     500,
			FlushInterval: time.Minute,
		},
		API: APIConfig{
			ListenAddr:     ":8085",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// LoadConfig reads, unmarshals and validates a yaml configuration file.
// Secrets may be overridden from environment variables.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Recorder.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Recorder.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Recorder.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Recorder.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Recorder.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("WALLET_ADDRESS"); v != "" {
		cfg.Wallet.Address = strings.TrimSpace(v)
	}
	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		cfg.Exchange.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("EXCHANGE_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = strings.TrimSpace(v)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Clone returns a deep copy so a merged update never mutates a configuration
// already shared with running components.
func (c *Config) Clone() *Config {
	cp := *c

	cp.MarketMaking.Symbols = append([]string(nil), c.MarketMaking.Symbols...)
	cp.Security.MultiSig.AuthorizedSigners = append([]string(nil), c.Security.MultiSig.AuthorizedSigners...)
	cp.API.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)

	if c.Optimization.Ranges != nil {
		cp.Optimization.Ranges = make(map[string]ParamRange, len(c.Optimization.Ranges))
		for k, v := range c.Optimization.Ranges {
			cp.Optimization.Ranges[k] = v
		}
	}
	return &cp
}
