// Package config defines all configuration for the arbitrage system.
// Config is loaded from an optional YAML file with every key overridable
// via ARB_* environment variables; secrets come only from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pm-arb/pkg/types"
)

// Config is the top-level configuration. Keys map one-to-one onto the YAML
// file and ARB_* environment variables.
type Config struct {
	// Trading
	Mode               string  `mapstructure:"mode"` // paper | live | backtest
	ConfirmLive        bool    `mapstructure:"confirm_live"`
	StartingBalanceUSD float64 `mapstructure:"starting_balance_usd"`
	KellyFraction      float64 `mapstructure:"kelly_fraction"`
	MinEdgeBps         float64 `mapstructure:"min_edge_bps"`
	MaxSlippageBps     float64 `mapstructure:"max_slippage_bps"`
	MinNotionalUSD     float64 `mapstructure:"min_notional_usd"`

	// Risk limits
	MaxOpenRiskUSD          float64 `mapstructure:"max_open_risk_usd"`
	MaxPerTradeUSD          float64 `mapstructure:"max_per_trade_usd"`
	MaxPositionPerEventUSD  float64 `mapstructure:"max_position_per_event_usd"`
	MaxDrawdownPct          float64 `mapstructure:"max_drawdown_pct"`
	CircuitBreakerErrorRate float64 `mapstructure:"circuit_breaker_error_rate"`
	CircuitBreakerLatencyMs float64 `mapstructure:"circuit_breaker_latency_ms"`

	// Scheduling
	DiscoveryInterval    time.Duration `mapstructure:"discovery_interval"`
	QuoteRefreshInterval time.Duration `mapstructure:"quote_refresh_interval"`
	SnapshotCron         string        `mapstructure:"snapshot_cron"`

	// Venue endpoints and credentials
	KalshiPublicBase   string `mapstructure:"kalshi_public_base"`
	KalshiAPIKey       string `mapstructure:"kalshi_api_key"`
	PolymarketBase     string `mapstructure:"polymarket_base"`
	PolymarketCLOBBase string `mapstructure:"polymarket_clob_base"`
	PolymarketWSURL    string `mapstructure:"polymarket_ws_url"`
	PolyPrivateKey     string `mapstructure:"poly_private_key"`
	PolyFunderAddress  string `mapstructure:"poly_funder_address"`
	PolyChainID        int64  `mapstructure:"poly_chain_id"`
	PolySignatureType  int    `mapstructure:"poly_signature_type"`
	PolyAPIKey         string `mapstructure:"poly_api_key"`
	PolyAPISecret      string `mapstructure:"poly_api_secret"`
	PolyPassphrase     string `mapstructure:"poly_passphrase"`

	// Fees
	PolymarketMakerBps       float64 `mapstructure:"polymarket_maker_bps"`
	PolymarketTakerBps       float64 `mapstructure:"polymarket_taker_bps"`
	PolymarketGasEstimateUSD float64 `mapstructure:"polymarket_gas_estimate_usd"`
	KalshiMakerBps           float64 `mapstructure:"kalshi_maker_bps"`
	KalshiTakerBps           float64 `mapstructure:"kalshi_taker_bps"`

	// Ops surface
	HealthPort  int `mapstructure:"health_port"`
	MetricsPort int `mapstructure:"metrics_port"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json | text

	// Persistence
	DBPath      string `mapstructure:"db_path"`
	RegistryDir string `mapstructure:"registry_dir"`
}

// setDefaults registers the default for every key so a bare environment
// yields a runnable paper configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")
	v.SetDefault("confirm_live", false)
	v.SetDefault("starting_balance_usd", 10000.0)
	v.SetDefault("kelly_fraction", 0.25)
	v.SetDefault("min_edge_bps", 80.0)
	v.SetDefault("max_slippage_bps", 25.0)
	v.SetDefault("min_notional_usd", 100.0)

	v.SetDefault("max_open_risk_usd", 3000.0)
	v.SetDefault("max_per_trade_usd", 1000.0)
	v.SetDefault("max_position_per_event_usd", 5000.0)
	v.SetDefault("max_drawdown_pct", 10.0)
	v.SetDefault("circuit_breaker_error_rate", 0.1)
	v.SetDefault("circuit_breaker_latency_ms", 5000.0)

	v.SetDefault("discovery_interval", "2s")
	v.SetDefault("quote_refresh_interval", "1s")
	v.SetDefault("snapshot_cron", "@every 5m")

	v.SetDefault("kalshi_public_base", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("polymarket_base", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket_clob_base", "https://clob.polymarket.com")
	v.SetDefault("polymarket_ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("poly_chain_id", 137)
	v.SetDefault("poly_signature_type", 0)

	v.SetDefault("polymarket_maker_bps", 0.0)
	v.SetDefault("polymarket_taker_bps", 25.0)
	v.SetDefault("polymarket_gas_estimate_usd", 0.50)
	v.SetDefault("kalshi_maker_bps", 0.0)
	v.SetDefault("kalshi_taker_bps", 30.0)

	v.SetDefault("health_port", 8080)
	v.SetDefault("metrics_port", 9090)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("db_path", "data/arb.db")
	v.SetDefault("registry_dir", "data/registry")
}

// Load reads config from an optional YAML file with ARB_* env overrides.
// An empty path skips the file; a named file that cannot be read is an
// error. Secrets use env vars: KALSHI_API_KEY, POLY_PRIVATE_KEY,
// POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Secrets never come from files.
	if key := os.Getenv("KALSHI_API_KEY"); key != "" {
		cfg.KalshiAPIKey = key
	}
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.PolyPrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.PolyAPIKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.PolyAPISecret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.PolyPassphrase = pass
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case string(types.ModePaper), string(types.ModeLive), string(types.ModeBacktest):
	default:
		return fmt.Errorf("mode must be one of: paper, live, backtest (got %q)", c.Mode)
	}
	if c.Mode == string(types.ModeLive) && !c.ConfirmLive {
		return fmt.Errorf("live mode requires confirm_live=true (set ARB_CONFIRM_LIVE=true)")
	}
	if c.StartingBalanceUSD <= 0 {
		return fmt.Errorf("starting_balance_usd must be > 0")
	}
	if c.KellyFraction <= 0 || c.KellyFraction > 1 {
		return fmt.Errorf("kelly_fraction must be in (0, 1]")
	}
	if c.MinEdgeBps < 0 {
		return fmt.Errorf("min_edge_bps must be >= 0")
	}
	if c.MinNotionalUSD <= 0 {
		return fmt.Errorf("min_notional_usd must be > 0")
	}
	if c.MaxOpenRiskUSD <= 0 {
		return fmt.Errorf("max_open_risk_usd must be > 0")
	}
	if c.MaxPerTradeUSD <= 0 {
		return fmt.Errorf("max_per_trade_usd must be > 0")
	}
	if c.MaxPositionPerEventUSD <= 0 {
		return fmt.Errorf("max_position_per_event_usd must be > 0")
	}
	if c.MaxDrawdownPct <= 0 || c.MaxDrawdownPct > 100 {
		return fmt.Errorf("max_drawdown_pct must be in (0, 100]")
	}
	if c.DiscoveryInterval <= 0 {
		return fmt.Errorf("discovery_interval must be > 0")
	}
	if c.QuoteRefreshInterval <= 0 {
		return fmt.Errorf("quote_refresh_interval must be > 0")
	}
	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("health_port must be in [1, 65535]")
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port must be in [1, 65535]")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	return nil
}

// RiskLimits extracts the limits consumed by the risk manager and sizer.
func (c *Config) RiskLimits() types.RiskLimits {
	return types.RiskLimits{
		MaxOpenRiskUSD:         c.MaxOpenRiskUSD,
		MaxPerTradeUSD:         c.MaxPerTradeUSD,
		MaxPositionPerEventUSD: c.MaxPositionPerEventUSD,
		MaxDrawdownPct:         c.MaxDrawdownPct,
		MinEdgeBps:             c.MinEdgeBps,
		MaxSlippageBps:         c.MaxSlippageBps,
	}
}

// FeeModelFor returns the configured fee model for a venue. Unknown venues
// trade at zero cost rather than erroring.
func (c *Config) FeeModelFor(venue types.Venue) types.FeeModel {
	switch venue {
	case types.VenuePolymarket:
		return types.FeeModel{
			MakerBps: c.PolymarketMakerBps,
			TakerBps: c.PolymarketTakerBps,
			GasUSD:   c.PolymarketGasEstimateUSD,
		}
	case types.VenueKalshi:
		return types.FeeModel{
			MakerBps: c.KalshiMakerBps,
			TakerBps: c.KalshiTakerBps,
		}
	default:
		return types.FeeModel{}
	}
}
