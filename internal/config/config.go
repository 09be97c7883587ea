// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/OvictorVieira/backbot-sub003/internal/exchange"
	"github.com/OvictorVieira/backbot-sub003/internal/models"
)

const (
	// defaultOrderExecutionTimeout is used when a bot leaves
	// order_execution_timeout_seconds unset.
	defaultOrderExecutionTimeout = 12
	// defaultTimeframe is used when a bot leaves time unset.
	defaultTimeframe = "5m"
	// defaultRealtimeIntervalSeconds is the REALTIME analysis period.
	defaultRealtimeIntervalSeconds = 60
	// defaultMaxTokensPerBot caps the per-tick symbol fan-out.
	defaultMaxTokensPerBot = 12
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Storage     StorageConfig     `yaml:"storage"`
	Bots        []BotConfig       `yaml:"bots"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ExchangeConfig defines exchange API settings.
type ExchangeConfig struct {
	BaseURL        string `yaml:"base_url"`
	RequestTimeout string `yaml:"request_timeout"` // Go duration, default 10s
}

// DashboardConfig defines the control-surface HTTP settings.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// StorageConfig defines storage settings for bot runtime state.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// BotConfig is one bot row: identity, risk knobs, strategy knobs and the
// hybrid-stop tuning. Everything here is read-only at runtime; the mutable
// fields (next validation time, status, order-id counter) live in storage.
type BotConfig struct {
	ID                  int    `yaml:"id"`
	Name                string `yaml:"name"`
	StrategyName        string `yaml:"strategy"`
	APIKey              string `yaml:"api_key"`
	APISecret           string `yaml:"api_secret"`
	ClientOrderIDPrefix int    `yaml:"client_order_id_prefix"`

	// Risk knobs
	CapitalPercentage            float64 `yaml:"capital_percentage"`
	MaxOpenOrders                int     `yaml:"max_open_orders"`
	MaxNegativePnlStopPct        float64 `yaml:"max_negative_pnl_stop_pct"`
	MinProfitPercentage          float64 `yaml:"min_profit_percentage"`
	MaxSlippagePct               float64 `yaml:"max_slippage_pct"`
	OrderExecutionTimeoutSeconds int     `yaml:"order_execution_timeout_seconds"`

	// Strategy knobs
	Time                     string   `yaml:"time"`           // candle timeframe, e.g. "5m"
	ExecutionMode            string   `yaml:"execution_mode"` // REALTIME | ON_CANDLE_CLOSE
	AuthorizedTokens         []string `yaml:"authorized_tokens"`
	MaxTokensPerBot          int      `yaml:"max_tokens_per_bot"`
	EnableTrailingStop       bool     `yaml:"enable_trailing_stop"`
	EnableHybridStopStrategy bool     `yaml:"enable_hybrid_stop_strategy"`
	EnablePostOnly           bool     `yaml:"enable_post_only"`
	EnableMarketFallback     bool     `yaml:"enable_market_fallback"`
	EnableOrphanOrderMonitor bool     `yaml:"enable_orphan_order_monitor"`
	AnalyzeBTCTrend          bool     `yaml:"analyze_btc_trend"`

	// Hybrid-stop knobs
	InitialStopAtrMultiplier       float64 `yaml:"initial_stop_atr_multiplier"`
	TrailingStopAtrMultiplier      float64 `yaml:"trailing_stop_atr_multiplier"`
	PartialTakeProfitAtrMultiplier float64 `yaml:"partial_take_profit_atr_multiplier"`
	PartialTakeProfitPercentage    float64 `yaml:"partial_take_profit_percentage"`

	CreatedAt time.Time `yaml:"created_at"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent,
// applying defaults first.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Exchange.RequestTimeout != "" {
		if _, err := time.ParseDuration(c.Exchange.RequestTimeout); err != nil {
			return fmt.Errorf("exchange.request_timeout invalid: %w", err)
		}
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be in (0,65535]")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if len(c.Bots) == 0 {
		return fmt.Errorf("at least one bot must be configured")
	}

	seenIDs := make(map[int]bool)
	seenPrefixes := make(map[string]map[int]bool) // apiKey -> prefixes
	for i := range c.Bots {
		b := &c.Bots[i]
		if err := b.validate(); err != nil {
			return fmt.Errorf("bots[%d] (%s): %w", i, b.Name, err)
		}
		if seenIDs[b.ID] {
			return fmt.Errorf("bots[%d]: duplicate bot id %d", i, b.ID)
		}
		seenIDs[b.ID] = true

		// Prefix uniqueness is per account: two bots on different accounts may
		// reuse a prefix, two bots on the same key may not.
		if seenPrefixes[b.APIKey] == nil {
			seenPrefixes[b.APIKey] = make(map[int]bool)
		}
		if seenPrefixes[b.APIKey][b.ClientOrderIDPrefix] {
			return fmt.Errorf("bots[%d]: client_order_id_prefix %d reused on the same account", i, b.ClientOrderIDPrefix)
		}
		seenPrefixes[b.APIKey][b.ClientOrderIDPrefix] = true
	}

	return nil
}

func (b *BotConfig) validate() error {
	if b.ID <= 0 {
		return fmt.Errorf("id must be > 0")
	}
	if b.StrategyName == "" {
		return fmt.Errorf("strategy is required")
	}
	if b.APIKey == "" || b.APISecret == "" {
		return fmt.Errorf("api_key and api_secret are required")
	}
	if b.ClientOrderIDPrefix <= 0 {
		return fmt.Errorf("client_order_id_prefix must be > 0")
	}
	if b.CapitalPercentage <= 0 || b.CapitalPercentage > 100 {
		return fmt.Errorf("capital_percentage must be in (0,100]")
	}
	if b.MaxOpenOrders <= 0 {
		return fmt.Errorf("max_open_orders must be > 0")
	}
	if b.MaxNegativePnlStopPct == 0 {
		return fmt.Errorf("max_negative_pnl_stop_pct is required")
	}
	if b.MinProfitPercentage <= 0 {
		return fmt.Errorf("min_profit_percentage must be > 0")
	}
	if b.MaxSlippagePct <= 0 {
		return fmt.Errorf("max_slippage_pct must be > 0")
	}
	if _, err := exchange.IntervalDuration(b.Time); err != nil {
		return fmt.Errorf("time: %w", err)
	}
	if b.ExecutionMode != models.ExecutionModeRealtime && b.ExecutionMode != models.ExecutionModeOnCandleClose {
		return fmt.Errorf("execution_mode must be %s or %s",
			models.ExecutionModeRealtime, models.ExecutionModeOnCandleClose)
	}
	if b.EnableHybridStopStrategy {
		if b.InitialStopAtrMultiplier <= 0 {
			return fmt.Errorf("initial_stop_atr_multiplier must be > 0 with hybrid stops")
		}
		if b.PartialTakeProfitAtrMultiplier <= 0 || b.PartialTakeProfitPercentage <= 0 ||
			b.PartialTakeProfitPercentage > 100 {
			return fmt.Errorf("partial take-profit knobs must be > 0 (percentage <= 100) with hybrid stops")
		}
	}
	return nil
}

// normalize applies defaults before validation.
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Exchange.RequestTimeout == "" {
		c.Exchange.RequestTimeout = "10s"
	}
	now := time.Now().UTC()
	for i := range c.Bots {
		b := &c.Bots[i]
		if b.OrderExecutionTimeoutSeconds <= 0 {
			b.OrderExecutionTimeoutSeconds = defaultOrderExecutionTimeout
		}
		if b.Time == "" {
			b.Time = defaultTimeframe
		}
		if b.ExecutionMode == "" {
			b.ExecutionMode = models.ExecutionModeRealtime
		}
		if b.MaxTokensPerBot <= 0 {
			b.MaxTokensPerBot = defaultMaxTokensPerBot
		}
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		if b.Name == "" {
			b.Name = fmt.Sprintf("bot-%d", b.ID)
		}
	}
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// RequestTimeout returns the configured exchange HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Exchange.RequestTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// Credentials returns the bot's exchange credentials.
func (b *BotConfig) Credentials() exchange.Credentials {
	return exchange.Credentials{APIKey: b.APIKey, APISecret: b.APISecret}
}

// BotKey identifies the account-cache entry this bot reads: one snapshot per
// (strategy, api key) pair.
func (b *BotConfig) BotKey() string {
	return b.StrategyName + "|" + b.APIKey
}

// Timeframe returns the bot's candle timeframe as a duration.
func (b *BotConfig) Timeframe() time.Duration {
	d, err := exchange.IntervalDuration(b.Time)
	if err != nil {
		d, _ = exchange.IntervalDuration(defaultTimeframe)
	}
	return d
}

// AnalysisPeriod returns the REALTIME scheduling period.
func (b *BotConfig) AnalysisPeriod() time.Duration {
	return defaultRealtimeIntervalSeconds * time.Second
}

// OrderExecutionTimeout returns the entry monitor deadline.
func (b *BotConfig) OrderExecutionTimeout() time.Duration {
	return time.Duration(b.OrderExecutionTimeoutSeconds) * time.Second
}

// IsAuthorized reports whether symbol is tradable for this bot. An empty
// authorized set means every perp market is allowed.
func (b *BotConfig) IsAuthorized(symbol string) bool {
	if len(b.AuthorizedTokens) == 0 {
		return true
	}
	for _, t := range b.AuthorizedTokens {
		if t == symbol {
			return true
		}
	}
	return false
}
