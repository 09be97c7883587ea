package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OvictorVieira/backbot-sub003/internal/models"
)

func validBot(id, prefix int) BotConfig {
	return BotConfig{
		ID:                    id,
		StrategyName:          "momentum",
		APIKey:                "key",
		APISecret:             "secret",
		ClientOrderIDPrefix:   prefix,
		CapitalPercentage:     10,
		MaxOpenOrders:         3,
		MaxNegativePnlStopPct: 4,
		MinProfitPercentage:   0.5,
		MaxSlippagePct:        0.5,
		Time:                  "5m",
		ExecutionMode:         models.ExecutionModeRealtime,
	}
}

func validConfig() *Config {
	return &Config{
		Environment: EnvironmentConfig{Mode: "paper"},
		Storage:     StorageConfig{Path: "data/state.json"},
		Bots:        []BotConfig{validBot(1, 42)},
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Bots[0].Time = ""
	cfg.Bots[0].ExecutionMode = ""
	cfg.Bots[0].Name = ""
	require.NoError(t, cfg.Validate())

	b := cfg.Bots[0]
	assert.Equal(t, "5m", b.Time)
	assert.Equal(t, models.ExecutionModeRealtime, b.ExecutionMode)
	assert.Equal(t, "bot-1", b.Name)
	assert.Equal(t, 12, b.OrderExecutionTimeoutSeconds)
	assert.Equal(t, 12, b.MaxTokensPerBot)
	assert.False(t, b.CreatedAt.IsZero())
	assert.Equal(t, "info", cfg.Environment.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "dry-run" }},
		{"bad timeout", func(c *Config) { c.Exchange.RequestTimeout = "soon" }},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }},
		{"no bots", func(c *Config) { c.Bots = nil }},
		{"dashboard port", func(c *Config) { c.Dashboard = DashboardConfig{Enabled: true, Port: 0} }},
		{"bot id", func(c *Config) { c.Bots[0].ID = 0 }},
		{"missing strategy", func(c *Config) { c.Bots[0].StrategyName = "" }},
		{"missing credentials", func(c *Config) { c.Bots[0].APISecret = "" }},
		{"prefix", func(c *Config) { c.Bots[0].ClientOrderIDPrefix = 0 }},
		{"capital over 100", func(c *Config) { c.Bots[0].CapitalPercentage = 120 }},
		{"max open orders", func(c *Config) { c.Bots[0].MaxOpenOrders = 0 }},
		{"stop pct required", func(c *Config) { c.Bots[0].MaxNegativePnlStopPct = 0 }},
		{"min profit", func(c *Config) { c.Bots[0].MinProfitPercentage = 0 }},
		{"slippage", func(c *Config) { c.Bots[0].MaxSlippagePct = 0 }},
		{"bad timeframe", func(c *Config) { c.Bots[0].Time = "7q" }},
		{"bad execution mode", func(c *Config) { c.Bots[0].ExecutionMode = "SOMETIMES" }},
		{"hybrid without multiplier", func(c *Config) { c.Bots[0].EnableHybridStopStrategy = true }},
		{"duplicate bot id", func(c *Config) { c.Bots = append(c.Bots, validBot(1, 43)) }},
		{"prefix reuse on one account", func(c *Config) { c.Bots = append(c.Bots, validBot(2, 42)) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAllowsPrefixReuseAcrossAccounts(t *testing.T) {
	cfg := validConfig()
	other := validBot(2, 42)
	other.APIKey = "other-key"
	cfg.Bots = append(cfg.Bots, other)
	assert.NoError(t, cfg.Validate())
}

func TestValidateHybridKnobs(t *testing.T) {
	cfg := validConfig()
	b := &cfg.Bots[0]
	b.EnableHybridStopStrategy = true
	b.InitialStopAtrMultiplier = 2
	b.PartialTakeProfitAtrMultiplier = 3
	b.PartialTakeProfitPercentage = 50
	assert.NoError(t, cfg.Validate())

	b.PartialTakeProfitPercentage = 150
	assert.Error(t, cfg.Validate())
}

func TestLoadExpandsEnvAndRejectsUnknownFields(t *testing.T) {
	t.Setenv("TEST_API_SECRET", "from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
environment:
  mode: paper
storage:
  path: data/state.json
bots:
  - id: 1
    strategy: momentum
    api_key: key
    api_secret: ${TEST_API_SECRET}
    client_order_id_prefix: 42
    capital_percentage: 10
    max_open_orders: 3
    max_negative_pnl_stop_pct: 4
    min_profit_percentage: 0.5
    max_slippage_pct: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Bots[0].APISecret)
	assert.True(t, cfg.IsPaperTrading())

	// A typo'd key must fail loudly instead of being silently dropped.
	require.NoError(t, os.WriteFile(path, []byte(body+"    max_slipage_pct: 1\n"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestBotHelpers(t *testing.T) {
	b := validBot(1, 42)
	assert.Equal(t, "momentum|key", b.BotKey())
	assert.Equal(t, 5*time.Minute, b.Timeframe())
	assert.Equal(t, 60*time.Second, b.AnalysisPeriod())

	b.AuthorizedTokens = nil
	assert.True(t, b.IsAuthorized("SOL_USDC_PERP"))
	b.AuthorizedTokens = []string{"ETH_USDC_PERP"}
	assert.False(t, b.IsAuthorized("SOL_USDC_PERP"))
	assert.True(t, b.IsAuthorized("ETH_USDC_PERP"))
}
