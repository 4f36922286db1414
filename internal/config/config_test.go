package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stablearb/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []string{"USDT", "USDC"}, cfg.Arbitrage.QuoteCurrencies)
	assert.True(t, cfg.Arbitrage.MinProfitPercentage.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, time.Second, cfg.Arbitrage.CheckInterval())
	assert.Equal(t, 10*time.Second, cfg.Execution.OrderTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, []string{"simple"}, cfg.Strategies.Enabled)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := writeConfig(t, `
arbitrage:
  base_assets: [btc, eth, sol]
  min_profit_percentage: "0.15"
  max_trade_amount: 250
  timezone: Europe/Madrid
risk:
  enabled: [loss_limit, exposure, blacklist]
  exposure:
    caps:
      btc: "500"
  blacklist:
    entries: [DOGE, SOLUSDC]
strategies:
  enabled: [simple, twap]
  twap:
    slices: 3
    interval: 500ms
`)
	t.Setenv("ARBITRAGE_CHECK_INTERVAL_MS", "250")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, cfg.Arbitrage.BaseAssets)
	assert.True(t, cfg.Arbitrage.MinProfitPercentage.Equal(decimal.RequireFromString("0.15")))
	assert.True(t, cfg.Arbitrage.MaxTradeAmount.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, 250*time.Millisecond, cfg.Arbitrage.CheckInterval())
	assert.True(t, cfg.Risk.Exposure.Caps["BTC"].Equal(decimal.NewFromInt(500)))
	assert.Equal(t, []string{"DOGE", "SOLUSDC"}, cfg.Risk.Blacklist.Entries)
	assert.Equal(t, 3, cfg.Strategies.TWAP.Slices)
	assert.Equal(t, 500*time.Millisecond, cfg.Strategies.TWAP.Interval)

	loc, err := cfg.Arbitrage.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Madrid", loc.String())
}

func TestLoadConfig_InvalidIsConfigurationError(t *testing.T) {
	dir := writeConfig(t, `
arbitrage:
  quote_currencies: [USDT]
  max_trade_amount: "-1"
database:
  driver: mysql
`)
	_, err := LoadConfig(dir)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindConfiguration))
	assert.Contains(t, err.Error(), "quote_currencies")
	assert.Contains(t, err.Error(), "max_trade_amount")
	assert.Contains(t, err.Error(), "database.driver")
}

func TestLoadConfig_MalformedDecimal(t *testing.T) {
	dir := writeConfig(t, `
arbitrage:
  min_profit_percentage: "ten"
`)
	_, err := LoadConfig(dir)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindConfiguration))
}
