package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearTradingEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"TRADING_MODE", "BROKER_MODE", "MAX_LEVERAGE", "MAX_COST_PER_TRADE",
		"SYMBOL_WHITELIST", "SLIPPAGE_TOLERANCE", "DEFAULT_STOP_LOSS_PERCENT",
		"DEFAULT_TAKE_PROFIT_PERCENT", "COOLDOWN_MS", "INTERVAL_MS", "JITTER_MS",
		"SYMBOLS", "INITIAL_CAPITAL", "MAX_POSITIONS", "BROKER_CONFIG",
		"POSTGRES_DSN", "AUDIT_LOG_DIR", "EXCHANGE_API_KEY", "EXCHANGE_API_SECRET",
		"OPENAI_API_KEY",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearTradingEnv(t)
	cfg := Load()

	assert.Equal(t, ModePaper, cfg.TradingMode)
	assert.Equal(t, ModePaper, cfg.BrokerMode, "broker mode derives from trading mode")
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.Symbols)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, cfg.Risk.Whitelist)
	assert.Equal(t, 10, cfg.Risk.MaxLeverage)
	assert.Equal(t, 100.0, cfg.Risk.MaxCostPerTrade)
	assert.Equal(t, 0.01, cfg.SlippageTolerance)
	assert.Equal(t, 0.05, cfg.DefaultStopLossPct)
	assert.Equal(t, 0.10, cfg.DefaultTakeProfitPct)
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Cooldown)
	assert.Equal(t, 15*time.Second, cfg.Jitter)
	assert.Equal(t, "etc/broker.yaml", cfg.BrokerConfigPath)
}

func TestLoadOverrides(t *testing.T) {
	clearTradingEnv(t)
	t.Setenv("TRADING_MODE", "live")
	t.Setenv("BROKER_MODE", "mock")
	t.Setenv("MAX_LEVERAGE", "8")
	t.Setenv("MAX_COST_PER_TRADE", "250.5")
	t.Setenv("SYMBOLS", " BTC/USDT , SOL/USDT ,")
	t.Setenv("INTERVAL_MS", "60000")

	cfg := Load()
	assert.Equal(t, "live", cfg.TradingMode)
	assert.Equal(t, ModeMock, cfg.BrokerMode, "explicit BROKER_MODE wins over the derived value")
	assert.Equal(t, 8, cfg.Risk.MaxLeverage)
	assert.Equal(t, 250.5, cfg.Risk.MaxCostPerTrade)
	assert.Equal(t, []string{"BTC/USDT", "SOL/USDT"}, cfg.Symbols)
	assert.Equal(t, time.Minute, cfg.Interval)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	clearTradingEnv(t)
	t.Setenv("MAX_LEVERAGE", "ten")
	t.Setenv("MAX_COST_PER_TRADE", "lots")

	cfg := Load()
	assert.Equal(t, DefaultMaxLeverage, cfg.Risk.MaxLeverage)
	assert.Equal(t, DefaultMaxCostPerTrade, cfg.Risk.MaxCostPerTrade)
}

func TestValidateRequiresCredentialsOutsideMock(t *testing.T) {
	clearTradingEnv(t)
	cfg := Load() // paper mode, no credentials
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXCHANGE_API_KEY")

	t.Setenv("EXCHANGE_API_KEY", "key")
	t.Setenv("EXCHANGE_API_SECRET", "secret")
	cfg = Load()
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")

	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg = Load()
	assert.NoError(t, cfg.Validate())
}

func TestValidateMockNeedsNoCredentials(t *testing.T) {
	clearTradingEnv(t)
	t.Setenv("BROKER_MODE", "mock")
	cfg := Load()
	assert.NoError(t, cfg.Validate())
}

func TestForceMock(t *testing.T) {
	clearTradingEnv(t)
	t.Setenv("TRADING_MODE", "live")
	cfg := Load()
	require.Equal(t, ModeLive, cfg.BrokerMode)

	cfg.ForceMock()
	assert.True(t, cfg.IsMock())
	assert.NoError(t, cfg.Validate(), "forced mock drops the credential requirement")
}

func TestValidateRejectsUnknownModes(t *testing.T) {
	clearTradingEnv(t)
	t.Setenv("TRADING_MODE", "yolo")
	cfg := Load()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRADING_MODE")
}

func TestNormalizedSymbols(t *testing.T) {
	clearTradingEnv(t)
	t.Setenv("SYMBOLS", "btc,ETH/USDT")
	cfg := Load()
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.NormalizedSymbols())
}
