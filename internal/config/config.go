// Package config assembles runtime settings from environment variables,
// with a YAML file for broker provider wiring.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/SnowingFox/open-nof1/pkg/broker"
	"github.com/SnowingFox/open-nof1/pkg/risk"
)

// Trading mode selects which credentials are mandatory.
const (
	ModeMock  = "mock"
	ModePaper = "paper"
	ModeLive  = "live"
)

// Defaults applied when the environment leaves a knob unset.
const (
	DefaultMaxLeverage       = 10
	DefaultMaxCostPerTrade   = 100.0
	DefaultSlippageTolerance = 0.01
	DefaultStopLossPct       = 0.05
	DefaultTakeProfitPct     = 0.10
	DefaultIntervalMs        = 300000
	DefaultCooldownMs        = 300000
	DefaultJitterMs          = 15000
)

var (
	defaultWhitelist = []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}
	defaultSymbols   = []string{"BTC/USDT", "ETH/USDT"}
)

// Config is the full runtime configuration.
type Config struct {
	TradingMode string
	BrokerMode  string

	Symbols []string

	Risk risk.Config

	SlippageTolerance     float64
	DefaultStopLossPct    float64
	DefaultTakeProfitPct  float64
	Interval              time.Duration
	Cooldown              time.Duration
	Jitter                time.Duration
	MaxConcurrentSymbols  int
	InitialCapital        float64
	MaxConcurrentPosCount int

	BrokerConfigPath string
	PostgresDSN      string
	AuditLogDir      string

	ExchangeAPIKey    string
	ExchangeAPISecret string
	LLMAPIKey         string
}

// Load reads the environment into a Config. It never exits; callers decide
// what a validation failure means for the process.
func Load() *Config {
	tradingMode := envString("TRADING_MODE", ModePaper)
	brokerMode := envString("BROKER_MODE", tradingMode)

	return &Config{
		TradingMode: tradingMode,
		BrokerMode:  brokerMode,
		Symbols:     envCSV("SYMBOLS", defaultSymbols),
		Risk: risk.Config{
			MaxLeverage:     envInt("MAX_LEVERAGE", DefaultMaxLeverage),
			MaxCostPerTrade: envFloat("MAX_COST_PER_TRADE", DefaultMaxCostPerTrade),
			Whitelist:       envCSV("SYMBOL_WHITELIST", defaultWhitelist),
		},
		SlippageTolerance:     envFloat("SLIPPAGE_TOLERANCE", DefaultSlippageTolerance),
		DefaultStopLossPct:    envFloat("DEFAULT_STOP_LOSS_PERCENT", DefaultStopLossPct),
		DefaultTakeProfitPct:  envFloat("DEFAULT_TAKE_PROFIT_PERCENT", DefaultTakeProfitPct),
		Interval:              time.Duration(envInt("INTERVAL_MS", DefaultIntervalMs)) * time.Millisecond,
		Cooldown:              time.Duration(envInt("COOLDOWN_MS", DefaultCooldownMs)) * time.Millisecond,
		Jitter:                time.Duration(envInt("JITTER_MS", DefaultJitterMs)) * time.Millisecond,
		InitialCapital:        envFloat("INITIAL_CAPITAL", 10000),
		MaxConcurrentPosCount: envInt("MAX_POSITIONS", 5),
		BrokerConfigPath:      envString("BROKER_CONFIG", "etc/broker.yaml"),
		PostgresDSN:           os.Getenv("POSTGRES_DSN"),
		AuditLogDir:           envString("AUDIT_LOG_DIR", "logs"),
		ExchangeAPIKey:        os.Getenv("EXCHANGE_API_KEY"),
		ExchangeAPISecret:     os.Getenv("EXCHANGE_API_SECRET"),
		LLMAPIKey:             os.Getenv("OPENAI_API_KEY"),
	}
}

// ForceMock pins the broker to the simulator regardless of the environment.
// Used by the --dev flag.
func (c *Config) ForceMock() {
	c.BrokerMode = ModeMock
}

// IsMock reports whether trading runs against the simulator.
func (c *Config) IsMock() bool {
	return c.BrokerMode == ModeMock
}

// Validate checks mode values and, outside mock mode, credential presence.
func (c *Config) Validate() error {
	switch c.TradingMode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("config: invalid TRADING_MODE %q", c.TradingMode)
	}
	switch c.BrokerMode {
	case ModeMock, ModePaper, ModeLive:
	default:
		return fmt.Errorf("config: invalid BROKER_MODE %q", c.BrokerMode)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: SYMBOLS must not be empty")
	}

	if !c.IsMock() {
		if c.ExchangeAPIKey == "" || c.ExchangeAPISecret == "" {
			return fmt.Errorf("config: EXCHANGE_API_KEY and EXCHANGE_API_SECRET are required in %s mode", c.BrokerMode)
		}
		if c.LLMAPIKey == "" {
			return fmt.Errorf("config: OPENAI_API_KEY is required in %s mode", c.BrokerMode)
		}
	}
	return nil
}

// NormalizedSymbols returns the trading symbols in canonical form.
func (c *Config) NormalizedSymbols() []string {
	out := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		out = append(out, broker.NormalizeSymbol(s))
	}
	return out
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envCSV(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return append([]string(nil), fallback...)
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), fallback...)
	}
	return out
}
