// Package cli holds helpers shared by command entrypoints.
package cli

import (
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/SnowingFox/open-nof1/internal/config"
)

// ConfigSummaryLines returns human readable lines describing the loaded config.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}

	return []string{
		fmt.Sprintf("Trading mode: %s", cfg.TradingMode),
		fmt.Sprintf("Broker mode: %s", cfg.BrokerMode),
		fmt.Sprintf("Symbols: %s", strings.Join(cfg.NormalizedSymbols(), ", ")),
		fmt.Sprintf("Whitelist: %s", strings.Join(cfg.Risk.Whitelist, ", ")),
		fmt.Sprintf("Max leverage: %dx", cfg.Risk.MaxLeverage),
		fmt.Sprintf("Max cost per trade: %.2f USDT", cfg.Risk.MaxCostPerTrade),
		fmt.Sprintf("Cycle interval: %s", cfg.Interval),
		fmt.Sprintf("Postgres: %s", presence(cfg.PostgresDSN != "")),
		fmt.Sprintf("Exchange credentials: %s", presence(cfg.ExchangeAPIKey != "")),
		fmt.Sprintf("LLM credentials: %s", presence(cfg.LLMAPIKey != "")),
		fmt.Sprintf("Audit log dir: %s", cfg.AuditLogDir),
	}
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	lines := ConfigSummaryLines(cfg)
	if len(lines) == 0 {
		return
	}
	logx.Info("configuration summary")
	for _, line := range lines {
		logx.Infof("config • %s", line)
	}
}

func presence(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}
