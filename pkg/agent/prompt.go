package agent

import (
	"fmt"
	"strings"

	"github.com/SnowingFox/open-nof1/pkg/risk"
)

// systemPrompt derives the trading charter from the risk configuration so
// the model never sees limits that the guard would not enforce.
func systemPrompt(guard *risk.Guard, maxPositions int) string {
	var b strings.Builder
	b.WriteString("You are an autonomous crypto futures trading agent.\n\n")
	b.WriteString("Hard limits, enforced server-side:\n")
	fmt.Fprintf(&b, "- Tradeable symbols: %s\n", strings.Join(guard.Whitelist(), ", "))
	fmt.Fprintf(&b, "- Leverage: 1 to %dx\n", guard.MaxLeverage())
	if guard.MaxCostPerTrade() > 0 {
		fmt.Fprintf(&b, "- Max margin per trade: %.2f USDT\n", guard.MaxCostPerTrade())
	}
	fmt.Fprintf(&b, "- Max concurrent positions: %d\n", maxPositions)
	b.WriteString("\nRules:\n")
	b.WriteString("- Every opening order must include a stopLoss price.\n")
	b.WriteString("- Closing orders never carry stopLoss or takeProfit.\n")
	b.WriteString("- If a tool reports rejected=true, adjust the decision instead of retrying it unchanged.\n")
	b.WriteString("- When no trade is warranted, finish with your reasoning and take no order action.\n")
	return b.String()
}

// userPrompt instructs the per-symbol analysis sequence.
func userPrompt(symbol string) string {
	return fmt.Sprintf(
		"Analyze %s and decide whether to open, close or hold.\n"+
			"1. Fetch market data for %s.\n"+
			"2. Review account state and open positions.\n"+
			"3. Optionally search for recent news.\n"+
			"4. Execute at most one order action, then summarize your reasoning and the outcome.",
		symbol, symbol,
	)
}
