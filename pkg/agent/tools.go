package agent

import (
	"fmt"
	"strings"

	"github.com/SnowingFox/open-nof1/pkg/llm"
)

// Tool names exposed to the model.
const (
	toolGetMarketData  = "get_market_data"
	toolGetAccountInfo = "get_account_info"
	toolPlaceOrder     = "place_order"
	toolSearch         = "search"
)

// Order actions accepted by the place_order tool.
const (
	actionOpenLong   = "open_long"
	actionOpenShort  = "open_short"
	actionCloseLong  = "close_long"
	actionCloseShort = "close_short"
)

type marketDataParams struct {
	Symbol string `json:"symbol"`
}

func (p *marketDataParams) validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	return nil
}

type accountInfoParams struct {
	Symbols        []string `json:"symbols"`
	InitialCapital float64  `json:"initialCapital,omitempty"`
}

type placeOrderParams struct {
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Cost       float64 `json:"cost,omitempty"`
	Leverage   int     `json:"leverage,omitempty"`
	StopLoss   float64 `json:"stopLoss,omitempty"`
	TakeProfit float64 `json:"takeProfit,omitempty"`
}

func (p *placeOrderParams) validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	switch p.Action {
	case actionOpenLong, actionOpenShort:
		if p.Cost <= 0 || p.Leverage <= 0 {
			return fmt.Errorf("%s requires positive cost and leverage", p.Action)
		}
	case actionCloseLong, actionCloseShort:
		if p.StopLoss > 0 || p.TakeProfit > 0 {
			return fmt.Errorf("%s must not carry protective prices", p.Action)
		}
	default:
		return fmt.Errorf("unknown action %q", p.Action)
	}
	return nil
}

type searchParams struct {
	Query string `json:"query"`
}

func (p *searchParams) validate() error {
	if strings.TrimSpace(p.Query) == "" {
		return fmt.Errorf("query is required")
	}
	return nil
}

// toolResult is the common shape of every tool response.
type toolResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	// Rejected marks risk-guard denials so the model can repair its
	// next decision instead of retrying blindly.
	Rejected bool `json:"rejected,omitempty"`
	Data     any  `json:"data,omitempty"`
}

func failure(format string, args ...any) toolResult {
	return toolResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// toolDefinitions returns the schemas handed to the LLM.
func toolDefinitions() []llm.Tool {
	return []llm.Tool{
		{
			Name:        toolGetMarketData,
			Description: "Fetch the current market snapshot (price, 24h stats) for a symbol.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"symbol": map[string]any{
						"type":        "string",
						"description": "Instrument symbol, e.g. BTC or BTC/USDT",
					},
				},
				"required": []string{"symbol"},
			},
		},
		{
			Name:        toolGetAccountInfo,
			Description: "Fetch account balance, open positions, total return and Sharpe ratio.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"symbols": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Symbols to refresh before reading",
					},
					"initialCapital": map[string]any{
						"type":        "number",
						"description": "Initial capital for return calculation",
					},
				},
				"required": []string{"symbols"},
			},
		},
		{
			Name:        toolPlaceOrder,
			Description: "Open or close a futures position. Opening requires cost and leverage and should include stopLoss; closing must not carry protective prices.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"symbol": map[string]any{"type": "string"},
					"action": map[string]any{
						"type": "string",
						"enum": []string{actionOpenLong, actionOpenShort, actionCloseLong, actionCloseShort},
					},
					"cost":       map[string]any{"type": "number", "description": "Margin to commit in USDT"},
					"leverage":   map[string]any{"type": "integer"},
					"stopLoss":   map[string]any{"type": "number"},
					"takeProfit": map[string]any{"type": "number"},
				},
				"required": []string{"symbol", "action"},
			},
		},
		{
			Name:        toolSearch,
			Description: "Search the web for recent news relevant to a trading decision.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			},
		},
	}
}
