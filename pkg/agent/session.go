package agent

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TradeRecord captures one order decision for the audit trail.
type TradeRecord struct {
	Symbol     string  `json:"symbol"`
	Operation  string  `json:"operation"` // raw action, normalized by the audit sink
	Leverage   int     `json:"leverage,omitempty"`
	Amount     float64 `json:"amount,omitempty"`
	Pricing    float64 `json:"pricing,omitempty"`
	StopLoss   float64 `json:"stopLoss,omitempty"`
	TakeProfit float64 `json:"takeProfit,omitempty"`
}

// ToolInvocation is one executed tool call in session order.
type ToolInvocation struct {
	Step      int             `json:"step"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Result    json.RawMessage `json:"result"`
}

// TradingSession is the audit record of one processSymbol invocation.
type TradingSession struct {
	ID        string           `json:"id"`
	Symbol    string           `json:"symbol"`
	StartTime time.Time        `json:"startTime"`
	EndTime   time.Time        `json:"endTime"`
	Prompt    string           `json:"prompt"`
	Reasoning string           `json:"reasoning"`
	ToolCalls []ToolInvocation `json:"toolCalls"`
	Trades    []TradeRecord    `json:"trades,omitempty"`
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
}

func newSession(symbol string, start time.Time) *TradingSession {
	return &TradingSession{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		StartTime: start,
	}
}
