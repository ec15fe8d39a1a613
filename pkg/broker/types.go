package broker

// Core trading domain types shared across broker implementations.
// Prices and sizes are float64 end to end; exchange payloads arrive as
// strings and are coerced through ParseDecimal so the PnL math stays total.

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Side represents order direction.
type Side string

const (
	// SideBuy executes a buy.
	SideBuy Side = "buy"
	// SideSell executes a sell.
	SideSell Side = "sell"
)

// Opposite returns the opposing order direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType selects the execution style of an order.
type OrderType string

const (
	// OrderTypeMarket executes immediately at the prevailing price.
	OrderTypeMarket OrderType = "market"
	// OrderTypeLimit rests at the supplied price.
	OrderTypeLimit OrderType = "limit"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// MarginMode selects how margin is allocated to a position.
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// OrderRequest describes a normalized order submission.
// Either Amount is set, or Cost together with Leverage; brokers derive the
// base size from Cost*Leverage/lastPrice when Amount is zero.
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"type"`
	Amount     float64   `json:"amount,omitempty"`     // base units
	Cost       float64   `json:"cost,omitempty"`       // quote currency (USDT)
	Price      float64   `json:"price,omitempty"`      // required for limit orders
	Leverage   int       `json:"leverage,omitempty"`   // [1, 20]
	StopLoss   float64   `json:"stopLoss,omitempty"`   // trigger price
	TakeProfit float64   `json:"takeProfit,omitempty"` // trigger price
	ReduceOnly bool      `json:"reduceOnly,omitempty"`
}

// Validate checks the structural invariants of the request before any
// exchange traffic happens.
func (r *OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("broker: order requires symbol")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("broker: invalid order side %q", r.Side)
	}
	if r.Type != OrderTypeMarket && r.Type != OrderTypeLimit {
		return fmt.Errorf("broker: invalid order type %q", r.Type)
	}
	if r.Amount <= 0 {
		if r.Cost <= 0 || r.Leverage <= 0 {
			return fmt.Errorf("broker: order requires amount, or cost with leverage")
		}
	}
	if r.Type == OrderTypeLimit && r.Price <= 0 {
		return fmt.Errorf("broker: limit order requires price")
	}
	if r.Leverage != 0 && (r.Leverage < 1 || r.Leverage > MaxLeverageCap) {
		return fmt.Errorf("broker: leverage %d outside [1, %d]", r.Leverage, MaxLeverageCap)
	}
	if r.ReduceOnly && (r.StopLoss > 0 || r.TakeProfit > 0) {
		return fmt.Errorf("broker: reduce-only order cannot carry protective prices")
	}
	return nil
}

// MaxLeverageCap is the hard leverage ceiling regardless of configuration.
const MaxLeverageCap = 20

// OrderResult is the terminal outcome of a PlaceOrder call. Success implies
// the main order was accepted and every required protective order exists,
// or the position was safely rolled back.
type OrderResult struct {
	Success      bool   `json:"success"`
	OrderID      string `json:"orderId,omitempty"`
	StopLossID   string `json:"stopLossId,omitempty"`
	TakeProfitID string `json:"takeProfitId,omitempty"`
	Error        string `json:"error,omitempty"`
	// Critical marks outcomes that require manual intervention: the
	// position may be open without protection and rollback failed.
	Critical bool `json:"critical,omitempty"`
}

// Position captures one open directional exposure. A symbol holds at most
// one position in this model; closing reduces Amount to zero and removes it.
type Position struct {
	Symbol           string       `json:"symbol"`
	Side             PositionSide `json:"side"`
	Amount           float64      `json:"amount"`
	EntryPrice       float64      `json:"entryPrice"`
	MarkPrice        float64      `json:"markPrice"`
	UnrealizedPnl    float64      `json:"unrealizedPnl"`
	Leverage         int          `json:"leverage"`
	LiquidationPrice float64      `json:"liquidationPrice"`
}

// Notional is the mark value of the position.
func (p Position) Notional() float64 {
	return p.Amount * p.MarkPrice
}

// MarginUsed is the margin the position consumes at its configured leverage.
func (p Position) MarginUsed() float64 {
	if p.Leverage <= 0 {
		return p.Amount * p.EntryPrice
	}
	return p.Amount * p.EntryPrice / float64(p.Leverage)
}

// AccountSnapshot summarizes account-level state. The semantic invariant is
// Balance = AvailableMargin + UsedMargin + sum of unrealized PnL.
type AccountSnapshot struct {
	Balance         float64 `json:"balance"`
	UsedMargin      float64 `json:"usedMargin"`
	AvailableMargin float64 `json:"availableMargin"`
	TotalPnL        float64 `json:"totalPnl"`
	TotalMargin     float64 `json:"totalMargin"`
}

// CurrencyBalance is the per-currency free/used/total triple exchanges
// report. Lookups on missing currencies must return the zero triple.
type CurrencyBalance struct {
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// NormalizeSymbol canonicalizes an instrument identifier. Bare coins gain
// the /USDT quote ("BTC" -> "BTC/USDT"); exchange-specific settlement
// suffixes such as ":USDC" are preserved as-is.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return s
	}
	if !strings.Contains(s, "/") {
		if idx := strings.Index(s, ":"); idx >= 0 {
			return s[:idx] + "/USDT" + s[idx:]
		}
		return s + "/USDT"
	}
	return s
}

// BaseCoin extracts the base asset from a normalized symbol
// ("BTC/USDT:USDC" -> "BTC").
func BaseCoin(symbol string) string {
	s := NormalizeSymbol(symbol)
	if idx := strings.Index(s, "/"); idx >= 0 {
		return s[:idx]
	}
	return s
}

// SameSymbol compares two instrument identifiers on their normalized form.
func SameSymbol(a, b string) bool {
	return NormalizeSymbol(a) == NormalizeSymbol(b)
}

// ParseDecimal coerces exchange string values into floats. Missing, empty,
// malformed or non-finite inputs become 0 so downstream math never panics.
func ParseDecimal(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// FormatDecimal renders a float for exchange payloads with up to 8 decimal
// places and no trailing zeros. Non-finite values degrade to "0".
func FormatDecimal(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0"
	}
	if math.Abs(v) < 1e-9 {
		return "0"
	}
	s := strconv.FormatFloat(v, 'f', 8, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}
