// Package risk validates trading decisions against account-level limits
// before they reach a broker. The guard is a pure function of its config;
// it never talks to an exchange.
package risk

import (
	"fmt"
	"strings"

	"github.com/SnowingFox/open-nof1/pkg/broker"
)

// Config holds the immutable limits a Guard enforces.
type Config struct {
	// Whitelist lists tradeable instruments in normalized form. An empty
	// whitelist rejects everything.
	Whitelist []string
	// MaxLeverage caps leverage per order, itself capped at the hard
	// broker.MaxLeverageCap ceiling.
	MaxLeverage int
	// MaxCostPerTrade caps margin (quote currency) per order.
	MaxCostPerTrade float64
}

// Normalize canonicalizes the whitelist and clamps the leverage cap.
func (c Config) Normalize() Config {
	out := Config{
		MaxLeverage:     c.MaxLeverage,
		MaxCostPerTrade: c.MaxCostPerTrade,
	}
	if out.MaxLeverage < 1 {
		out.MaxLeverage = 1
	}
	if out.MaxLeverage > broker.MaxLeverageCap {
		out.MaxLeverage = broker.MaxLeverageCap
	}
	seen := make(map[string]struct{}, len(c.Whitelist))
	for _, sym := range c.Whitelist {
		n := broker.NormalizeSymbol(sym)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out.Whitelist = append(out.Whitelist, n)
	}
	return out
}

// Rejection explains why an order failed validation. It carries enough
// context for the agent to repair its next attempt.
type Rejection struct {
	Reason  string
	Allowed []string
}

func (r *Rejection) Error() string {
	if len(r.Allowed) > 0 {
		return fmt.Sprintf("risk: %s (allowed: %s)", r.Reason, strings.Join(r.Allowed, ", "))
	}
	return "risk: " + r.Reason
}

// Guard enforces whitelist, leverage and cost limits.
type Guard struct {
	cfg Config
}

// NewGuard builds a guard over a normalized copy of cfg.
func NewGuard(cfg Config) *Guard {
	return &Guard{cfg: cfg.Normalize()}
}

// MaxLeverage returns the effective leverage ceiling.
func (g *Guard) MaxLeverage() int { return g.cfg.MaxLeverage }

// MaxCostPerTrade returns the per-order margin ceiling.
func (g *Guard) MaxCostPerTrade() float64 { return g.cfg.MaxCostPerTrade }

// Whitelist returns the normalized tradeable instruments.
func (g *Guard) Whitelist() []string {
	out := make([]string, len(g.cfg.Whitelist))
	copy(out, g.cfg.Whitelist)
	return out
}

// Allowed reports whether the symbol is whitelisted.
func (g *Guard) Allowed(symbol string) bool {
	n := broker.NormalizeSymbol(symbol)
	for _, sym := range g.cfg.Whitelist {
		if sym == n {
			return true
		}
	}
	return false
}

// ValidateOrder checks a position-opening order. All failures surface as
// *Rejection so callers can feed the reason back to the model.
func (g *Guard) ValidateOrder(symbol string, cost float64, leverage int) error {
	if !g.Allowed(symbol) {
		return &Rejection{
			Reason:  fmt.Sprintf("symbol %s is not tradeable", broker.NormalizeSymbol(symbol)),
			Allowed: g.Whitelist(),
		}
	}
	if leverage < 1 || leverage > g.cfg.MaxLeverage {
		return &Rejection{
			Reason: fmt.Sprintf("leverage %d outside [1, %d]", leverage, g.cfg.MaxLeverage),
		}
	}
	if cost <= 0 {
		return &Rejection{Reason: fmt.Sprintf("cost %.2f must be positive", cost)}
	}
	if g.cfg.MaxCostPerTrade > 0 && cost > g.cfg.MaxCostPerTrade {
		return &Rejection{
			Reason: fmt.Sprintf("cost %.2f exceeds per-trade limit %.2f", cost, g.cfg.MaxCostPerTrade),
		}
	}
	return nil
}

// ValidateClose checks a position-closing request. Closes only need the
// symbol to be recognized; cost and leverage limits do not apply to
// risk-reducing actions.
func (g *Guard) ValidateClose(symbol string) error {
	if !g.Allowed(symbol) {
		return &Rejection{
			Reason:  fmt.Sprintf("symbol %s is not tradeable", broker.NormalizeSymbol(symbol)),
			Allowed: g.Whitelist(),
		}
	}
	return nil
}
