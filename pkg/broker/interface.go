package broker

import "context"

// Broker exposes trading capabilities in an exchange-agnostic fashion.
// Production and simulation implementations are interchangeable behind it.
type Broker interface {
	// PlaceOrder runs the full order protocol: sizing, the main order and
	// any protective orders, with rollback on protection failure. It
	// returns a terminal OrderResult; transport-level errors surface only
	// when no meaningful result could be produced.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// GetPositions returns open positions with non-zero amount. When
	// symbols are given only those instruments are queried; unknown
	// symbols yield no entries.
	GetPositions(ctx context.Context, symbols ...string) ([]Position, error)

	// GetAccountInfo returns the current account snapshot. Transient
	// exchange failures degrade to a zeroed snapshot rather than an error.
	GetAccountInfo(ctx context.Context) (*AccountSnapshot, error)

	// SetLeverage applies the leverage multiplier for a symbol. Re-applying
	// an already-set value is a non-fatal no-op.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// SetMarginMode selects isolated or cross margin for a symbol.
	// Idempotent; re-setting the active mode is non-fatal.
	SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error
}
