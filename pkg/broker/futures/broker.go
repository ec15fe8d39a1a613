package futures

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/SnowingFox/open-nof1/pkg/broker"
)

const (
	maxOrderAttempts = 3
	retryBackoffStep = time.Second

	settleCurrency = "USDT"
)

// ManualInterventionError marks the worst-case outcome of the order
// protocol: a position is open without stop-loss protection and the
// rollback close also failed. The main order id identifies what needs to
// be flattened by hand.
type ManualInterventionError struct {
	OrderID string
	Cause   error
}

func (e *ManualInterventionError) Error() string {
	return fmt.Sprintf("MANUAL INTERVENTION REQUIRED: unprotected position, main order %s, rollback failed: %v", e.OrderID, e.Cause)
}

func (e *ManualInterventionError) Unwrap() error { return e.Cause }

// ExchangeBroker drives the protected-order protocol against a venue
// Client. Every position-opening order is placed in lockstep with its
// stop-loss; a failed stop-loss triggers an immediate rollback close.
type ExchangeBroker struct {
	client  Client
	sleepFn func(time.Duration)
}

// Option customises an ExchangeBroker.
type Option func(*ExchangeBroker)

// WithSleep overrides the retry backoff sleeper. Tests pass a recorder.
func WithSleep(fn func(time.Duration)) Option {
	return func(b *ExchangeBroker) {
		if fn != nil {
			b.sleepFn = fn
		}
	}
}

// New wraps a venue client in the order protocol.
func New(client Client, opts ...Option) *ExchangeBroker {
	b := &ExchangeBroker{
		client:  client,
		sleepFn: time.Sleep,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// withRetry runs fn up to maxOrderAttempts times with linear backoff:
// after attempt i it waits i*1s before the next try. There is no wait
// before the first attempt. Only protective and rollback orders ride
// this path; main orders are never resubmitted.
func (b *ExchangeBroker) withRetry(ctx context.Context, what string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxOrderAttempts; attempt++ {
		if attempt > 1 {
			b.sleepFn(time.Duration(attempt-1) * retryBackoffStep)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		logx.WithContext(ctx).Errorf("futures: %s attempt %d/%d failed: %v", what, attempt, maxOrderAttempts, lastErr)
	}
	return fmt.Errorf("futures: %s failed after %d attempts: %w", what, maxOrderAttempts, lastErr)
}

// PlaceOrder runs the full protocol: configure leverage and margin, size
// the order, place the main order exactly once, then attach protection
// with retries. A stop-loss that cannot be placed forces a rollback close
// of the main order; a failed rollback is reported as a critical result.
func (b *ExchangeBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return &broker.OrderResult{Success: false, Error: err.Error()}, nil
	}
	symbol := broker.NormalizeSymbol(req.Symbol)
	logger := logx.WithContext(ctx)

	// Configuration is idempotent on the venue side; failures here are
	// warnings because existing settings may already match.
	if !req.ReduceOnly && req.Leverage > 0 {
		if err := b.client.SetLeverage(ctx, symbol, req.Leverage); err != nil {
			logger.Slowf("futures: set leverage %dx on %s: %v", req.Leverage, symbol, err)
		}
		if err := b.client.SetMarginMode(ctx, symbol, broker.MarginIsolated); err != nil {
			logger.Slowf("futures: set isolated margin on %s: %v", symbol, err)
		}
	}

	amount := req.Amount
	if amount <= 0 {
		ticker, err := b.client.FetchTicker(ctx, symbol)
		if err != nil {
			return &broker.OrderResult{
				Success: false,
				Error:   fmt.Sprintf("fetch ticker for sizing: %v", err),
			}, nil
		}
		amount = req.Cost * float64(req.Leverage) / ticker.Last
	}
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return &broker.OrderResult{Success: false, Error: "computed order size is not positive"}, nil
	}

	mainParams := OrderParams{
		Symbol:     symbol,
		Side:       req.Side,
		Type:       "MARKET",
		Quantity:   amount,
		ReduceOnly: req.ReduceOnly,
	}
	if req.Type == broker.OrderTypeLimit {
		mainParams.Type = "LIMIT"
		mainParams.Price = req.Price
	}

	// The main order is submitted exactly once. A retry on an ambiguous
	// failure (timeout after fill) could double the position under a
	// single-sized stop-loss, so failures surface directly.
	mainOrder, err := b.client.CreateOrder(ctx, mainParams)
	if err != nil {
		logger.Errorf("futures: main order on %s failed: %v", symbol, err)
		return &broker.OrderResult{
			Success: false,
			Error:   fmt.Sprintf("main order failed: %v", err),
		}, nil
	}

	result := &broker.OrderResult{Success: true, OrderID: mainOrder.ID}
	if req.ReduceOnly {
		return result, nil
	}

	if req.StopLoss > 0 {
		stopParams := OrderParams{
			Symbol:     symbol,
			Side:       req.Side.Opposite(),
			Type:       "STOP_MARKET",
			Quantity:   amount,
			StopPrice:  req.StopLoss,
			ReduceOnly: true,
		}
		var stopOrder *Order
		err = b.withRetry(ctx, "stop-loss order", func() error {
			order, orderErr := b.client.CreateOrder(ctx, stopParams)
			if orderErr != nil {
				return orderErr
			}
			stopOrder = order
			return nil
		})
		if err != nil {
			return b.rollback(ctx, symbol, req.Side, amount, mainOrder.ID, err), nil
		}
		result.StopLossID = stopOrder.ID
	}

	if req.TakeProfit > 0 {
		tpParams := OrderParams{
			Symbol:     symbol,
			Side:       req.Side.Opposite(),
			Type:       "TAKE_PROFIT_MARKET",
			Quantity:   amount,
			StopPrice:  req.TakeProfit,
			ReduceOnly: true,
		}
		var tpOrder *Order
		err = b.withRetry(ctx, "take-profit order", func() error {
			order, orderErr := b.client.CreateOrder(ctx, tpParams)
			if orderErr != nil {
				return orderErr
			}
			tpOrder = order
			return nil
		})
		if err != nil {
			// Stop-loss is in place, so the position stays protected.
			logger.Slowf("futures: take-profit on %s not placed, position keeps stop-loss only: %v", symbol, err)
		} else {
			result.TakeProfitID = tpOrder.ID
		}
	}

	return result, nil
}

// rollback closes the just-opened position with a reduce-only market
// order after stop-loss placement exhausted its retries.
func (b *ExchangeBroker) rollback(ctx context.Context, symbol string, side broker.Side, amount float64, mainOrderID string, cause error) *broker.OrderResult {
	logger := logx.WithContext(ctx)
	logger.Errorf("futures: stop-loss failed on %s, rolling back order %s: %v", symbol, mainOrderID, cause)

	closeParams := OrderParams{
		Symbol:     symbol,
		Side:       side.Opposite(),
		Type:       "MARKET",
		Quantity:   amount,
		ReduceOnly: true,
	}
	rollbackErr := b.withRetry(ctx, "rollback close", func() error {
		_, err := b.client.CreateOrder(ctx, closeParams)
		return err
	})
	if rollbackErr != nil {
		critical := &ManualInterventionError{OrderID: mainOrderID, Cause: rollbackErr}
		logger.Errorf("futures: %v", critical)
		return &broker.OrderResult{
			Success:  false,
			OrderID:  mainOrderID,
			Error:    critical.Error(),
			Critical: true,
		}
	}

	return &broker.OrderResult{
		Success: false,
		OrderID: mainOrderID,
		Error:   fmt.Sprintf("protection failed; position closed: %v", cause),
	}
}

// GetPositions maps venue rows onto the shared Position type. Transient
// venue failures degrade to an empty list with a warning.
func (b *ExchangeBroker) GetPositions(ctx context.Context, symbols ...string) ([]broker.Position, error) {
	rows, err := b.client.FetchPositions(ctx, symbols)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		logx.WithContext(ctx).Errorf("futures: fetch positions: %v", err)
		return nil, nil
	}

	out := make([]broker.Position, 0, len(rows))
	for _, row := range rows {
		side := broker.PositionLong
		amount := row.Amount
		if amount < 0 {
			side = broker.PositionShort
			amount = -amount
		}
		out = append(out, broker.Position{
			Symbol:           canonicalFromVenue(row.Symbol),
			Side:             side,
			Amount:           amount,
			EntryPrice:       row.EntryPrice,
			MarkPrice:        row.MarkPrice,
			UnrealizedPnl:    row.UnrealizedPnl,
			Leverage:         row.Leverage,
			LiquidationPrice: row.LiquidationPrice,
		})
	}
	return out, nil
}

// canonicalFromVenue restores "BTCUSDT" to "BTC/USDT".
func canonicalFromVenue(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if base, found := strings.CutSuffix(s, "USDT"); found && base != "" {
		return base + "/USDT"
	}
	return broker.NormalizeSymbol(s)
}

// GetAccountInfo assembles the snapshot from the settle-currency balance
// and open positions. Transient venue failures degrade to a zeroed
// snapshot with a warning.
func (b *ExchangeBroker) GetAccountInfo(ctx context.Context) (*broker.AccountSnapshot, error) {
	balance, err := b.client.FetchBalance(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		logx.WithContext(ctx).Errorf("futures: fetch balance: %v", err)
		return &broker.AccountSnapshot{}, nil
	}
	settle := balance.Currency(settleCurrency)

	totalPnl := 0.0
	if rows, posErr := b.client.FetchPositions(ctx, nil); posErr == nil {
		for _, row := range rows {
			totalPnl += row.UnrealizedPnl
		}
	} else {
		logx.WithContext(ctx).Errorf("futures: fetch positions for pnl: %v", posErr)
	}

	return &broker.AccountSnapshot{
		Balance:         settle.Total + totalPnl,
		UsedMargin:      settle.Used,
		AvailableMargin: settle.Free,
		TotalPnL:        totalPnl,
		TotalMargin:     settle.Used,
	}, nil
}

// SetLeverage forwards to the venue; already-configured responses are
// treated as success by the client layer.
func (b *ExchangeBroker) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > broker.MaxLeverageCap {
		return fmt.Errorf("futures: leverage %d outside [1, %d]", leverage, broker.MaxLeverageCap)
	}
	return b.client.SetLeverage(ctx, broker.NormalizeSymbol(symbol), leverage)
}

// SetMarginMode forwards to the venue.
func (b *ExchangeBroker) SetMarginMode(ctx context.Context, symbol string, mode broker.MarginMode) error {
	return b.client.SetMarginMode(ctx, broker.NormalizeSymbol(symbol), mode)
}

func init() {
	broker.Register("futures", func(name string, cfg *broker.ProviderConfig) (broker.Broker, error) {
		var restOpts []RestOption
		if cfg.BaseURL != "" {
			restOpts = append(restOpts, WithBaseURL(cfg.BaseURL))
		} else if cfg.Testnet {
			restOpts = append(restOpts, WithBaseURL(testnetBaseURL))
		}
		if cfg.Timeout > 0 {
			restOpts = append(restOpts, WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
		}
		client, err := NewRestClient(cfg.APIKey, cfg.APISecret, restOpts...)
		if err != nil {
			return nil, err
		}
		return New(client), nil
	})
}
