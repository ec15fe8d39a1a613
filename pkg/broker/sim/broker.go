// Package sim implements a paper-trading Broker that keeps balances,
// positions and mark prices in memory. It is the default venue for dev
// runs and for tests that need deterministic fills.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/SnowingFox/open-nof1/pkg/broker"
)

const (
	defaultInitialBalance = 10000.0

	// maintenanceMarginRate approximates the exchange maintenance margin
	// tier used in the liquidation price estimate.
	maintenanceMarginRate = 0.004

	driftRange = 0.005 // mark prices wander +/-0.5% per touch
)

var seedPrices = map[string]float64{
	"BTC":  100000,
	"ETH":  3800,
	"SOL":  180,
	"BNB":  650,
	"DOGE": 0.35,
}

// Broker is an in-memory Broker implementation. All methods are safe for
// concurrent use.
type Broker struct {
	mu sync.Mutex

	cash        float64
	initial     float64
	positions   map[string]*positionState
	markPx      map[string]float64
	leverage    map[string]int
	marginModes map[string]broker.MarginMode

	nextOrderID int64

	rng       *rand.Rand
	latencyFn func()
}

type positionState struct {
	Symbol     string
	Side       broker.PositionSide
	Amount     float64
	Entry      float64
	Leverage   int
	StopLoss   float64
	TakeProfit float64
}

// Option customises a simulation broker.
type Option func(*Broker)

// WithInitialBalance seeds the starting cash balance.
func WithInitialBalance(balance float64) Option {
	return func(b *Broker) {
		if balance > 0 {
			b.cash = balance
			b.initial = balance
		}
	}
}

// WithLatency overrides the simulated exchange latency. Tests pass a no-op.
func WithLatency(fn func()) Option {
	return func(b *Broker) { b.latencyFn = fn }
}

// WithRandSource fixes the price drift source for deterministic tests.
func WithRandSource(src rand.Source) Option {
	return func(b *Broker) { b.rng = rand.New(src) }
}

// New constructs a simulation broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		cash:        defaultInitialBalance,
		initial:     defaultInitialBalance,
		positions:   make(map[string]*positionState),
		markPx:      make(map[string]float64),
		leverage:    make(map[string]int),
		marginModes: make(map[string]broker.MarginMode),
		nextOrderID: 1,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	b.latencyFn = b.defaultLatency
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) defaultLatency() {
	b.mu.Lock()
	d := 100 + b.rng.Intn(101)
	b.mu.Unlock()
	time.Sleep(time.Duration(d) * time.Millisecond)
}

// Reset clears all state and restores the given balance (or the initial
// one when balance is non-positive).
func (b *Broker) Reset(balance float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if balance <= 0 {
		balance = b.initial
	}
	b.cash = balance
	b.initial = balance
	b.positions = make(map[string]*positionState)
	b.markPx = make(map[string]float64)
	b.leverage = make(map[string]int)
	b.marginModes = make(map[string]broker.MarginMode)
	b.nextOrderID = 1
}

// State is a diagnostic snapshot of the simulator internals.
type State struct {
	Cash      float64
	Positions []broker.Position
	Prices    map[string]float64
}

// State returns a copy of the simulator internals for inspection.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := State{Cash: b.cash, Prices: make(map[string]float64, len(b.markPx))}
	for sym, px := range b.markPx {
		st.Prices[sym] = px
	}
	st.Positions = b.snapshotPositionsLocked()
	return st
}

// SetMarkPrice pins the mark price for a symbol. Later touches still drift
// around the pinned value.
func (b *Broker) SetMarkPrice(symbol string, price float64) error {
	if price <= 0 {
		return fmt.Errorf("sim: mark price must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markPx[broker.NormalizeSymbol(symbol)] = price
	return nil
}

// PlaceOrder fills the request synchronously at the drifted mark price.
// Protective prices are recorded on the resulting position and acknowledged
// with order ids; the simulator does not trigger them on its own.
func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return &broker.OrderResult{Success: false, Error: err.Error()}, nil
	}
	b.latencyFn()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	symbol := broker.NormalizeSymbol(req.Symbol)
	price := b.touchPriceLocked(symbol)
	if req.Type == broker.OrderTypeLimit && req.Price > 0 {
		price = req.Price
		b.markPx[symbol] = price
	}

	leverage := req.Leverage
	if leverage < 1 {
		if lev, ok := b.leverage[symbol]; ok {
			leverage = lev
		} else {
			leverage = 1
		}
	}
	b.leverage[symbol] = leverage

	amount := req.Amount
	if amount <= 0 {
		amount = req.Cost * float64(leverage) / price
	}
	if amount <= 0 {
		return &broker.OrderResult{Success: false, Error: "sim: computed order size is zero"}, nil
	}

	if !req.ReduceOnly {
		margin := amount * price / float64(leverage)
		if margin > b.availableMarginLocked() {
			return &broker.OrderResult{
				Success: false,
				Error:   fmt.Sprintf("sim: insufficient margin: need %.2f, available %.2f", margin, b.availableMarginLocked()),
			}, nil
		}
	}

	filled, realized, err := b.applyOrderLocked(symbol, req.Side, price, amount, leverage, req.ReduceOnly)
	if err != nil {
		return &broker.OrderResult{Success: false, Error: err.Error()}, nil
	}
	b.cash += realized
	if filled <= 0 {
		// Reduce-only against no exposure clamps to nothing; the caller
		// treats that as a successful no-op close.
		return &broker.OrderResult{Success: true, OrderID: b.nextIDLocked()}, nil
	}

	result := &broker.OrderResult{Success: true, OrderID: b.nextIDLocked()}
	if state, ok := b.positions[symbol]; ok && !req.ReduceOnly {
		if req.StopLoss > 0 {
			state.StopLoss = req.StopLoss
			result.StopLossID = b.nextIDLocked()
		}
		if req.TakeProfit > 0 {
			state.TakeProfit = req.TakeProfit
			result.TakeProfitID = b.nextIDLocked()
		}
	}
	return result, nil
}

func (b *Broker) nextIDLocked() string {
	id := b.nextOrderID
	b.nextOrderID++
	return "sim-" + strconv.FormatInt(id, 10)
}

// applyOrderLocked mutates position state for a fill and returns the
// executed amount plus realized PnL. Reduce-only fills clamp to the open
// amount and never flip the position.
func (b *Broker) applyOrderLocked(symbol string, side broker.Side, price, amount float64, leverage int, reduceOnly bool) (float64, float64, error) {
	dir := broker.PositionLong
	if side == broker.SideSell {
		dir = broker.PositionShort
	}

	state := b.positions[symbol]
	if state == nil {
		if reduceOnly {
			return 0, 0, nil
		}
		b.positions[symbol] = &positionState{
			Symbol:   symbol,
			Side:     dir,
			Amount:   amount,
			Entry:    price,
			Leverage: leverage,
		}
		return amount, 0, nil
	}

	if state.Side == dir {
		if reduceOnly {
			return 0, 0, fmt.Errorf("sim: reduce-only order would increase position")
		}
		newAmount := state.Amount + amount
		state.Entry = (state.Amount*state.Entry + amount*price) / newAmount
		state.Amount = newAmount
		state.Leverage = leverage
		return amount, 0, nil
	}

	// Opposite direction closes first.
	closeAmt := math.Min(state.Amount, amount)
	sign := 1.0
	if state.Side == broker.PositionShort {
		sign = -1.0
	}
	realized := closeAmt * (price - state.Entry) * sign

	remainder := amount - closeAmt
	state.Amount -= closeAmt
	if state.Amount < 1e-10 {
		delete(b.positions, symbol)
	}

	if reduceOnly || remainder <= 1e-10 {
		return closeAmt, realized, nil
	}

	// Flip: the excess opens a fresh position in the new direction.
	b.positions[symbol] = &positionState{
		Symbol:   symbol,
		Side:     dir,
		Amount:   remainder,
		Entry:    price,
		Leverage: leverage,
	}
	return amount, realized, nil
}

// GetPositions returns open positions, optionally filtered by symbol.
func (b *Broker) GetPositions(ctx context.Context, symbols ...string) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.latencyFn()
	b.mu.Lock()
	defer b.mu.Unlock()

	all := b.snapshotPositionsLocked()
	if len(symbols) == 0 {
		return all, nil
	}
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[broker.NormalizeSymbol(s)] = struct{}{}
	}
	out := all[:0]
	for _, pos := range all {
		if _, ok := want[pos.Symbol]; ok {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (b *Broker) snapshotPositionsLocked() []broker.Position {
	out := make([]broker.Position, 0, len(b.positions))
	for symbol, state := range b.positions {
		mark := b.touchPriceLocked(symbol)
		sign := 1.0
		if state.Side == broker.PositionShort {
			sign = -1.0
		}
		out = append(out, broker.Position{
			Symbol:           symbol,
			Side:             state.Side,
			Amount:           state.Amount,
			EntryPrice:       state.Entry,
			MarkPrice:        mark,
			UnrealizedPnl:    state.Amount * (mark - state.Entry) * sign,
			Leverage:         state.Leverage,
			LiquidationPrice: liquidationPrice(state.Entry, state.Leverage, state.Side),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// GetAccountInfo returns the equity snapshot. Balance is cash plus
// unrealized PnL so it always equals available + used + PnL.
func (b *Broker) GetAccountInfo(ctx context.Context) (*broker.AccountSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.latencyFn()
	b.mu.Lock()
	defer b.mu.Unlock()

	used := 0.0
	unrealized := 0.0
	for symbol, state := range b.positions {
		mark := b.touchPriceLocked(symbol)
		sign := 1.0
		if state.Side == broker.PositionShort {
			sign = -1.0
		}
		unrealized += state.Amount * (mark - state.Entry) * sign
		lev := state.Leverage
		if lev < 1 {
			lev = 1
		}
		used += state.Amount * state.Entry / float64(lev)
	}

	return &broker.AccountSnapshot{
		Balance:         b.cash + unrealized,
		UsedMargin:      used,
		AvailableMargin: b.cash - used,
		TotalPnL:        unrealized,
		TotalMargin:     used,
	}, nil
}

func (b *Broker) availableMarginLocked() float64 {
	used := 0.0
	for _, state := range b.positions {
		lev := state.Leverage
		if lev < 1 {
			lev = 1
		}
		used += state.Amount * state.Entry / float64(lev)
	}
	return b.cash - used
}

// SetLeverage records the leverage preference for a symbol.
func (b *Broker) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > broker.MaxLeverageCap {
		return fmt.Errorf("sim: leverage %d outside [1, %d]", leverage, broker.MaxLeverageCap)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leverage[broker.NormalizeSymbol(symbol)] = leverage
	return nil
}

// SetMarginMode records the margin mode preference for a symbol.
func (b *Broker) SetMarginMode(ctx context.Context, symbol string, mode broker.MarginMode) error {
	if mode != broker.MarginIsolated && mode != broker.MarginCross {
		return fmt.Errorf("sim: invalid margin mode %q", mode)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marginModes[broker.NormalizeSymbol(symbol)] = mode
	return nil
}

// touchPriceLocked resolves the mark price for a symbol, seeding unknown
// symbols and applying a small random walk on every touch.
func (b *Broker) touchPriceLocked(symbol string) float64 {
	px, ok := b.markPx[symbol]
	if !ok || px <= 0 {
		base := broker.BaseCoin(symbol)
		if seeded, found := seedPrices[base]; found {
			px = seeded
		} else {
			px = b.rng.Float64()*1000 + 100
		}
	}
	drift := (b.rng.Float64()*2 - 1) * driftRange
	px *= 1 + drift
	b.markPx[symbol] = px
	return px
}

// liquidationPrice estimates where an isolated position gets liquidated:
// entry * (1 -/+ (1/leverage - maintenanceMarginRate)).
func liquidationPrice(entry float64, leverage int, side broker.PositionSide) float64 {
	if entry <= 0 || leverage < 1 {
		return 0
	}
	buffer := 1/float64(leverage) - maintenanceMarginRate
	if side == broker.PositionLong {
		return entry * (1 - buffer)
	}
	return entry * (1 + buffer)
}

func init() {
	broker.Register("mock", func(name string, cfg *broker.ProviderConfig) (broker.Broker, error) {
		opts := []Option{WithInitialBalance(cfg.InitialBalance)}
		return New(opts...), nil
	})
}
