package agent

import (
	"context"
	"encoding/json"
	"errors"
	"math"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/SnowingFox/open-nof1/pkg/broker"
	"github.com/SnowingFox/open-nof1/pkg/llm"
	"github.com/SnowingFox/open-nof1/pkg/market"
	"github.com/SnowingFox/open-nof1/pkg/position"
	"github.com/SnowingFox/open-nof1/pkg/risk"
	"github.com/SnowingFox/open-nof1/pkg/search"
)

// Bridge executes tool calls against the shared broker, position manager
// and collaborators. All tools observe one coherent state because the
// instances are shared, not constructed per call.
type Bridge struct {
	broker    broker.Broker
	positions *position.Manager
	guard     *risk.Guard
	market    market.Provider
	search    *search.Client

	maxPositions   int
	initialCapital float64
}

// BridgeConfig wires the bridge dependencies.
type BridgeConfig struct {
	Broker         broker.Broker
	Positions      *position.Manager
	Guard          *risk.Guard
	Market         market.Provider
	Search         *search.Client
	MaxPositions   int
	InitialCapital float64
}

// NewBridge constructs the tool bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	maxPositions := cfg.MaxPositions
	if maxPositions <= 0 {
		maxPositions = position.DefaultMaxPositions
	}
	return &Bridge{
		broker:         cfg.Broker,
		positions:      cfg.Positions,
		guard:          cfg.Guard,
		market:         cfg.Market,
		search:         cfg.Search,
		maxPositions:   maxPositions,
		initialCapital: cfg.InitialCapital,
	}
}

// Dispatch runs one tool call and returns the serialized result plus, for
// order actions, the trade record for the audit trail.
func (b *Bridge) Dispatch(ctx context.Context, call llm.ToolCall) (string, *TradeRecord) {
	var (
		result toolResult
		trade  *TradeRecord
	)
	switch call.Name {
	case toolGetMarketData:
		result = b.getMarketData(ctx, call.Arguments)
	case toolGetAccountInfo:
		result = b.getAccountInfo(ctx, call.Arguments)
	case toolPlaceOrder:
		result, trade = b.placeOrder(ctx, call.Arguments)
	case toolSearch:
		result = b.runSearch(ctx, call.Arguments)
	default:
		result = failure("unknown tool %q", call.Name)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		logx.WithContext(ctx).Errorf("agent: marshal tool result for %s: %v", call.Name, err)
		return `{"success":false,"error":"internal: result serialization failed"}`, trade
	}
	return string(payload), trade
}

func (b *Bridge) getMarketData(ctx context.Context, rawArgs string) toolResult {
	var params marketDataParams
	if err := json.Unmarshal([]byte(rawArgs), &params); err != nil {
		return failure("invalid get_market_data arguments: %v", err)
	}
	if err := params.validate(); err != nil {
		return failure("%v", err)
	}

	snap, err := b.market.Get(ctx, params.Symbol)
	if err != nil {
		return failure("market data unavailable: %v", err)
	}
	return toolResult{Success: true, Data: map[string]any{
		"symbol":   snap.Symbol,
		"snapshot": snap.Format(),
	}}
}

// accountView is the data payload of get_account_info.
type accountView struct {
	Balance             float64           `json:"balance"`
	AvailableMargin     float64           `json:"availableMargin"`
	UsedMargin          float64           `json:"usedMargin"`
	TotalUnrealizedPnl  float64           `json:"totalUnrealizedPnl"`
	CurrentAccountValue float64           `json:"currentAccountValue"`
	TotalReturnPct      float64           `json:"totalReturnPct"`
	SharpeRatio         float64           `json:"sharpeRatio"`
	Positions           []broker.Position `json:"positions"`
}

func (b *Bridge) getAccountInfo(ctx context.Context, rawArgs string) toolResult {
	var params accountInfoParams
	if err := json.Unmarshal([]byte(rawArgs), &params); err != nil {
		return failure("invalid get_account_info arguments: %v", err)
	}

	if err := b.positions.ForceSync(ctx, params.Symbols...); err != nil {
		return failure("position sync failed: %v", err)
	}
	snapshot, err := b.broker.GetAccountInfo(ctx)
	if err != nil {
		return failure("account info unavailable: %v", err)
	}
	positions, err := b.positions.GetAllPositions(ctx)
	if err != nil {
		return failure("positions unavailable: %v", err)
	}

	totalPnl := 0.0
	for _, pos := range positions {
		totalPnl += pos.UnrealizedPnl
	}
	view := accountView{
		Balance:             snapshot.Balance,
		AvailableMargin:     snapshot.AvailableMargin,
		UsedMargin:          snapshot.UsedMargin,
		TotalUnrealizedPnl:  totalPnl,
		CurrentAccountValue: snapshot.AvailableMargin + snapshot.UsedMargin + totalPnl,
		SharpeRatio:         simplifiedSharpe(positions),
		Positions:           positions,
	}

	initial := params.InitialCapital
	if initial <= 0 {
		initial = b.initialCapital
	}
	if initial > 0 {
		view.TotalReturnPct = (view.CurrentAccountValue - initial) / initial * 100
	}
	return toolResult{Success: true, Data: view}
}

// simplifiedSharpe is mean over standard deviation of per-position
// margin-relative returns. Fewer than two positions, or zero variance,
// yield 0.
func simplifiedSharpe(positions []broker.Position) float64 {
	returns := make([]float64, 0, len(positions))
	for _, pos := range positions {
		margin := pos.MarginUsed()
		if margin <= 0 {
			continue
		}
		returns = append(returns, pos.UnrealizedPnl/margin)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}

func (b *Bridge) placeOrder(ctx context.Context, rawArgs string) (toolResult, *TradeRecord) {
	var params placeOrderParams
	if err := json.Unmarshal([]byte(rawArgs), &params); err != nil {
		return failure("invalid place_order arguments: %v", err), nil
	}
	if err := params.validate(); err != nil {
		return failure("%v", err), nil
	}

	switch params.Action {
	case actionOpenLong, actionOpenShort:
		return b.openPosition(ctx, params)
	default:
		return b.closePosition(ctx, params)
	}
}

func (b *Bridge) openPosition(ctx context.Context, params placeOrderParams) (toolResult, *TradeRecord) {
	symbol := broker.NormalizeSymbol(params.Symbol)

	if err := b.guard.ValidateOrder(symbol, params.Cost, params.Leverage); err != nil {
		var rej *risk.Rejection
		if errors.As(err, &rej) {
			return toolResult{Success: false, Rejected: true, Error: rej.Error()}, nil
		}
		return failure("%v", err), nil
	}

	ok, reason, err := b.positions.CanOpenPosition(ctx, symbol, b.maxPositions)
	if err != nil {
		return failure("admission check failed: %v", err), nil
	}
	if !ok {
		return failure("%s", reason), nil
	}

	side := broker.SideBuy
	if params.Action == actionOpenShort {
		side = broker.SideSell
	}
	result, err := b.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       broker.OrderTypeMarket,
		Cost:       params.Cost,
		Leverage:   params.Leverage,
		StopLoss:   params.StopLoss,
		TakeProfit: params.TakeProfit,
	})
	b.syncAfterOrder(ctx, symbol)
	if err != nil {
		return failure("order failed: %v", err), nil
	}

	trade := &TradeRecord{
		Symbol:     symbol,
		Operation:  params.Action,
		Leverage:   params.Leverage,
		Pricing:    params.Cost,
		StopLoss:   params.StopLoss,
		TakeProfit: params.TakeProfit,
	}
	if !result.Success {
		return toolResult{Success: false, Error: result.Error, Data: result}, trade
	}
	return toolResult{Success: true, Data: result}, trade
}

func (b *Bridge) closePosition(ctx context.Context, params placeOrderParams) (toolResult, *TradeRecord) {
	symbol := broker.NormalizeSymbol(params.Symbol)

	pos, err := b.positions.GetPosition(ctx, symbol)
	if err != nil {
		return failure("position lookup failed: %v", err), nil
	}
	wantSide := broker.PositionLong
	closeSide := broker.SideSell
	if params.Action == actionCloseShort {
		wantSide = broker.PositionShort
		closeSide = broker.SideBuy
	}
	if pos == nil || pos.Side != wantSide {
		return failure("No %s position open for %s", wantSide, symbol), nil
	}

	result, err := b.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:     symbol,
		Side:       closeSide,
		Type:       broker.OrderTypeMarket,
		Amount:     pos.Amount,
		ReduceOnly: true,
	})
	b.syncAfterOrder(ctx, symbol)
	if err != nil {
		return failure("close failed: %v", err), nil
	}

	trade := &TradeRecord{
		Symbol:    symbol,
		Operation: params.Action,
		Amount:    pos.Amount,
	}
	if !result.Success {
		return toolResult{Success: false, Error: result.Error, Data: result}, trade
	}
	return toolResult{Success: true, Data: result}, trade
}

// syncAfterOrder refreshes the cache so the next read in the same LLM
// turn observes post-trade state. Sync errors are logged, not surfaced;
// the order outcome is already decided.
func (b *Bridge) syncAfterOrder(ctx context.Context, symbol string) {
	if err := b.positions.ForceSync(ctx, symbol); err != nil {
		logx.WithContext(ctx).Errorf("agent: post-order sync for %s: %v", symbol, err)
	}
}

func (b *Bridge) runSearch(ctx context.Context, rawArgs string) toolResult {
	var params searchParams
	if err := json.Unmarshal([]byte(rawArgs), &params); err != nil {
		return failure("invalid search arguments: %v", err)
	}
	if err := params.validate(); err != nil {
		return failure("%v", err)
	}
	if b.search == nil || !b.search.Configured() {
		return failure("search provider is not configured")
	}

	resp, err := b.search.Search(ctx, params.Query)
	if err != nil {
		return failure("search failed: %v", err)
	}
	return toolResult{Success: true, Data: map[string]any{
		"query":   resp.Query,
		"results": search.FormatResults(resp),
	}}
}
