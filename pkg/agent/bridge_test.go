package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SnowingFox/open-nof1/pkg/broker"
	"github.com/SnowingFox/open-nof1/pkg/broker/sim"
	"github.com/SnowingFox/open-nof1/pkg/llm"
	"github.com/SnowingFox/open-nof1/pkg/market"
	"github.com/SnowingFox/open-nof1/pkg/position"
	"github.com/SnowingFox/open-nof1/pkg/risk"
)

type stubMarket struct {
	err error
}

func (s *stubMarket) Get(ctx context.Context, symbol string) (*market.Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &market.Snapshot{
		Symbol: broker.NormalizeSymbol(symbol), LastPrice: 100000,
		Change24hPct: 1.5, High24h: 101000, Low24h: 99000,
	}, nil
}

func testBridge(t *testing.T) (*Bridge, *sim.Broker, *position.Manager) {
	t.Helper()
	simBroker := sim.New(
		sim.WithInitialBalance(10000),
		sim.WithLatency(func() {}),
		sim.WithRandSource(rand.NewSource(7)),
	)
	require.NoError(t, simBroker.SetMarkPrice("BTC", 100000))
	require.NoError(t, simBroker.SetMarkPrice("ETH", 3800))

	manager := position.NewManager(simBroker)
	guard := risk.NewGuard(risk.Config{
		Whitelist:       []string{"BTC/USDT", "ETH/USDT"},
		MaxLeverage:     10,
		MaxCostPerTrade: 1000,
	})
	bridge := NewBridge(BridgeConfig{
		Broker:         simBroker,
		Positions:      manager,
		Guard:          guard,
		Market:         &stubMarket{},
		MaxPositions:   5,
		InitialCapital: 10000,
	})
	return bridge, simBroker, manager
}

func dispatch(t *testing.T, b *Bridge, name, args string) (toolResult, *TradeRecord) {
	t.Helper()
	raw, trade := b.Dispatch(context.Background(), llm.ToolCall{ID: "call-1", Name: name, Arguments: args})
	var result toolResult
	require.NoError(t, json.Unmarshal([]byte(raw), &result))
	return result, trade
}

func TestOpenLongSuccess(t *testing.T) {
	bridge, _, manager := testBridge(t)

	result, trade := dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"BTC/USDT","action":"open_long","cost":100,"leverage":5,"stopLoss":95000}`)
	require.True(t, result.Success, result.Error)
	require.NotNil(t, trade)
	assert.Equal(t, "open_long", trade.Operation)
	assert.Equal(t, 5, trade.Leverage)
	assert.Equal(t, 95000.0, trade.StopLoss)

	// The post-order force sync makes the cache observable immediately.
	pos, err := manager.GetPosition(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, broker.PositionLong, pos.Side)
	assert.Equal(t, 5, pos.Leverage)
	// amount ~= cost*leverage/price = 500/100000
	assert.InDelta(t, 0.005, pos.Amount, 0.0001)
}

func TestOpenRejectedByRiskGuard(t *testing.T) {
	bridge, simBroker, _ := testBridge(t)

	result, trade := dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"DOGE/USDT","action":"open_long","cost":10,"leverage":2}`)
	assert.False(t, result.Success)
	assert.True(t, result.Rejected, "whitelist misses are rejections, not failures")
	assert.Contains(t, result.Error, "not tradeable")
	assert.Nil(t, trade, "rejected orders leave no trade record")

	positions, err := simBroker.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions, "rejected inputs cannot produce a broker call")
}

func TestCloseLongWithoutPosition(t *testing.T) {
	bridge, simBroker, _ := testBridge(t)

	result, trade := dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"ETH/USDT","action":"close_long"}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "No long position")
	assert.Nil(t, trade)

	st := simBroker.State()
	assert.Empty(t, st.Positions)
}

func TestCloseLongRoundTrip(t *testing.T) {
	bridge, _, manager := testBridge(t)

	result, _ := dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"ETH/USDT","action":"open_long","cost":200,"leverage":4,"stopLoss":3500}`)
	require.True(t, result.Success, result.Error)

	result, trade := dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"ETH/USDT","action":"close_long"}`)
	require.True(t, result.Success, result.Error)
	require.NotNil(t, trade)
	assert.Equal(t, "close_long", trade.Operation)
	assert.Greater(t, trade.Amount, 0.0)

	pos, err := manager.GetPosition(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Nil(t, pos, "cache matches the broker after the close")
}

func TestCloseWrongSideRejected(t *testing.T) {
	bridge, _, _ := testBridge(t)

	result, _ := dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"BTC/USDT","action":"open_short","cost":100,"leverage":2,"stopLoss":105000}`)
	require.True(t, result.Success, result.Error)

	result, trade := dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"BTC/USDT","action":"close_long"}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "No long position")
	assert.Nil(t, trade)
}

func TestPositionLimitEnforced(t *testing.T) {
	bridge, _, _ := testBridge(t)
	bridge.maxPositions = 1

	result, _ := dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"BTC/USDT","action":"open_long","cost":100,"leverage":2,"stopLoss":95000}`)
	require.True(t, result.Success, result.Error)

	result, _ = dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"ETH/USDT","action":"open_long","cost":100,"leverage":2,"stopLoss":3500}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "position limit reached")
}

func TestDuplicateOpenDenied(t *testing.T) {
	bridge, _, _ := testBridge(t)

	result, _ := dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"BTC/USDT","action":"open_long","cost":100,"leverage":2,"stopLoss":95000}`)
	require.True(t, result.Success, result.Error)

	result, _ = dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"BTC/USDT","action":"open_long","cost":100,"leverage":2,"stopLoss":95000}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "already open")
}

func TestPlaceOrderParamValidation(t *testing.T) {
	bridge, _, _ := testBridge(t)

	result, _ := dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"BTC/USDT","action":"open_long"}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "requires positive cost and leverage")

	result, _ = dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"BTC/USDT","action":"close_long","stopLoss":95000}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "must not carry protective prices")

	result, _ = dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"BTC/USDT","action":"sideways"}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown action")
}

func TestGetMarketData(t *testing.T) {
	bridge, _, _ := testBridge(t)

	result, _ := dispatch(t, bridge, toolGetMarketData, `{"symbol":"BTC"}`)
	require.True(t, result.Success, result.Error)

	data, ok := result.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "BTC/USDT", data["symbol"])
	assert.Contains(t, data["snapshot"], "last=")
}

func TestGetMarketDataUnavailable(t *testing.T) {
	bridge, _, _ := testBridge(t)
	bridge.market = &stubMarket{err: fmt.Errorf("feed down")}

	result, _ := dispatch(t, bridge, toolGetMarketData, `{"symbol":"BTC"}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "market data unavailable")
}

func TestGetAccountInfo(t *testing.T) {
	bridge, _, _ := testBridge(t)

	result, _ := dispatch(t, bridge, toolPlaceOrder,
		`{"symbol":"BTC/USDT","action":"open_long","cost":100,"leverage":5,"stopLoss":95000}`)
	require.True(t, result.Success, result.Error)

	result, _ = dispatch(t, bridge, toolGetAccountInfo, `{"symbols":["BTC/USDT"]}`)
	require.True(t, result.Success, result.Error)

	raw, err := json.Marshal(result.Data)
	require.NoError(t, err)
	var view accountView
	require.NoError(t, json.Unmarshal(raw, &view))

	assert.Len(t, view.Positions, 1)
	assert.Greater(t, view.CurrentAccountValue, 0.0)
	assert.InDelta(t, view.AvailableMargin+view.UsedMargin+view.TotalUnrealizedPnl,
		view.CurrentAccountValue, 1e-6)
}

func TestSearchUnconfigured(t *testing.T) {
	bridge, _, _ := testBridge(t)

	result, _ := dispatch(t, bridge, toolSearch, `{"query":"bitcoin news"}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not configured")
}

func TestUnknownTool(t *testing.T) {
	bridge, _, _ := testBridge(t)

	result, _ := dispatch(t, bridge, "transfer_funds", `{}`)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown tool")
}

func TestSimplifiedSharpe(t *testing.T) {
	assert.Zero(t, simplifiedSharpe(nil))
	assert.Zero(t, simplifiedSharpe([]broker.Position{
		{Amount: 1, EntryPrice: 100, Leverage: 2, UnrealizedPnl: 10},
	}), "a single position has no spread to normalize against")

	// Two positions with equal returns: zero variance, Sharpe 0.
	equal := []broker.Position{
		{Amount: 1, EntryPrice: 100, Leverage: 1, UnrealizedPnl: 10},
		{Amount: 2, EntryPrice: 100, Leverage: 1, UnrealizedPnl: 20},
	}
	assert.Zero(t, simplifiedSharpe(equal))

	mixed := []broker.Position{
		{Amount: 1, EntryPrice: 100, Leverage: 1, UnrealizedPnl: 30},
		{Amount: 1, EntryPrice: 100, Leverage: 1, UnrealizedPnl: 10},
	}
	assert.InDelta(t, 2.0, simplifiedSharpe(mixed), 1e-9, "mean 0.2 over stddev 0.1")
}
