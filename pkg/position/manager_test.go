package position

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SnowingFox/open-nof1/pkg/broker"
)

// stubBroker serves a canned position list and counts fetches.
type stubBroker struct {
	positions []broker.Position
	err       error
	fetches   int
}

func (s *stubBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	return &broker.OrderResult{Success: true}, nil
}

func (s *stubBroker) GetPositions(ctx context.Context, symbols ...string) ([]broker.Position, error) {
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	if len(symbols) == 0 {
		return s.positions, nil
	}
	want := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		want[broker.NormalizeSymbol(sym)] = struct{}{}
	}
	out := []broker.Position{}
	for _, pos := range s.positions {
		if _, ok := want[pos.Symbol]; ok {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (s *stubBroker) GetAccountInfo(ctx context.Context) (*broker.AccountSnapshot, error) {
	return &broker.AccountSnapshot{}, nil
}

func (s *stubBroker) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (s *stubBroker) SetMarginMode(ctx context.Context, symbol string, mode broker.MarginMode) error {
	return nil
}

func newTestManager(stub *stubBroker) (*Manager, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(stub)
	m.nowFn = func() time.Time { return now }
	return m, &now
}

func btcPosition() broker.Position {
	return broker.Position{
		Symbol: "BTC/USDT", Side: broker.PositionLong, Amount: 0.5,
		EntryPrice: 100000, MarkPrice: 101000, UnrealizedPnl: 500, Leverage: 5,
	}
}

func ethShort() broker.Position {
	return broker.Position{
		Symbol: "ETH/USDT", Side: broker.PositionShort, Amount: 2,
		EntryPrice: 3800, MarkPrice: 3900, UnrealizedPnl: -200, Leverage: 4,
	}
}

func TestSyncCooldownThrottlesFetches(t *testing.T) {
	stub := &stubBroker{positions: []broker.Position{btcPosition()}}
	m, now := newTestManager(stub)
	ctx := context.Background()

	require.NoError(t, m.SyncPositions(ctx))
	require.NoError(t, m.SyncPositions(ctx))
	_, err := m.GetPosition(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 1, stub.fetches, "reads inside the cooldown window serve the cache")

	*now = now.Add(5 * time.Second)
	require.NoError(t, m.SyncPositions(ctx))
	assert.Equal(t, 2, stub.fetches, "cooldown expiry triggers a real fetch")
}

func TestForceSyncBypassesCooldown(t *testing.T) {
	stub := &stubBroker{}
	m, _ := newTestManager(stub)
	ctx := context.Background()

	require.NoError(t, m.SyncPositions(ctx))
	require.NoError(t, m.ForceSync(ctx))
	require.NoError(t, m.ForceSync(ctx))
	assert.Equal(t, 3, stub.fetches)
}

func TestForceSyncPartialEviction(t *testing.T) {
	stub := &stubBroker{positions: []broker.Position{btcPosition(), ethShort()}}
	m, _ := newTestManager(stub)
	ctx := context.Background()

	require.NoError(t, m.ForceSync(ctx))
	require.Equal(t, 2, m.PositionCount())

	// BTC closed on the venue; a scoped sync must evict only BTC.
	stub.positions = []broker.Position{ethShort()}
	require.NoError(t, m.ForceSync(ctx, "BTC"))

	has, err := m.HasPosition(ctx, "BTC")
	require.NoError(t, err)
	assert.False(t, has)

	has, err = m.HasPosition(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, has, "symbols outside the scoped sync keep their cached entry")
}

func TestGetPositionNormalizesSymbol(t *testing.T) {
	stub := &stubBroker{positions: []broker.Position{btcPosition()}}
	m, _ := newTestManager(stub)
	ctx := context.Background()

	pos, err := m.GetPosition(ctx, "btc")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, "BTC/USDT", pos.Symbol)

	missing, err := m.GetPosition(ctx, "SOL")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSideQueries(t *testing.T) {
	stub := &stubBroker{positions: []broker.Position{btcPosition(), ethShort()}}
	m, _ := newTestManager(stub)
	ctx := context.Background()

	long, err := m.HasLongPosition(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, long)

	long, err = m.HasLongPosition(ctx, "ETH")
	require.NoError(t, err)
	assert.False(t, long)

	short, err := m.HasShortPosition(ctx, "ETH")
	require.NoError(t, err)
	assert.True(t, short)
}

func TestAggregates(t *testing.T) {
	stub := &stubBroker{positions: []broker.Position{btcPosition(), ethShort()}}
	m, _ := newTestManager(stub)

	require.NoError(t, m.ForceSync(context.Background()))
	assert.Equal(t, 2, m.PositionCount())
	assert.InDelta(t, 300, m.TotalUnrealizedPnL(), 1e-9)
	// BTC margin 0.5*100000/5 = 10000, ETH margin 2*3800/4 = 1900.
	assert.InDelta(t, 11900, m.TotalMarginUsed(), 1e-9)
}

func TestSyncFailureKeepsCache(t *testing.T) {
	stub := &stubBroker{positions: []broker.Position{btcPosition()}}
	m, now := newTestManager(stub)
	ctx := context.Background()

	require.NoError(t, m.ForceSync(ctx))

	stub.err = fmt.Errorf("venue down")
	*now = now.Add(10 * time.Second)
	err := m.SyncPositions(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, m.PositionCount(), "the cache still holds the last good view")
}

func TestCanOpenPosition(t *testing.T) {
	stub := &stubBroker{positions: []broker.Position{btcPosition(), ethShort()}}
	m, _ := newTestManager(stub)
	ctx := context.Background()

	ok, reason, err := m.CanOpenPosition(ctx, "BTC", 5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "already open")

	ok, reason, err = m.CanOpenPosition(ctx, "SOL", 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "position limit reached (2/2)")

	ok, reason, err = m.CanOpenPosition(ctx, "SOL", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestShouldClosePosition(t *testing.T) {
	losing := broker.Position{
		Symbol: "SOL/USDT", Side: broker.PositionLong, Amount: 10,
		EntryPrice: 180, UnrealizedPnl: -100, // loss ratio 100/1800 ~ 5.6%
	}
	stub := &stubBroker{positions: []broker.Position{btcPosition(), losing}}
	m, _ := newTestManager(stub)
	ctx := context.Background()

	should, err := m.ShouldClosePosition(ctx, "SOL", 0.05)
	require.NoError(t, err)
	assert.True(t, should)

	should, err = m.ShouldClosePosition(ctx, "SOL", 0.10)
	require.NoError(t, err)
	assert.False(t, should, "loss under the threshold is tolerated")

	should, err = m.ShouldClosePosition(ctx, "BTC", 0.05)
	require.NoError(t, err)
	assert.False(t, should, "profitable positions are never flagged")

	should, err = m.ShouldClosePosition(ctx, "DOGE", 0.05)
	require.NoError(t, err)
	assert.False(t, should)
}

func TestZeroAmountPositionsDropped(t *testing.T) {
	stub := &stubBroker{positions: []broker.Position{
		{Symbol: "BTC/USDT", Side: broker.PositionLong, Amount: 0},
	}}
	m, _ := newTestManager(stub)

	require.NoError(t, m.ForceSync(context.Background()))
	has, err := m.HasPosition(context.Background(), "BTC")
	require.NoError(t, err)
	assert.False(t, has)
}
