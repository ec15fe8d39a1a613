// Package position maintains a cached view of open positions so the agent
// can answer portfolio questions without hammering the venue.
package position

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/SnowingFox/open-nof1/pkg/broker"
)

const (
	// syncCooldown is the minimum interval between venue syncs. Reads
	// inside the window serve the cache.
	syncCooldown = 5 * time.Second

	// DefaultMaxPositions bounds how many symbols may hold positions at
	// once.
	DefaultMaxPositions = 5

	// DefaultMaxLossPercent is the unrealized loss ratio beyond which a
	// position is flagged for closing.
	DefaultMaxLossPercent = 0.05
)

// Manager caches positions keyed by normalized symbol. Safe for
// concurrent use.
type Manager struct {
	mu        sync.RWMutex
	brk       broker.Broker
	positions map[string]broker.Position
	lastSync  time.Time
	nowFn     func() time.Time
}

// NewManager builds a manager over the shared broker instance.
func NewManager(brk broker.Broker) *Manager {
	return &Manager{
		brk:       brk,
		positions: make(map[string]broker.Position),
		nowFn:     time.Now,
	}
}

// SyncPositions refreshes the cache from the venue unless a sync happened
// within the cooldown window. When symbols are given only those keys are
// evicted and refreshed; otherwise the whole cache is rebuilt.
func (m *Manager) SyncPositions(ctx context.Context, symbols ...string) error {
	m.mu.RLock()
	fresh := m.nowFn().Sub(m.lastSync) < syncCooldown
	m.mu.RUnlock()
	if fresh {
		return nil
	}
	return m.ForceSync(ctx, symbols...)
}

// ForceSync refreshes the cache regardless of cooldown. Called after
// every order so the cache reflects broker-side changes immediately.
func (m *Manager) ForceSync(ctx context.Context, symbols ...string) error {
	positions, err := m.brk.GetPositions(ctx, symbols...)
	if err != nil {
		logx.WithContext(ctx).Errorf("position: sync failed, keeping cached view: %v", err)
		return fmt.Errorf("position: sync: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(symbols) == 0 {
		m.positions = make(map[string]broker.Position, len(positions))
	} else {
		for _, sym := range symbols {
			delete(m.positions, broker.NormalizeSymbol(sym))
		}
	}
	for _, pos := range positions {
		if pos.Amount <= 0 {
			continue
		}
		m.positions[broker.NormalizeSymbol(pos.Symbol)] = pos
	}
	m.lastSync = m.nowFn()
	return nil
}

// GetPosition returns the cached position for a symbol, syncing first if
// the cache is stale. A flat symbol yields nil without error.
func (m *Manager) GetPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	if err := m.SyncPositions(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[broker.NormalizeSymbol(symbol)]
	if !ok {
		return nil, nil
	}
	copied := pos
	return &copied, nil
}

// GetAllPositions returns the cached positions, syncing first if stale.
func (m *Manager) GetAllPositions(ctx context.Context) ([]broker.Position, error) {
	if err := m.SyncPositions(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]broker.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, pos)
	}
	return out, nil
}

// HasPosition reports whether the symbol currently has open exposure.
func (m *Manager) HasPosition(ctx context.Context, symbol string) (bool, error) {
	pos, err := m.GetPosition(ctx, symbol)
	if err != nil {
		return false, err
	}
	return pos != nil, nil
}

// HasLongPosition reports whether the symbol holds a long position.
func (m *Manager) HasLongPosition(ctx context.Context, symbol string) (bool, error) {
	pos, err := m.GetPosition(ctx, symbol)
	if err != nil {
		return false, err
	}
	return pos != nil && pos.Side == broker.PositionLong, nil
}

// HasShortPosition reports whether the symbol holds a short position.
func (m *Manager) HasShortPosition(ctx context.Context, symbol string) (bool, error) {
	pos, err := m.GetPosition(ctx, symbol)
	if err != nil {
		return false, err
	}
	return pos != nil && pos.Side == broker.PositionShort, nil
}

// PositionCount returns how many symbols currently hold positions.
func (m *Manager) PositionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// TotalUnrealizedPnL sums unrealized PnL across cached positions.
func (m *Manager) TotalUnrealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	for _, pos := range m.positions {
		total += pos.UnrealizedPnl
	}
	return total
}

// TotalMarginUsed sums margin consumption across cached positions.
func (m *Manager) TotalMarginUsed() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	for _, pos := range m.positions {
		total += pos.MarginUsed()
	}
	return total
}

// CanOpenPosition admits a new position when the symbol is flat and the
// portfolio has room under maxPositions. A non-positive maxPositions
// falls back to DefaultMaxPositions.
func (m *Manager) CanOpenPosition(ctx context.Context, symbol string, maxPositions int) (bool, string, error) {
	if maxPositions <= 0 {
		maxPositions = DefaultMaxPositions
	}
	if err := m.SyncPositions(ctx); err != nil {
		return false, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	normalized := broker.NormalizeSymbol(symbol)
	if _, open := m.positions[normalized]; open {
		return false, fmt.Sprintf("position already open for %s", normalized), nil
	}
	if len(m.positions) >= maxPositions {
		return false, fmt.Sprintf("position limit reached (%d/%d)", len(m.positions), maxPositions), nil
	}
	return true, "", nil
}

// ShouldClosePosition flags a position whose unrealized loss exceeds
// maxLossPercent of its entry notional. A non-positive threshold falls
// back to DefaultMaxLossPercent.
func (m *Manager) ShouldClosePosition(ctx context.Context, symbol string, maxLossPercent float64) (bool, error) {
	if maxLossPercent <= 0 {
		maxLossPercent = DefaultMaxLossPercent
	}
	pos, err := m.GetPosition(ctx, symbol)
	if err != nil {
		return false, err
	}
	if pos == nil || pos.UnrealizedPnl >= 0 {
		return false, nil
	}
	notional := pos.Amount * pos.EntryPrice
	if notional <= 0 {
		return false, nil
	}
	return math.Abs(pos.UnrealizedPnl)/notional > maxLossPercent, nil
}
