package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/SnowingFox/open-nof1/pkg/agent"
	"github.com/SnowingFox/open-nof1/pkg/broker"
)

// execer is the slice of sqlx.SqlConn the sink needs. Keeping it narrow
// lets tests substitute a recording fake.
type execer interface {
	ExecCtx(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// auditSymbols is the closed set accepted by the trades table. Adding a
// ticker requires a schema migration.
var auditSymbols = map[string]struct{}{
	"BTC": {}, "ETH": {}, "BNB": {}, "SOL": {}, "DOGE": {},
}

// DBSink appends sessions to Postgres: one reasoning_sessions row per
// session plus one trades row per trade record.
type DBSink struct {
	conn execer
}

// NewDBSink wraps an open connection. The caller owns the connection.
func NewDBSink(conn execer) *DBSink {
	return &DBSink{conn: conn}
}

const insertSessionQuery = `
INSERT INTO public.reasoning_sessions
    (id, symbol, start_time, end_time, prompt, reasoning, tool_calls, success, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const insertTradeQuery = `
INSERT INTO public.reasoning_trades
    (session_id, symbol, operation, leverage, amount, pricing, stop_loss, take_profit)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Append writes the parent session row and its trade rows. Trades whose
// symbol falls outside the audit enum are skipped with a warning; the
// file log still carries them in full.
func (s *DBSink) Append(ctx context.Context, session *agent.TradingSession) error {
	toolCalls, err := json.Marshal(session.ToolCalls)
	if err != nil {
		return fmt.Errorf("audit: marshal tool calls for session %s: %w", session.ID, err)
	}

	_, err = s.conn.ExecCtx(ctx, insertSessionQuery,
		session.ID, session.Symbol, session.StartTime, session.EndTime,
		session.Prompt, session.Reasoning, string(toolCalls),
		session.Success, session.Error)
	if err != nil {
		return fmt.Errorf("audit: insert session %s: %w", session.ID, err)
	}

	for _, trade := range session.Trades {
		symbol, ok := auditSymbol(trade.Symbol)
		if !ok {
			logx.WithContext(ctx).Slowf("audit: symbol %s not in audit enum, skipping trade row for session %s",
				trade.Symbol, session.ID)
			continue
		}
		_, err = s.conn.ExecCtx(ctx, insertTradeQuery,
			session.ID, symbol, NormalizeOperation(trade.Operation),
			trade.Leverage, trade.Amount, trade.Pricing,
			trade.StopLoss, trade.TakeProfit)
		if err != nil {
			return fmt.Errorf("audit: insert trade for session %s: %w", session.ID, err)
		}
	}
	return nil
}

// auditSymbol maps a market symbol onto the trades enum.
func auditSymbol(symbol string) (string, bool) {
	coin := strings.ToUpper(broker.BaseCoin(symbol))
	_, ok := auditSymbols[coin]
	return coin, ok
}

// NormalizeOperation folds a raw tool action onto {Buy, Sell, Hold}.
func NormalizeOperation(operation string) string {
	op := strings.ToLower(operation)
	switch {
	case strings.Contains(op, "buy"), strings.Contains(op, "long"):
		return "Buy"
	case strings.Contains(op, "sell"), strings.Contains(op, "short"):
		return "Sell"
	default:
		return "Hold"
	}
}
