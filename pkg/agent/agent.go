// Package agent runs the per-symbol LLM reasoning loop and bridges tool
// calls to the trading subsystems.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/SnowingFox/open-nof1/pkg/llm"
	"github.com/SnowingFox/open-nof1/pkg/risk"
)

const (
	// maxSteps caps LLM tool-invocation rounds per symbol.
	maxSteps = 15

	// interSymbolPause spaces out consecutive symbols within a cycle.
	interSymbolPause = time.Second
)

// ChatCompleter is the LLM surface the agent depends on.
type ChatCompleter interface {
	Chat(ctx context.Context, dialog *llm.Dialog, tools []llm.Tool) (*llm.Completion, error)
}

// Recorder persists finished sessions. Implementations must not let
// persistence failures propagate.
type Recorder interface {
	Record(ctx context.Context, session *TradingSession)
}

// Agent coordinates one reasoning session per symbol per cycle.
type Agent struct {
	llm    ChatCompleter
	bridge *Bridge
	guard  *risk.Guard
	audit  Recorder

	maxPositions int
	nowFn        func() time.Time
	pauseFn      func(context.Context, time.Duration)
}

// Option customises the agent.
type Option func(*Agent)

// WithClock overrides the time source.
func WithClock(nowFn func() time.Time) Option {
	return func(a *Agent) {
		if nowFn != nil {
			a.nowFn = nowFn
		}
	}
}

// WithPause overrides the inter-symbol pause. Tests pass a no-op.
func WithPause(fn func(context.Context, time.Duration)) Option {
	return func(a *Agent) {
		if fn != nil {
			a.pauseFn = fn
		}
	}
}

// New wires the agent.
func New(chat ChatCompleter, bridge *Bridge, guard *risk.Guard, audit Recorder, opts ...Option) *Agent {
	a := &Agent{
		llm:          chat,
		bridge:       bridge,
		guard:        guard,
		audit:        audit,
		maxPositions: bridge.maxPositions,
		nowFn:        time.Now,
		pauseFn: func(ctx context.Context, d time.Duration) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run processes each symbol in order with a pause between them. A failed
// symbol never blocks the rest of the cycle.
func (a *Agent) Run(ctx context.Context, symbols []string) error {
	for i, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			a.pauseFn(ctx, interSymbolPause)
		}
		session := a.ProcessSymbol(ctx, symbol)
		if !session.Success {
			logx.WithContext(ctx).Errorf("agent: session for %s failed: %s", symbol, session.Error)
		}
	}
	return nil
}

// ProcessSymbol runs the LLM step loop for one symbol and persists the
// session win or lose.
func (a *Agent) ProcessSymbol(ctx context.Context, symbol string) *TradingSession {
	session := newSession(symbol, a.nowFn())
	session.Prompt = userPrompt(symbol)
	defer func() {
		session.EndTime = a.nowFn()
		if a.audit != nil {
			a.audit.Record(ctx, session)
		}
	}()

	dialog := llm.NewDialog(systemPrompt(a.guard, a.maxPositions), session.Prompt)
	tools := toolDefinitions()

	for step := 1; step <= maxSteps; step++ {
		completion, err := a.llm.Chat(ctx, dialog, tools)
		if err != nil {
			session.Error = fmt.Sprintf("llm step %d: %v", step, err)
			return session
		}

		if len(completion.ToolCalls) == 0 {
			session.Reasoning = completion.Content
			session.Success = true
			return session
		}

		dialog.AddAssistant(completion)
		if completion.Content != "" {
			session.Reasoning = completion.Content
		}
		for _, call := range completion.ToolCalls {
			result, trade := a.bridge.Dispatch(ctx, call)
			session.ToolCalls = append(session.ToolCalls, ToolInvocation{
				Step:      step,
				Name:      call.Name,
				Arguments: json.RawMessage(call.Arguments),
				Result:    json.RawMessage(result),
			})
			if trade != nil {
				session.Trades = append(session.Trades, *trade)
			}
			dialog.AddToolResult(call.ID, result)
		}
	}

	session.Error = fmt.Sprintf("step limit reached (%d) without a final answer", maxSteps)
	return session
}
