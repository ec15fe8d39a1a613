// Package audit persists trading sessions to append-only targets. Write
// failures are logged and never reach the trading path.
package audit

import (
	"context"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/SnowingFox/open-nof1/pkg/agent"
)

// Sink appends one session record to a single target.
type Sink interface {
	Append(ctx context.Context, session *agent.TradingSession) error
}

// Recorder fans a session out to every configured sink. It satisfies
// agent.Recorder.
type Recorder struct {
	sinks []Sink
}

// NewRecorder builds a fan-out recorder over the given sinks. Nil sinks
// are skipped so callers can pass optional targets unconditionally.
func NewRecorder(sinks ...Sink) *Recorder {
	r := &Recorder{}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// Record appends the session to each sink independently. Each target is
// attempted even when an earlier one fails.
func (r *Recorder) Record(ctx context.Context, session *agent.TradingSession) {
	if session == nil {
		return
	}
	for _, sink := range r.sinks {
		if err := sink.Append(ctx, session); err != nil {
			logx.WithContext(ctx).Errorf("audit: append failed for session %s: %v", session.ID, err)
		}
	}
}

var _ agent.Recorder = (*Recorder)(nil)
