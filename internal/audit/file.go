package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/SnowingFox/open-nof1/pkg/agent"
)

const defaultLogRoot = "logs"

// FileSink writes each session as one JSON file under a per-day directory,
// logs/trade-2006-01-02/<symbol>-<startMs>.json.
type FileSink struct {
	root  string
	nowFn func() time.Time
}

// FileOption customises a FileSink.
type FileOption func(*FileSink)

// WithFileClock overrides the clock used for the per-day directory name.
func WithFileClock(nowFn func() time.Time) FileOption {
	return func(s *FileSink) { s.nowFn = nowFn }
}

// NewFileSink constructs a file sink rooted at dir (default "logs").
func NewFileSink(dir string, opts ...FileOption) *FileSink {
	if dir == "" {
		dir = defaultLogRoot
	}
	s := &FileSink{root: dir, nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append serialises the session and writes it to the day directory. The
// day and the filename stamp both derive from the session start, so a
// session crossing midnight stays with its own epoch.
func (s *FileSink) Append(ctx context.Context, session *agent.TradingSession) error {
	day := session.StartTime
	if day.IsZero() {
		day = s.nowFn()
	}
	dir := filepath.Join(s.root, "trade-"+day.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("audit: create %s: %w", dir, err)
	}

	name := fmt.Sprintf("%s-%d.json",
		strings.ReplaceAll(session.Symbol, "/", "-"),
		session.StartTime.UnixMilli())
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: marshal session %s: %w", session.ID, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("audit: write %s: %w", path, err)
	}
	return nil
}
