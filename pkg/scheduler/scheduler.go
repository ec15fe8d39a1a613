// Package scheduler drives trading cycles on a fixed interval with an
// immediate first run and graceful shutdown.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// CycleFunc executes one trading cycle.
type CycleFunc func(ctx context.Context) error

// Scheduler runs cycles on a single driver timer. Cycle errors and panics
// are logged and never cancel the timer.
type Scheduler struct {
	interval time.Duration
	jitter   time.Duration
	rng      *rand.Rand
	sleepFn  func(ctx context.Context, d time.Duration)

	mu        sync.Mutex
	isRunning bool
	runCount  int
	cancel    context.CancelFunc
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithJitter delays each timed cycle by a random duration in [0, max),
// spreading venue and model load when several agents share an interval.
// The immediate first cycle is never delayed.
func WithJitter(max time.Duration) Option {
	return func(s *Scheduler) { s.jitter = max }
}

// WithRandSource pins the jitter source, for tests.
func WithRandSource(src rand.Source) Option {
	return func(s *Scheduler) { s.rng = rand.New(src) }
}

// New constructs a scheduler for the given interval.
func New(interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		interval: interval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleepFn:  sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunCount reports how many cycles have started.
func (s *Scheduler) RunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCount
}

// IsRunning reports whether the scheduler loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// Start blocks, running one cycle immediately and then one per interval,
// until ctx is cancelled or Stop is called. Calling Start while running
// logs a warning and returns immediately.
func (s *Scheduler) Start(ctx context.Context, run CycleFunc) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		logx.WithContext(ctx).Slow("scheduler: already running, ignoring start")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.isRunning = true
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.isRunning = false
		s.cancel = nil
		total := s.runCount
		s.mu.Unlock()
		logx.WithContext(ctx).Infof("scheduler: stopped after %d cycles", total)
	}()

	logx.WithContext(ctx).Infof("scheduler: starting, interval=%s jitter=%s", s.interval, s.jitter)
	s.cycle(loopCtx, run)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			if d := s.jitterDelay(); d > 0 {
				s.sleepFn(loopCtx, d)
			}
			s.cycle(loopCtx, run)
		}
	}
}

// Stop cancels the running loop. Safe to call when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RunOnce executes exactly one cycle without installing the timer.
func (s *Scheduler) RunOnce(ctx context.Context, run CycleFunc) {
	s.cycle(ctx, run)
}

func (s *Scheduler) jitterDelay() time.Duration {
	if s.jitter <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rng.Int63n(int64(s.jitter)))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *Scheduler) cycle(ctx context.Context, run CycleFunc) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	s.runCount++
	count := s.runCount
	s.mu.Unlock()

	logx.WithContext(ctx).Infof("scheduler: cycle %d starting at %s", count, time.Now().Format(time.RFC3339))

	defer func() {
		if r := recover(); r != nil {
			logx.WithContext(ctx).Errorf("scheduler: cycle %d panicked: %v", count, r)
		}
	}()
	if err := run(ctx); err != nil {
		logx.WithContext(ctx).Errorf("scheduler: cycle %d failed: %v", count, err)
	}
}
