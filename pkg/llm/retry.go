package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/openai/openai-go"
)

const (
	baseBackoff   = 500 * time.Millisecond
	backoffCeil   = 8 * time.Second
	backoffGrowth = 2.0
)

// RetryConfig tunes the backoff schedule for chat completions.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// RetryHandler reruns transient completion failures on an exponential
// schedule. Auth and validation errors fail immediately.
type RetryHandler struct {
	cfg RetryConfig
}

func NewRetryHandler(cfg RetryConfig) *RetryHandler {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = baseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = backoffCeil
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = backoffGrowth
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &RetryHandler{cfg: cfg}
}

// Do runs fn up to 1+MaxRetries times, sleeping between attempts and
// doubling the delay up to MaxBackoff. Context cancellation wins over
// any pending sleep.
func (r *RetryHandler) Do(ctx context.Context, fn func() error) error {
	delay := r.cfg.InitialBackoff

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.cfg.MaxRetries || !retryable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * r.cfg.Multiplier)
		if delay > r.cfg.MaxBackoff {
			delay = r.cfg.MaxBackoff
		}
	}
}

// retryable reports whether err is worth another attempt.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Dial and reset failures carry no status; assume transient.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
