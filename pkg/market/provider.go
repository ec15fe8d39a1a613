// Package market provides read-only market data for prompt building.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SnowingFox/open-nof1/pkg/broker"
)

const (
	defaultTickerURL      = "https://fapi.binance.com/fapi/v1/ticker/24hr"
	defaultRequestTimeout = 8 * time.Second
)

// Snapshot is the per-symbol market context the agent reasons over.
type Snapshot struct {
	Symbol        string  `json:"symbol"`
	LastPrice     float64 `json:"lastPrice"`
	Change24hPct  float64 `json:"change24hPct"`
	High24h       float64 `json:"high24h"`
	Low24h        float64 `json:"low24h"`
	QuoteVolume   float64 `json:"quoteVolume"`
	RetrievedAtMs int64   `json:"retrievedAtMs"`
}

// Provider describes a market data source.
type Provider interface {
	Get(ctx context.Context, symbol string) (*Snapshot, error)
}

// RestProvider fetches 24h ticker statistics from the venue public API.
type RestProvider struct {
	url        string
	httpClient *http.Client
	nowFn      func() time.Time
}

// ProviderOption customises the REST provider.
type ProviderOption func(*RestProvider)

// WithHTTPClient injects a custom HTTP client.
func WithHTTPClient(hc *http.Client) ProviderOption {
	return func(p *RestProvider) {
		if hc != nil {
			p.httpClient = hc
		}
	}
}

// WithTickerURL points the provider at a different ticker endpoint.
func WithTickerURL(url string) ProviderOption {
	return func(p *RestProvider) {
		if url != "" {
			p.url = url
		}
	}
}

// NewRestProvider constructs the default provider.
func NewRestProvider(opts ...ProviderOption) *RestProvider {
	p := &RestProvider{
		url:        defaultTickerURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		nowFn:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func flatSymbol(symbol string) string {
	s := broker.NormalizeSymbol(symbol)
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return strings.ReplaceAll(s, "/", "")
}

// Get fetches the 24h snapshot for one symbol.
func (p *RestProvider) Get(ctx context.Context, symbol string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"?symbol="+flatSymbol(symbol), nil)
	if err != nil {
		return nil, fmt.Errorf("market: build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("market: fetch ticker: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("market: read ticker: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("market: ticker returned http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var payload struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		PriceChangePercent string `json:"priceChangePercent"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		QuoteVolume        string `json:"quoteVolume"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("market: decode ticker: %w", err)
	}

	last := broker.ParseDecimal(payload.LastPrice)
	if last <= 0 {
		return nil, fmt.Errorf("market: ticker for %s has no last price", symbol)
	}
	return &Snapshot{
		Symbol:        broker.NormalizeSymbol(symbol),
		LastPrice:     last,
		Change24hPct:  broker.ParseDecimal(payload.PriceChangePercent),
		High24h:       broker.ParseDecimal(payload.HighPrice),
		Low24h:        broker.ParseDecimal(payload.LowPrice),
		QuoteVolume:   broker.ParseDecimal(payload.QuoteVolume),
		RetrievedAtMs: p.nowFn().UnixMilli(),
	}, nil
}

// Format renders the snapshot as prompt-friendly text.
func (s *Snapshot) Format() string {
	return fmt.Sprintf("%s last=%s change24h=%.2f%% high=%s low=%s quoteVolume=%s",
		s.Symbol,
		broker.FormatDecimal(s.LastPrice),
		s.Change24hPct,
		broker.FormatDecimal(s.High24h),
		broker.FormatDecimal(s.Low24h),
		broker.FormatDecimal(s.QuoteVolume),
	)
}
