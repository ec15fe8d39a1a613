// Package search wraps a web search provider so the agent can pull in
// recent news and sentiment while reasoning about a symbol.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultEndpoint   = "https://api.tavily.com/search"
	defaultTimeout    = 15 * time.Second
	defaultMaxResults = 5
)

// ErrNotConfigured signals that no API key is available. Callers treat
// search as an optional capability and degrade gracefully.
var ErrNotConfigured = errors.New("search: no api key configured")

// Result is one search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Response is the full answer to one query.
type Response struct {
	Query   string   `json:"query"`
	Answer  string   `json:"answer,omitempty"`
	Results []Result `json:"results"`
}

// Client queries the search provider.
type Client struct {
	endpoint   string
	apiKey     string
	maxResults int
	httpClient *http.Client
}

// Option customises the search client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithEndpoint overrides the search endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithMaxResults bounds the number of hits per query.
func WithMaxResults(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResults = n
		}
	}
}

// New builds a client for the given API key. An empty key yields a client
// whose Search always returns ErrNotConfigured.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		endpoint:   defaultEndpoint,
		apiKey:     strings.TrimSpace(apiKey),
		maxResults: defaultMaxResults,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromEnv builds a client from the SEARCH_API_KEY environment variable.
func NewFromEnv(opts ...Option) *Client {
	return New(os.Getenv("SEARCH_API_KEY"), opts...)
}

// Configured reports whether the client has an API key.
func (c *Client) Configured() bool { return c.apiKey != "" }

// Search runs one query against the provider.
func (c *Client) Search(ctx context.Context, query string) (*Response, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search: query cannot be empty")
	}

	payload, err := json.Marshal(map[string]any{
		"api_key":        c.apiKey,
		"query":          query,
		"max_results":    c.maxResults,
		"include_answer": true,
	})
	if err != nil {
		return nil, fmt.Errorf("search: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("search: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("search: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: provider returned http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}
	out.Query = query
	return &out, nil
}

// FormatResults renders hits as prompt-friendly text.
func FormatResults(resp *Response) string {
	if resp == nil || len(resp.Results) == 0 {
		return "no search results"
	}
	var b strings.Builder
	if resp.Answer != "" {
		b.WriteString("Summary: ")
		b.WriteString(resp.Answer)
		b.WriteString("\n")
	}
	for i, r := range resp.Results {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, r.Title, r.URL)
		if r.Content != "" {
			b.WriteString("   ")
			b.WriteString(r.Content)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
