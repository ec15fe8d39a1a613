// Package futures implements a live USD-margined perpetual futures Broker.
// The venue surface is a small Client interface so the order protocol can
// be tested against a fake; restClient is the signed HTTP implementation.
package futures

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/SnowingFox/open-nof1/pkg/broker"
)

const (
	defaultBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	defaultHTTPTimeout = 30 * time.Second
	recvWindowMillis   = 5000

	// Venue responses for idempotent re-configuration.
	codeNoNeedChangeMarginType = -4046
	codeNoNeedChangeLeverage   = -4028
)

// Ticker is the subset of market data the order protocol needs.
type Ticker struct {
	Symbol string
	Last   float64
}

// OrderParams describe one venue order submission.
type OrderParams struct {
	Symbol     string
	Side       broker.Side
	Type       string // MARKET, LIMIT, STOP_MARKET, TAKE_PROFIT_MARKET
	Quantity   float64
	Price      float64
	StopPrice  float64
	ReduceOnly bool
}

// Order is the venue acknowledgement of a submission.
type Order struct {
	ID     string
	Status string
}

// PositionInfo is one venue position row.
type PositionInfo struct {
	Symbol           string
	Amount           float64 // signed: positive long, negative short
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnl    float64
	Leverage         int
	LiquidationPrice float64
}

// Balance is the per-currency account balance report.
type Balance struct {
	Currencies map[string]broker.CurrencyBalance
}

// Currency returns the triple for a currency, zero when absent.
func (b *Balance) Currency(code string) broker.CurrencyBalance {
	if b == nil || b.Currencies == nil {
		return broker.CurrencyBalance{}
	}
	return b.Currencies[strings.ToUpper(code)]
}

// Client is the venue surface consumed by ExchangeBroker.
type Client interface {
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	CreateOrder(ctx context.Context, params OrderParams) (*Order, error)
	FetchPositions(ctx context.Context, symbols []string) ([]PositionInfo, error)
	FetchBalance(ctx context.Context) (*Balance, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode broker.MarginMode) error
}

// apiError is a structured venue rejection.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Status  int    `json:"-"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("futures: venue error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// restClient talks to the venue REST API with HMAC-SHA256 signed requests.
type restClient struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	nowFn      func() time.Time
}

// RestOption customises the REST client.
type RestOption func(*restClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) RestOption {
	return func(c *restClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBaseURL points the client at a different endpoint (testnet, fixtures).
func WithBaseURL(base string) RestOption {
	return func(c *restClient) {
		if base != "" {
			c.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithClock overrides the timestamp source used for request signing.
func WithClock(nowFn func() time.Time) RestOption {
	return func(c *restClient) {
		if nowFn != nil {
			c.nowFn = nowFn
		}
	}
}

// NewRestClient builds the signed venue client.
func NewRestClient(apiKey, apiSecret string, opts ...RestOption) (Client, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("futures: api key and secret are required")
	}
	c := &restClient{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		nowFn:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// venueSymbol flattens the canonical form for the wire: "BTC/USDT:USDC"
// and "BTC/USDT" both become "BTCUSDT".
func venueSymbol(symbol string) string {
	s := broker.NormalizeSymbol(symbol)
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return strings.ReplaceAll(s, "/", "")
}

func (c *restClient) sign(values url.Values) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(values.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *restClient) do(ctx context.Context, method, path string, values url.Values, signed bool, out any) error {
	if values == nil {
		values = url.Values{}
	}
	if signed {
		values.Set("timestamp", strconv.FormatInt(c.nowFn().UnixMilli(), 10))
		values.Set("recvWindow", strconv.Itoa(recvWindowMillis))
		values.Set("signature", c.sign(values))
	}

	endpoint := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		endpoint += "?" + values.Encode()
	} else {
		body = strings.NewReader(values.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("futures: build request: %w", err)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("futures: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("futures: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		venueErr := &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		_ = json.Unmarshal(data, venueErr)
		return venueErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("futures: decode %s response: %w", path, err)
	}
	return nil
}

func (c *restClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	values := url.Values{}
	values.Set("symbol", venueSymbol(symbol))

	var payload struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/24hr", values, false, &payload); err != nil {
		return nil, err
	}
	last := broker.ParseDecimal(payload.LastPrice)
	if last <= 0 {
		return nil, fmt.Errorf("futures: ticker for %s has no last price", symbol)
	}
	return &Ticker{Symbol: payload.Symbol, Last: last}, nil
}

func (c *restClient) CreateOrder(ctx context.Context, params OrderParams) (*Order, error) {
	values := url.Values{}
	values.Set("symbol", venueSymbol(params.Symbol))
	values.Set("side", strings.ToUpper(string(params.Side)))
	values.Set("type", params.Type)
	values.Set("quantity", broker.FormatDecimal(params.Quantity))
	if params.Price > 0 {
		values.Set("price", broker.FormatDecimal(params.Price))
		values.Set("timeInForce", "GTC")
	}
	if params.StopPrice > 0 {
		values.Set("stopPrice", broker.FormatDecimal(params.StopPrice))
	}
	if params.ReduceOnly {
		values.Set("reduceOnly", "true")
	}

	var payload struct {
		OrderID int64  `json:"orderId"`
		Status  string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/order", values, true, &payload); err != nil {
		return nil, err
	}
	return &Order{ID: strconv.FormatInt(payload.OrderID, 10), Status: payload.Status}, nil
}

func (c *restClient) FetchPositions(ctx context.Context, symbols []string) ([]PositionInfo, error) {
	values := url.Values{}
	if len(symbols) == 1 {
		values.Set("symbol", venueSymbol(symbols[0]))
	}

	var payload []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnrealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		LiquidationPrice string `json:"liquidationPrice"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", values, true, &payload); err != nil {
		return nil, err
	}

	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[venueSymbol(s)] = struct{}{}
	}

	out := make([]PositionInfo, 0, len(payload))
	for _, row := range payload {
		if len(symbols) > 0 {
			if _, ok := want[row.Symbol]; !ok {
				continue
			}
		}
		amt := broker.ParseDecimal(row.PositionAmt)
		if amt == 0 {
			continue
		}
		out = append(out, PositionInfo{
			Symbol:           row.Symbol,
			Amount:           amt,
			EntryPrice:       broker.ParseDecimal(row.EntryPrice),
			MarkPrice:        broker.ParseDecimal(row.MarkPrice),
			UnrealizedPnl:    broker.ParseDecimal(row.UnrealizedProfit),
			Leverage:         int(broker.ParseDecimal(row.Leverage)),
			LiquidationPrice: broker.ParseDecimal(row.LiquidationPrice),
		})
	}
	return out, nil
}

func (c *restClient) FetchBalance(ctx context.Context) (*Balance, error) {
	var payload []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/balance", nil, true, &payload); err != nil {
		return nil, err
	}

	balance := &Balance{Currencies: make(map[string]broker.CurrencyBalance, len(payload))}
	for _, row := range payload {
		total := broker.ParseDecimal(row.Balance)
		free := broker.ParseDecimal(row.AvailableBalance)
		balance.Currencies[strings.ToUpper(row.Asset)] = broker.CurrencyBalance{
			Free:  free,
			Used:  total - free,
			Total: total,
		}
	}
	return balance, nil
}

func (c *restClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	values := url.Values{}
	values.Set("symbol", venueSymbol(symbol))
	values.Set("leverage", strconv.Itoa(leverage))

	err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", values, true, nil)
	if isAlreadyConfigured(err) {
		return nil
	}
	return err
}

func (c *restClient) SetMarginMode(ctx context.Context, symbol string, mode broker.MarginMode) error {
	marginType := "ISOLATED"
	if mode == broker.MarginCross {
		marginType = "CROSSED"
	}
	values := url.Values{}
	values.Set("symbol", venueSymbol(symbol))
	values.Set("marginType", marginType)

	err := c.do(ctx, http.MethodPost, "/fapi/v1/marginType", values, true, nil)
	if isAlreadyConfigured(err) {
		return nil
	}
	return err
}

// isAlreadyConfigured recognizes the venue's "nothing to change" rejections
// so repeated configuration stays idempotent.
func isAlreadyConfigured(err error) bool {
	if err == nil {
		return false
	}
	venueErr, ok := err.(*apiError)
	if !ok {
		return false
	}
	return venueErr.Code == codeNoNeedChangeMarginType || venueErr.Code == codeNoNeedChangeLeverage
}
