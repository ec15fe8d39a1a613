package broker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBroker satisfies Broker for registry tests.
type stubBroker struct {
	name string
	cfg  *ProviderConfig
}

func (s *stubBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return &OrderResult{Success: true}, nil
}
func (s *stubBroker) GetPositions(ctx context.Context, symbols ...string) ([]Position, error) {
	return nil, nil
}
func (s *stubBroker) GetAccountInfo(ctx context.Context) (*AccountSnapshot, error) {
	return &AccountSnapshot{}, nil
}
func (s *stubBroker) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (s *stubBroker) SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error {
	return nil
}

var (
	registerStub    sync.Once
	registerFutures sync.Once
)

func registerStubBuilder(t *testing.T) {
	t.Helper()
	registerStub.Do(func() {
		Register("stub", func(name string, cfg *ProviderConfig) (Broker, error) {
			return &stubBroker{name: name, cfg: cfg}, nil
		})
	})
}

const sampleConfig = `
default: primary
providers:
  primary:
    type: stub
    initial_balance: 5000
    timeout: 45s
  secondary:
    type: stub
    base_url: https://example.test
`

func TestLoadConfigFromReader(t *testing.T) {
	registerStubBuilder(t)

	cfg, err := LoadConfigFromReader(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "primary", cfg.Default)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, 5000.0, cfg.Providers["primary"].InitialBalance)
	assert.Equal(t, 45*time.Second, cfg.Providers["primary"].Timeout)
	assert.Equal(t, "https://example.test", cfg.Providers["secondary"].BaseURL)
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	registerStubBuilder(t)
	t.Setenv("TEST_BROKER_KEY", "key-from-env")

	cfg, err := LoadConfigFromReader(strings.NewReader(`
providers:
  primary:
    type: stub
    api_key: ${TEST_BROKER_KEY}
`))
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", cfg.Providers["primary"].APIKey)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	registerStubBuilder(t)

	_, err := LoadConfigFromReader(strings.NewReader(`providers: {}`))
	assert.ErrorContains(t, err, "providers cannot be empty")

	_, err = LoadConfigFromReader(strings.NewReader(`
default: missing
providers:
  primary:
    type: stub
`))
	assert.ErrorContains(t, err, `default provider "missing" not defined`)

	_, err = LoadConfigFromReader(strings.NewReader(`
providers:
  primary:
    type: teleporter
`))
	assert.ErrorContains(t, err, "unsupported type")

	registerFutures.Do(func() {
		Register("futures", func(name string, cfg *ProviderConfig) (Broker, error) {
			return &stubBroker{name: name, cfg: cfg}, nil
		})
	})
	_, err = LoadConfigFromReader(strings.NewReader(`
providers:
  primary:
    type: futures
`))
	assert.ErrorContains(t, err, "requires api_key and api_secret")

	_, err = LoadConfigFromReader(strings.NewReader(`
providers:
  primary:
    type: stub
    timeout: soon
`))
	assert.ErrorContains(t, err, "invalid timeout")
}

func TestBuildBrokers(t *testing.T) {
	registerStubBuilder(t)

	cfg, err := LoadConfigFromReader(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	brokers, err := cfg.BuildBrokers()
	require.NoError(t, err)
	require.Len(t, brokers, 2)

	stub, ok := brokers["primary"].(*stubBroker)
	require.True(t, ok)
	assert.Equal(t, "primary", stub.name)
	assert.Equal(t, 5000.0, stub.cfg.InitialBalance)
}

func TestGetInline(t *testing.T) {
	registerStubBuilder(t)

	b, err := Get("stub", nil)
	require.NoError(t, err)
	assert.IsType(t, &stubBroker{}, b)

	_, err = Get("nope", nil)
	assert.ErrorContains(t, err, "unsupported type")
}
