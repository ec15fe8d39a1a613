// Package svc wires the process-wide singletons: one broker, one position
// manager, and one agent shared by every trading cycle.
package svc

import (
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"github.com/SnowingFox/open-nof1/internal/audit"
	"github.com/SnowingFox/open-nof1/internal/config"
	"github.com/SnowingFox/open-nof1/pkg/agent"
	"github.com/SnowingFox/open-nof1/pkg/broker"
	_ "github.com/SnowingFox/open-nof1/pkg/broker/futures"
	_ "github.com/SnowingFox/open-nof1/pkg/broker/sim"
	"github.com/SnowingFox/open-nof1/pkg/confkit"
	"github.com/SnowingFox/open-nof1/pkg/llm"
	"github.com/SnowingFox/open-nof1/pkg/market"
	"github.com/SnowingFox/open-nof1/pkg/position"
	"github.com/SnowingFox/open-nof1/pkg/risk"
	"github.com/SnowingFox/open-nof1/pkg/scheduler"
	"github.com/SnowingFox/open-nof1/pkg/search"
)

// ServiceContext carries the singletons built once at startup.
type ServiceContext struct {
	Config *config.Config

	Broker    broker.Broker
	Positions *position.Manager
	Guard     *risk.Guard
	Market    market.Provider
	Search    *search.Client
	LLM       *llm.Client
	Recorder  *audit.Recorder
	Agent     *agent.Agent
	Scheduler *scheduler.Scheduler
}

// NewServiceContext builds the dependency graph. It returns an error rather
// than exiting so main controls the exit code.
func NewServiceContext(c *config.Config) (*ServiceContext, error) {
	brk, err := buildBroker(c)
	if err != nil {
		return nil, err
	}

	llmCfg, err := llm.LoadConfigFromEnv()
	if err != nil {
		if !c.IsMock() {
			return nil, fmt.Errorf("svc: llm config: %w", err)
		}
		logx.Info("svc: llm credentials absent, using dev placeholder for mock mode")
		llmCfg = llm.DevConfig()
	}
	llmClient, err := llm.NewClient(llmCfg)
	if err != nil {
		return nil, fmt.Errorf("svc: llm client: %w", err)
	}

	marketProvider := market.NewRestProvider()
	positions := position.NewManager(brk)
	guard := risk.NewGuard(c.Risk)
	searchClient := search.NewFromEnv()
	if !searchClient.Configured() {
		logx.Info("svc: search api key absent, search tool disabled")
	}

	recorder := audit.NewRecorder(buildSinks(c)...)

	bridge := agent.NewBridge(agent.BridgeConfig{
		Broker:         brk,
		Positions:      positions,
		Guard:          guard,
		Market:         marketProvider,
		Search:         searchClient,
		MaxPositions:   c.MaxConcurrentPosCount,
		InitialCapital: c.InitialCapital,
	})

	return &ServiceContext{
		Config:    c,
		Broker:    brk,
		Positions: positions,
		Guard:     guard,
		Market:    marketProvider,
		Search:    searchClient,
		LLM:       llmClient,
		Recorder:  recorder,
		Agent:     agent.New(llmClient, bridge, guard, recorder),
		Scheduler: scheduler.New(c.Interval, scheduler.WithJitter(c.Jitter)),
	}, nil
}

// buildBroker selects the provider for the configured mode. Mock mode skips
// the YAML file entirely; other modes read it when present so operators can
// pin base URLs and timeouts per provider.
func buildBroker(c *config.Config) (broker.Broker, error) {
	if c.IsMock() {
		return broker.Get("mock", &broker.ProviderConfig{
			InitialBalance: c.InitialCapital,
		})
	}

	configPath := confkit.ResolvePath(confkit.MustProjectRoot(), c.BrokerConfigPath)
	if _, err := os.Stat(configPath); err == nil {
		cfg, err := broker.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("svc: broker config: %w", err)
		}
		brokers, err := cfg.BuildBrokers()
		if err != nil {
			return nil, fmt.Errorf("svc: build brokers: %w", err)
		}
		name := cfg.Default
		if name == "" {
			for n := range brokers {
				name = n
				break
			}
		}
		logx.Infof("svc: using broker provider %s", name)
		return brokers[name], nil
	}

	return broker.Get("futures", &broker.ProviderConfig{
		APIKey:    c.ExchangeAPIKey,
		APISecret: c.ExchangeAPISecret,
		Testnet:   c.BrokerMode == config.ModePaper,
	})
}

// buildSinks assembles the audit targets. The file sink is unconditional;
// the relational sink needs a DSN.
func buildSinks(c *config.Config) []audit.Sink {
	sinks := []audit.Sink{audit.NewFileSink(c.AuditLogDir)}
	if c.PostgresDSN != "" {
		conn := sqlx.NewSqlConn("pgx", c.PostgresDSN)
		sinks = append(sinks, audit.NewDBSink(conn))
		logx.Info("svc: relational audit sink enabled")
	}
	return sinks
}
