package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/SnowingFox/open-nof1/internal/cli"
	"github.com/SnowingFox/open-nof1/internal/config"
	"github.com/SnowingFox/open-nof1/internal/svc"
	"github.com/SnowingFox/open-nof1/pkg/confkit"
)

var (
	devMode = flag.Bool("dev", false, "run against the simulator regardless of environment")
	runOnce = flag.Bool("once", false, "run exactly one trading cycle and exit")
)

func main() {
	flag.Parse()
	confkit.LoadDotenvOnce()

	cfg := config.Load()
	if *devMode {
		cfg.ForceMock()
	}
	if err := cfg.Validate(); err != nil {
		logx.Errorf("trader: %v", err)
		os.Exit(1)
	}

	cli.LogConfigSummary(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serviceCtx, err := svc.NewServiceContext(cfg)
	if err != nil {
		logx.Errorf("trader: %v", err)
		os.Exit(1)
	}

	symbols := cfg.NormalizedSymbols()
	cycle := func(cycleCtx context.Context) error {
		return serviceCtx.Agent.Run(cycleCtx, symbols)
	}

	if *runOnce {
		serviceCtx.Scheduler.RunOnce(ctx, cycle)
		logx.Info("trader: single cycle complete")
		return
	}

	logx.Infof("trader: starting scheduler, interval=%s, symbols=%v", cfg.Interval, symbols)
	serviceCtx.Scheduler.Start(ctx, cycle)
	logx.Info("trader: shutdown complete")
}
