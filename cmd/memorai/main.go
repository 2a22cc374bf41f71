// Command memorai runs the Memorai memory core behind its JSON transport
// adapter: config → logger → telemetry → index/cache/limiter/tiers →
// engine → server, with graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/codai-ecosystem/memorai-go/config"
	"github.com/codai-ecosystem/memorai-go/engine"
	"github.com/codai-ecosystem/memorai-go/internal/metrics"
	"github.com/codai-ecosystem/memorai-go/internal/telemetry"
	"github.com/codai-ecosystem/memorai-go/ratelimit"
	"github.com/codai-ecosystem/memorai-go/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to memorai.yaml")
		addr       = flag.String("addr", "", "listen address override")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	config.BridgeEnv(cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("memorai exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Init(telemetry.Options{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	}, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = providers.Shutdown(context.Background()) }()

	collector := metrics.NewCollector("memorai", logger)

	idx, err := buildIndex(cfg, logger)
	if err != nil {
		return fmt.Errorf("init index: %w", err)
	}

	hot, closeCache, err := buildCache(cfg, logger)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer closeCache()

	limiter := ratelimit.New(cfg.RateLimit, logger)
	defer limiter.Close()

	cfg.Tier.OnDemote = collector.RecordTierDemotion
	tiers := buildTiers(cfg, logger)
	if d, err := tiers.Start(ctx); err != nil {
		return fmt.Errorf("tier selection: %w", err)
	} else {
		logger.Info("embedding tier active", zap.String("tier", string(d.Level)), zap.String("message", d.Message))
	}

	eng := engine.New(cfg.Engine, idx, hot, limiter, tiers, collector, logger)
	defer eng.Close()

	srv := server.New(cfg.Server, eng, collector, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	eng.FlushWriteBehind()
	return srv.Shutdown(context.Background())
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
