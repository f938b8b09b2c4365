// Command coordinator runs the control-plane service: two-stage service
// registration, LLM-assisted routing with keyword fallback, and the cascading
// dispatcher behind HTTP and RPC listeners.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/inos-labs/coordinator/internal/clients"
	"github.com/inos-labs/coordinator/internal/config"
	"github.com/inos-labs/coordinator/internal/dispatch"
	"github.com/inos-labs/coordinator/internal/health"
	"github.com/inos-labs/coordinator/internal/registry"
	"github.com/inos-labs/coordinator/internal/routing"
	"github.com/inos-labs/coordinator/internal/server"
	"github.com/inos-labs/coordinator/pkg/changelog"
	"github.com/inos-labs/coordinator/pkg/logger"
	"github.com/inos-labs/coordinator/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "coordinator:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: "coordinator",
	})
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	events := changelog.New(cfg.ChangelogMaxEntries)
	index := routing.NewIndex(log)

	regOpts := []registry.Option{
		registry.WithIndexNotifier(index),
		registry.WithChangelog(events),
		registry.WithMetrics(m),
	}
	if cfg.RegistryStoreURL != "" {
		store, err := registry.NewRedisStore(ctx, cfg.RegistryStoreURL, log)
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()
		regOpts = append(regOpts, registry.WithStore(store))
	}
	reg := registry.New(log, regOpts...)
	if err := reg.Load(ctx); err != nil {
		return err
	}

	var ranker *routing.AIRanker
	if cfg.AIEnabled {
		llm := routing.NewLLMClient(routing.LLMConfig{
			Endpoint:    cfg.AIEndpoint,
			APIKey:      cfg.AIProviderKey,
			Model:       cfg.AIModel,
			Temperature: cfg.AITemperature,
			Timeout:     cfg.AITimeout,
		}, log)
		ranker = routing.NewAIRanker(llm, routing.RankerConfig{Model: cfg.AIModel}, log)
	}

	engine := routing.NewEngine(routing.EngineOptions{
		Registry:        reg,
		Index:           index,
		Ranker:          ranker,
		FallbackEnabled: cfg.AIFallbackEnabled,
		Metrics:         m,
		Events:          events,
	}, log)

	invoker := clients.New(log)
	defer invoker.Close()

	policy := dispatch.Policy{
		MaxAttempts:            cfg.CascadeMaxAttempts,
		PerAttemptTimeout:      cfg.CascadeAttemptTimeout,
		MinQualityScore:        cfg.CascadeMinQuality,
		StopOnFirst:            cfg.CascadeStopOnFirst,
		RequireRelevantFields:  true,
		RejectEmptyCollections: true,
	}
	dispatcher := dispatch.New(invoker, nil, m, events, log)

	if cfg.HealthCheckEnabled {
		monitor := health.NewMonitor(reg, health.Config{
			Interval:    cfg.HealthCheckInterval,
			MaxFailures: cfg.HealthMaxFailures,
		}, log)
		go monitor.Run(ctx)
	}

	httpHandler := server.NewHTTPHandler(server.HTTPOptions{
		Registry:        reg,
		Engine:          engine,
		Dispatcher:      dispatcher,
		Metrics:         m,
		Changelog:       events,
		Policy:          policy,
		DefaultDeadline: cfg.RouteDefaultDeadline,
	}, log)

	srv := server.New(server.Options{
		HTTPPort:       cfg.HTTPPort,
		RPCPort:        cfg.RPCPort,
		HTTP:           httpHandler,
		RPC:            server.NewRPCHandler(engine, cfg.RouteDefaultDeadline, log),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, log)

	log.Info("coordinator starting",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("rpc_port", cfg.RPCPort),
		zap.Bool("ai_enabled", cfg.AIEnabled))

	return srv.Run(ctx)
}
