// Package main is the entry point for the backplane control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tradeforge/backplane/internal/alerts"
	"github.com/tradeforge/backplane/internal/analyzer"
	"github.com/tradeforge/backplane/internal/api"
	"github.com/tradeforge/backplane/internal/balancer"
	"github.com/tradeforge/backplane/internal/breaker"
	"github.com/tradeforge/backplane/internal/config"
	"github.com/tradeforge/backplane/internal/events"
	"github.com/tradeforge/backplane/internal/metrics"
	"github.com/tradeforge/backplane/internal/orchestrator"
	"github.com/tradeforge/backplane/internal/queue"
	"github.com/tradeforge/backplane/internal/ratelimit"
	"github.com/tradeforge/backplane/internal/registry"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

// app groups the wired subsystems for startup and shutdown.
type app struct {
	bus      *events.Bus
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	queue    *queue.Manager
	balancer *balancer.Balancer
	breakers *breaker.Registry
	analyzer *analyzer.Analyzer
	alerts   *alerts.Store
	metrics  *metrics.Metrics
	orch     *orchestrator.Orchestrator
	server   *api.Server
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(flags.configPath, logger)
	a := initApplication(cfg, logger)

	run(a, cfg, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("BACKPLANE_CONFIG_PATH", "configs/backplane.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("BACKPLANE_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("BACKPLANE_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("backplane version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the zap logger.
func initLogger(flags cliFlags) *zap.Logger {
	level, err := zapcore.ParseLevel(flags.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", flags.logLevel, err)
		os.Exit(1)
	}

	zapCfg := zap.NewProductionConfig()
	if flags.logFormat == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// loadConfig loads and validates the configuration.
func loadConfig(path string, logger *zap.Logger) *config.Config {
	logger.Info("starting backplane",
		zap.String("version", version),
		zap.String("config", path),
	)

	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("services", len(cfg.Services)),
		zap.String("listenAddress", cfg.API.ListenAddress),
	)
	return cfg
}

// initApplication constructs and wires all subsystems.
func initApplication(cfg *config.Config, logger *zap.Logger) *app {
	bus := events.NewBus(events.WithBusLogger(logger))

	a := &app{
		bus: bus,
		registry: registry.New(
			registry.WithLogger(logger),
			registry.WithEventBus(bus),
			registry.WithProbeTimeout(cfg.Registry.HealthCheckTimeout.Duration()),
			registry.WithSweepInterval(cfg.Registry.HealthCheckInterval.Duration()),
		),
		limiter:  ratelimit.New(ratelimit.WithLogger(logger)),
		queue:    queue.NewManager(queue.WithLogger(logger), queue.WithEventBus(bus)),
		balancer: balancer.New(balancer.WithLogger(logger)),
		breakers: breaker.NewRegistry(breaker.DefaultConfig(), logger),
		analyzer: analyzer.New(analyzer.Config{
			MaxSamples:        cfg.Analyzer.MaxSamples,
			CacheTTL:          cfg.Analyzer.CacheTTL.Duration(),
			LatencyWarningMs:  cfg.Analyzer.LatencyWarningMs,
			LatencyCriticalMs: cfg.Analyzer.LatencyCriticalMs,
			ErrorRateWarning:  cfg.Analyzer.ErrorRateWarning,
			ErrorRateCritical: cfg.Analyzer.ErrorRateCritical,
			ThroughputFloor:   cfg.Analyzer.ThroughputFloor,
		}, analyzer.WithLogger(logger)),
		alerts: alerts.NewStore(alerts.Config{
			MaxAlerts:        cfg.Alerts.MaxAlerts,
			SuppressionRate:  cfg.Alerts.SuppressionRate,
			SuppressionBurst: cfg.Alerts.SuppressionBurst,
		}, alerts.WithLogger(logger)),
		metrics: metrics.New(nil),
	}

	for _, svc := range cfg.Services {
		wireService(a, svc, logger)
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Registry: a.registry,
		Limiter:  a.limiter,
		Queue:    a.queue,
		Balancer: a.balancer,
		Breakers: a.breakers,
		Analyzer: a.analyzer,
		Alerts:   a.alerts,
		Bus:      a.bus,
		Metrics:  a.metrics,
	},
		orchestrator.WithLogger(logger),
		orchestrator.WithSweepInterval(cfg.Registry.HealthCheckInterval.Duration()),
		orchestrator.WithFailureAlertThreshold(cfg.Alerts.FailureAlertThreshold),
	)
	if err != nil {
		logger.Fatal("failed to build orchestrator", zap.Error(err))
	}
	a.orch = orch

	a.server = api.NewServer(cfg.API, orch, a.alerts, bus, api.WithLogger(logger))
	return a
}

// wireService applies one service's declared policies across the
// subsystems.
func wireService(a *app, svc config.ServiceConfig, logger *zap.Logger) {
	if _, err := a.registry.Register(registry.ServiceConfig{
		Name:        svc.Name,
		Criticality: svc.Criticality,
		DependsOn:   svc.DependsOn,
		Probe:       poolProbe(a.balancer, svc),
	}); err != nil {
		logger.Fatal("failed to register service",
			zap.String("service", svc.Name),
			zap.Error(err),
		)
	}

	if svc.RateLimit != nil {
		if err := a.limiter.Configure(svc.Name, ratelimit.Limit{
			MaxTokens:  svc.RateLimit.MaxTokens,
			RefillRate: svc.RateLimit.RefillRate,
			Burst:      svc.RateLimit.Burst,
		}); err != nil {
			logger.Fatal("failed to configure rate limit",
				zap.String("service", svc.Name),
				zap.Error(err),
			)
		}
	}

	qcfg := queue.DefaultConfig()
	if svc.Queue != nil {
		qcfg = queue.Config{
			MaxConcurrent:     svc.Queue.MaxConcurrent,
			MaxSize:           svc.Queue.MaxSize,
			DefaultTimeout:    svc.Queue.DefaultTimeout.Duration(),
			DefaultMaxRetries: svc.Queue.DefaultMaxRetries,
		}
	}
	a.queue.Configure(svc.Name, qcfg, closureHandler)

	if svc.Breaker != nil {
		a.breakers.Configure(svc.Name, &breaker.Config{
			FailureThreshold: svc.Breaker.FailureThreshold,
			Cooldown:         svc.Breaker.Cooldown.Duration(),
			HalfOpenMax:      svc.Breaker.HalfOpenMax,
			SuccessThreshold: svc.Breaker.SuccessThreshold,
			SamplingWindow:   svc.Breaker.SamplingWindow.Duration(),
		})
	}

	if svc.Balancer != nil {
		a.balancer.ConfigureService(svc.Name, balancer.Config{
			Strategy:            balancer.Strategy(svc.Balancer.Strategy),
			SessionAffinity:     svc.Balancer.SessionAffinity,
			AffinityTTL:         svc.Balancer.AffinityTTL.Duration(),
			UnhealthyThreshold:  svc.Balancer.UnhealthyThreshold,
			HealthyThreshold:    svc.Balancer.HealthyThreshold,
			HealthCheckInterval: svc.Balancer.HealthCheckInterval.Duration(),
			HealthCheckTimeout:  svc.Balancer.HealthCheckTimeout.Duration(),
		})

		for _, inst := range svc.Instances {
			if _, err := a.balancer.AddInstance(svc.Name, balancer.InstanceSpec{
				Address:        inst.Address,
				Port:           inst.Port,
				Weight:         inst.Weight,
				MaxConnections: inst.MaxConnections,
			}); err != nil {
				logger.Fatal("failed to add instance",
					zap.String("service", svc.Name),
					zap.String("address", inst.Address),
					zap.Error(err),
				)
			}
		}

		if len(svc.Instances) > 0 {
			var prober balancer.Prober
			if svc.Balancer.UseGRPC {
				prober = balancer.NewGRPCProber(svc.Balancer.GRPCService)
			} else {
				prober = &balancer.HTTPProber{Path: svc.Balancer.HealthCheckPath}
			}
			if err := a.balancer.RegisterProber(svc.Name, prober); err != nil {
				logger.Fatal("failed to register prober",
					zap.String("service", svc.Name),
					zap.Error(err),
				)
			}
		}
	}
}

// closureHandler executes queue items whose payload is an operation
// closure. Embedding applications install their own handlers.
func closureHandler(ctx context.Context, item *queue.Item) (interface{}, error) {
	if op, ok := item.Payload.(func(context.Context) (interface{}, error)); ok {
		return op(ctx)
	}
	return nil, fmt.Errorf("item %s/%s carries no executable payload", item.Service, item.Operation)
}

// poolProbe derives a registry health probe from the service's instance
// pool: the service is healthy while at least one instance is eligible.
// Services without a pool get no probe and stay healthy.
func poolProbe(b *balancer.Balancer, svc config.ServiceConfig) registry.Probe {
	if svc.Balancer == nil || len(svc.Instances) == 0 {
		return nil
	}
	name := svc.Name
	return func(ctx context.Context) (registry.ProbeResult, error) {
		stats, ok := b.Stats(name)
		if !ok || stats.Available == 0 {
			return registry.ProbeResult{}, fmt.Errorf("no available instances for %s", name)
		}
		if stats.Available < stats.Total {
			return registry.ProbeResult{
				Status:  registry.StatusDegraded,
				Message: fmt.Sprintf("%d of %d instances available", stats.Available, stats.Total),
			}, nil
		}
		return registry.ProbeResult{Status: registry.StatusHealthy}, nil
	}
}

// applyConfig re-applies mutable per-service policies after a config
// reload. Registrations and instance pools are not rebuilt on the fly.
func applyConfig(a *app, cfg *config.Config, logger *zap.Logger) {
	for _, svc := range cfg.Services {
		if svc.RateLimit != nil {
			if err := a.limiter.Configure(svc.Name, ratelimit.Limit{
				MaxTokens:  svc.RateLimit.MaxTokens,
				RefillRate: svc.RateLimit.RefillRate,
				Burst:      svc.RateLimit.Burst,
			}); err != nil {
				logger.Warn("reload: rate limit not applied",
					zap.String("service", svc.Name),
					zap.Error(err),
				)
			}
		}
		if svc.Queue != nil {
			a.queue.Configure(svc.Name, queue.Config{
				MaxConcurrent:     svc.Queue.MaxConcurrent,
				MaxSize:           svc.Queue.MaxSize,
				DefaultTimeout:    svc.Queue.DefaultTimeout.Duration(),
				DefaultMaxRetries: svc.Queue.DefaultMaxRetries,
			}, nil)
		}
		if svc.Breaker != nil {
			a.breakers.Configure(svc.Name, &breaker.Config{
				FailureThreshold: svc.Breaker.FailureThreshold,
				Cooldown:         svc.Breaker.Cooldown.Duration(),
				HalfOpenMax:      svc.Breaker.HalfOpenMax,
				SuccessThreshold: svc.Breaker.SuccessThreshold,
				SamplingWindow:   svc.Breaker.SamplingWindow.Duration(),
			})
		}
		if svc.Balancer != nil {
			a.balancer.ConfigureService(svc.Name, balancer.Config{
				Strategy:            balancer.Strategy(svc.Balancer.Strategy),
				SessionAffinity:     svc.Balancer.SessionAffinity,
				AffinityTTL:         svc.Balancer.AffinityTTL.Duration(),
				UnhealthyThreshold:  svc.Balancer.UnhealthyThreshold,
				HealthyThreshold:    svc.Balancer.HealthyThreshold,
				HealthCheckInterval: svc.Balancer.HealthCheckInterval.Duration(),
				HealthCheckTimeout:  svc.Balancer.HealthCheckTimeout.Duration(),
			})
		}
	}
	logger.Info("configuration reloaded", zap.Int("services", len(cfg.Services)))
}

// run starts everything and blocks until a shutdown signal.
func run(a *app, cfg *config.Config, configPath string, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.registry.Start(ctx)
	a.queue.Start(ctx)
	a.balancer.StartHealthChecks(ctx)
	a.orch.Start()

	watcher, err := config.NewWatcher(configPath, func(updated *config.Config) {
		applyConfig(a, updated, logger)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", zap.Error(err))
		watcher = nil
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("admin server exited", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := a.server.Stop(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", zap.Error(err))
	}
	if watcher != nil {
		_ = watcher.Stop()
	}
	a.orch.Stop()
	a.balancer.StopHealthChecks()
	a.queue.Stop()
	a.registry.Stop()
	cancel()

	logger.Info("backplane stopped")
}

// getEnvOrDefault returns the environment value or a default.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
