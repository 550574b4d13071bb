package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tributary-ai/support-gateway/internal/audit"
	"github.com/tributary-ai/support-gateway/internal/bandit"
	"github.com/tributary-ai/support-gateway/internal/cache"
	"github.com/tributary-ai/support-gateway/internal/compliance"
	"github.com/tributary-ai/support-gateway/internal/config"
	"github.com/tributary-ai/support-gateway/internal/direct"
	"github.com/tributary-ai/support-gateway/internal/flags"
	"github.com/tributary-ai/support-gateway/internal/gateway"
	"github.com/tributary-ai/support-gateway/internal/hybrid"
	"github.com/tributary-ai/support-gateway/internal/managed"
	"github.com/tributary-ai/support-gateway/internal/metrics"
	"github.com/tributary-ai/support-gateway/internal/middleware"
	"github.com/tributary-ai/support-gateway/internal/monitor"
	"github.com/tributary-ai/support-gateway/internal/paths"
	"github.com/tributary-ai/support-gateway/internal/policy"
	"github.com/tributary-ai/support-gateway/internal/providers"
	"github.com/tributary-ai/support-gateway/internal/providers/anthropic"
	"github.com/tributary-ai/support-gateway/internal/providers/openai"
	"github.com/tributary-ai/support-gateway/internal/registry"
	"github.com/tributary-ai/support-gateway/internal/server"
	"github.com/tributary-ai/support-gateway/internal/types"
)

// Application represents the main application
type Application struct {
	config  *config.Config
	logger  *logrus.Logger
	gateway *gateway.Gateway
	server  *server.Server
	direct  *direct.Client
	managed *managed.Client
	auditor *audit.Logger
	redis   redis.UniversalClient
	metrics *prometheus.Registry
}

// NewApplication wires every component from cfg around the given adapters.
// Models whose provider has no adapter are not registered.
func NewApplication(cfg *config.Config, logger *logrus.Logger, adapters ...providers.Adapter) (*Application, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("no providers were registered - check your configuration and API keys")
	}
	adapterSet := providers.NewSet(adapters...)

	app := &Application{
		config:  cfg,
		logger:  logger,
		metrics: prometheus.NewRegistry(),
	}
	app.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheus(app.metrics)

	app.auditor = audit.NewLogger(&cfg.Audit, logger)
	if cfg.Redis.Addr != "" {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var specs []types.ModelSpec
	for _, spec := range cfg.ModelSpecs() {
		if _, err := adapterSet.Get(spec.Provider); err == nil {
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no configured model belongs to an enabled provider (%v)", adapterSet.Names())
	}
	reg := registry.New(logger, specs...)

	arms := make([]bandit.Arm, 0, len(specs))
	for _, spec := range specs {
		arms = append(arms, bandit.ArmOf(spec))
	}
	learner := bandit.New(arms, bandit.WithLogger(logger))
	engine := policy.NewEngine(reg, learner, policy.DefaultKeywordClassifier(), cfg.Policy, logger)

	pathDeps := paths.Deps{
		Adapters: adapterSet,
		Registry: reg,
		Audit:    app.auditor,
		Metrics:  sink,
		Logger:   logger,
	}
	var err error
	if app.direct, err = direct.New(cfg.ToDirectConfig(), pathDeps); err != nil {
		return nil, fmt.Errorf("failed to create direct path: %w", err)
	}
	if app.managed, err = managed.New(cfg.ToManagedConfig(), pathDeps); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create managed path: %w", err)
	}
	router := hybrid.NewRouter(app.direct, app.managed, flags.NewStatic(cfg.Flags), app.auditor, sink, logger)

	responseCache, err := app.newCache()
	if err != nil {
		app.Close()
		return nil, err
	}

	checker, err := compliance.NewPIIChecker(&cfg.Compliance, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create compliance checker: %w", err)
	}

	app.gateway, err = gateway.New(cfg.ToGatewayConfig(), gateway.Deps{
		Registry:   reg,
		Policy:     engine,
		Bandit:     learner,
		Router:     router,
		Monitor:    monitor.New(cfg.Monitor, sink, logger),
		Cache:      responseCache,
		Compliance: checker,
		Audit:      app.auditor,
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	security, err := middleware.NewSecurityMiddleware(cfg.ToSecurityConfig(), middleware.Deps{
		Auditor: app.auditor,
		Metrics: sink,
		Redis:   app.redis,
		Logger:  logger,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create security middleware: %w", err)
	}

	app.server, err = server.NewServer(cfg.ToServerConfig(), server.Deps{
		Gateway:  app.gateway,
		Registry: reg,
		Bandit:   learner,
		Security: security,
		Audit:    app.auditor,
		Gatherer: app.metrics,
		Logger:   logger,
	})
	if err != nil {
		security.Stop()
		app.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"providers": adapterSet.Names(),
		"models":    reg.Len(),
		"cache":     cfg.Cache.Backend,
		"region":    cfg.Gateway.Region,
	}).Info("Support gateway assembled")

	return app, nil
}

func (app *Application) newCache() (cache.Cache, error) {
	switch app.config.Cache.Backend {
	case "lru":
		return cache.NewLRU(app.config.Cache.Size, app.config.Cache.TTL), nil
	case "redis":
		if app.redis == nil {
			return nil, fmt.Errorf("redis cache backend requires redis.addr")
		}
		return cache.NewRedis(app.redis, app.config.Cache.Prefix, app.config.Cache.TTL), nil
	default:
		return nil, nil
	}
}

// Run serves until SIGINT or SIGTERM, then shuts down gracefully
func (app *Application) Run() error {
	app.logger.Info("Starting support gateway")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.Start()
	}()

	select {
	case err := <-serverErrors:
		app.Close()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	timeout := app.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := app.server.Stop(shutdownCtx)
	app.Close()
	if err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// Close releases the paths, the audit writer and the redis client
func (app *Application) Close() {
	if app.direct != nil {
		if err := app.direct.Destroy(); err != nil {
			app.logger.WithError(err).Warn("Direct path shutdown error")
		}
	}
	if app.managed != nil {
		if err := app.managed.Close(); err != nil {
			app.logger.WithError(err).Warn("Managed path shutdown error")
		}
	}
	if app.auditor != nil {
		app.auditor.Stop()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.WithError(err).Warn("Redis client shutdown error")
		}
	}
}

// buildAdapters creates the provider adapters that have credentials
func buildAdapters(cfg *config.Config, logger *logrus.Logger) []providers.Adapter {
	var adapters []providers.Adapter

	if cfg.Providers.OpenAI != nil && cfg.Providers.OpenAI.APIKey != "" {
		adapters = append(adapters, openai.NewOpenAIProvider(cfg.Providers.OpenAI, logger))
		logger.WithField("provider", "openai").Info("OpenAI provider registered")
	}
	if cfg.Providers.Anthropic != nil && cfg.Providers.Anthropic.APIKey != "" {
		adapters = append(adapters, anthropic.NewAnthropicProvider(cfg.Providers.Anthropic, logger))
		logger.WithField("provider", "anthropic").Info("Anthropic provider registered")
	}

	return adapters
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	case "file":
		logger.SetOutput(&lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		})
	default:
		return fmt.Errorf("invalid log output: %s", config.Output)
	}

	return nil
}
