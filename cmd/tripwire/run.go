package main

import (
	"context"
	"fmt"
	"log/slog"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/tripwire/internal/config"
	"github.com/jkaninda/tripwire/internal/credentials"
	"github.com/jkaninda/tripwire/internal/engine"
	"github.com/jkaninda/tripwire/internal/gateway"
	"github.com/jkaninda/tripwire/internal/gateway/httpapi"
	"github.com/jkaninda/tripwire/internal/observability"
	"github.com/jkaninda/tripwire/internal/ratelimit"
	"github.com/jkaninda/tripwire/internal/retry"
	"github.com/jkaninda/tripwire/internal/signal"
	"github.com/jkaninda/tripwire/internal/trigger"
)

var (
	configPath string
	listenAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the rule engine and the HTTP surface",
	RunE:  runEngine,
}

func init() {
	// Register flags on both root and run so that
	// `tripwire --config path` and `tripwire run --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, runCmd} {
		cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&listenAddr, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runEngine starts the evaluation loops and, unless disabled, the HTTP
// surface. It returns after SIGINT/SIGTERM once in-flight dispatches finish.
func runEngine(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if listenAddr != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{}
		}
		cfg.HTTP.ListenAddr = listenAddr
	}

	logger := newLogger(cfg.SlogLevel())

	loc, err := cfg.Engine.Location()
	if err != nil {
		return fmt.Errorf("invalid engine timezone: %w", err)
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal sources.
	var hostCfg *config.HostMetricsConfig
	if cfg.Sources != nil {
		hostCfg = cfg.Sources.Metrics
	}
	host := signal.NewHostMetrics(hostCfg.DiskPathOr(cfg.ResolvedDataDir()), hostCfg.CPUSample())

	executor, err := initSQLSources(ctx, cfg, sc.Secrets, logger)
	if err != nil {
		return err
	}
	var queries signal.QueryExecutor
	if executor != nil {
		queries = observability.NewInstrumentedQueries(executor, sc.Obs.Metrics)
		sc.addCleanup(func() {
			if err := executor.Close(); err != nil {
				logger.Error("closing data sources", slog.String("error", err.Error()))
			}
		})
		sc.Obs.Health.AddCheck("sources", executor.Ping)
	}

	evaluator := trigger.NewEvaluator(
		observability.NewInstrumentedMetrics(host, sc.Obs.Metrics),
		queries,
		logger,
	)

	// Actions.
	resolver := credentials.NewResolver(
		sc.Store.Channels(),
		sc.Secrets,
		fallbackEmail(cfg),
		cfg.Notification.CredentialCacheTTL(),
		logger,
	)
	dispatcher := initDispatcher(sc, resolver)

	// Rule engine.
	eng := engine.New(sc.Store.Rules(), sc.Store.ExecutionLog(), evaluator, dispatcher, logger,
		engine.WithConfig(&engine.Config{
			TickInterval:      cfg.Engine.TickInterval(),
			QueryTickInterval: cfg.Engine.QueryTickInterval(),
			Location:          loc,
			Retry: retry.Policy{
				MaxAttempts: cfg.Engine.MaxAttempts(),
				Delays:      cfg.Engine.RetryDelays(),
			},
			FailFastConfigErrors: cfg.Engine.FailFast(),
			LogRetention:         cfg.Engine.LogRetention(),
		}),
		engine.WithMetrics(engine.NewMetrics(sc.Obs.Metrics.RegistryOrNil())),
		engine.WithTracer(sc.Obs.TraceTracer()),
	)
	stopEngine := eng.Start(ctx)

	// Host-facing surfaces.
	var gateways []gateway.Gateway
	if cfg.HTTP.Enabled() {
		gateways = append(gateways, httpapi.NewGateway(httpapi.Config{
			ListenAddr:      cfg.HTTP.Addr(),
			EnableDocs:      cfg.HTTP != nil && cfg.HTTP.EnableDocs,
			APIKeys:         apiKeys(cfg),
			MaxRequestSize:  maxRequestSize(cfg),
			EventLimit:      eventLimit(cfg),
			Version:         version,
			MetricsRegistry: sc.Obs.Metrics.RegistryOrNil(),
			MetricsPath:     metricsPath(cfg),
			HealthChecker:   sc.Obs.Health,
			Metrics:         sc.Obs.Metrics,
			Tracer:          sc.Obs.TraceTracer(),
		}, logger).
			WithEvents(eng).
			WithRules(sc.Store.Rules(), sc.Store.ExecutionLog(), evaluator.ValidateRule, eng).
			WithNotifications(sc.Store.Notifications()).
			WithChannels(sc.Store.Channels(), resolver))
	} else {
		logger.Info("http surface disabled")
	}

	errCh := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func() {
			errCh <- gw.Start(ctx)
		}()
	}

	logger.Info("tripwire running",
		slog.String("version", version),
		slog.String("storage", sc.Store.Driver()),
		slog.Int("gateways", len(gateways)),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("gateway: %w", err)
			logger.Error("gateway failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, gw := range gateways {
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Error("gateway shutdown", slog.String("error", err.Error()))
		}
	}

	stopEngine()
	logger.Info("waiting for in-flight dispatches")
	eng.Wait()
	logger.Info("tripwire stopped")
	return runErr
}

func apiKeys(cfg *config.Config) map[string]string {
	if cfg.HTTP == nil {
		return nil
	}
	return cfg.HTTP.APIKeys
}

func maxRequestSize(cfg *config.Config) int64 {
	if cfg.HTTP == nil {
		return 0
	}
	return cfg.HTTP.MaxRequestSizeBytes
}

func eventLimit(cfg *config.Config) ratelimit.Config {
	if cfg.HTTP == nil {
		return ratelimit.Config{}
	}
	return ratelimit.Config{
		EventsPerMinute: cfg.HTTP.EventsPerMinute,
		Burst:           cfg.HTTP.EventBurst,
	}
}

func metricsPath(cfg *config.Config) string {
	if cfg.Observability == nil {
		return ""
	}
	return cfg.Observability.Metrics.MetricsPath()
}

