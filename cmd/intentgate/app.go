package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/intentgate/internal/audit"
	"github.com/haasonsaas/intentgate/internal/auth"
	"github.com/haasonsaas/intentgate/internal/cache"
	"github.com/haasonsaas/intentgate/internal/config"
	"github.com/haasonsaas/intentgate/internal/executors"
	"github.com/haasonsaas/intentgate/internal/gateway"
	"github.com/haasonsaas/intentgate/internal/guard"
	"github.com/haasonsaas/intentgate/internal/intents"
	"github.com/haasonsaas/intentgate/internal/observability"
	"github.com/haasonsaas/intentgate/internal/ratelimit"
	"github.com/haasonsaas/intentgate/internal/resolver"
)

// app holds the wired components shared by serve and the maintenance
// commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	store    intents.Store
	audit    *audit.Logger
	guard    *guard.Guard
	service  *gateway.Service

	shutdownTracer func(context.Context) error
}

// newApp opens the store and wires the engine. Close releases it.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer, err := observability.NewTracer(traceConfig(cfg))
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = shutdownTracer(ctx)
		return nil, err
	}
	policy := cfg.ExpiryPolicy()

	auditLog, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		_ = store.Close()
		_ = shutdownTracer(ctx)
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	cleanup := func() {
		_ = auditLog.Close()
		_ = store.Close()
		_ = shutdownTracer(ctx)
	}

	executor, err := executors.Build(cfg.Executors, &http.Client{}, logger)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("build executors: %w", err)
	}

	g := guard.New(store, policy, guard.Config{
		ExecutionTimeout: cfg.Intents.ExecutionTimeout,
		Logger:           logger.With("component", "intent-guard"),
		Metrics:          metrics,
		Tracer:           tracer,
		Audit:            auditLog,
	})
	r := resolver.New(store, policy, resolver.Config{
		Logger:  logger.With("component", "intent-resolver"),
		Metrics: metrics,
		Tracer:  tracer,
		Audit:   auditLog,
	})
	service, err := gateway.NewService(gateway.ServiceConfig{
		Store:    store,
		Resolver: r,
		Guard:    g,
		Executor: executor,
		Metrics:  metrics,
		Audit:    auditLog,
		Dedupe: cache.Options{
			TTL:     cfg.Messages.DedupeTTL,
			MaxSize: cfg.Messages.DedupeMaxEntries,
		},
		Logger: logger.With("component", "gateway"),
	})
	if err != nil {
		cleanup()
		return nil, err
	}

	return &app{
		cfg:            cfg,
		logger:         logger,
		registry:       registry,
		metrics:        metrics,
		tracer:         tracer,
		store:          store,
		audit:          auditLog,
		guard:          g,
		service:        service,
		shutdownTracer: shutdownTracer,
	}, nil
}

func traceConfig(cfg *config.Config) observability.TraceConfig {
	if !cfg.Tracing.Enabled {
		return observability.TraceConfig{}
	}
	return observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Attributes:     cfg.Tracing.Attributes,
		Insecure:       cfg.Tracing.Insecure,
	}
}

// handler builds the HTTP API.
func (a *app) handler() http.Handler {
	return gateway.NewHandler(a.service, gateway.HandlerConfig{
		Auth:     auth.NewService(a.cfg.Auth),
		Limiter:  ratelimit.NewLimiter(a.cfg.RateLimit),
		Metrics:  a.metrics,
		Tracer:   a.tracer,
		Gatherer: a.registry,
		Logger:   a.logger.With("component", "http-api"),
	})
}

// sweeper builds the background sweeper from the intents section.
func (a *app) sweeper() (*intents.Sweeper, error) {
	return intents.NewSweeper(a.store, intents.SweeperConfig{
		Schedule:   a.cfg.Intents.SweepSchedule,
		StuckAfter: a.cfg.Intents.StuckAfter,
		Logger:     a.logger.With("component", "intent-sweeper"),
		Recorder:   a.metrics,
	})
}

// Close flushes the audit trail, releases the store and flushes traces.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(
		a.audit.Close(),
		a.store.Close(),
		a.shutdownTracer(ctx),
	)
}
