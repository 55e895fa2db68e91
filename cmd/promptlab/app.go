package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ahrav/promptlab/internal/cancellation"
	"github.com/ahrav/promptlab/internal/configuration"
	"github.com/ahrav/promptlab/internal/job"
	"github.com/ahrav/promptlab/internal/llm/providers"
	"github.com/ahrav/promptlab/internal/llm/resilience"
	"github.com/ahrav/promptlab/internal/metric"
	"github.com/ahrav/promptlab/internal/observability"
	"github.com/ahrav/promptlab/internal/store"
	"github.com/ahrav/promptlab/internal/stream"
)

// appOption adjusts how newApp wires the shared components.
type appOption func(*appSettings)

type appSettings struct {
	forwardEvents bool
}

// withEventForwarding publishes every hub event on the configured bridge.
// Worker processes use it so the API process can stream their jobs.
func withEventForwarding() appOption { return func(s *appSettings) { s.forwardEvents = true } }

// app holds the components shared by every command.
type app struct {
	cfg      *configuration.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  observability.Metrics
	svc      *job.Service

	closers []func()
}

func newApp(ctx context.Context, opts ...appOption) (*app, error) {
	var settings appSettings
	for _, opt := range opts {
		opt(&settings)
	}

	cfg, err := configuration.Load()
	if err != nil {
		return nil, err
	}
	if manifestPath != "" {
		cfg.Metrics.ManifestPath = manifestPath
	}

	logger := observability.NewLogger(cfg.Observability, os.Stderr)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, metrics: observability.NewNoOpMetrics()}
	if cfg.Observability.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = observability.NewPrometheusMetrics(a.registry)
	}

	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = st.Close() })

	evaluator, err := a.newEvaluator(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	caller := resilience.NewCaller(
		resilience.PolicyFromConfig(cfg.Resilience),
		resilience.WithLogger(logger.With("component", "resilience")),
		resilience.WithMetrics(a.metrics),
	)

	opts := []job.Option{
		job.WithLogger(logger.With("component", "job")),
		job.WithMetrics(a.metrics),
		job.WithMaxAttempts(cfg.Jobs.MaxAttempts),
		job.WithCancelPoll(cfg.Jobs.CancelPollInterval),
	}
	workerID := cfg.Jobs.WorkerID
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	if workerID != "" {
		opts = append(opts, job.WithWorkerID(workerID))
	}

	hubOpts := []stream.HubOption{
		stream.WithHubLogger(logger.With("component", "stream")),
		stream.WithHubMetrics(a.metrics),
	}
	if settings.forwardEvents && cfg.Events.Bridge == configuration.BridgeRedis {
		bridge, client, err := stream.DialRedisBridge(ctx, cfg.Events, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		bridgeCtx, stopBridge := context.WithCancel(context.WithoutCancel(ctx))
		go bridge.Run(bridgeCtx)
		a.onClose(func() {
			stopBridge()
			_ = client.Close()
		})
		hubOpts = append(hubOpts, stream.WithForwarder(bridge))
		logger.Info("forwarding job events", "bridge", cfg.Events.Bridge, "prefix", cfg.Events.ChannelPrefix)
	}

	a.svc = job.NewService(
		st,
		providers.NewDefaultRegistry(cfg.Providers),
		evaluator,
		stream.NewHub(hubOpts...),
		cancellation.NewRegistry(),
		caller,
		opts...,
	)
	return a, nil
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) openStore() (store.Store, error) {
	switch a.cfg.Store.Driver {
	case configuration.StoreSQLite:
		a.logger.Info("opening sqlite job store", "dsn", a.cfg.Store.DSN)
		return store.OpenSQLite(a.cfg.Store.DSN, a.logger.With("component", "store"))
	case configuration.StoreMemory, "":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
}

func (a *app) newEvaluator(ctx context.Context) (*metric.Evaluator, error) {
	plugins := metric.NewRegistry()
	metric.RegisterBuiltins(plugins)

	if path := a.cfg.Metrics.ManifestPath; path != "" {
		manifest, err := metric.LoadManifest(path)
		if err != nil {
			return nil, err
		}
		if err := manifest.Apply(plugins); err != nil {
			return nil, fmt.Errorf("apply metric manifest %s: %w", path, err)
		}
		a.logger.Info("metric manifest applied", "path", path)
	}

	opts := []metric.EvaluatorOption{
		metric.WithEvaluatorLogger(a.logger.With("component", "metric")),
		metric.WithEvaluatorMetrics(a.metrics),
	}
	cc := a.cfg.MetricCache
	if cc.Enabled {
		switch cc.Backend {
		case configuration.CacheRedis:
			cache, client, err := metric.DialRedisCache(ctx, cc)
			if err != nil {
				return nil, err
			}
			a.onClose(func() { _ = client.Close() })
			opts = append(opts, metric.WithCache(cache))
		default:
			cache := metric.NewMemoryCache(cc.TTL, cc.SweepInterval)
			a.onClose(cache.Close)
			opts = append(opts, metric.WithCache(cache))
		}
	}
	return metric.NewEvaluator(plugins, opts...), nil
}
