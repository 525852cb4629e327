package main

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ahrav/go-fincheck/infrastructure/llm"
	"github.com/ahrav/go-fincheck/infrastructure/middleware"
	"github.com/ahrav/go-fincheck/infrastructure/reasoner"
	"github.com/ahrav/go-fincheck/internal/application"
	"github.com/ahrav/go-fincheck/internal/config"
	"github.com/ahrav/go-fincheck/internal/ports"
)

// MetricCircuitState reports the oracle breaker: 0 closed, 1 open, 2 half open.
const MetricCircuitState = "oracle_circuit_state"

// newMetrics returns a collector on a private registry with Go and process
// collectors, or nils when metrics are disabled.
func newMetrics(c config.MetricsConfig, logger *zap.Logger) (*middleware.PrometheusMetrics, *prometheus.Registry) {
	if !c.Enabled {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pm := middleware.NewPrometheusMetrics(reg,
		middleware.WithNamespace(c.Namespace),
		middleware.WithMetricsLogger(logger),
	)
	return pm, reg
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics: serving", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics: server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// oracleMiddleware builds the transport chain, outermost first: tracing,
// metrics, circuit breaker, retry, rate limit, per-request timeout. Metrics
// sit outside retry so one request is counted once.
func oracleMiddleware(c config.LLMConfig, metrics ports.MetricsCollector, logger *zap.Logger) []llm.Middleware {
	mws := []llm.Middleware{llm.TracingMiddleware("oracle")}
	if metrics != nil {
		mws = append(mws, llm.MetricsMiddleware(metrics))
	}
	if c.CircuitBreaker.Threshold > 0 {
		cb := llm.NewCircuitBreaker(c.CircuitBreaker.Threshold, c.CircuitBreaker.Cooldown,
			llm.WithStateChange(func(from, to llm.BreakerState) {
				logger.Warn("oracle: circuit breaker",
					zap.String("provider", c.Provider),
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
				if metrics != nil {
					metrics.RecordGauge(MetricCircuitState, float64(to), map[string]string{"provider": c.Provider})
				}
			}),
		)
		mws = append(mws, llm.CircuitBreakerMiddleware(cb))
	}
	if c.MaxRetries > 0 {
		p := llm.DefaultRetryPolicy()
		p.MaxRetries = c.MaxRetries
		mws = append(mws, llm.RetryMiddleware(p))
	}
	if c.RateLimit > 0 {
		mws = append(mws, llm.RateLimitMiddleware(rate.Limit(c.RateLimit), max(c.Burst, 1)))
	}
	return append(mws, llm.TimeoutMiddleware(c.Timeout))
}

// newOracleRegistry resolves provider keys from config or the provider's
// environment variable.
func newOracleRegistry(c config.LLMConfig, metrics ports.MetricsCollector, logger *zap.Logger) (*llm.Registry, error) {
	specs := maps.Clone(llm.DefaultProviderSpecs)
	if spec, ok := specs[c.Provider]; ok && c.BaseURL != "" {
		spec.BaseURL = c.BaseURL
		specs[c.Provider] = spec
	}

	opts := []llm.RegistryOption{
		llm.WithBaseConfig(llm.Config{
			Timeout:    c.Timeout,
			Estimator:  llm.NewCachingEstimator(llm.FinancialEstimator{}, 4096),
			Middleware: oracleMiddleware(c, metrics, logger),
		}),
	}
	if c.APIKey != "" {
		opts = append(opts, llm.WithAPIKey(c.Provider, c.APIKey))
	}
	reg, err := llm.NewRegistry(c.Provider, specs, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "oracle registry")
	}
	return reg, nil
}

// oracleSpec is the registry spec for the configured provider and model.
func oracleSpec(c config.LLMConfig) string {
	if c.Model == "" {
		return c.Provider
	}
	return c.Provider + "/" + c.Model
}

// loadPipelineConfig reads the pipeline YAML, or returns the defaults.
func loadPipelineConfig(path string) (application.PipelineConfig, error) {
	if path == "" {
		return application.DefaultPipelineConfig(), nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return application.PipelineConfig{}, eris.Wrap(err, "read pipeline config")
	}
	pc, err := application.ParsePipelineConfig(data)
	if err != nil {
		return application.PipelineConfig{}, eris.Wrapf(err, "pipeline config %s", path)
	}
	return pc, nil
}

// buildGate wires the stage registry, the budget manager around oracle
// stages, and the gate. oracle may be nil, which leaves the oracle stages
// out.
func buildGate(
	ctx context.Context,
	pc application.PipelineConfig,
	oracle ports.LLMClient,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) (*application.LoadedPipeline, error) {
	stages := application.NewStageRegistry(oracle)

	gateOpts := []application.GateOption{application.WithLogger(logger)}
	if metrics != nil {
		gateOpts = append(gateOpts, application.WithMetrics(metrics))
	}
	observer := middleware.NewOTelBudgetObserver(metrics, middleware.WithObserverLogger(logger))
	gateOpts = append(gateOpts, application.WithOracleDecorator(
		middleware.Decorator(middleware.BudgetFromConfig(pc.Budget), observer),
	))

	loader, err := application.NewGateLoader(stages, gateOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "gate loader")
	}
	p, err := loader.Load(ctx, pc)
	if err != nil {
		return nil, eris.Wrap(err, "build gate")
	}
	return p, nil
}

// newLLMReasoner builds the live reasoner on the reasoner model, falling
// back to the oracle model.
func newLLMReasoner(c config.Config, reg *llm.Registry, logger *zap.Logger) (ports.Reasoner, error) {
	spec := c.Reasoner.Model
	if spec == "" {
		spec = oracleSpec(c.LLM)
	}
	client, err := reg.Client(spec)
	if err != nil {
		return nil, eris.Wrap(err, "reasoner client")
	}
	rc := reasoner.DefaultConfig()
	if c.Reasoner.MaxTokens > 0 {
		rc.MaxTokens = c.Reasoner.MaxTokens
	}
	r, err := reasoner.NewLLMReasoner(client, rc, reasoner.WithLogger(logger))
	if err != nil {
		return nil, eris.Wrap(err, "reasoner")
	}
	return r, nil
}
