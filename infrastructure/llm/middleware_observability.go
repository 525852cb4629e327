package llm

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-fincheck/internal/ports"
)

// Metric names emitted by MetricsMiddleware.
const (
	MetricOracleRequests = "oracle_requests_total"
	MetricOracleLatency  = "oracle_request_duration_seconds"
	MetricOracleTokens   = "oracle_tokens_total"
)

// MetricsMiddleware records one request counter, one latency observation
// and, on success, input and output token counters per call. Labels are
// provider, model, stage and status. A nil collector disables it.
func MetricsMiddleware(collector ports.MetricsCollector) Middleware {
	return func(next Transport) Transport {
		if collector == nil {
			return next
		}
		return &metered{passthrough: passthrough{next}, collector: collector}
	}
}

type metered struct {
	passthrough
	collector ports.MetricsCollector
}

func (m *metered) Send(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := m.next.Send(ctx, req)

	labels := map[string]string{
		"provider": m.Provider(),
		"model":    req.Options.Model,
		"stage":    stageLabel(req),
		"status":   statusLabel(err),
	}
	m.collector.RecordHistogram(MetricOracleLatency, time.Since(start).Seconds(), labels)
	m.collector.RecordCounter(MetricOracleRequests, 1, labels)
	if err == nil {
		m.collector.RecordCounter(MetricOracleTokens, float64(resp.TokensIn), withLabel(labels, "direction", "input"))
		m.collector.RecordCounter(MetricOracleTokens, float64(resp.TokensOut), withLabel(labels, "direction", "output"))
	}
	return resp, err
}

func stageLabel(req Request) string {
	if req.Options.Stage == "" {
		return "unknown"
	}
	return req.Options.Stage
}

// statusLabel keeps the status label set small and stable.
func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, ErrCircuitOpen) {
		return "circuit_open"
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	return "error"
}

func withLabel(labels map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for lk, lv := range labels {
		out[lk] = lv
	}
	out[k] = v
	return out
}

// TracingMiddleware wraps each call in an "oracle.send" span from the
// named tracer.
func TracingMiddleware(tracerName string) Middleware {
	return func(next Transport) Transport {
		return &traced{passthrough: passthrough{next}, tracer: otel.Tracer(tracerName)}
	}
}

type traced struct {
	passthrough
	tracer trace.Tracer
}

func (t *traced) Send(ctx context.Context, req Request) (Response, error) {
	ctx, span := t.tracer.Start(ctx, "oracle.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("oracle.provider", t.Provider()),
			attribute.String("oracle.model", req.Options.Model),
			attribute.String("oracle.stage", stageLabel(req)),
			attribute.Bool("oracle.json", req.Options.JSON),
			attribute.Int("oracle.prompt_chars", len(req.Prompt)),
		),
	)
	defer span.End()

	resp, err := t.next.Send(ctx, req)
	span.SetAttributes(
		attribute.Int("oracle.tokens_in", resp.TokensIn),
		attribute.Int("oracle.tokens_out", resp.TokensOut),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, statusLabel(err))
		return resp, err
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}
