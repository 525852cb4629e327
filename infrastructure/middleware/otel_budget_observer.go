package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ahrav/go-fincheck/internal/domain"
	"github.com/ahrav/go-fincheck/internal/ports"
)

var _ BudgetObserver = (*OTelBudgetObserver)(nil)

// Budget metric names.
const (
	MetricBudgetStage    = "budget_stage"
	MetricBudgetTokens   = "budget_attempt_tokens"
	MetricBudgetCalls    = "budget_attempt_calls"
	MetricBudgetExceeded = "budget_exceeded_total"
)

const (
	defaultWarningThreshold  = 0.8
	defaultCriticalThreshold = 0.9
)

// OTelBudgetObserver traces guarded stages and reports budget consumption
// to a metrics collector. Each call carries its span in the context, so one
// observer can serve every concurrent attempt.
type OTelBudgetObserver struct {
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	tracer   trace.Tracer
	warning  float64
	critical float64
}

// ObserverOption configures an OTelBudgetObserver.
type ObserverOption func(*OTelBudgetObserver)

// WithObserverLogger logs budget refusals and overshoots.
func WithObserverLogger(l *zap.Logger) ObserverOption {
	return func(o *OTelBudgetObserver) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithThresholds sets the usage fractions that emit warning and critical
// span events. Values outside (0, 1] are ignored.
func WithThresholds(warning, critical float64) ObserverOption {
	return func(o *OTelBudgetObserver) {
		if warning > 0 && warning <= 1 {
			o.warning = warning
		}
		if critical > 0 && critical <= 1 {
			o.critical = critical
		}
	}
}

// NewOTelBudgetObserver creates an observer. metrics may be nil.
func NewOTelBudgetObserver(metrics ports.MetricsCollector, opts ...ObserverOption) *OTelBudgetObserver {
	o := &OTelBudgetObserver{
		metrics:  metrics,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("budget-manager"),
		warning:  defaultWarningThreshold,
		critical: defaultCriticalThreshold,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Before starts the stage span and flags usage nearing a limit.
func (o *OTelBudgetObserver) Before(ctx context.Context, stage string, usage domain.Usage, budget Budget) context.Context {
	ctx, span := o.tracer.Start(ctx, "budget."+stage)
	span.SetAttributes(attribute.String("budget.stage", stage), attribute.String("budget.limit", limitLabel(budget)))
	setUsageAttributes(span, usage, budget)
	o.thresholdEvents(span, "tokens", usage.Tokens, budget.MaxTokens)
	o.thresholdEvents(span, "calls", usage.Calls, budget.MaxCalls)
	return ctx
}

// After ends the span started by Before and records the stage's consumption.
func (o *OTelBudgetObserver) After(
	ctx context.Context,
	stage string,
	usage domain.Usage,
	budget Budget,
	elapsed time.Duration,
	err error,
) {
	span := trace.SpanFromContext(ctx)
	defer span.End()
	setUsageAttributes(span, usage, budget)

	labels := map[string]string{"stage": stage, "budget_limit": limitLabel(budget)}
	if o.metrics != nil {
		o.metrics.RecordLatency(MetricBudgetStage, elapsed, labels)
		o.metrics.RecordHistogram(MetricBudgetTokens, float64(usage.Tokens), labels)
		o.metrics.RecordHistogram(MetricBudgetCalls, float64(usage.Calls), labels)
	}

	var be *domain.BudgetExceededError
	switch {
	case errors.As(err, &be):
		// Zero elapsed means the stage never ran.
		phase := "overshoot"
		if elapsed == 0 {
			phase = "refused"
		}
		span.AddEvent("budget.exceeded", trace.WithAttributes(
			attribute.String("limit_type", be.LimitType),
			attribute.Int("limit_value", be.Limit),
			attribute.Int("used_value", be.Used),
			attribute.String("phase", phase),
		))
		span.SetStatus(codes.Error, "budget exceeded")
		if o.metrics != nil {
			o.metrics.RecordCounter(MetricBudgetExceeded, 1, map[string]string{
				"stage":      stage,
				"limit_type": be.LimitType,
				"phase":      phase,
			})
		}
		o.logger.Warn("budget exceeded",
			zap.String("stage", stage),
			zap.String("limit_type", be.LimitType),
			zap.Int("limit", be.Limit),
			zap.Int("used", be.Used),
			zap.String("phase", phase),
		)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
}

func (o *OTelBudgetObserver) thresholdEvents(span trace.Span, resource string, used, limit int64) {
	if limit <= 0 {
		return
	}
	frac := float64(used) / float64(limit)
	var name string
	switch {
	case frac >= o.critical:
		name = "budget.threshold.critical"
	case frac >= o.warning:
		name = "budget.threshold.warning"
	default:
		return
	}
	span.AddEvent(name, trace.WithAttributes(
		attribute.String("resource_type", resource),
		attribute.Float64("usage_percentage", frac*100),
	))
}

func setUsageAttributes(span trace.Span, usage domain.Usage, budget Budget) {
	span.SetAttributes(
		attribute.Int64("budget.tokens_used", usage.Tokens),
		attribute.Int64("budget.calls_made", usage.Calls),
	)
	tokens, calls := budget.Remaining(usage)
	if tokens >= 0 {
		span.SetAttributes(
			attribute.Int64("budget.max_tokens", budget.MaxTokens),
			attribute.Int64("budget.remaining_tokens", tokens),
		)
	}
	if calls >= 0 {
		span.SetAttributes(
			attribute.Int64("budget.max_calls", budget.MaxCalls),
			attribute.Int64("budget.remaining_calls", calls),
		)
	}
}

func limitLabel(budget Budget) string {
	switch {
	case budget.MaxTokens > 0 && budget.MaxCalls > 0:
		return "tokens_and_calls"
	case budget.MaxTokens > 0:
		return "tokens_only"
	case budget.MaxCalls > 0:
		return "calls_only"
	default:
		return "unlimited"
	}
}
