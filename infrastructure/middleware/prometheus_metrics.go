package middleware

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ahrav/go-fincheck/internal/ports"
)

var _ ports.MetricsCollector = (*PrometheusMetrics)(nil)

type metricKind int

const (
	kindCounter metricKind = iota
	kindGauge
	kindHistogram
)

func (k metricKind) String() string {
	switch k {
	case kindCounter:
		return "counter"
	case kindGauge:
		return "gauge"
	default:
		return "histogram"
	}
}

// countBuckets suits token, call and attempt counts.
var countBuckets = prometheus.ExponentialBuckets(1, 4, 10)

type family struct {
	kind      metricKind
	labels    []string
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

// PrometheusMetrics implements ports.MetricsCollector on a Prometheus
// registry. Metric families are created on first use; the label names of
// that first call fix the family's schema, later calls fill missing labels
// with "" and drop unknown ones.
//
// RecordLatency("stage", ...) observes stage_duration_seconds.
type PrometheusMetrics struct {
	reg       prometheus.Registerer
	namespace string
	buckets   map[string][]float64
	logger    *zap.Logger

	mu       sync.RWMutex
	families map[string]*family
	rejected map[string]struct{}
}

// PrometheusOption configures PrometheusMetrics.
type PrometheusOption func(*PrometheusMetrics)

// WithNamespace prefixes every metric name.
func WithNamespace(ns string) PrometheusOption {
	return func(pm *PrometheusMetrics) { pm.namespace = ns }
}

// WithBuckets overrides the histogram buckets of one metric, named without
// the namespace.
func WithBuckets(metric string, buckets []float64) PrometheusOption {
	return func(pm *PrometheusMetrics) { pm.buckets[metric] = buckets }
}

// WithMetricsLogger logs metrics that cannot be registered.
func WithMetricsLogger(l *zap.Logger) PrometheusOption {
	return func(pm *PrometheusMetrics) {
		if l != nil {
			pm.logger = l
		}
	}
}

// NewPrometheusMetrics creates a collector registering into reg, or the
// default registerer when reg is nil.
func NewPrometheusMetrics(reg prometheus.Registerer, opts ...PrometheusOption) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	pm := &PrometheusMetrics{
		reg:      reg,
		buckets:  make(map[string][]float64),
		logger:   zap.NewNop(),
		families: make(map[string]*family),
		rejected: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(pm)
	}
	return pm
}

// RecordLatency observes duration in seconds on <operation>_duration_seconds.
func (pm *PrometheusMetrics) RecordLatency(operation string, duration time.Duration, labels map[string]string) {
	pm.RecordHistogram(operation+"_duration_seconds", duration.Seconds(), labels)
}

// RecordCounter adds value to a counter. Negative values are ignored.
func (pm *PrometheusMetrics) RecordCounter(metric string, value float64, labels map[string]string) {
	if value < 0 {
		return
	}
	f := pm.family(metric, kindCounter, labels)
	if f == nil {
		return
	}
	c, err := f.counter.GetMetricWithLabelValues(labelValues(f.labels, labels)...)
	if err != nil {
		pm.logger.Debug("metrics: counter label mismatch", zap.String("metric", metric), zap.Error(err))
		return
	}
	c.Add(value)
}

// RecordGauge sets a gauge.
func (pm *PrometheusMetrics) RecordGauge(metric string, value float64, labels map[string]string) {
	f := pm.family(metric, kindGauge, labels)
	if f == nil {
		return
	}
	g, err := f.gauge.GetMetricWithLabelValues(labelValues(f.labels, labels)...)
	if err != nil {
		pm.logger.Debug("metrics: gauge label mismatch", zap.String("metric", metric), zap.Error(err))
		return
	}
	g.Set(value)
}

// RecordHistogram observes value. Metrics ending in _seconds use the default
// latency buckets; others use exponential count buckets unless overridden.
func (pm *PrometheusMetrics) RecordHistogram(metric string, value float64, labels map[string]string) {
	f := pm.family(metric, kindHistogram, labels)
	if f == nil {
		return
	}
	h, err := f.histogram.GetMetricWithLabelValues(labelValues(f.labels, labels)...)
	if err != nil {
		pm.logger.Debug("metrics: histogram label mismatch", zap.String("metric", metric), zap.Error(err))
		return
	}
	h.Observe(value)
}

// family returns the vector for metric, creating and registering it on
// first use. It returns nil for metrics that could not be registered.
func (pm *PrometheusMetrics) family(metric string, kind metricKind, labels map[string]string) *family {
	name := prometheus.BuildFQName(pm.namespace, "", metric)

	pm.mu.RLock()
	f, ok := pm.families[name]
	_, bad := pm.rejected[name]
	pm.mu.RUnlock()
	if ok && f.kind == kind {
		return f
	}
	if bad {
		return nil
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if f, ok := pm.families[name]; ok {
		if f.kind == kind {
			return f
		}
		pm.reject(name, errors.New("recorded as "+f.kind.String()+", now as "+kind.String()))
		return nil
	}
	if _, bad := pm.rejected[name]; bad {
		return nil
	}

	f = &family{kind: kind, labels: labelNames(labels)}
	help := strings.ReplaceAll(metric, "_", " ")
	var col prometheus.Collector
	switch kind {
	case kindCounter:
		f.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, f.labels)
		col = f.counter
	case kindGauge:
		f.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, f.labels)
		col = f.gauge
	case kindHistogram:
		f.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: pm.bucketsFor(metric),
		}, f.labels)
		col = f.histogram
	}

	if err := pm.reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) || !f.adopt(are.ExistingCollector) {
			pm.reject(name, err)
			return nil
		}
	}
	pm.families[name] = f
	return f
}

// adopt reuses a collector registered earlier, for instance by another
// PrometheusMetrics sharing the registry.
func (f *family) adopt(existing prometheus.Collector) bool {
	switch f.kind {
	case kindCounter:
		c, ok := existing.(*prometheus.CounterVec)
		f.counter = c
		return ok
	case kindGauge:
		g, ok := existing.(*prometheus.GaugeVec)
		f.gauge = g
		return ok
	default:
		h, ok := existing.(*prometheus.HistogramVec)
		f.histogram = h
		return ok
	}
}

func (pm *PrometheusMetrics) reject(name string, err error) {
	pm.rejected[name] = struct{}{}
	pm.logger.Warn("metrics: dropping metric", zap.String("metric", name), zap.Error(err))
}

func (pm *PrometheusMetrics) bucketsFor(metric string) []float64 {
	if b, ok := pm.buckets[metric]; ok {
		return b
	}
	if strings.HasSuffix(metric, "_seconds") {
		return prometheus.DefBuckets
	}
	return countBuckets
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func labelValues(names []string, labels map[string]string) []string {
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = labels[n]
	}
	return values
}
