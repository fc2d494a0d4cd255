// Package metrics carries a prometheus collector through context.Context.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the metric prefix used by every semgrep-hub component.
const Namespace = "semgrep_hub"

// functionDurationBuckets covers quick store calls up to long analyzer runs.
var functionDurationBuckets = []float64{0.25, 0.5, 1, 5, 30, 120, 600}

// Collector registers and updates named metrics. Metric names are prefixed with the namespace.
type Collector interface {
	RegisterCounter(ctx context.Context, name string, labels ...string) (*prometheus.CounterVec, error)
	RegisterGauge(ctx context.Context, name string, labels ...string) (*prometheus.GaugeVec, error)
	RegisterHistogram(ctx context.Context, name string, labels ...string) (*prometheus.HistogramVec, error)
	AddCounter(ctx context.Context, name string, value float64, labelValues ...string) error
	SetGauge(ctx context.Context, name string, value float64, labelValues ...string) error
	ObserveHistogram(ctx context.Context, name string, value float64, labelValues ...string) error
	AddHistogram(ctx context.Context, name string, value float64, labelValues ...string) error
	UnregisterCounter(ctx context.Context, name string, labels ...string) error
	UnregisterGauge(ctx context.Context, name string, labels ...string) error
	UnregisterHistogram(ctx context.Context, name string, labels ...string) error
	// MeasureFunctionExecutionTime starts a timer; calling the returned func records the elapsed time.
	MeasureFunctionExecutionTime(ctx context.Context, function string) (func(), error)
	MetricsHandler() http.Handler
}

type contextKey string

const collectorKey contextKey = "metrics"

// prometheusCollector keeps its own registry so independent collectors never clash.
type prometheusCollector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	namespace  string
	mu         sync.Mutex
}

// New returns a collector with a fresh registry that also exports Go runtime and process metrics.
func New(namespace string) Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &prometheusCollector{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		namespace:  namespace,
	}
}

// WithMetrics returns a context carrying a new collector for namespace.
func WithMetrics(ctx context.Context, namespace string) context.Context {
	if ctx == nil {
		panic("ctx cannot be nil")
	}
	return context.WithValue(ctx, collectorKey, New(namespace))
}

// WithCollector returns a context carrying c.
func WithCollector(ctx context.Context, c Collector) context.Context {
	if ctx == nil {
		panic("ctx cannot be nil")
	}
	return context.WithValue(ctx, collectorKey, c)
}

// FromContext returns the collector stored in ctx, or a detached one when ctx has none.
func FromContext(ctx context.Context, namespace string) Collector {
	if ctx != nil {
		if c, ok := ctx.Value(collectorKey).(Collector); ok {
			return c
		}
	}
	return New(namespace)
}

func (c *prometheusCollector) fullName(name string) string {
	return c.namespace + "_" + name
}

func (c *prometheusCollector) RegisterCounter(_ context.Context, name string, labels ...string) (*prometheus.CounterVec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := c.fullName(name)
	if _, ok := c.counters[full]; ok {
		return nil, fmt.Errorf("counter '%s' already registered", full)
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: full,
		Help: "Counter for " + full,
	}, labels)
	if err := c.registry.Register(vec); err != nil {
		return nil, fmt.Errorf("failed to register counter '%s': %w", full, err)
	}
	c.counters[full] = vec
	return vec, nil
}

func (c *prometheusCollector) RegisterGauge(_ context.Context, name string, labels ...string) (*prometheus.GaugeVec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := c.fullName(name)
	if _, ok := c.gauges[full]; ok {
		return nil, fmt.Errorf("gauge '%s' already registered", full)
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: full,
		Help: "Gauge for " + full,
	}, labels)
	if err := c.registry.Register(vec); err != nil {
		return nil, fmt.Errorf("failed to register gauge '%s': %w", full, err)
	}
	c.gauges[full] = vec
	return vec, nil
}

func (c *prometheusCollector) RegisterHistogram(_ context.Context, name string, labels ...string) (*prometheus.HistogramVec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registerHistogramLocked(c.fullName(name), "Histogram for "+c.fullName(name), labels)
}

func (c *prometheusCollector) registerHistogramLocked(full, help string, labels []string) (*prometheus.HistogramVec, error) {
	if _, ok := c.histograms[full]; ok {
		return nil, fmt.Errorf("histogram '%s' already registered", full)
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    full,
		Help:    help,
		Buckets: functionDurationBuckets,
	}, labels)
	if err := c.registry.Register(vec); err != nil {
		return nil, fmt.Errorf("failed to register histogram '%s': %w", full, err)
	}
	c.histograms[full] = vec
	return vec, nil
}

func (c *prometheusCollector) AddCounter(_ context.Context, name string, value float64, labelValues ...string) error {
	c.mu.Lock()
	vec, ok := c.counters[c.fullName(name)]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("counter '%s' not found", c.fullName(name))
	}
	m, err := vec.GetMetricWithLabelValues(labelValues...)
	if err != nil {
		return fmt.Errorf("counter '%s': %w", c.fullName(name), err)
	}
	m.Add(value)
	return nil
}

func (c *prometheusCollector) SetGauge(_ context.Context, name string, value float64, labelValues ...string) error {
	c.mu.Lock()
	vec, ok := c.gauges[c.fullName(name)]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("gauge '%s' not found", c.fullName(name))
	}
	m, err := vec.GetMetricWithLabelValues(labelValues...)
	if err != nil {
		return fmt.Errorf("gauge '%s': %w", c.fullName(name), err)
	}
	m.Set(value)
	return nil
}

func (c *prometheusCollector) ObserveHistogram(_ context.Context, name string, value float64, labelValues ...string) error {
	c.mu.Lock()
	vec, ok := c.histograms[c.fullName(name)]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("histogram '%s' not found", c.fullName(name))
	}
	m, err := vec.GetMetricWithLabelValues(labelValues...)
	if err != nil {
		return fmt.Errorf("histogram '%s': %w", c.fullName(name), err)
	}
	m.Observe(value)
	return nil
}

// AddHistogram is an alias of ObserveHistogram.
func (c *prometheusCollector) AddHistogram(ctx context.Context, name string, value float64, labelValues ...string) error {
	return c.ObserveHistogram(ctx, name, value, labelValues...)
}

// Unregistering an unknown metric is not an error.
func (c *prometheusCollector) UnregisterCounter(_ context.Context, name string, _ ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := c.fullName(name)
	if vec, ok := c.counters[full]; ok {
		c.registry.Unregister(vec)
		delete(c.counters, full)
	}
	return nil
}

func (c *prometheusCollector) UnregisterGauge(_ context.Context, name string, _ ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := c.fullName(name)
	if vec, ok := c.gauges[full]; ok {
		c.registry.Unregister(vec)
		delete(c.gauges, full)
	}
	return nil
}

func (c *prometheusCollector) UnregisterHistogram(_ context.Context, name string, _ ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := c.fullName(name)
	if vec, ok := c.histograms[full]; ok {
		c.registry.Unregister(vec)
		delete(c.histograms, full)
	}
	return nil
}

func (c *prometheusCollector) MeasureFunctionExecutionTime(_ context.Context, function string) (func(), error) {
	full := c.fullName("function_duration_seconds")
	c.mu.Lock()
	vec, ok := c.histograms[full]
	if !ok {
		var err error
		vec, err = c.registerHistogramLocked(full, "Time spent executing functions.", []string{"function"})
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	c.mu.Unlock()

	start := time.Now()
	return func() {
		vec.WithLabelValues(function).Observe(time.Since(start).Seconds())
	}, nil
}

func (c *prometheusCollector) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// EnsureCounter registers a counter unless it already exists.
func EnsureCounter(ctx context.Context, c Collector, name string, labels ...string) {
	_, _ = c.RegisterCounter(ctx, name, labels...) //nolint:errcheck
}

// EnsureGauge registers a gauge unless it already exists.
func EnsureGauge(ctx context.Context, c Collector, name string, labels ...string) {
	_, _ = c.RegisterGauge(ctx, name, labels...) //nolint:errcheck
}
