// Package metrics adapts limiter.MetricsRecorder onto Prometheus.
package metrics

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/manenim/adaptive-rate-limiter/pkg/limiter"
)

// PrometheusRecorder turns Add calls into counters and Observe calls into
// histograms. Collectors are created on first use, with the label names taken
// from the tags of that first call; later calls for the same name must carry
// the same tag keys or they are dropped.
type PrometheusRecorder struct {
	reg       prometheus.Registerer
	namespace string
	buckets   []float64
	logger    *slog.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

var _ limiter.MetricsRecorder = (*PrometheusRecorder)(nil)

// RecorderOption configures a PrometheusRecorder.
type RecorderOption func(*PrometheusRecorder)

// WithNamespace prefixes every metric name, e.g. "gateway".
func WithNamespace(ns string) RecorderOption {
	return func(p *PrometheusRecorder) { p.namespace = ns }
}

// WithBuckets overrides prometheus.DefBuckets for every histogram.
func WithBuckets(b []float64) RecorderOption {
	return func(p *PrometheusRecorder) { p.buckets = b }
}

// WithLogger reports dropped samples at debug level.
func WithLogger(l *slog.Logger) RecorderOption {
	return func(p *PrometheusRecorder) { p.logger = l }
}

// NewPrometheusRecorder registers collectors on reg. A nil reg means
// prometheus.DefaultRegisterer.
func NewPrometheusRecorder(reg prometheus.Registerer, opts ...RecorderOption) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PrometheusRecorder{
		reg:        reg,
		buckets:    prometheus.DefBuckets,
		logger:     slog.Default(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PrometheusRecorder) Add(name string, value float64, tags map[string]string) {
	vec, err := p.counterVec(counterName(name), tags)
	if err != nil {
		p.drop(name, err)
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		p.drop(name, err)
		return
	}
	c.Add(value)
}

func (p *PrometheusRecorder) Observe(name string, value float64, tags map[string]string) {
	vec, err := p.histogramVec(sanitize(name), tags)
	if err != nil {
		p.drop(name, err)
		return
	}
	o, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		p.drop(name, err)
		return
	}
	o.Observe(value)
}

func (p *PrometheusRecorder) counterVec(name string, tags map[string]string) (*prometheus.CounterVec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := p.counters[name]; ok {
		return vec, nil
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      "Counter " + name + ".",
	}, labelNames(tags))

	if err := p.reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		vec = existing
	}
	p.counters[name] = vec
	return vec, nil
}

func (p *PrometheusRecorder) histogramVec(name string, tags map[string]string) (*prometheus.HistogramVec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := p.histograms[name]; ok {
		return vec, nil
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      "Histogram " + name + ".",
		Buckets:   p.buckets,
	}, labelNames(tags))

	if err := p.reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, err
		}
		vec = existing
	}
	p.histograms[name] = vec
	return vec, nil
}

func (p *PrometheusRecorder) drop(name string, err error) {
	p.logger.Debug("metric sample dropped", slog.String("metric", name), slog.Any("error", err))
}

func labelNames(tags map[string]string) []string {
	return slices.Sorted(maps.Keys(tags))
}

func counterName(name string) string {
	n := sanitize(name)
	if strings.HasSuffix(n, "_total") {
		return n
	}
	return n + "_total"
}

// sanitize maps a dotted recorder name onto the Prometheus charset.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, name)
}
