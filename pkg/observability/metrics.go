package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricKind is one of the three metric shapes: counter, gauge,
// histogram.
type MetricKind int

const (
	Counter MetricKind = iota
	Gauge
	Histogram
)

// Registry maps metric names to label-aware prometheus collectors, so a
// caller can register a metric once by name/kind/label-names and then record
// observations against concrete label values, instead of hand-rolling a
// counter map.
type Registry struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewRegistry builds a Registry backed by the given prometheus registerer.
// Pass prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to publish on the process-wide /metrics
// endpoint.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return &Registry{
		registerer: reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// RegisterCounter declares a counter metric with the given label names. It
// is safe to call more than once for the same name with identical labels.
func (r *Registry) RegisterCounter(name, help string, labels ...string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	r.registerer.MustRegister(c)
	r.counters[name] = c
	return c
}

// RegisterGauge declares a gauge metric with the given label names.
func (r *Registry) RegisterGauge(name, help string, labels ...string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	r.registerer.MustRegister(g)
	r.gauges[name] = g
	return g
}

// RegisterHistogram declares a histogram metric with the given label names
// and bucket boundaries. A nil buckets slice uses prometheus.DefBuckets.
func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	r.registerer.MustRegister(h)
	r.histograms[name] = h
	return h
}

// Inc increments a previously registered counter for the given label values.
func (r *Registry) Inc(name string, labelValues ...string) {
	r.mu.Lock()
	c, ok := r.counters[name]
	r.mu.Unlock()
	if ok {
		c.WithLabelValues(labelValues...).Inc()
	}
}

// Set assigns a previously registered gauge's value for the given label
// values.
func (r *Registry) Set(name string, value float64, labelValues ...string) {
	r.mu.Lock()
	g, ok := r.gauges[name]
	r.mu.Unlock()
	if ok {
		g.WithLabelValues(labelValues...).Set(value)
	}
}

// Observe records a sample against a previously registered histogram for the
// given label values.
func (r *Registry) Observe(name string, value float64, labelValues ...string) {
	r.mu.Lock()
	h, ok := r.histograms[name]
	r.mu.Unlock()
	if ok {
		h.WithLabelValues(labelValues...).Observe(value)
	}
}
