package observability

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "promptlab"

// PrometheusMetrics implements Metrics on top of client_golang collectors.
// Vectors are created on first use of a name; every call for one name must
// use the same tag keys.
type PrometheusMetrics struct {
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusMetrics registers collectors with reg lazily. A nil reg uses
// the default registerer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		registerer: reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// register returns the already-registered collector when another instance
// registered the same name first.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// IncrementCounter adds value to the named counter.
func (p *PrometheusMetrics) IncrementCounter(name string, tags map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = register(p.registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      metricName(name),
			Help:      name,
		}, labelNames(tags)))
		p.counters[name] = vec
	}
	p.mu.Unlock()
	vec.With(tags).Add(value)
}

// RecordHistogram observes value in the named histogram.
func (p *PrometheusMetrics) RecordHistogram(name string, tags map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = register(p.registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      metricName(name),
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, labelNames(tags)))
		p.histograms[name] = vec
	}
	p.mu.Unlock()
	vec.With(tags).Observe(value)
}

// SetGauge sets the named gauge.
func (p *PrometheusMetrics) SetGauge(name string, tags map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = register(p.registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      metricName(name),
			Help:      name,
		}, labelNames(tags)))
		p.gauges[name] = vec
	}
	p.mu.Unlock()
	vec.With(tags).Set(value)
}
