// Package observability holds the logging and metrics plumbing shared by the
// pipeline components.
package observability

// Metrics collects counters, histograms and gauges with tag-based
// dimensionality. Components accept it so tests and embedded callers can
// plug in NoOpMetrics.
type Metrics interface {
	// IncrementCounter increases a counter metric by value.
	IncrementCounter(name string, tags map[string]string, value float64)
	// RecordHistogram records value in a histogram metric.
	RecordHistogram(name string, tags map[string]string, value float64)
	// SetGauge sets a gauge metric to value.
	SetGauge(name string, tags map[string]string, value float64)
}

// NoOpMetrics discards everything.
type NoOpMetrics struct{}

// NewNoOpMetrics returns a metrics collector that records nothing.
func NewNoOpMetrics() *NoOpMetrics { return &NoOpMetrics{} }

// IncrementCounter is a no-op.
func (n *NoOpMetrics) IncrementCounter(_ string, _ map[string]string, _ float64) {}

// RecordHistogram is a no-op.
func (n *NoOpMetrics) RecordHistogram(_ string, _ map[string]string, _ float64) {}

// SetGauge is a no-op.
func (n *NoOpMetrics) SetGauge(_ string, _ map[string]string, _ float64) {}

// Metric names emitted by the pipeline.
const (
	MetricProviderAttempts = "provider_call_attempts_total"
	MetricProviderDuration = "provider_call_duration_seconds"
	MetricBreakerState     = "provider_circuit_open"
	MetricJobTransitions   = "job_transitions_total"
	MetricJobDuration      = "job_duration_seconds"
	MetricPluginFailures   = "metric_plugin_failures_total"
	MetricCacheLookups     = "metric_cache_lookups_total"
	MetricStreamListeners  = "stream_listeners"
	MetricPoolConnections  = "stream_pool_connections"
)
