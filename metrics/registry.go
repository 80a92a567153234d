package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DurationBuckets covers sub-millisecond decode steps up to slow exports.
	DurationBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
	// SizeBuckets covers chunk and record sizes in bytes.
	SizeBuckets = prometheus.ExponentialBuckets(16, 4, 9)
	// CountBuckets covers small cardinalities such as payloads per record.
	CountBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000}
	// NetworkBuckets covers connection lifetimes in seconds.
	NetworkBuckets = []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 14400}
)

// ComponentRegistry creates collectors under a shared namespace/subsystem and
// registers them with a prometheus.Registerer.
type ComponentRegistry struct {
	namespace  string
	subsystem  string
	registerer prometheus.Registerer
}

// NewComponentRegistry returns a registry bound to the default Prometheus registerer.
func NewComponentRegistry(namespace, subsystem string) *ComponentRegistry {
	return NewComponentRegistryWith(prometheus.DefaultRegisterer, namespace, subsystem)
}

// NewComponentRegistryWith returns a registry bound to reg. A nil reg creates
// unregistered collectors.
func NewComponentRegistryWith(reg prometheus.Registerer, namespace, subsystem string) *ComponentRegistry {
	return &ComponentRegistry{
		namespace:  namespace,
		subsystem:  subsystem,
		registerer: reg,
	}
}

// NewCounter creates and registers a counter
func (r *ComponentRegistry) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace, opts.Subsystem = r.namespace, r.subsystem
	return register(r.registerer, prometheus.NewCounter(opts))
}

// NewCounterVec creates and registers a counter vector
func (r *ComponentRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	opts.Namespace, opts.Subsystem = r.namespace, r.subsystem
	return register(r.registerer, prometheus.NewCounterVec(opts, labels))
}

// NewGauge creates and registers a gauge
func (r *ComponentRegistry) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace, opts.Subsystem = r.namespace, r.subsystem
	return register(r.registerer, prometheus.NewGauge(opts))
}

// NewGaugeVec creates and registers a gauge vector
func (r *ComponentRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	opts.Namespace, opts.Subsystem = r.namespace, r.subsystem
	return register(r.registerer, prometheus.NewGaugeVec(opts, labels))
}

// NewHistogram creates and registers a histogram
func (r *ComponentRegistry) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	opts.Namespace, opts.Subsystem = r.namespace, r.subsystem
	return register(r.registerer, prometheus.NewHistogram(opts))
}

// NewHistogramVec creates and registers a histogram vector
func (r *ComponentRegistry) NewHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	opts.Namespace, opts.Subsystem = r.namespace, r.subsystem
	return register(r.registerer, prometheus.NewHistogramVec(opts, labels))
}

// register returns the already registered collector when an identical one exists,
// so components can be constructed more than once per process.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
