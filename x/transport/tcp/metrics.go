package tcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/compose-network/recordtap/metrics"
)

// Connection states counted by ConnectionsTotal.
const (
	stateAccepted   = "accepted"
	stateRejected   = "rejected"
	stateDialFailed = "dial_failed"
	stateClosed     = "closed"
	stateFailed     = "failed"
)

// Metrics holds all relay-level metrics
type Metrics struct {
	// Connection management
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionsActive  prometheus.Gauge
	ConnectionDuration prometheus.Histogram

	// Relayed bytes
	BytesTotal     *prometheus.CounterVec
	ChunkSizeBytes *prometheus.HistogramVec

	// Relay errors
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates relay metrics registered with reg; nil leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	r := metrics.NewComponentRegistryWith(reg, "recordtap", "relay")

	return &Metrics{
		ConnectionsTotal: r.NewCounterVec(prometheus.CounterOpts{
			Name: "connections_total",
			Help: "Total number of relay connection events by state",
		}, []string{"state"}),

		ConnectionsActive: r.NewGauge(prometheus.GaugeOpts{
			Name: "connections_active",
			Help: "Number of active relayed connections",
		}),

		ConnectionDuration: r.NewHistogram(prometheus.HistogramOpts{
			Name:    "connection_duration_seconds",
			Help:    "Duration of relayed connections",
			Buckets: metrics.NetworkBuckets,
		}),

		BytesTotal: r.NewCounterVec(prometheus.CounterOpts{
			Name: "bytes_total",
			Help: "Total number of relayed bytes by direction",
		}, []string{"direction"}),

		ChunkSizeBytes: r.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunk_size_bytes",
			Help:    "Size of relayed read chunks in bytes",
			Buckets: metrics.SizeBuckets,
		}, []string{"direction"}),

		ErrorsTotal: r.NewCounterVec(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of relay errors",
		}, []string{"operation"}),
	}
}

// RecordConnection records a connection event
func (m *Metrics) RecordConnection(state string) {
	m.ConnectionsTotal.WithLabelValues(state).Inc()

	switch state {
	case stateAccepted:
		m.ConnectionsActive.Inc()
	case stateClosed, stateFailed:
		m.ConnectionsActive.Dec()
	default:
	}
}

// RecordConnectionDuration records the lifetime of a relayed connection
func (m *Metrics) RecordConnectionDuration(d time.Duration) {
	m.ConnectionDuration.Observe(d.Seconds())
}

// RecordChunk records one relayed read
func (m *Metrics) RecordChunk(direction string, size int) {
	m.BytesTotal.WithLabelValues(direction).Add(float64(size))
	m.ChunkSizeBytes.WithLabelValues(direction).Observe(float64(size))
}

// RecordError records a relay error
func (m *Metrics) RecordError(operation string) {
	m.ErrorsTotal.WithLabelValues(operation).Inc()
}
