package tap

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/compose-network/recordtap/metrics"
)

// Connection lifecycle events.
const (
	eventOpened = "opened"
	eventClosed = "closed"
	eventFailed = "failed"
)

// Metrics holds connection manager metrics
type Metrics struct {
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge
	SessionsActive    prometheus.Gauge
	BytesTotal        *prometheus.CounterVec
	FilteredBytes     *prometheus.CounterVec
	SessionErrors     *prometheus.CounterVec
}

// NewMetrics creates manager metrics registered with reg; nil leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	r := metrics.NewComponentRegistryWith(reg, "recordtap", "tap")

	return &Metrics{
		ConnectionsTotal: r.NewCounterVec(prometheus.CounterOpts{
			Name: "connections_total",
			Help: "Total number of tapped connection lifecycle events",
		}, []string{"event"}),

		ConnectionsActive: r.NewGauge(prometheus.GaugeOpts{
			Name: "connections_active",
			Help: "Number of connections currently tapped",
		}),

		SessionsActive: r.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of open decoder sessions",
		}),

		BytesTotal: r.NewCounterVec(prometheus.CounterOpts{
			Name: "bytes_total",
			Help: "Total number of tapped bytes per direction",
		}, []string{"direction"}),

		FilteredBytes: r.NewCounterVec(prometheus.CounterOpts{
			Name: "filtered_bytes_total",
			Help: "Total number of tapped bytes skipped by the direction filter",
		}, []string{"direction"}),

		SessionErrors: r.NewCounterVec(prometheus.CounterOpts{
			Name: "session_errors_total",
			Help: "Total number of decoder session submit or close failures",
		}, []string{"op"}),
	}
}
