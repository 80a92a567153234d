package stream

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/compose-network/recordtap/metrics"
)

// Export paths label how a record reached Export.
const (
	PathImmediate  = "immediate"
	PathContinued  = "continued"
	PathSuperseded = "superseded"
	PathTeardown   = "teardown"
)

// Metrics holds all decoder metrics
type Metrics struct {
	registry *metrics.ComponentRegistry

	BytesTotal            prometheus.Counter
	MessagesTotal         prometheus.Counter
	PayloadsTotal         prometheus.Counter
	HeaderUnderflowsTotal prometheus.Counter
	PayloadErrorsTotal    *prometheus.CounterVec
	DiscardedBytesTotal   *prometheus.CounterVec
	UnknownPayloadsTotal  prometheus.Counter

	RecordsTotal          *prometheus.CounterVec
	RecordSizeBytes       prometheus.Histogram
	RecordChunks          prometheus.Histogram
	ExportDuration        prometheus.Histogram
	ExportFailuresTotal   *prometheus.CounterVec
	PendingDiscardedTotal prometheus.Counter

	QueueDepth *prometheus.GaugeVec
}

// NewMetrics creates decoder metrics registered with reg. A nil reg yields
// working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	r := metrics.NewComponentRegistryWith(reg, "recordtap", "stream")

	return &Metrics{
		registry: r,

		BytesTotal: r.NewCounter(prometheus.CounterOpts{
			Name: "bytes_total",
			Help: "Total number of raw bytes submitted to decoders",
		}),

		MessagesTotal: r.NewCounter(prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total number of complete messages framed",
		}),

		PayloadsTotal: r.NewCounter(prometheus.CounterOpts{
			Name: "payloads_total",
			Help: "Total number of payloads dispatched",
		}),

		HeaderUnderflowsTotal: r.NewCounter(prometheus.CounterOpts{
			Name: "header_underflows_total",
			Help: "Number of times a short message header was discarded",
		}),

		PayloadErrorsTotal: r.NewCounterVec(prometheus.CounterOpts{
			Name: "payload_errors_total",
			Help: "Number of message bodies abandoned on an inconsistent payload",
		}, []string{"reason"}),

		DiscardedBytesTotal: r.NewCounterVec(prometheus.CounterOpts{
			Name: "discarded_bytes_total",
			Help: "Bytes dropped during resynchronization",
		}, []string{"reason"}),

		UnknownPayloadsTotal: r.NewCounter(prometheus.CounterOpts{
			Name: "unknown_payloads_total",
			Help: "Payloads of unregistered types ignored with nothing pending",
		}),

		RecordsTotal: r.NewCounterVec(prometheus.CounterOpts{
			Name: "records_total",
			Help: "Records exported by payload type and export path",
		}, []string{"type", "path"}),

		RecordSizeBytes: r.NewHistogram(prometheus.HistogramOpts{
			Name:    "record_size_bytes",
			Help:    "Size of exported records",
			Buckets: metrics.SizeBuckets,
		}),

		RecordChunks: r.NewHistogram(prometheus.HistogramOpts{
			Name:    "record_chunks",
			Help:    "Number of payloads reassembled into one record",
			Buckets: metrics.CountBuckets,
		}),

		ExportDuration: r.NewHistogram(prometheus.HistogramOpts{
			Name:    "export_duration_seconds",
			Help:    "Duration of record exports",
			Buckets: metrics.DurationBuckets,
		}),

		ExportFailuresTotal: r.NewCounterVec(prometheus.CounterOpts{
			Name: "export_failures_total",
			Help: "Handler construction or export failures",
		}, []string{"type", "stage"}),

		PendingDiscardedTotal: r.NewCounter(prometheus.CounterOpts{
			Name: "pending_discarded_total",
			Help: "Open records dropped without export at connection teardown",
		}),

		QueueDepth: r.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Items waiting in pipeline queues",
		}, []string{"stage"}),
	}
}

// RecordExport records a completed export attempt
func (m *Metrics) RecordExport(typ uint16, path string, size, chunks int, duration time.Duration, err error) {
	m.ExportDuration.Observe(duration.Seconds())
	if err != nil {
		m.ExportFailuresTotal.WithLabelValues(TypeLabel(typ), "export").Inc()
		return
	}
	m.RecordsTotal.WithLabelValues(TypeLabel(typ), path).Inc()
	m.RecordSizeBytes.Observe(float64(size))
	m.RecordChunks.Observe(float64(chunks))
}

// TypeLabel formats a payload type for logs and metric labels.
func TypeLabel(typ uint16) string {
	return fmt.Sprintf("0x%04x", typ)
}
