// Package metrics defines every Prometheus instrument the ingestion
// pipeline records. The full set is constructed once per process with New
// and passed around as an explicit handle; nothing registers against the
// package-global default registry, so tests can build an isolated registry
// per case and assert on counter values directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline instruments. Field names follow the exposed
// metric names.
type Metrics struct {
	EventsProcessed        prometheus.Counter
	EventsIndexed          prometheus.Counter
	EventsIndexedByTenant  *prometheus.CounterVec
	EventsNacked           prometheus.Counter
	EventsNackedByReason   *prometheus.CounterVec
	EventsValidationFailed prometheus.Counter
	EventsIndexFailed      prometheus.Counter
	BulkFlushes            prometheus.Counter
	IndexRetries           prometheus.Counter

	NormalizerLatency prometheus.Histogram
	IndexLatency      prometheus.Histogram
	EventIndexLatency prometheus.Histogram

	BufferSize         prometheus.Gauge
	TenantRegistrySize prometheus.Gauge
}

// New registers the full instrument set against reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_processed_total",
			Help: "Events received from the broker.",
		}),
		EventsIndexed: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_indexed_total",
			Help: "Events successfully submitted to the search backend.",
		}),
		EventsIndexedByTenant: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "events_indexed_by_tenant_total",
			Help: "Events successfully indexed, partitioned by tenant.",
		}, []string{"tenant_id"}),
		EventsNacked: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_nacked_total",
			Help: "Events rejected to the dead-letter exchange.",
		}),
		EventsNackedByReason: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "events_nacked_by_reason_total",
			Help: "Rejected events partitioned by rejection reason.",
		}, []string{"reason"}),
		EventsValidationFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_validation_failed_total",
			Help: "Events that failed canonical schema validation.",
		}),
		EventsIndexFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_index_failed_total",
			Help: "Events whose indexing failed after all retries.",
		}),
		BulkFlushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "bulk_flushes_total",
			Help: "Bulk buffer flushes issued to the search backend.",
		}),
		IndexRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "index_retries_total",
			Help: "Single-document index attempts that failed and were retried.",
		}),

		NormalizerLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "normalizer_latency_seconds",
			Help:    "Time spent normalizing one raw event.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		}),
		IndexLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "index_latency_seconds",
			Help:    "Search backend round-trip per bulk flush or single document.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}),
		EventIndexLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "event_index_latency_seconds",
			Help:    "End-to-end indexing latency for one event on the unitary path.",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		BufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consumer_buffer_size",
			Help: "Events currently held in the bulk indexer buffer.",
		}),
		TenantRegistrySize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tenant_registry_size",
			Help: "Tenants known to the in-process registry.",
		}),
	}
}

// RecordIndexed counts one successfully indexed event for tenant.
func (m *Metrics) RecordIndexed(tenant string) {
	m.EventsIndexed.Inc()
	m.EventsIndexedByTenant.WithLabelValues(tenant).Inc()
}

// RecordRejection counts one event routed to the DLX (or nacked) with reason.
func (m *Metrics) RecordRejection(reason string) {
	m.EventsNacked.Inc()
	m.EventsNackedByReason.WithLabelValues(reason).Inc()
}
