// Package metrics holds the Prometheus registries exposed by both the
// producer and the consumer half of the gateway (spec.md §4.J, §8).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every gauge, counter, and histogram the gateway exports.
type Metrics struct {
	ScanWaitSeconds    *prometheus.HistogramVec
	ScanProcessSeconds *prometheus.HistogramVec
	ScanTotalSeconds   *prometheus.HistogramVec
	EngineScanSeconds  *prometheus.HistogramVec
	BytesScanned       *prometheus.HistogramVec

	ScanResults     *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
	NotableRequests *prometheus.CounterVec

	ActiveSessions prometheus.Gauge
	ClusterEpoch   prometheus.Gauge
}

// New registers the gateway's metrics against reg. Pass nil to register
// against the global default registerer; tests should pass a fresh
// prometheus.NewRegistry() so repeated construction doesn't panic on
// duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ScanWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "virusscan_scan_wait_seconds",
				Help:    "Time a session spent queued before a worker picked it up",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"priority"},
		),
		ScanProcessSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "virusscan_scan_process_seconds",
				Help:    "Time a worker spent scanning once it picked up a session",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"priority"},
		),
		ScanTotalSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "virusscan_scan_total_seconds",
				Help:    "Total turnaround time from enqueue to result, wait plus process",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"priority"},
		),
		EngineScanSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "virusscan_engine_scan_seconds",
				Help:    "Time spent inside the INSTREAM round trip to the scan engine",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		BytesScanned: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "virusscan_bytes_scanned",
				Help:    "Size of scanned payloads, bucketed by size class",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
			[]string{"size_class"},
		),
		ScanResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "virusscan_scan_results_total",
				Help: "Scan outcomes by result",
			},
			[]string{"result"}, // clean, infected, error, blocked
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "virusscan_cache_lookups_total",
				Help: "Intelligent cache lookups by outcome",
			},
			[]string{"outcome"}, // hit, miss, skipped
		),
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "virusscan_store_errors_total",
				Help: "Errors from the shared state store by operation",
			},
			[]string{"op"},
		),
		NotableRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "virusscan_notable_requests_total",
				Help: "Requests classified by notable domain category, a metrics label only",
			},
			[]string{"category"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "virusscan_active_sessions",
				Help: "Number of in-flight scan sessions across the cluster",
			},
		),
		ClusterEpoch: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "virusscan_cluster_epoch",
				Help: "Current epoch this node has converged to",
			},
		),
	}
}

// SizeClass buckets a byte count into a coarse label so the bytes-scanned
// histogram doesn't explode into per-byte cardinality.
func SizeClass(n int) string {
	switch {
	case n < 1024:
		return "tiny"
	case n < 100*1024:
		return "small"
	case n < 1024*1024:
		return "medium"
	case n < 100*1024*1024:
		return "large"
	case n < 1024*1024*1024:
		return "xlarge"
	case n < 10*1024*1024*1024:
		return "huge"
	default:
		return "massive"
	}
}

// RecordScan records the three duration components and the final result
// for one completed scan session.
func (m *Metrics) RecordScan(priority string, wait, process, total float64, result string, bytes int) {
	m.ScanWaitSeconds.WithLabelValues(priority).Observe(wait)
	m.ScanProcessSeconds.WithLabelValues(priority).Observe(process)
	m.ScanTotalSeconds.WithLabelValues(priority).Observe(total)
	m.ScanResults.WithLabelValues(result).Inc()
	m.BytesScanned.WithLabelValues(SizeClass(bytes)).Observe(float64(bytes))
}

// RecordEngineScan records one INSTREAM round trip.
func (m *Metrics) RecordEngineScan(result string, seconds float64) {
	m.EngineScanSeconds.WithLabelValues(result).Observe(seconds)
}

// RecordCacheLookup records one intelligent-cache decision.
func (m *Metrics) RecordCacheLookup(outcome string) {
	m.CacheLookups.WithLabelValues(outcome).Inc()
}

// RecordStoreError records a failed store operation.
func (m *Metrics) RecordStoreError(op string) {
	m.StoreErrors.WithLabelValues(op).Inc()
}

// RecordNotable labels one request by its notable-domain category; empty
// classifies as "none" so cardinality stays bounded to the known domain map.
func (m *Metrics) RecordNotable(category string) {
	if category == "" {
		category = "none"
	}
	m.NotableRequests.WithLabelValues(category).Inc()
}
