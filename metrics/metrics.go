// Package metrics holds the Prometheus collectors of the transaction engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is shared by every component of one node. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Oracle
	OracleRefillsTotal   *prometheus.CounterVec
	OracleRefillDuration prometheus.Histogram

	// Transactions
	TxnTransitionsTotal *prometheus.CounterVec
	TxnActive           prometheus.Gauge
	TxnCacheLookups     *prometheus.CounterVec

	// Reads and writes
	FilterDecisionsTotal *prometheus.CounterVec
	WriteResultsTotal    *prometheus.CounterVec
	ConflictsTotal       prometheus.Counter

	// Compaction
	CompactionVersionsDropped *prometheus.CounterVec
	CompactionRowFailures     prometheus.Counter
	CompactionDuration        prometheus.Histogram
	GarbageRowsNoted          prometheus.Counter

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all collectors on a private registry so several nodes (or tests) can
// live in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{Registry: reg}

	m.OracleRefillsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cabbagesi_oracle_refills_total",
			Help: "Timestamp batch reservations against the coordination counter",
		},
		[]string{"status"},
	)
	m.OracleRefillDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cabbagesi_oracle_refill_duration_seconds",
			Help:    "Duration of timestamp batch reservations",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	m.TxnTransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cabbagesi_txn_transitions_total",
			Help: "Transaction state transitions by resulting state and cause",
		},
		[]string{"state", "cause"},
	)
	m.TxnActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "cabbagesi_txn_active",
			Help: "Transactions begun and not yet finished by this node",
		},
	)
	m.TxnCacheLookups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cabbagesi_txn_cache_lookups_total",
			Help: "Transaction record lookups by source",
		},
		[]string{"source"},
	)

	m.FilterDecisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cabbagesi_filter_decisions_total",
			Help: "Visibility filter decisions by return code",
		},
		[]string{"code"},
	)
	m.WriteResultsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cabbagesi_write_results_total",
			Help: "Bulk write mutations by status",
		},
		[]string{"status"},
	)
	m.ConflictsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "cabbagesi_write_conflicts_total",
			Help: "Write-write conflicts detected",
		},
	)

	m.CompactionVersionsDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cabbagesi_compaction_versions_dropped_total",
			Help: "Versions removed by compaction by reason",
		},
		[]string{"reason"},
	)
	m.CompactionRowFailures = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "cabbagesi_compaction_row_failures_total",
			Help: "Rows left untouched because compaction failed on them",
		},
	)
	m.CompactionDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cabbagesi_compaction_duration_seconds",
			Help:    "Duration of compaction passes",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.GarbageRowsNoted = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "cabbagesi_garbage_rows_noted_total",
			Help: "Rows a scan found rolled-back versions in, queued for compaction",
		},
	)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cabbagesi_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)
	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cabbagesi_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	return m
}

func (m *Metrics) RecordOracleRefill(err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OracleRefillsTotal.WithLabelValues(status).Inc()
	m.OracleRefillDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordTransition(state, cause string) {
	if m == nil {
		return
	}
	m.TxnTransitionsTotal.WithLabelValues(state, cause).Inc()
}

func (m *Metrics) TxnBegun() {
	if m == nil {
		return
	}
	m.TxnActive.Inc()
}

func (m *Metrics) TxnFinished() {
	if m == nil {
		return
	}
	m.TxnActive.Dec()
}

func (m *Metrics) RecordCacheLookup(source string) {
	if m == nil {
		return
	}
	m.TxnCacheLookups.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordFilterDecision(code string) {
	if m == nil {
		return
	}
	m.FilterDecisionsTotal.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordWriteResult(status string) {
	if m == nil {
		return
	}
	m.WriteResultsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

func (m *Metrics) RecordCompactionDrop(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CompactionVersionsDropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) RecordCompaction(failedRows int, duration time.Duration) {
	if m == nil {
		return
	}
	m.CompactionRowFailures.Add(float64(failedRows))
	m.CompactionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordGarbageRow() {
	if m == nil {
		return
	}
	m.GarbageRowsNoted.Inc()
}

func (m *Metrics) RecordHTTPRequest(route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, httpCode(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}
