// Package metrics provides Prometheus instrumentation for the RPCSEC_GSS
// client: context lifecycle, refresh outcomes, upcall latency/dedup, and
// per-service MIC and wrap failures.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GSSMetrics tracks Prometheus metrics for the client's RPCSEC_GSS
// operations. All metrics use the "rpcsecgss_" prefix. Methods handle a
// nil receiver gracefully, so a nil *GSSMetrics acts as a no-op (zero
// overhead when metrics are disabled).
type GSSMetrics struct {
	// ContextCreations counts SecCtx establishment attempts by result.
	// Labels: result=[success, retry, key_expired, access_denied]
	ContextCreations *prometheus.CounterVec

	// ContextDestructions counts SecCtx teardowns (final reclaim discard).
	ContextDestructions prometheus.Counter

	// ActiveContexts tracks the number of currently installed SecCtx values.
	ActiveContexts prometheus.Gauge

	// RefreshResults counts Cred.refresh outcomes.
	// Labels: refresh_result=[uptodate, new_upcall, negative_cooldown, key_expired, retry, error]
	RefreshResults *prometheus.CounterVec

	// UpcallDuration tracks upcall round-trip time by pipe version.
	// Labels: upcall_version=["0", "1"]
	UpcallDuration *prometheus.HistogramVec

	// UpcallDedupHits counts refresh calls that attached to an already
	// in-flight upcall instead of issuing a new one.
	UpcallDedupHits prometheus.Counter

	// MICFailures counts GetMIC/VerifyMIC failures by operation and service.
	// Labels: operation=[marshal, validate], service=[none, integrity, privacy]
	MICFailures *prometheus.CounterVec

	// WrapFailures counts Wrap/Unwrap failures by operation and service.
	// Labels: operation=[wrap, unwrap], service=[integrity, privacy]
	WrapFailures *prometheus.CounterVec

	// DataRequests counts DATA requests by service level.
	// Labels: service=[none, integrity, privacy]
	DataRequests *prometheus.CounterVec
}

var (
	gssMetricsOnce     sync.Once
	gssMetricsInstance *GSSMetrics
)

// NewGSSMetrics creates and registers the client's GSS Prometheus metrics.
// If registerer is nil, prometheus.DefaultRegisterer is used. Idempotent:
// uses sync.Once so repeated calls (e.g. multiple GssAuth instances in one
// process) return the same registered instance.
func NewGSSMetrics(registerer prometheus.Registerer) *GSSMetrics {
	gssMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		m := &GSSMetrics{
			ContextCreations: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rpcsecgss_context_creations_total",
					Help: "Total SecCtx establishment attempts by result",
				},
				[]string{"result"},
			),
			ContextDestructions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "rpcsecgss_context_destructions_total",
					Help: "Total SecCtx teardowns",
				},
			),
			ActiveContexts: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "rpcsecgss_active_contexts",
					Help: "Current number of installed SecCtx values",
				},
			),
			RefreshResults: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rpcsecgss_refresh_results_total",
					Help: "Total Cred refresh outcomes by refresh_result",
				},
				[]string{"refresh_result"},
			),
			UpcallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "rpcsecgss_upcall_duration_seconds",
					Help:    "Upcall round-trip duration in seconds by upcall_version",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"upcall_version"},
			),
			UpcallDedupHits: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "rpcsecgss_upcall_dedup_hits_total",
					Help: "Total refresh calls that attached to an in-flight upcall",
				},
			),
			MICFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rpcsecgss_mic_failures_total",
					Help: "Total MIC generation/verification failures",
				},
				[]string{"operation", "service"},
			),
			WrapFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rpcsecgss_wrap_failures_total",
					Help: "Total wrap/unwrap failures",
				},
				[]string{"operation", "service"},
			),
			DataRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rpcsecgss_data_requests_total",
					Help: "Total DATA requests by service level",
				},
				[]string{"service"},
			),
		}

		registerer.MustRegister(
			m.ContextCreations,
			m.ContextDestructions,
			m.ActiveContexts,
			m.RefreshResults,
			m.UpcallDuration,
			m.UpcallDedupHits,
			m.MICFailures,
			m.WrapFailures,
			m.DataRequests,
		)

		gssMetricsInstance = m
	})

	return gssMetricsInstance
}

// RecordContextCreation records a SecCtx establishment attempt.
func (m *GSSMetrics) RecordContextCreation(result string) {
	if m == nil {
		return
	}
	m.ContextCreations.WithLabelValues(result).Inc()
	if result == "success" {
		m.ActiveContexts.Inc()
	}
}

// RecordContextDestruction records a SecCtx teardown.
func (m *GSSMetrics) RecordContextDestruction() {
	if m == nil {
		return
	}
	m.ContextDestructions.Inc()
	m.ActiveContexts.Dec()
}

// RecordRefreshResult records a Cred.refresh outcome.
func (m *GSSMetrics) RecordRefreshResult(result string) {
	if m == nil {
		return
	}
	m.RefreshResults.WithLabelValues(result).Inc()
}

// RecordUpcall records an upcall round-trip's duration for the given pipe
// version ("0" or "1").
func (m *GSSMetrics) RecordUpcall(version string, duration time.Duration) {
	if m == nil {
		return
	}
	m.UpcallDuration.WithLabelValues(version).Observe(duration.Seconds())
}

// RecordUpcallDedupHit records a refresh call that attached to an existing
// in-flight upcall rather than issuing a new one.
func (m *GSSMetrics) RecordUpcallDedupHit() {
	if m == nil {
		return
	}
	m.UpcallDedupHits.Inc()
}

// RecordMICFailure records a MIC generation/verification failure.
func (m *GSSMetrics) RecordMICFailure(operation, service string) {
	if m == nil {
		return
	}
	m.MICFailures.WithLabelValues(operation, service).Inc()
}

// RecordWrapFailure records a wrap/unwrap failure.
func (m *GSSMetrics) RecordWrapFailure(operation, service string) {
	if m == nil {
		return
	}
	m.WrapFailures.WithLabelValues(operation, service).Inc()
}

// RecordDataRequest records a DATA request at the given service level.
func (m *GSSMetrics) RecordDataRequest(service string) {
	if m == nil {
		return
	}
	m.DataRequests.WithLabelValues(service).Inc()
}
