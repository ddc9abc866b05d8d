// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for gateway metrics
const gatewaySubsystem = "gateway"

// Metrics holds all Prometheus metrics for the streaming gateway.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring relay performance
// and resource usage. Initialize once at startup via InitMetrics(), or with
// a private registry via NewMetrics() in tests.
//
// # Thread Safety
//
// All operations are thread-safe via Prometheus's internal locking.
type Metrics struct {
	// RequestsTotal counts streaming requests by final outcome.
	// Labels: outcome (completed, aborted, rejected, error)
	RequestsTotal *prometheus.CounterVec

	// DeltasTotal counts content deltas relayed to clients.
	DeltasTotal prometheus.Counter

	// TimeToFirstToken measures latency from admission to first delta.
	TimeToFirstToken prometheus.Histogram

	// StreamDuration measures total stream duration by outcome.
	// Labels: outcome (completed, aborted, error)
	StreamDuration *prometheus.HistogramVec

	// ActiveStreams tracks currently open relay streams.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts relay errors by kind.
	// Labels: kind (upstream_auth, upstream_request, upstream_transient,
	// persistence, internal)
	ErrorsTotal *prometheus.CounterVec

	// KeepalivesTotal counts keepalive pings sent to clients.
	KeepalivesTotal prometheus.Counter

	// ClientDisconnects counts clients that went away mid-stream.
	ClientDisconnects prometheus.Counter

	// RateLimitedTotal counts requests rejected by the quota window.
	RateLimitedTotal prometheus.Counter

	// PersistenceFailures counts transcript writes that failed after the
	// stream already ran. These never change the caller-visible outcome;
	// the counter is how they stay visible.
	PersistenceFailures prometheus.Counter
}

// DefaultMetrics is the singleton instance of Metrics.
// Initialized by InitMetrics().
var DefaultMetrics *Metrics

// InitMetrics initializes the default metrics instance against the default
// Prometheus registry.
//
// # Description
//
// Creates and registers all gateway metrics. Call once at application
// startup. Panics if called twice (duplicate registration); tests should
// use NewMetrics with a fresh registry instead.
func InitMetrics() *Metrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates a Metrics instance registered against the given
// registerer. The service passes prometheus.DefaultRegisterer; tests pass
// a fresh prometheus.NewRegistry() so runs stay isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "requests_total",
				Help:      "Total number of streaming requests by outcome",
			},
			[]string{"outcome"},
		),

		DeltasTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "deltas_total",
				Help:      "Total content deltas relayed to clients",
			},
		),

		TimeToFirstToken: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request admission to first delta in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds by outcome",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active relay streams",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "errors_total",
				Help:      "Total relay errors by kind",
			},
			[]string{"kind"},
		),

		KeepalivesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent to clients",
			},
		),

		ClientDisconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),

		RateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by the rate limiter",
			},
		),

		PersistenceFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "persistence_failures_total",
				Help:      "Total transcript persistence failures after streaming",
			},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// Outcome represents the final state of a streaming request for metrics
// labeling.
type Outcome string

const (
	// OutcomeCompleted indicates the upstream stream finished normally.
	OutcomeCompleted Outcome = "completed"

	// OutcomeAborted indicates the client disconnected or canceled.
	OutcomeAborted Outcome = "aborted"

	// OutcomeRejected indicates admission was refused before streaming.
	OutcomeRejected Outcome = "rejected"

	// OutcomeError indicates the stream failed after admission.
	OutcomeError Outcome = "error"
)

// ErrorKind represents a categorized error type for metrics.
type ErrorKind string

const (
	// ErrorKindUpstreamAuth indicates the provider rejected our credentials.
	ErrorKindUpstreamAuth ErrorKind = "upstream_auth"

	// ErrorKindUpstreamRequest indicates the provider rejected the request.
	ErrorKindUpstreamRequest ErrorKind = "upstream_request"

	// ErrorKindUpstreamTransient indicates a retryable provider failure.
	ErrorKindUpstreamTransient ErrorKind = "upstream_transient"

	// ErrorKindPersistence indicates a transcript write failure.
	ErrorKindPersistence ErrorKind = "persistence"

	// ErrorKindInternal indicates an internal gateway error.
	ErrorKindInternal ErrorKind = "internal"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a finished streaming request.
func (m *Metrics) RecordRequest(outcome Outcome) {
	m.RequestsTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordError records a relay error.
func (m *Metrics) RecordError(kind ErrorKind) {
	m.ErrorsTotal.WithLabelValues(string(kind)).Inc()
}

// RecordDelta counts one content delta relayed to the client.
func (m *Metrics) RecordDelta() {
	m.DeltasTotal.Inc()
}

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *Metrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// RecordTimeToFirstToken records the latency from admission to first delta.
func (m *Metrics) RecordTimeToFirstToken(seconds float64) {
	m.TimeToFirstToken.Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *Metrics) RecordStreamDuration(outcome Outcome, seconds float64) {
	m.StreamDuration.WithLabelValues(string(outcome)).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *Metrics) RecordKeepAlive() {
	m.KeepalivesTotal.Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *Metrics) RecordClientDisconnect() {
	m.ClientDisconnects.Inc()
}

// RecordRateLimited increments the rate limited counter.
func (m *Metrics) RecordRateLimited() {
	m.RateLimitedTotal.Inc()
}

// RecordPersistenceFailure increments the persistence failure counter.
func (m *Metrics) RecordPersistenceFailure() {
	m.PersistenceFailures.Inc()
}
