// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics creates a Metrics instance backed by a private registry so
// tests stay isolated from the default registry and from each other.
func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestNewMetrics_AllInstrumentsInitialized(t *testing.T) {
	m := newTestMetrics(t)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal should not be nil")
	}
	if m.DeltasTotal == nil {
		t.Error("DeltasTotal should not be nil")
	}
	if m.TimeToFirstToken == nil {
		t.Error("TimeToFirstToken should not be nil")
	}
	if m.StreamDuration == nil {
		t.Error("StreamDuration should not be nil")
	}
	if m.ActiveStreams == nil {
		t.Error("ActiveStreams should not be nil")
	}
	if m.ErrorsTotal == nil {
		t.Error("ErrorsTotal should not be nil")
	}
	if m.KeepalivesTotal == nil {
		t.Error("KeepalivesTotal should not be nil")
	}
	if m.ClientDisconnects == nil {
		t.Error("ClientDisconnects should not be nil")
	}
	if m.RateLimitedTotal == nil {
		t.Error("RateLimitedTotal should not be nil")
	}
	if m.PersistenceFailures == nil {
		t.Error("PersistenceFailures should not be nil")
	}
}

func TestConstants(t *testing.T) {
	if metricsNamespace != "aleutian" {
		t.Errorf("metricsNamespace = %q, want %q", metricsNamespace, "aleutian")
	}
	if gatewaySubsystem != "gateway" {
		t.Errorf("gatewaySubsystem = %q, want %q", gatewaySubsystem, "gateway")
	}
}

func TestOutcomeConstants(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomeCompleted, "completed"},
		{OutcomeAborted, "aborted"},
		{OutcomeRejected, "rejected"},
		{OutcomeError, "error"},
	}

	for _, tt := range tests {
		if string(tt.outcome) != tt.want {
			t.Errorf("Outcome = %q, want %q", tt.outcome, tt.want)
		}
	}
}

func TestErrorKindConstants(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{ErrorKindUpstreamAuth, "upstream_auth"},
		{ErrorKindUpstreamRequest, "upstream_request"},
		{ErrorKindUpstreamTransient, "upstream_transient"},
		{ErrorKindPersistence, "persistence"},
		{ErrorKindInternal, "internal"},
	}

	for _, tt := range tests {
		if string(tt.kind) != tt.want {
			t.Errorf("ErrorKind = %q, want %q", tt.kind, tt.want)
		}
	}
}

func TestMetrics_RecordRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(OutcomeCompleted)
	m.RecordRequest(OutcomeCompleted)
	m.RecordRequest(OutcomeRejected)

	completed := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("completed"))
	if completed != 2 {
		t.Errorf("RequestsTotal[completed] = %f, want 2", completed)
	}

	rejected := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("rejected"))
	if rejected != 1 {
		t.Errorf("RequestsTotal[rejected] = %f, want 1", rejected)
	}
}

func TestMetrics_RecordError(t *testing.T) {
	m := newTestMetrics(t)

	kinds := []ErrorKind{
		ErrorKindUpstreamAuth,
		ErrorKindUpstreamRequest,
		ErrorKindUpstreamTransient,
		ErrorKindPersistence,
		ErrorKindInternal,
	}

	for _, kind := range kinds {
		m.RecordError(kind)

		val := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(string(kind)))
		if val != 1 {
			t.Errorf("ErrorsTotal[%s] = %f, want 1", kind, val)
		}
	}
}

func TestMetrics_RecordDelta(t *testing.T) {
	m := newTestMetrics(t)

	for i := 0; i < 5; i++ {
		m.RecordDelta()
	}

	val := testutil.ToFloat64(m.DeltasTotal)
	if val != 5 {
		t.Errorf("DeltasTotal = %f, want 5", val)
	}
}

func TestMetrics_StreamLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted()
	m.StreamStarted()
	m.StreamStarted()

	val := testutil.ToFloat64(m.ActiveStreams)
	if val != 3 {
		t.Errorf("After 3 starts: ActiveStreams = %f, want 3", val)
	}

	m.StreamEnded()

	val = testutil.ToFloat64(m.ActiveStreams)
	if val != 2 {
		t.Errorf("After 1 end: ActiveStreams = %f, want 2", val)
	}

	m.StreamEnded()
	m.StreamEnded()

	val = testutil.ToFloat64(m.ActiveStreams)
	if val != 0 {
		t.Errorf("After all ends: ActiveStreams = %f, want 0", val)
	}
}

func TestMetrics_RecordTimeToFirstToken(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTimeToFirstToken(0.08)
	m.RecordTimeToFirstToken(1.2)
	m.RecordTimeToFirstToken(12.0)

	count := testutil.CollectAndCount(m.TimeToFirstToken)
	if count == 0 {
		t.Error("Expected at least one metric to be collected")
	}
}

func TestMetrics_RecordStreamDuration(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordStreamDuration(OutcomeCompleted, 12.5)
	m.RecordStreamDuration(OutcomeAborted, 2.0)
	m.RecordStreamDuration(OutcomeError, 0.3)

	count := testutil.CollectAndCount(m.StreamDuration)
	if count != 3 {
		t.Errorf("StreamDuration series count = %d, want 3", count)
	}
}

func TestMetrics_SimpleCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordKeepAlive()
	m.RecordKeepAlive()
	m.RecordClientDisconnect()
	m.RecordRateLimited()
	m.RecordRateLimited()
	m.RecordRateLimited()
	m.RecordPersistenceFailure()

	if val := testutil.ToFloat64(m.KeepalivesTotal); val != 2 {
		t.Errorf("KeepalivesTotal = %f, want 2", val)
	}
	if val := testutil.ToFloat64(m.ClientDisconnects); val != 1 {
		t.Errorf("ClientDisconnects = %f, want 1", val)
	}
	if val := testutil.ToFloat64(m.RateLimitedTotal); val != 3 {
		t.Errorf("RateLimitedTotal = %f, want 3", val)
	}
	if val := testutil.ToFloat64(m.PersistenceFailures); val != 1 {
		t.Errorf("PersistenceFailures = %f, want 1", val)
	}
}

func TestMetrics_CompletedStreamScenario(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted()
	m.RecordTimeToFirstToken(0.4)
	for i := 0; i < 10; i++ {
		m.RecordDelta()
	}
	m.RecordKeepAlive()
	m.RecordStreamDuration(OutcomeCompleted, 8.0)
	m.StreamEnded()
	m.RecordRequest(OutcomeCompleted)

	if val := testutil.ToFloat64(m.ActiveStreams); val != 0 {
		t.Errorf("ActiveStreams should be 0 after stream ended, got %f", val)
	}
	if val := testutil.ToFloat64(m.DeltasTotal); val != 10 {
		t.Errorf("DeltasTotal = %f, want 10", val)
	}
	if val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("completed")); val != 1 {
		t.Errorf("RequestsTotal[completed] = %f, want 1", val)
	}
}

func TestMetrics_AbortedStreamScenario(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted()
	m.RecordTimeToFirstToken(0.2)
	m.RecordDelta()
	m.RecordClientDisconnect()
	m.RecordStreamDuration(OutcomeAborted, 1.5)
	m.StreamEnded()
	m.RecordRequest(OutcomeAborted)

	if val := testutil.ToFloat64(m.ClientDisconnects); val != 1 {
		t.Errorf("ClientDisconnects = %f, want 1", val)
	}
	if val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("aborted")); val != 1 {
		t.Errorf("RequestsTotal[aborted] = %f, want 1", val)
	}
}

func TestMetrics_ConcurrentSafety(t *testing.T) {
	m := newTestMetrics(t)

	done := make(chan bool, 60)

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordRequest(OutcomeCompleted)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordDelta()
			m.RecordKeepAlive()
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.StreamStarted()
			m.StreamEnded()
			done <- true
		}()
	}

	for i := 0; i < 60; i++ {
		<-done
	}

	if val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("completed")); val != 20 {
		t.Errorf("RequestsTotal[completed] = %f, want 20", val)
	}
	if val := testutil.ToFloat64(m.DeltasTotal); val != 20 {
		t.Errorf("DeltasTotal = %f, want 20", val)
	}
	if val := testutil.ToFloat64(m.ActiveStreams); val != 0 {
		t.Errorf("ActiveStreams = %f, want 0", val)
	}
}
