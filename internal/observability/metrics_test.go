package observability

import (
	"testing"
	"time"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("/messages", "POST", 201, time.Millisecond)
	m.RecordRequest("/messages", "POST", 201, time.Millisecond)
	m.RecordError("/messages", "POST", "INVALID_CONTENT")
	m.RecordRelay("dropped")

	snap := m.Snapshot()
	if got := snap.Requests["/messages|POST|201"]; got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
	if got := snap.Errors["/messages|POST|INVALID_CONTENT"]; got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
	if got := snap.Relay["dropped"]; got != 1 {
		t.Errorf("relay dropped = %d, want 1", got)
	}

	m.RecordRelay("dropped")
	if snap.Relay["dropped"] != 1 {
		t.Error("snapshot must not alias live counters")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequest("/", "GET", 200, 0)
	m.RecordError("/", "GET", "X")
	m.RecordRelay("delivered")
	if snap := m.Snapshot(); snap.Requests != nil {
		t.Error("nil metrics should produce empty snapshot")
	}
}
