package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	tests := []struct {
		name     string
		registry *prometheus.Registry
	}{
		{
			name:     "register with new registry",
			registry: prometheus.NewRegistry(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// This should not panic
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("MustRegister() panicked: %v", r)
				}
			}()

			MustRegister(tt.registry)

			// Record some values so metrics appear in Gather()
			RecordSubmitted("begin")
			RecordDelivery("begin", "success", 100*time.Millisecond)
			RecordRetry("timeout")
			RecordMissingSession()
			RecordDeferred("unauthenticated")
			RecordNotification("hub", "success")
			UpdatePending(5)

			metricFamilies, err := tt.registry.Gather()
			if err != nil {
				t.Errorf("Registry.Gather() error: %v", err)
			}

			expectedMetrics := []string{
				"curation_events_submitted_total",
				"curation_deliveries_total",
				"curation_delivery_latency_seconds",
				"curation_retries_total",
				"curation_outbox_pending",
				"curation_missing_session_total",
				"curation_deferred_total",
				"curation_notifications_total",
			}

			registeredMetrics := make(map[string]bool)
			for _, mf := range metricFamilies {
				registeredMetrics[mf.GetName()] = true
			}

			for _, expected := range expectedMetrics {
				if !registeredMetrics[expected] {
					t.Errorf("Expected metric %s not found in registry", expected)
				}
			}
		})
	}
}

func TestRecordSubmitted(t *testing.T) {
	EventsSubmittedTotal.Reset()

	tests := []struct {
		name  string
		kind  string
		calls int
	}{
		{name: "single begin", kind: "begin", calls: 1},
		{name: "several deletes", kind: "delete", calls: 5},
		{name: "moves", kind: "move", calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordSubmitted(tt.kind)
			}

			value := testutil.ToFloat64(EventsSubmittedTotal.WithLabelValues(tt.kind))
			if value != float64(tt.calls) {
				t.Errorf("RecordSubmitted() counter value = %f, want %f", value, float64(tt.calls))
			}
		})
	}
}

func TestRecordDelivery(t *testing.T) {
	DeliveriesTotal.Reset()
	DeliveryLatencySeconds.Reset()

	tests := []struct {
		name     string
		kind     string
		status   string
		duration time.Duration
		calls    int
	}{
		{name: "successful begin", kind: "begin", status: "success", duration: 100 * time.Millisecond, calls: 1},
		{name: "failed add", kind: "add", status: "failed", duration: 2 * time.Second, calls: 3},
		{name: "successful validate", kind: "validate", status: "success", duration: 30 * time.Millisecond, calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordDelivery(tt.kind, tt.status, tt.duration)
			}

			value := testutil.ToFloat64(DeliveriesTotal.WithLabelValues(tt.kind, tt.status))
			if value != float64(tt.calls) {
				t.Errorf("RecordDelivery() delivery counter = %f, want %f", value, float64(tt.calls))
			}
		})
	}

	// one histogram series per kind
	if n := testutil.CollectAndCount(DeliveryLatencySeconds); n != 3 {
		t.Errorf("DeliveryLatencySeconds series = %d, want 3", n)
	}
}

func TestRecordRetry(t *testing.T) {
	RetriesTotal.Reset()

	tests := []struct {
		name   string
		reason string
		calls  int
	}{
		{name: "HTTP 5xx retry", reason: "http_5xx", calls: 1},
		{name: "timeout retry", reason: "timeout", calls: 3},
		{name: "network retry", reason: "network", calls: 2},
		{name: "rate limited", reason: "http_429", calls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordRetry(tt.reason)
			}

			value := testutil.ToFloat64(RetriesTotal.WithLabelValues(tt.reason))
			if value != float64(tt.calls) {
				t.Errorf("RecordRetry() counter value = %f, want %f", value, float64(tt.calls))
			}
		})
	}
}

func TestRecordDeferred(t *testing.T) {
	DeferredTotal.Reset()

	RecordDeferred("unauthenticated")
	RecordDeferred("unauthenticated")
	RecordDeferred("busy")

	expected := `
# HELP curation_deferred_total Sync attempts that ended without sending, by reason.
# TYPE curation_deferred_total counter
curation_deferred_total{reason="busy"} 1
curation_deferred_total{reason="unauthenticated"} 2
`
	if err := testutil.CollectAndCompare(DeferredTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("RecordDeferred() unexpected metrics: %v", err)
	}
}

func TestRecordMissingSession(t *testing.T) {
	before := testutil.ToFloat64(MissingSessionTotal)
	RecordMissingSession()
	RecordMissingSession()

	if got := testutil.ToFloat64(MissingSessionTotal) - before; got != 2 {
		t.Errorf("RecordMissingSession() delta = %f, want 2", got)
	}
}

func TestRecordNotification(t *testing.T) {
	NotificationsTotal.Reset()

	RecordNotification("nsq", "success")
	RecordNotification("nats", "failed")
	RecordNotification("nsq", "success")

	if got := testutil.ToFloat64(NotificationsTotal.WithLabelValues("nsq", "success")); got != 2 {
		t.Errorf("RecordNotification() nsq success = %f, want 2", got)
	}
	if got := testutil.ToFloat64(NotificationsTotal.WithLabelValues("nats", "failed")); got != 1 {
		t.Errorf("RecordNotification() nats failed = %f, want 1", got)
	}
}

func TestUpdatePending(t *testing.T) {
	tests := []struct {
		name  string
		count int
	}{
		{name: "empty outbox", count: 0},
		{name: "some pending", count: 42},
		{name: "large backlog", count: 10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			UpdatePending(tt.count)

			value := testutil.ToFloat64(OutboxPending)
			if value != float64(tt.count) {
				t.Errorf("UpdatePending() gauge value = %f, want %f", value, float64(tt.count))
			}
		})
	}
}
