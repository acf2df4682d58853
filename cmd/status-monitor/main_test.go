package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/curation_outbox/internal/logging"
	"github.com/austindbirch/curation_outbox/internal/notify"
)

func newTestMonitor(t *testing.T) *monitor {
	t.Helper()
	m := newMonitor(prometheus.NewRegistry(), logging.New("test-monitor"))
	m.now = func() time.Time { return time.UnixMilli(1_700_000_060_000) }
	return m
}

func TestObserve(t *testing.T) {
	tests := []struct {
		name        string
		status      notify.Status
		wantPending float64
		wantAge     float64
		wantSyncing float64
		wantFailing float64
	}{
		{
			name:        "backlog with oldest event a minute old",
			status:      notify.Status{Pending: 4, Oldest: 1_700_000_000_000, Syncing: true},
			wantPending: 4,
			wantAge:     60,
			wantSyncing: 1,
		},
		{
			name:        "failing delivery",
			status:      notify.Status{Pending: 1, Oldest: 1_700_000_050_000, LastError: "server returned 503"},
			wantPending: 1,
			wantAge:     10,
			wantFailing: 1,
		},
		{
			name:   "empty outbox",
			status: notify.Status{Pending: 0, CurationID: "abc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(t)
			body, err := tt.status.Marshal(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if err := m.observe("nsq", body); err != nil {
				t.Fatalf("observe() error = %v", err)
			}

			if got := testutil.ToFloat64(m.pending); got != tt.wantPending {
				t.Errorf("pending = %f, want %f", got, tt.wantPending)
			}
			if got := testutil.ToFloat64(m.oldestAge); got != tt.wantAge {
				t.Errorf("oldest age = %f, want %f", got, tt.wantAge)
			}
			if got := testutil.ToFloat64(m.syncing); got != tt.wantSyncing {
				t.Errorf("syncing = %f, want %f", got, tt.wantSyncing)
			}
			if got := testutil.ToFloat64(m.failing); got != tt.wantFailing {
				t.Errorf("failing = %f, want %f", got, tt.wantFailing)
			}
			if got := testutil.ToFloat64(m.received.WithLabelValues("nsq")); got != 1 {
				t.Errorf("received{nsq} = %f, want 1", got)
			}
		})
	}
}

func TestObserve_InvalidBody(t *testing.T) {
	m := newTestMonitor(t)
	if err := m.observe("nats", []byte(`{"pending":`)); err == nil {
		t.Fatal("observe() with truncated body should fail")
	}
	if got := testutil.ToFloat64(m.invalid.WithLabelValues("nats")); got != 1 {
		t.Errorf("invalid{nats} = %f, want 1", got)
	}
}

func TestHandleMessage(t *testing.T) {
	m := newTestMonitor(t)
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")

	if err := m.HandleMessage(nsq.NewMessage(id, []byte(`{"pending":7,"syncing":false}`))); err != nil {
		t.Errorf("HandleMessage() = %v, want nil", err)
	}
	if got := testutil.ToFloat64(m.pending); got != 7 {
		t.Errorf("pending = %f, want 7", got)
	}

	// bad payloads are finished, never requeued
	if err := m.HandleMessage(nsq.NewMessage(id, []byte(`not json`))); err != nil {
		t.Errorf("HandleMessage(bad) = %v, want nil", err)
	}
}

func TestHandleNATS(t *testing.T) {
	m := newTestMonitor(t)
	m.handleNATS(&nats.Msg{Subject: "curation.status", Data: []byte(`{"pending":2,"oldest":1700000000000}`)})

	if got := testutil.ToFloat64(m.pending); got != 2 {
		t.Errorf("pending = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.received.WithLabelValues("nats")); got != 1 {
		t.Errorf("received{nats} = %f, want 1", got)
	}
}

func TestMonitorMetricsExposed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMonitor(reg, logging.New("test-monitor"))
	if err := m.observe("nsq", []byte(`{"pending":3}`)); err != nil {
		t.Fatal(err)
	}

	expected := `
# HELP curation_monitor_outbox_pending Pending events reported by the last status notification
# TYPE curation_monitor_outbox_pending gauge
curation_monitor_outbox_pending 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "curation_monitor_outbox_pending"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestObserve_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	prev := logging.SetOutput(&buf)
	defer logging.SetOutput(prev)

	m := newTestMonitor(t)
	if err := m.observe("nsq", []byte(`{"pending":1,"last_error":"server returned 500","curation_id":"42"}`)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "outbox reports delivery failure") || !strings.Contains(buf.String(), `"42"`) {
		t.Errorf("log output = %s", buf.String())
	}
}
