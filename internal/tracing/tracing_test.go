package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTracing installs an in-memory exporter and the W3C propagators
func setupTracing(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func attrs(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"", "localhost:4318"},
		{"http://tempo:4318", "tempo:4318"},
		{"https://collector.internal:4318", "collector.internal:4318"},
		{"otel:4318", "otel:4318"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.env)
			if got := getOTLPEndpoint(); got != tt.want {
				t.Errorf("getOTLPEndpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetSampleRatio(t *testing.T) {
	tests := []struct {
		value string
		want  float64
	}{
		{"", 1},
		{"0.25", 0.25},
		{"0", 0},
		{"1.5", 1},
		{"-1", 1},
		{"often", 1},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("OTEL_TRACES_SAMPLER_ARG", tt.value)
			if got := getSampleRatio(); got != tt.want {
				t.Errorf("getSampleRatio() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeliverySpan(t *testing.T) {
	exporter := setupTracing(t)

	ctx, span := StartSpan(context.Background(), "curation.deliver", EventAttributes(1700000000001, "move")...)
	AddSpanEvent(ctx, "http.send_curation")
	SetSpanError(ctx, errors.New("server returned 503"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "curation.deliver" {
		t.Errorf("span name = %q", got.Name)
	}

	a := attrs(got.Attributes)
	if v := a["curation.event_key"]; v.AsInt64() != 1700000000001 {
		t.Errorf("curation.event_key = %v, want 1700000000001", v.Emit())
	}
	if v := a["curation.kind"]; v.AsString() != "move" {
		t.Errorf("curation.kind = %q, want move", v.AsString())
	}

	if len(got.Events) < 1 || got.Events[0].Name != "http.send_curation" {
		t.Errorf("span events = %+v, want http.send_curation first", got.Events)
	}
	if got.Status.Code != codes.Error || got.Status.Description != "server returned 503" {
		t.Errorf("span status = %+v, want error", got.Status)
	}
}

func TestSetSpanError_NilLeavesStatus(t *testing.T) {
	exporter := setupTracing(t)

	ctx, span := StartSpan(context.Background(), "curation.deliver")
	SetSpanError(ctx, nil)
	span.End()

	if got := exporter.GetSpans()[0].Status.Code; got != codes.Unset {
		t.Errorf("status = %v, want unset", got)
	}
}

func TestGetTraceID(t *testing.T) {
	setupTracing(t)

	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() without a span = %q, want empty", id)
	}
	ctx, span := StartSpan(context.Background(), "api.POST")
	defer span.End()
	if id := GetTraceID(ctx); id != span.SpanContext().TraceID().String() {
		t.Errorf("GetTraceID() = %q, want %q", id, span.SpanContext().TraceID())
	}
}

func TestStatusMapRoundTrip(t *testing.T) {
	setupTracing(t)

	ctx, span := StartSpan(context.Background(), "curation.deliver")
	defer span.End()

	carried := InjectMap(ctx)
	if carried["traceparent"] == "" {
		t.Fatalf("InjectMap() = %v, want traceparent", carried)
	}

	// the status monitor continues the trace from the notification payload
	monitorCtx, child := StartSpan(ExtractMap(context.Background(), carried), "monitor.observe")
	defer child.End()
	if got, want := GetTraceID(monitorCtx), GetTraceID(ctx); got != want {
		t.Errorf("trace id after round trip = %s, want %s", got, want)
	}

	if len(InjectMap(context.Background())) != 0 {
		t.Error("InjectMap() without a span should carry nothing")
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	setupTracing(t)

	ctx, span := StartSpan(context.Background(), "curation.send")
	defer span.End()

	h := http.Header{}
	InjectHTTP(ctx, h)
	if h.Get("Traceparent") == "" {
		t.Fatalf("InjectHTTP() did not set traceparent, headers = %v", h)
	}

	remoteCtx, child := StartSpan(ExtractHTTP(context.Background(), h), "receiver.curation")
	defer child.End()
	if got, want := GetTraceID(remoteCtx), GetTraceID(ctx); got != want {
		t.Errorf("ExtractHTTP() trace ID = %s, want %s", got, want)
	}

	if GetTraceID(ExtractHTTP(context.Background(), http.Header{})) != "" {
		t.Error("ExtractHTTP() produced a trace ID from empty headers")
	}
}

func TestTracerName(t *testing.T) {
	if TracerName != "github.com/austindbirch/curation_outbox" {
		t.Errorf("TracerName = %q", TracerName)
	}
}
