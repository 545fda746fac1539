package tracing

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/svcgate/internal/config"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return newWithProvider(tp), rec
}

func TestTracerStartAndFinish(t *testing.T) {
	tracer, rec := newRecordingTracer()
	defer tracer.Close()

	r := httptest.NewRequest(http.MethodGet, "/users/1", nil)
	r, span := tracer.Start(r)
	Annotate(r.Context(), "4bf92f3577b34da6a3ce929d0e0e4736")
	Finish(span, "users", http.StatusOK, nil)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "users" {
		t.Errorf("span name = %q", s.Name())
	}
	attrs := map[string]string{}
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["gateway.service"] != "users" || attrs["http.response.status_code"] != "200" {
		t.Errorf("unexpected attributes %v", attrs)
	}
	if attrs["gateway.trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id attribute = %q", attrs["gateway.trace_id"])
	}
}

func TestTracerContinuesInboundTrace(t *testing.T) {
	tracer, rec := newRecordingTracer()
	defer tracer.Close()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	_, span := tracer.Start(r)
	Finish(span, "", 0, nil)

	s := rec.Ended()[0]
	if got := s.SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s", got)
	}
	if got := s.Parent().SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("parent span = %s", got)
	}
	if r.Header.Get("traceparent") != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Error("inbound headers must not be modified")
	}
}

func TestFinishRecordsErrors(t *testing.T) {
	tracer, rec := newRecordingTracer()
	defer tracer.Close()

	_, span := tracer.Start(httptest.NewRequest(http.MethodPost, "/", nil))
	Finish(span, "orders", http.StatusBadGateway, errors.New("connection refused"))

	s := rec.Ended()[0]
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v", s.Status())
	}
	if len(s.Events()) == 0 {
		t.Error("expected error event")
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if tracer.IsEnabled() {
		t.Error("tracer should be disabled")
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	out, span := tracer.Start(r)
	if out != r {
		t.Error("disabled tracer should return the request unchanged")
	}
	Finish(span, "users", 200, nil)
	if err := tracer.Close(); err != nil {
		t.Error(err)
	}
}

func TestNewRejectsUnknownExporter(t *testing.T) {
	if _, err := New(config.TracingConfig{Enabled: true, Exporter: "zipkin"}); err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := sampler(tt.ratio).Description(); !strings.Contains(got, tt.want) {
			t.Errorf("sampler(%v) = %s, want it to contain %s", tt.ratio, got, tt.want)
		}
	}
}
