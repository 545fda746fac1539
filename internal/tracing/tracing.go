// Package tracing records a server span for every request the gateway
// handles and exports it over OTLP.
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/wudi/svcgate/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Attribute keys specific to the gateway.
const (
	ServiceKey = attribute.Key("gateway.service")
	TraceIDKey = attribute.Key("gateway.trace_id")
)

// Tracer starts server spans for proxied requests. The zero value and a
// nil *Tracer are disabled.
type Tracer struct {
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New builds a Tracer that batches spans to an OTLP/gRPC collector. A
// disabled config yields a tracer that records nothing.
func New(cfg config.TracingConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{}, nil
	}
	if cfg.Exporter != "" && cfg.Exporter != "otlp" {
		return nil, fmt.Errorf("tracing: unsupported exporter %q", cfg.Exporter)
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx, exporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("tracing: exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "svcgate"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	return newWithProvider(sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)), nil
}

func exporterOptions(cfg config.TracingConfig) []otlptracegrpc.Option {
	var opts []otlptracegrpc.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return opts
}

// sampler honours the caller's sampling decision and otherwise samples
// the given ratio of new traces. Zero or less means all of them.
func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0 || ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func newWithProvider(tp *sdktrace.TracerProvider) *Tracer {
	return &Tracer{
		provider:   tp,
		tracer:     tp.Tracer("github.com/wudi/svcgate"),
		propagator: propagation.TraceContext{},
	}
}

// IsEnabled reports whether spans are recorded.
func (t *Tracer) IsEnabled() bool {
	return t != nil && t.provider != nil
}

// Start begins a server span for the inbound request, continuing any
// inbound W3C trace context. The returned request carries the span.
// The tracer never writes trace headers; outgoing metadata is owned by
// the gateway's call descriptor.
func (t *Tracer) Start(r *http.Request) (*http.Request, trace.Span) {
	if !t.IsEnabled() {
		return r, trace.SpanFromContext(r.Context())
	}

	ctx := t.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := t.tracer.Start(ctx, r.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
			semconv.ServerAddress(r.Host),
			semconv.UserAgentOriginal(r.UserAgent()),
		),
	)
	return r.WithContext(ctx), span
}

// Finish annotates and ends a span started by Start. A zero status means
// no response was sent.
func Finish(span trace.Span, service string, status int, err error) {
	if !span.IsRecording() {
		span.End()
		return
	}
	if service != "" {
		span.SetName(service)
		span.SetAttributes(ServiceKey.String(service))
	}
	if status > 0 {
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case status >= 500:
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	span.End()
}

// Annotate tags the span in ctx with the hop's trace id.
func Annotate(ctx context.Context, traceID string) {
	trace.SpanFromContext(ctx).SetAttributes(TraceIDKey.String(traceID))
}

// Close flushes buffered spans and stops the exporter.
func (t *Tracer) Close() error {
	if !t.IsEnabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.provider.Shutdown(ctx)
}
