// Package callmeta derives tracing context from inbound requests and writes
// the outgoing call metadata headers that backends rely on.
package callmeta

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wudi/svcgate/internal/svcauth"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Header names shared between the gateway and backends.
const (
	HeaderTraceParent   = "Traceparent"
	HeaderTraceState    = "Tracestate"
	HeaderTraceID       = "X-Trace-Id"
	HeaderCorrelationID = "X-Correlation-Id"

	MetaPrefix              = "X-Meta-"
	HeaderCaller            = "X-Meta-Caller"
	HeaderMetaCorrelationID = "X-Meta-Correlation-Id"
	HeaderAuthUID           = "X-Meta-Auth-Uid"
	HeaderAuthData          = "X-Meta-Auth-Data"
)

// ErrMalformed is returned when inbound tracing headers cannot be parsed.
var ErrMalformed = errors.New("malformed call metadata")

var propagator = propagation.TraceContext{}

// CallMeta is the tracing context of an inbound request.
type CallMeta struct {
	TraceID       trace.TraceID
	ParentSpanID  trace.SpanID // zero when the caller sent none
	TraceFlags    trace.TraceFlags
	TraceState    trace.TraceState
	CorrelationID string
}

// HasParentSpan reports whether the caller supplied a parent span.
func (m CallMeta) HasParentSpan() bool {
	return m.ParentSpanID.IsValid()
}

// Parse reads tracing context from inbound headers. A W3C traceparent wins
// over X-Trace-Id. Without either, a new trace id is generated. Caller
// identity headers are never read here.
func Parse(h http.Header) (CallMeta, error) {
	var m CallMeta

	if h.Get(HeaderTraceParent) != "" {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(h))
		sc := trace.SpanContextFromContext(ctx)
		if !sc.IsValid() {
			return m, fmt.Errorf("%w: invalid traceparent %q", ErrMalformed, h.Get(HeaderTraceParent))
		}
		m.TraceID = sc.TraceID()
		m.ParentSpanID = sc.SpanID()
		m.TraceFlags = sc.TraceFlags()
		m.TraceState = sc.TraceState()
	} else if raw := h.Get(HeaderTraceID); raw != "" {
		id, err := parseTraceID(raw)
		if err != nil {
			return m, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		m.TraceID = id
		m.TraceFlags = trace.FlagsSampled
	} else {
		m.TraceID = GenerateTraceID()
		m.TraceFlags = trace.FlagsSampled
	}

	m.CorrelationID = strings.TrimSpace(h.Get(HeaderCorrelationID))
	return m, nil
}

// Caller identifies who is making the outgoing call.
type Caller interface {
	callerKind() string
	String() string
}

// GatewayCaller is a call made by the gateway on behalf of an external client.
type GatewayCaller struct {
	Name string
}

func (GatewayCaller) callerKind() string { return "gateway" }
func (g GatewayCaller) String() string   { return "gateway:" + g.Name }

// ParseCaller parses the value written to HeaderCaller.
func ParseCaller(s string) (Caller, error) {
	kind, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: caller %q", ErrMalformed, s)
	}
	switch kind {
	case "gateway":
		return GatewayCaller{Name: name}, nil
	default:
		return nil, fmt.Errorf("%w: unknown caller kind %q", ErrMalformed, kind)
	}
}

// Descriptor is the full context of one outgoing call.
type Descriptor struct {
	Caller        Caller
	TraceID       trace.TraceID
	ParentSpan    trace.SpanID
	TraceFlags    trace.TraceFlags
	TraceState    trace.TraceState
	CorrelationID string
	AuthUID       string
	AuthData      json.RawMessage
	SvcAuth       svcauth.Method // nil means unsigned
}

// NewDescriptor builds the descriptor for a call made by the named gateway.
// A parent span is generated when the caller sent none so every hop has a
// span to report under.
func NewDescriptor(gateway string, m CallMeta) *Descriptor {
	parent := m.ParentSpanID
	if !parent.IsValid() {
		parent = GenerateSpanID()
	}
	return &Descriptor{
		Caller:        GatewayCaller{Name: gateway},
		TraceID:       m.TraceID,
		ParentSpan:    parent,
		TraceFlags:    m.TraceFlags,
		TraceState:    m.TraceState,
		CorrelationID: m.CorrelationID,
	}
}

// AddMeta writes the descriptor into the outgoing request. Inbound X-Meta-
// headers are removed first so a client can never assert its own identity.
// The service auth method signs the request last.
func (d *Descriptor) AddMeta(r *http.Request) error {
	for name := range r.Header {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), MetaPrefix) {
			delete(r.Header, name)
		}
	}
	r.Header.Del(HeaderTraceParent)
	r.Header.Del(HeaderTraceState)

	if d.Caller == nil {
		return errors.New("callmeta: caller is required")
	}
	if !d.TraceID.IsValid() || !d.ParentSpan.IsValid() {
		return errors.New("callmeta: trace id and parent span are required")
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    d.TraceID,
		SpanID:     d.ParentSpan,
		TraceFlags: d.TraceFlags,
		TraceState: d.TraceState,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)
	propagator.Inject(ctx, propagation.HeaderCarrier(r.Header))

	r.Header.Set(HeaderCaller, d.Caller.String())
	if d.CorrelationID != "" {
		r.Header.Set(HeaderMetaCorrelationID, d.CorrelationID)
	}
	if d.AuthUID != "" {
		r.Header.Set(HeaderAuthUID, d.AuthUID)
	}
	if len(d.AuthData) > 0 {
		if !json.Valid(d.AuthData) {
			return errors.New("callmeta: auth data is not valid JSON")
		}
		r.Header.Set(HeaderAuthData, base64.RawURLEncoding.EncodeToString(d.AuthData))
	}

	if d.SvcAuth != nil {
		if err := d.SvcAuth.Sign(r); err != nil {
			return fmt.Errorf("callmeta: %s auth: %w", d.SvcAuth.Name(), err)
		}
	}
	return nil
}

// ParseDescriptor reads call metadata written by AddMeta. It does not verify
// service auth; use the matching svcauth.Verifier for that.
func ParseDescriptor(h http.Header) (*Descriptor, error) {
	ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(h))
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil, fmt.Errorf("%w: missing or invalid traceparent", ErrMalformed)
	}
	caller, err := ParseCaller(h.Get(HeaderCaller))
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		Caller:        caller,
		TraceID:       sc.TraceID(),
		ParentSpan:    sc.SpanID(),
		TraceFlags:    sc.TraceFlags(),
		TraceState:    sc.TraceState(),
		CorrelationID: h.Get(HeaderMetaCorrelationID),
		AuthUID:       h.Get(HeaderAuthUID),
	}
	if raw := h.Get(HeaderAuthData); raw != "" {
		data, err := base64.RawURLEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: auth data: %v", ErrMalformed, err)
		}
		d.AuthData = data
	}
	return d, nil
}
