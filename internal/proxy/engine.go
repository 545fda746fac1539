// Package proxy hosts the gateway hooks on net/http. The Engine is the
// http.Handler bound to the public listeners; it runs each request through
// the hooks of the current gateway and forwards it with a reverse proxy.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"sync/atomic"
	"time"

	"github.com/wudi/svcgate/internal/config"
	gwerrors "github.com/wudi/svcgate/internal/errors"
	"github.com/wudi/svcgate/internal/gateway"
	"github.com/wudi/svcgate/internal/logging"
	"github.com/wudi/svcgate/internal/metrics"
	"github.com/wudi/svcgate/internal/tracing"
	"github.com/wudi/svcgate/internal/websocket"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Options configures an Engine.
type Options struct {
	Transport config.TransportConfig // zero fields take defaults
	Tracer    *tracing.Tracer
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Engine proxies requests using the hooks of a swappable Gateway.
type Engine struct {
	cur       atomic.Pointer[generation]
	transport *http.Transport
	rp        *httputil.ReverseProxy
	tracer    *tracing.Tracer
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// New creates an engine serving gw.
func New(gw *gateway.Gateway, opts Options) (*Engine, error) {
	if gw == nil {
		return nil, errors.New("proxy: gateway is required")
	}
	transport, err := NewTransport(opts.Transport)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		transport: transport,
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	if e.metrics == nil {
		e.metrics = metrics.NewCollector()
	}
	if e.logger == nil {
		e.logger = logging.Global()
	}
	e.cur.Store(newGeneration(gw))

	e.rp = &httputil.ReverseProxy{
		Rewrite:        e.rewrite,
		Transport:      &hookTransport{base: transport},
		ModifyResponse: e.modifyResponse,
		ErrorHandler:   e.errorHandler,
		FlushInterval:  opts.Transport.FlushInterval,
		ErrorLog:       zap.NewStdLog(e.logger),
	}
	return e, nil
}

// Gateway returns the gateway currently serving requests.
func (e *Engine) Gateway() *gateway.Gateway {
	return e.cur.Load().gw
}

// Swap installs a new gateway and returns the previous one. Requests
// already in flight finish with the gateway they started with; drained is
// closed once the last of them has completed.
func (e *Engine) Swap(gw *gateway.Gateway) (prev *gateway.Gateway, drained <-chan struct{}) {
	old := e.cur.Swap(newGeneration(gw))
	old.retire()
	return old.gw, old.drained
}

// Close releases idle upstream connections.
func (e *Engine) Close() {
	e.transport.CloseIdleConnections()
}

// exchange is the state of one request shared by the hooks and the
// reverse proxy callbacks.
type exchange struct {
	gw         *gateway.Gateway
	in         *http.Request
	sess       *session
	state      gateway.State
	err        error
	failStatus int
}

type exchangeKey struct{}

func exchangeFrom(ctx context.Context) *exchange {
	ex, _ := ctx.Value(exchangeKey{}).(*exchange)
	return ex
}

func (ex *exchange) fail(ctx context.Context, err error) {
	ex.err = err
	ex.failStatus = ex.gw.FailToProxy(ctx, ex.sess, err, ex.state)
}

// ServeHTTP implements http.Handler.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer e.metrics.TrackInflight()()
	gen := e.acquire()
	defer gen.release()

	r, span := e.tracer.Start(r)
	ex := &exchange{
		gw:    gen.gw,
		in:    r,
		sess:  newSession(w, r),
		state: gateway.Unrouted{},
	}
	defer func() {
		if v := recover(); v != nil {
			// The response body could not be copied; the connection is
			// aborted by the server once the panic propagates.
			if v == http.ErrAbortHandler {
				ex.fail(r.Context(), ex.abortError())
			}
			e.finish(ex, span, start)
			panic(v)
		}
		e.finish(ex, span, start)
	}()

	e.serve(ex)
}

func (e *Engine) serve(ex *exchange) {
	ctx := ex.in.Context()

	handled, err := ex.gw.RequestFilter(ctx, ex.sess)
	if err != nil {
		ex.fail(ctx, err)
		return
	}
	if handled {
		return
	}

	st, err := ex.gw.UpstreamPeer(ctx, ex.in)
	if st != nil {
		ex.state = st
	}
	if err != nil {
		ex.fail(ctx, err)
		return
	}

	e.rp.ServeHTTP(ex.sess, ex.in.WithContext(context.WithValue(ctx, exchangeKey{}, ex)))
}

func (ex *exchange) abortError() error {
	switch {
	case ex.sess.dead:
		return gwerrors.Downstream(gwerrors.TypeWriteError, "copy response body", nil)
	case ex.in.Context().Err() != nil:
		return gwerrors.Downstream(gwerrors.TypeConnectionClosed, "copy response body", ex.in.Context().Err())
	default:
		return gwerrors.Upstream(gwerrors.TypeReadError, "copy response body", nil)
	}
}

// rewrite points the outgoing request at the selected peer. Routed
// requests keep the service's authority in the URL so TLS verification
// and connection pooling are per service; the dialer connects to the
// resolved peer address.
func (e *Engine) rewrite(pr *httputil.ProxyRequest) {
	pr.SetXForwarded()
	ex := exchangeFrom(pr.In.Context())
	if ex == nil {
		return
	}
	peer, _ := gateway.PeerOf(ex.state)
	pr.Out.URL.Scheme = "http"
	if peer.TLS {
		pr.Out.URL.Scheme = "https"
	}
	pr.Out.URL.Host = peer.Addr
	if rt, ok := ex.state.(*gateway.Routed); ok && rt.Upstream.Host != "" {
		pr.Out.URL.Host = rt.Upstream.Host
	}
}

func (e *Engine) modifyResponse(resp *http.Response) error {
	ex := exchangeFrom(resp.Request.Context())
	if ex == nil {
		return nil
	}
	if rt, ok := ex.state.(*gateway.Routed); ok {
		if err := ex.gw.ResponseFilter(ex.in, resp.Header, rt); err != nil {
			return err
		}
	}
	// Upgraded connections are hijacked and never pass through WriteHeader.
	if resp.StatusCode == http.StatusSwitchingProtocols {
		ex.sess.status = http.StatusSwitchingProtocols
	}
	return nil
}

func (e *Engine) errorHandler(_ http.ResponseWriter, r *http.Request, err error) {
	ex := exchangeFrom(r.Context())
	if ex == nil {
		e.logger.Error("Proxy error outside of an exchange", zap.Error(err))
		return
	}
	ex.fail(r.Context(), classify(r.Context(), err))
}

// classify turns a transport failure into a proxy error. Errors raised by
// the gateway hooks are already classified.
func classify(ctx context.Context, err error) error {
	var pe *gwerrors.ProxyError
	if errors.As(err, &pe) {
		return err
	}
	if ctx.Err() != nil {
		return gwerrors.Downstream(gwerrors.TypeConnectionClosed, "client went away", err)
	}

	var (
		opErr   *net.OpError
		certErr *tls.CertificateVerificationError
		recErr  tls.RecordHeaderError
		alert   tls.AlertError
	)
	switch {
	case errors.As(err, &certErr), errors.As(err, &recErr), errors.As(err, &alert):
		return gwerrors.Upstream(gwerrors.TypeTLSError, "tls handshake", err)
	case errors.As(err, &opErr) && opErr.Op == "dial":
		if opErr.Timeout() {
			return gwerrors.Upstream(gwerrors.TypeConnectTimeout, "dial", err)
		}
		return gwerrors.Upstream(gwerrors.TypeConnectError, "dial", err)
	default:
		return gwerrors.Upstream(gwerrors.TypeReadError, "upstream response", err)
	}
}

func (e *Engine) finish(ex *exchange, span trace.Span, start time.Time) {
	duration := time.Since(start)
	status := ex.sess.status
	if status == 0 {
		status = ex.failStatus
	}
	service := gateway.ServiceOf(ex.state)

	e.metrics.RecordRequest(service, ex.in.Method, status, duration)
	tracing.Finish(span, service, status, ex.err)

	r := ex.in
	fields := make([]zap.Field, 0, 12)
	fields = append(fields, zap.String("remote_addr", r.RemoteAddr))
	fields = append(fields, zap.String("method", r.Method))
	fields = append(fields, zap.String("path", r.URL.Path))
	fields = append(fields, zap.Int("status", status))
	fields = append(fields, zap.Int64("body_bytes", ex.sess.bytes))
	fields = append(fields, zap.Duration("response_time", duration))
	if service != "" {
		fields = append(fields, zap.String("service", service))
	}
	if peer, ok := gateway.PeerOf(ex.state); ok {
		fields = append(fields, zap.String("upstream_addr", peer.Addr))
	}
	if r.URL.RawQuery != "" {
		fields = append(fields, zap.String("query", r.URL.RawQuery))
	}
	if ua := r.UserAgent(); ua != "" {
		fields = append(fields, zap.String("user_agent", ua))
	}
	if ex.err != nil {
		fields = append(fields, zap.Error(ex.err))
	}
	e.logger.Info("HTTP request", fields...)
}

// hookTransport runs the upstream request hook on a copy of the outgoing
// request before handing it to the real transport.
type hookTransport struct {
	base http.RoundTripper
}

func (t *hookTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ex := exchangeFrom(req.Context())
	if ex != nil {
		if rt, ok := ex.state.(*gateway.Routed); ok {
			out := req.Clone(req.Context())
			if err := ex.gw.UpstreamRequestFilter(req.Context(), out, websocket.IsUpgradeRequest(ex.in), rt); err != nil {
				if req.Body != nil {
					req.Body.Close()
				}
				return nil, err
			}
			req = out
		}
	}
	return t.base.RoundTrip(req)
}
