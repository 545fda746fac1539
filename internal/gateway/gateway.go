// Package gateway decides, per request, which backend service receives it
// and rewrites the request and response around that decision. The hosting
// proxy engine calls the hooks in order: RequestFilter, UpstreamPeer,
// UpstreamRequestFilter, ResponseFilter, with FailToProxy on any failure.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/wudi/svcgate/internal/auth"
	"github.com/wudi/svcgate/internal/callmeta"
	gwerrors "github.com/wudi/svcgate/internal/errors"
	"github.com/wudi/svcgate/internal/health"
	"github.com/wudi/svcgate/internal/logging"
	"github.com/wudi/svcgate/internal/metrics"
	"github.com/wudi/svcgate/internal/middleware/cors"
	"github.com/wudi/svcgate/internal/registry"
	"github.com/wudi/svcgate/internal/router"
	"github.com/wudi/svcgate/internal/svcauth"
	"github.com/wudi/svcgate/internal/tracing"
	"github.com/wudi/svcgate/internal/websocket"
	"go.uber.org/zap"
)

// InternalPrefix is reserved for endpoints served by the gateway itself.
const InternalPrefix = router.ReservedPrefix

// HealthPath is answered by RequestFilter for every method.
const HealthPath = InternalPrefix + "healthz"

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// HealthResponder produces the body of the health endpoint.
type HealthResponder interface {
	Check() health.Report
}

// Options configures a Gateway.
type Options struct {
	Name          string
	Services      map[string][]router.Route
	Registry      registry.Registry
	Authenticator auth.Authenticator // optional
	CORS          *cors.Policy       // optional
	Health        HealthResponder    // optional
	ShortcutAddr  string             // co-located server for InternalPrefix; optional
	Smuggler      *websocket.Smuggler
	Resolver      Resolver
	Logger        *zap.Logger
	Metrics       *metrics.Collector // optional
}

// Gateway is the shared, immutable state of all requests. Build a new one
// to change configuration.
type Gateway struct {
	name     string
	router   *router.Router
	registry registry.Registry
	authn    auth.Authenticator
	cors     *cors.Policy
	health   HealthResponder
	shortcut string
	smuggler *websocket.Smuggler
	resolver Resolver
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// New builds a Gateway. Route conflicts are reported here.
func New(opts Options) (*Gateway, error) {
	if opts.Name == "" {
		return nil, errors.New("gateway: name is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("gateway: registry is required")
	}

	b := router.NewBuilder()
	services := make([]string, 0, len(opts.Services))
	for name := range opts.Services {
		services = append(services, name)
	}
	sort.Strings(services)
	for _, name := range services {
		if err := b.AddRoutes(name, opts.Services[name]); err != nil {
			return nil, fmt.Errorf("gateway: service %s: %w", name, err)
		}
	}

	g := &Gateway{
		name:     opts.Name,
		router:   b.Build(),
		registry: opts.Registry,
		authn:    opts.Authenticator,
		cors:     opts.CORS,
		health:   opts.Health,
		shortcut: opts.ShortcutAddr,
		smuggler: opts.Smuggler,
		resolver: opts.Resolver,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if g.smuggler == nil {
		s, err := websocket.NewSmuggler(websocket.DefaultAllow)
		if err != nil {
			return nil, err
		}
		g.smuggler = s
	}
	if g.resolver == nil {
		g.resolver = net.DefaultResolver
	}
	if g.logger == nil {
		g.logger = logging.Global()
	}
	return g, nil
}

// Name returns the gateway name used as caller identity.
func (g *Gateway) Name() string {
	return g.name
}

// Routes lists the routing table.
func (g *Gateway) Routes() []router.Entry {
	return g.router.Routes()
}

// RequestFilter answers the health check and CORS preflights before any
// routing. It reports whether the request was fully handled.
func (g *Gateway) RequestFilter(ctx context.Context, s Session) (bool, error) {
	r := s.Request()

	if r.URL.Path == HealthPath {
		body, err := g.healthBody()
		if err != nil {
			return false, gwerrors.Because(gwerrors.TypeInternal, "health check", err)
		}
		h := make(http.Header)
		h.Set("Content-Type", "application/json")
		h.Set("Cache-Control", "no-store")
		if err := s.Respond(http.StatusOK, h, body); err != nil {
			return true, gwerrors.Downstream(gwerrors.TypeWriteError, "health response", err)
		}
		return true, nil
	}

	if r.Method == http.MethodOptions {
		h := make(http.Header)
		if g.cors != nil {
			if err := g.cors.Apply(r.Header, h); err != nil {
				return false, gwerrors.Downstream(gwerrors.TypeInvalidRequest, "cors preflight", err)
			}
		}
		h.Set("Content-Length", "0")
		if err := s.Respond(http.StatusOK, h, nil); err != nil {
			return true, gwerrors.Downstream(gwerrors.TypeWriteError, "preflight response", err)
		}
		return true, nil
	}

	return false, nil
}

func (g *Gateway) healthBody() ([]byte, error) {
	if g.health == nil {
		return []byte(`{"code":"ok"}`), nil
	}
	return json.Marshal(g.health.Check())
}

// UpstreamPeer selects the peer for the request: the co-located server for
// internal paths, otherwise the resolved address of the owning service.
func (g *Gateway) UpstreamPeer(ctx context.Context, r *http.Request) (State, error) {
	if g.shortcut != "" && strings.HasPrefix(r.URL.Path, InternalPrefix) {
		return &Shortcut{Peer: Peer{Addr: g.shortcut}}, nil
	}

	method, err := router.ParseMethod(r.Method)
	if err != nil {
		return Unrouted{}, &gwerrors.ProxyError{
			Type:    gwerrors.TypeInvalidRequest,
			Source:  gwerrors.SourceDownstream,
			Context: "parse method",
			API:     gwerrors.NewAPIError(gwerrors.InvalidArgument, fmt.Sprintf("unsupported method %q", r.Method)),
		}
	}

	service, err := g.router.Route(method, r.URL.Path)
	if err != nil {
		return Unrouted{}, routeFailure(err)
	}

	raw, ok := g.registry.BaseURL(service)
	if !ok {
		return Unrouted{}, gwerrors.Explain(gwerrors.TypeInternal, "no base url for service "+service)
	}
	base, err := url.Parse(raw)
	if err != nil {
		return Unrouted{}, gwerrors.Because(gwerrors.TypeInternal, "parse base url of service "+service, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return Unrouted{}, gwerrors.Explain(gwerrors.TypeInternal, fmt.Sprintf("service %s: unsupported scheme %q", service, base.Scheme))
	}

	host, port := hostPort(base)
	if host == "" {
		return Unrouted{}, gwerrors.Explain(gwerrors.TypeInternal, "service "+service+": base url has no host")
	}
	addr := host
	if !isIP(host) {
		addrs, err := g.resolver.LookupHost(ctx, host)
		if err != nil {
			return Unrouted{}, gwerrors.Because(gwerrors.TypeInternal, "resolve "+host, err)
		}
		if len(addrs) == 0 {
			return Unrouted{}, gwerrors.Explain(gwerrors.TypeInternal, "resolve "+host+": no addresses")
		}
		addr = addrs[0]
	}

	rt := &Routed{
		Peer: Peer{Addr: net.JoinHostPort(addr, port), TLS: base.Scheme == "https"},
		Upstream: Upstream{
			Service:  service,
			BasePath: base.Path,
			Host:     base.Host,
		},
	}
	if rt.Peer.TLS {
		rt.Peer.Host = host
	}
	return rt, nil
}

func routeFailure(err error) error {
	var re *router.RouteError
	if !errors.As(err, &re) {
		return gwerrors.Because(gwerrors.TypeInternal, "routing", err)
	}
	if re.Kind == router.MethodNotAllowed {
		return gwerrors.FromAPI(gwerrors.TypeInternal, "routing",
			gwerrors.NewAPIError(gwerrors.InvalidArgument, re.Error()))
	}
	return gwerrors.FromAPI(gwerrors.TypeInternal, "routing",
		gwerrors.NewAPIError(gwerrors.NotFound, re.Error()))
}

// authFailure classifies an authenticator error. Rejected credentials are
// the client's fault; anything else is internal and keeps an explicit
// status or structured payload when the authenticator supplied one.
func authFailure(err error) error {
	var pe *gwerrors.ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	var apiErr *gwerrors.APIError
	if !errors.As(err, &apiErr) {
		return gwerrors.Because(gwerrors.TypeInternal, "authenticate", err)
	}
	if auth.IsUnauthenticated(err) {
		rejected := gwerrors.FromAPI(gwerrors.TypeInvalidRequest, "authenticate", apiErr)
		rejected.Source = gwerrors.SourceDownstream
		return rejected
	}
	return gwerrors.FromAPI(gwerrors.TypeInternal, "authenticate", apiErr)
}

// UpstreamRequestFilter rewrites the outgoing request for the routed
// service. The inbound Host header is discarded in favor of the service's.
func (g *Gateway) UpstreamRequestFilter(ctx context.Context, out *http.Request, upgrade bool, rt *Routed) error {
	out.URL = rt.Upstream.PrependBasePath(out.URL)
	if rt.Upstream.Host != "" {
		out.Host = rt.Upstream.Host
	}

	if upgrade {
		if err := g.smuggler.Apply(out.Header); err != nil {
			return gwerrors.Downstream(gwerrors.TypeInvalidRequest, "websocket protocol header", err)
		}
	}

	method, ok := g.registry.AuthMethod(rt.Upstream.Service)
	if !ok || method == nil {
		method = svcauth.Noop{}
	}

	meta, err := callmeta.Parse(out.Header)
	if err != nil {
		return gwerrors.Downstream(gwerrors.TypeInvalidRequest, "call metadata", err)
	}
	tracing.Annotate(ctx, meta.TraceID.String())

	desc := callmeta.NewDescriptor(g.name, meta)
	desc.SvcAuth = method

	if g.authn != nil {
		res, err := g.authn.Authenticate(ctx, out, meta)
		if err != nil {
			return authFailure(err)
		}
		if res.Authenticated() {
			desc.AuthUID = res.UserID
			desc.AuthData = res.Data
		}
	}

	if err := desc.AddMeta(out); err != nil {
		return gwerrors.Because(gwerrors.TypeInternal, "write call metadata", err)
	}
	return nil
}

// ResponseFilter applies the CORS policy to a proxied response.
func (g *Gateway) ResponseFilter(in *http.Request, out http.Header, rt *Routed) error {
	if g.cors == nil {
		return nil
	}
	if err := g.cors.Apply(in.Header, out); err != nil {
		return gwerrors.Downstream(gwerrors.TypeInvalidRequest, "cors", err)
	}
	return nil
}
