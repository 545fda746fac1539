package cors

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/wudi/svcgate/internal/config"
	"golang.org/x/net/http/httpguts"
)

// Policy evaluates CORS for proxied responses. It is immutable and safe
// for concurrent use.
type Policy struct {
	allowOrigins        []string
	allowOriginPatterns []*regexp.Regexp
	allowMethods        string
	allowHeaders        string
	reflectHeaders      bool
	exposeHeaders       string
	allowCredentials    bool
	allowPrivateNetwork bool
	maxAge              string
	allowAllOrigins     bool
}

// New creates a CORS policy from config. Configuration errors are reported
// here so Apply only fails on request data it cannot reflect.
func New(cfg config.CORSConfig) (*Policy, error) {
	p := &Policy{
		allowOrigins:        cfg.AllowOrigins,
		allowCredentials:    cfg.AllowCredentials,
		allowPrivateNetwork: cfg.AllowPrivateNetwork,
	}

	for _, pattern := range cfg.AllowOriginPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("cors: invalid origin pattern %q: %w", pattern, err)
		}
		p.allowOriginPatterns = append(p.allowOriginPatterns, re)
	}

	if len(cfg.AllowMethods) > 0 {
		p.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	} else {
		p.allowMethods = "GET, HEAD, POST, PUT, DELETE, PATCH, OPTIONS"
	}

	switch {
	case len(cfg.AllowHeaders) == 1 && cfg.AllowHeaders[0] == "*":
		p.reflectHeaders = true
	case len(cfg.AllowHeaders) > 0:
		p.allowHeaders = strings.Join(cfg.AllowHeaders, ", ")
	default:
		p.allowHeaders = "Content-Type, Authorization, X-API-Key"
	}

	if len(cfg.ExposeHeaders) > 0 {
		p.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	}

	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	} else {
		p.maxAge = "86400"
	}

	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			p.allowAllOrigins = true
			break
		}
	}

	for _, v := range []string{p.allowMethods, p.allowHeaders, p.exposeHeaders} {
		if !httpguts.ValidHeaderFieldValue(v) {
			return nil, fmt.Errorf("cors: invalid header value %q", v)
		}
	}

	return p, nil
}

// IsPreflight reports whether the inbound headers describe a CORS preflight.
// The method itself is checked by the caller.
func IsPreflight(in http.Header) bool {
	return in.Get("Origin") != "" && in.Get("Access-Control-Request-Method") != ""
}

// Apply writes CORS headers into out based on the inbound request headers.
// Preflight requests get the full set of allow headers. Apply never removes
// headers set by a backend, except that Vary is extended.
func (p *Policy) Apply(in, out http.Header) error {
	origin := in.Get("Origin")
	if origin == "" {
		return nil
	}
	if !p.isOriginAllowed(origin) {
		addVary(out, "Origin")
		return nil
	}

	respOrigin := origin
	if p.allowAllOrigins && !p.allowCredentials {
		respOrigin = "*"
	} else if !httpguts.ValidHeaderFieldValue(origin) {
		return fmt.Errorf("cors: cannot reflect origin %q", origin)
	}

	out.Set("Access-Control-Allow-Origin", respOrigin)
	if p.allowCredentials {
		out.Set("Access-Control-Allow-Credentials", "true")
	}

	if !IsPreflight(in) {
		if p.exposeHeaders != "" {
			out.Set("Access-Control-Expose-Headers", p.exposeHeaders)
		}
		addVary(out, "Origin")
		return nil
	}

	out.Set("Access-Control-Allow-Methods", p.allowMethods)
	if p.reflectHeaders {
		if req := in.Get("Access-Control-Request-Headers"); req != "" {
			if !httpguts.ValidHeaderFieldValue(req) {
				return fmt.Errorf("cors: cannot reflect request headers %q", req)
			}
			out.Set("Access-Control-Allow-Headers", req)
		}
	} else {
		out.Set("Access-Control-Allow-Headers", p.allowHeaders)
	}
	if p.allowPrivateNetwork && in.Get("Access-Control-Request-Private-Network") == "true" {
		out.Set("Access-Control-Allow-Private-Network", "true")
	}
	out.Set("Access-Control-Max-Age", p.maxAge)
	addVary(out, "Origin", "Access-Control-Request-Method", "Access-Control-Request-Headers")
	return nil
}

func (p *Policy) isOriginAllowed(origin string) bool {
	if p.allowAllOrigins {
		return true
	}

	for _, allowed := range p.allowOrigins {
		if allowed == origin {
			return true
		}
		// Simple wildcard matching: *.example.com
		if strings.HasPrefix(allowed, "*.") {
			suffix := allowed[1:] // .example.com
			if strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}

	for _, re := range p.allowOriginPatterns {
		if re.MatchString(origin) {
			return true
		}
	}

	return false
}

// addVary appends tokens to Vary unless already present.
func addVary(h http.Header, tokens ...string) {
	for _, tok := range tokens {
		if !httpguts.HeaderValuesContainsToken(h["Vary"], tok) {
			h.Add("Vary", tok)
		}
	}
}
