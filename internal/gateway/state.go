package gateway

import (
	"net"
	"net/url"
	"strings"
)

// Peer is the resolved address the engine connects to.
type Peer struct {
	Addr string // host:port, already resolved
	TLS  bool
	Host string // TLS server name; empty for plaintext peers
}

// Upstream is the routing context of a request bound for a service.
type Upstream struct {
	Service  string
	BasePath string
	Host     string // value for the outgoing Host header
}

// PrependBasePath returns a copy of u whose path is the base path (without
// its trailing slash) followed by u's path. Scheme, authority and query are
// preserved.
func (up *Upstream) PrependBasePath(u *url.URL) *url.URL {
	out := *u
	base := strings.TrimSuffix(up.BasePath, "/")
	if base == "" {
		return &out
	}
	out.Path = base + u.Path
	if u.RawPath != "" {
		out.RawPath = (&url.URL{Path: base}).EscapedPath() + u.RawPath
	}
	return &out
}

// State is the per-request gateway state handed from one hook to the next.
// It is one of Unrouted, *Shortcut or *Routed.
type State interface {
	isState()
}

// Unrouted is the state before peer selection and of requests answered by
// the gateway itself.
type Unrouted struct{}

// Shortcut sends a gateway-internal request to the co-located server
// without routing or rewriting it.
type Shortcut struct {
	Peer Peer
}

// Routed is a request bound for a backend service.
type Routed struct {
	Peer     Peer
	Upstream Upstream
}

func (Unrouted) isState()  {}
func (*Shortcut) isState() {}
func (*Routed) isState()   {}

// PeerOf returns the peer of a state, if it has one.
func PeerOf(st State) (Peer, bool) {
	switch s := st.(type) {
	case *Shortcut:
		return s.Peer, true
	case *Routed:
		return s.Peer, true
	default:
		return Peer{}, false
	}
}

// ServiceOf returns the target service of a routed state.
func ServiceOf(st State) string {
	if rt, ok := st.(*Routed); ok {
		return rt.Upstream.Service
	}
	return ""
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func hostPort(u *url.URL) (string, string) {
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}
	return host, port
}

func isIP(host string) bool {
	return net.ParseIP(host) != nil
}
