// Package websocket carries auxiliary headers through the WebSocket
// subprotocol negotiation, since browsers cannot set arbitrary headers on
// an upgrade request.
package websocket

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// AuthDataPrefix marks a Sec-WebSocket-Protocol token that carries headers.
const AuthDataPrefix = "svcgate.auth_data."

// HeaderProtocol is the subprotocol negotiation header.
const HeaderProtocol = "Sec-Websocket-Protocol"

// DefaultAllow lists the headers that may be smuggled when none are configured.
var DefaultAllow = []string{"Authorization", "Cookie", "X-API-Key"}

var (
	// ErrMalformed is returned when a smuggled token cannot be decoded.
	ErrMalformed = errors.New("malformed smuggled headers")

	// ErrHeaderNotAllowed is returned when a smuggled header is not on the
	// allow-list.
	ErrHeaderNotAllowed = errors.New("smuggled header not allowed")
)

// neverAllowed cannot be smuggled even when configured.
var neverAllowed = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true,
}

// IsUpgradeRequest reports whether r asks to switch to the WebSocket protocol.
func IsUpgradeRequest(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") &&
		httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket")
}

// Smuggler unpacks headers smuggled through Sec-WebSocket-Protocol.
// It is immutable and safe for concurrent use.
type Smuggler struct {
	allow map[string]bool
}

// NewSmuggler creates a Smuggler accepting the given header names.
// Names that can never be smuggled are rejected.
func NewSmuggler(allow []string) (*Smuggler, error) {
	s := &Smuggler{allow: make(map[string]bool, len(allow))}
	for _, name := range allow {
		canon := http.CanonicalHeaderKey(strings.TrimSpace(name))
		if !httpguts.ValidHeaderFieldName(canon) {
			return nil, fmt.Errorf("websocket: invalid header name %q", name)
		}
		if forbidden(canon) {
			return nil, fmt.Errorf("websocket: header %s can never be smuggled", canon)
		}
		s.allow[canon] = true
	}
	return s, nil
}

// Allowed returns the sorted allow-list.
func (s *Smuggler) Allowed() []string {
	out := make([]string, 0, len(s.allow))
	for name := range s.allow {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func forbidden(canon string) bool {
	return neverAllowed[canon] ||
		strings.HasPrefix(canon, "Sec-Websocket-") ||
		strings.HasPrefix(canon, "X-Meta-")
}

// Apply rewrites h in place. When no Sec-WebSocket-Protocol header is present
// h is left untouched. Otherwise every occurrence is removed, smuggled
// tokens are decoded into headers and the remaining tokens are re-attached
// as one comma-joined header. Any decode failure or disallowed name fails
// the whole rewrite.
func (s *Smuggler) Apply(h http.Header) error {
	values := h.Values(HeaderProtocol)
	if len(values) == 0 {
		return nil
	}
	h.Del(HeaderProtocol)

	var (
		protocols []string
		smuggled  [][2]string
	)
	for _, value := range values {
		for _, tok := range strings.Split(value, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			data, ok := strings.CutPrefix(tok, AuthDataPrefix)
			if !ok {
				protocols = append(protocols, tok)
				continue
			}
			headers, err := s.decode(data)
			if err != nil {
				return err
			}
			smuggled = append(smuggled, headers...)
		}
	}

	for _, kv := range smuggled {
		h.Add(kv[0], kv[1])
	}
	if len(protocols) > 0 {
		h.Set(HeaderProtocol, strings.Join(protocols, ", "))
	}
	return nil
}

func (s *Smuggler) decode(data string) ([][2]string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([][2]string, 0, len(m))
	for _, name := range names {
		value := m[name]
		canon := http.CanonicalHeaderKey(name)
		if !httpguts.ValidHeaderFieldName(canon) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("%w: invalid header %q", ErrMalformed, name)
		}
		if forbidden(canon) || !s.allow[canon] {
			return nil, fmt.Errorf("%w: %s", ErrHeaderNotAllowed, canon)
		}
		out = append(out, [2]string{canon, value})
	}
	return out, nil
}

// EncodeProtocol builds the Sec-WebSocket-Protocol token a client sends to
// smuggle headers.
func EncodeProtocol(headers map[string]string) (string, error) {
	raw, err := json.Marshal(headers)
	if err != nil {
		return "", err
	}
	return AuthDataPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}
