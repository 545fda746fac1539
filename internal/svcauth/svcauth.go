// Package svcauth implements the ways the gateway authenticates itself to
// backend services.
package svcauth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wudi/svcgate/internal/config"
)

// Header names written by the methods in this package. They share the
// X-Meta- prefix so inbound copies are stripped before signing.
const (
	HeaderSignature = "X-Meta-Svc-Auth-Signature"
	HeaderTimestamp = "X-Meta-Svc-Auth-Timestamp"
	HeaderKeyID     = "X-Meta-Svc-Auth-Key-ID"
	HeaderToken     = "X-Meta-Svc-Auth-Token"

	metaPrefix    = "X-Meta-"
	svcAuthPrefix = "X-Meta-Svc-Auth-"
)

// ErrInvalidSignature is returned by verifiers when a request does not
// carry valid gateway credentials.
var ErrInvalidSignature = errors.New("svcauth: invalid credentials")

// Method signs an outgoing request so the backend can verify it came from
// the gateway. Sign runs after all call metadata has been written.
type Method interface {
	Name() string
	Sign(r *http.Request) error
}

// Verifier is the backend side of a Method.
type Verifier interface {
	Verify(r *http.Request) error
}

// Noop leaves the request unsigned.
type Noop struct{}

func (Noop) Name() string               { return "none" }
func (Noop) Sign(*http.Request) error   { return nil }
func (Noop) Verify(*http.Request) error { return nil }

// FromConfig builds the method configured for a service. issuer identifies
// the gateway in issued tokens.
func FromConfig(service, issuer string, cfg config.SvcAuthConfig) (Method, error) {
	switch cfg.Method {
	case "", "none":
		return Noop{}, nil
	case "hmac":
		return NewHMAC(cfg.Secret, cfg.KeyID)
	case "jwt":
		aud := cfg.Audience
		if aud == "" {
			aud = service
		}
		ttl := cfg.TTL
		if ttl == 0 {
			ttl = time.Minute
		}
		return NewJWT(JWTOptions{
			Secret:   []byte(cfg.Secret),
			KeyID:    cfg.KeyID,
			Issuer:   issuer,
			Audience: aud,
			TTL:      ttl,
		})
	default:
		return nil, fmt.Errorf("svcauth: unknown method %q", cfg.Method)
	}
}
