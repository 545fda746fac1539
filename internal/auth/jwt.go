package auth

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wudi/svcgate/internal/callmeta"
	"github.com/wudi/svcgate/internal/config"
)

// errKeyUnavailable marks failures to obtain verification keys, which are
// not the client's fault.
var errKeyUnavailable = errors.New("verification key unavailable")

// JWT authenticates bearer tokens.
type JWT struct {
	issuer   string
	audience []string
	methods  []string
	keyFunc  jwt.Keyfunc
	jwks     *JWKSProvider
}

// NewJWT creates a JWT authenticator. Keys come from the shared secret, a
// PEM public key or a JWKS endpoint.
func NewJWT(cfg config.JWTConfig) (*JWT, error) {
	a := &JWT{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}

	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}

	switch {
	case cfg.JWKSURL != "":
		p, err := NewJWKSProvider(cfg.JWKSURL, cfg.JWKSRefreshInterval)
		if err != nil {
			return nil, err
		}
		a.jwks = p
		a.keyFunc = p.KeyFunc()
		a.methods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "PS384", "PS512", "EdDSA"}
	case strings.HasPrefix(alg, "HS"):
		if cfg.Secret == "" {
			return nil, fmt.Errorf("auth: jwt %s requires a secret", alg)
		}
		secret := []byte(cfg.Secret)
		a.keyFunc = func(*jwt.Token) (interface{}, error) { return secret, nil }
		a.methods = []string{alg}
	default:
		block, _ := pem.Decode([]byte(cfg.PublicKey))
		if block == nil {
			return nil, fmt.Errorf("auth: failed to parse PEM block containing public key")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: failed to parse public key: %w", err)
		}
		a.keyFunc = func(*jwt.Token) (interface{}, error) { return pub, nil }
		a.methods = []string{alg}
	}

	return a, nil
}

// Authenticate verifies the bearer token, if any.
func (a *JWT) Authenticate(_ context.Context, r *http.Request, _ callmeta.CallMeta) (Result, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Anonymous, nil
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(a.methods)}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, a.keyFunc, opts...)
	if err != nil {
		if errors.Is(err, errKeyUnavailable) {
			return Anonymous, fmt.Errorf("auth: jwt: %w", err)
		}
		return Anonymous, unauthenticated("invalid token", err)
	}

	if len(a.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !containsAny(aud, a.audience) {
			return Anonymous, unauthenticated("invalid token audience", nil)
		}
	}

	uid, _ := claims.GetSubject()
	if uid == "" {
		uid, _ = claims["client_id"].(string)
	}
	if uid == "" {
		return Anonymous, unauthenticated("token has no subject", nil)
	}

	data, err := json.Marshal(claims)
	if err != nil {
		return Anonymous, fmt.Errorf("auth: jwt: encoding claims: %w", err)
	}
	return Result{UserID: uid, Data: data}, nil
}

// Close stops the JWKS refresher, if any.
func (a *JWT) Close() error {
	if a.jwks != nil {
		a.jwks.Close()
	}
	return nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func containsAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
