package svcauth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTOptions configures the JWT method.
type JWTOptions struct {
	Secret   []byte
	KeyID    string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// JWT issues a short-lived HS256 token per request.
type JWT struct {
	opts JWTOptions
	now  func() time.Time
}

// NewJWT creates a JWT method.
func NewJWT(opts JWTOptions) (*JWT, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("svcauth: jwt secret is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	return &JWT{opts: opts, now: time.Now}, nil
}

func (j *JWT) Name() string { return "jwt" }

// Sign sets HeaderToken to a freshly issued token.
func (j *JWT) Sign(r *http.Request) error {
	now := j.now()
	claims := jwt.RegisteredClaims{
		Issuer:    j.opts.Issuer,
		Audience:  jwt.ClaimStrings{j.opts.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(j.opts.TTL)),
		ID:        uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if j.opts.KeyID != "" {
		tok.Header["kid"] = j.opts.KeyID
	}
	signed, err := tok.SignedString(j.opts.Secret)
	if err != nil {
		return fmt.Errorf("svcauth: signing token: %w", err)
	}
	r.Header.Set(HeaderToken, signed)
	return nil
}

// Verify validates the token on an inbound request.
func (j *JWT) Verify(r *http.Request) error {
	raw := r.Header.Get(HeaderToken)
	if raw == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidSignature)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(j.opts.Audience),
		jwt.WithTimeFunc(j.now),
	}
	if j.opts.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.opts.Issuer))
	}
	_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return j.opts.Secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
