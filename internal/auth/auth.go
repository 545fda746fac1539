// Package auth turns request credentials into an authenticated identity.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/wudi/svcgate/internal/callmeta"
	"github.com/wudi/svcgate/internal/config"
	gwerrors "github.com/wudi/svcgate/internal/errors"
)

// Result is the outcome of a successful authentication attempt.
// A zero Result is anonymous.
type Result struct {
	UserID string
	Data   json.RawMessage
}

// Authenticated reports whether the result carries an identity.
func (r Result) Authenticated() bool {
	return r.UserID != ""
}

// Anonymous is the result for requests that carry no credentials.
var Anonymous = Result{}

// Authenticator inspects a request after it has been rewritten for the
// upstream. Missing credentials yield Anonymous. Invalid credentials yield
// an *errors.APIError with code unauthenticated; any other error is an
// infrastructure failure.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request, meta callmeta.CallMeta) (Result, error)
}

// unauthenticated builds the client-fault error returned for bad credentials.
func unauthenticated(msg string, cause error) *gwerrors.APIError {
	return gwerrors.WrapAPIError(cause, gwerrors.Unauthenticated, msg)
}

// IsUnauthenticated reports whether err signals invalid client credentials.
func IsUnauthenticated(err error) bool {
	var apiErr *gwerrors.APIError
	return errors.As(err, &apiErr) && apiErr.Code == gwerrors.Unauthenticated
}

// Chain tries each authenticator in order. The first identity wins and the
// first error stops the chain.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, r *http.Request, meta callmeta.CallMeta) (Result, error) {
	for _, a := range c {
		res, err := a.Authenticate(ctx, r, meta)
		if err != nil {
			return Anonymous, err
		}
		if res.Authenticated() {
			return res, nil
		}
	}
	return Anonymous, nil
}

// FromConfig builds the configured authenticators. It returns a nil
// Authenticator when none are enabled. The returned closer releases
// background resources such as JWKS refreshers.
func FromConfig(cfg config.AuthenticationConfig) (Authenticator, io.Closer, error) {
	var (
		chain   Chain
		closers multiCloser
	)

	if cfg.APIKey.Enabled {
		a, err := NewAPIKey(cfg.APIKey)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, a)
	}
	if cfg.JWT.Enabled {
		a, err := NewJWT(cfg.JWT)
		if err != nil {
			closers.Close()
			return nil, nil, err
		}
		chain = append(chain, a)
		closers = append(closers, a)
	}
	if cfg.Remote.Enabled {
		a, err := NewRemote(cfg.Remote, nil)
		if err != nil {
			closers.Close()
			return nil, nil, err
		}
		chain = append(chain, a)
	}

	switch len(chain) {
	case 0:
		return nil, closers, nil
	case 1:
		return chain[0], closers, nil
	default:
		return chain, closers, nil
	}
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("auth: close: %w", errors.Join(errs...))
	}
	return nil
}
