package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/wudi/svcgate/internal/callmeta"
	"github.com/wudi/svcgate/internal/config"
	gwerrors "github.com/wudi/svcgate/internal/errors"
	"golang.org/x/sync/singleflight"
)

// remoteResponse is the body an auth handler returns with 200 OK.
type remoteResponse struct {
	UserID string          `json:"user_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Remote delegates authentication to an auth handler service. The handler
// receives the configured credential headers and answers 200 with an
// identity, 204 for anonymous, or 401/403 for invalid credentials.
// Identities are cached by credential hash and concurrent lookups for the
// same credentials share one call.
type Remote struct {
	url     string
	headers []string
	client  *http.Client
	timeout time.Duration
	cache   *expirable.LRU[string, Result]
	group   singleflight.Group
}

// NewRemote creates a remote authenticator. A nil client uses a client with
// the configured timeout.
func NewRemote(cfg config.RemoteConfig, client *http.Client) (*Remote, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("auth: remote url is required")
	}
	if len(cfg.Headers) == 0 {
		return nil, fmt.Errorf("auth: remote needs at least one credential header")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	r := &Remote{url: cfg.URL, client: client, timeout: timeout}
	for _, h := range cfg.Headers {
		r.headers = append(r.headers, http.CanonicalHeaderKey(h))
	}
	if cfg.CacheSize > 0 && cfg.CacheTTL > 0 {
		r.cache = expirable.NewLRU[string, Result](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return r, nil
}

// Authenticate forwards credentials to the auth handler. Requests without
// any credential header are anonymous and never reach the handler.
func (a *Remote) Authenticate(ctx context.Context, r *http.Request, meta callmeta.CallMeta) (Result, error) {
	creds := make(http.Header)
	for _, name := range a.headers {
		if vals := r.Header.Values(name); len(vals) > 0 {
			creds[name] = vals
		}
	}
	if len(creds) == 0 {
		return Anonymous, nil
	}

	key := a.cacheKey(creds)
	if a.cache != nil {
		if res, ok := a.cache.Get(key); ok {
			return res, nil
		}
	}

	// The shared call outlives any single caller: each waiter gives up on
	// its own context while the call runs to its own deadline.
	ch := a.group.DoChan(key, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		res, err := a.call(callCtx, creds, meta)
		if err == nil && a.cache != nil {
			a.cache.Add(key, res)
		}
		return res, err
	})
	select {
	case <-ctx.Done():
		return Anonymous, fmt.Errorf("auth: remote: %w", ctx.Err())
	case out := <-ch:
		if out.Err != nil {
			return Anonymous, out.Err
		}
		return out.Val.(Result), nil
	}
}

func (a *Remote) call(ctx context.Context, creds http.Header, meta callmeta.CallMeta) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, nil)
	if err != nil {
		return Anonymous, fmt.Errorf("auth: remote: %w", err)
	}
	for name, vals := range creds {
		req.Header[name] = vals
	}
	req.Header.Set(callmeta.HeaderTraceID, meta.TraceID.String())
	if meta.CorrelationID != "" {
		req.Header.Set(callmeta.HeaderCorrelationID, meta.CorrelationID)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Anonymous, unavailable(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Anonymous, fmt.Errorf("auth: remote: reading response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var rr remoteResponse
		if err := json.Unmarshal(body, &rr); err != nil {
			return Anonymous, fmt.Errorf("auth: remote: decoding response: %w", err)
		}
		if rr.UserID == "" {
			return Anonymous, nil
		}
		return Result{UserID: rr.UserID, Data: rr.Data}, nil
	case http.StatusNoContent:
		return Anonymous, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return Anonymous, rejection(body)
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Anonymous, unavailable(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return Anonymous, fmt.Errorf("auth: remote: unexpected status %d", resp.StatusCode)
	}
}

// unavailable reports an auth handler that cannot answer right now. It
// renders as 503 rather than a generic internal error.
func unavailable(cause error) error {
	return gwerrors.HTTPStatus(http.StatusServiceUnavailable, "auth handler unavailable", cause)
}

// cacheKey hashes the credentials so secrets are never kept as map keys.
func (a *Remote) cacheKey(creds http.Header) string {
	h := sha256.New()
	for _, name := range a.headers {
		for _, v := range creds[name] {
			io.WriteString(h, name)
			h.Write([]byte{0})
			io.WriteString(h, v)
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// rejection turns a 401/403 body of the form {"message":..,"details":..}
// into an unauthenticated error carrying the handler's details.
func rejection(body []byte) error {
	var m struct {
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	}
	_ = json.Unmarshal(body, &m)
	msg := strings.TrimSpace(m.Message)
	if msg == "" {
		msg = "invalid credentials"
	}
	e := unauthenticated(msg, nil)
	if len(m.Details) > 0 && json.Valid(m.Details) && string(m.Details) != "null" {
		e = e.WithDetails(m.Details)
	}
	return e
}
