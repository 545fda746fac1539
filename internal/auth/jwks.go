package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// minForcedRefresh bounds how often an unknown kid may trigger a refetch.
const minForcedRefresh = 30 * time.Second

// JWKSProvider serves verification keys from a JWKS endpoint. Keys are
// refreshed in the background; a token signed with an unknown kid forces
// an early refetch so rotated keys are picked up.
type JWKSProvider struct {
	url    string
	cache  *jwk.Cache
	cancel context.CancelFunc

	mu         sync.Mutex
	lastForced time.Time
}

// NewJWKSProvider registers url and fetches it once so a bad endpoint
// fails at startup.
func NewJWKSProvider(url string, refresh time.Duration) (*JWKSProvider, error) {
	if refresh <= 0 {
		refresh = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &JWKSProvider{url: url, cache: jwk.NewCache(ctx), cancel: cancel}

	if err := p.cache.Register(url, jwk.WithMinRefreshInterval(refresh)); err != nil {
		cancel()
		return nil, fmt.Errorf("auth: registering JWKS %s: %w", url, err)
	}
	fetchCtx, done := context.WithTimeout(ctx, 10*time.Second)
	defer done()
	if _, err := p.cache.Refresh(fetchCtx, url); err != nil {
		cancel()
		return nil, fmt.Errorf("auth: fetching JWKS %s: %w", url, err)
	}
	return p, nil
}

// KeyFunc adapts the provider to jwt.Parse.
func (p *JWKSProvider) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		kid, _ := token.Header["kid"].(string)
		return p.key(ctx, kid)
	}
}

func (p *JWKSProvider) key(ctx context.Context, kid string) (interface{}, error) {
	set, err := p.cache.Get(ctx, p.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errKeyUnavailable, err)
	}
	k, ok := pick(set, kid)
	if !ok && kid != "" && p.mayForce() {
		if set, err = p.cache.Refresh(ctx, p.url); err != nil {
			return nil, fmt.Errorf("%w: %v", errKeyUnavailable, err)
		}
		k, ok = pick(set, kid)
	}
	if !ok {
		if kid == "" {
			return nil, fmt.Errorf("token has no kid and the key set has %d keys", set.Len())
		}
		return nil, fmt.Errorf("no key %q in key set", kid)
	}

	var raw interface{}
	if err := k.Raw(&raw); err != nil {
		return nil, fmt.Errorf("key %q: %w", kid, err)
	}
	return raw, nil
}

// pick selects the key for kid. Without a kid only a single-key set matches.
func pick(set jwk.Set, kid string) (jwk.Key, bool) {
	if kid != "" {
		return set.LookupKeyID(kid)
	}
	if set.Len() != 1 {
		return nil, false
	}
	return set.Key(0)
}

func (p *JWKSProvider) mayForce() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if time.Since(p.lastForced) < minForcedRefresh {
		return false
	}
	p.lastForced = time.Now()
	return true
}

// Close stops background refreshes.
func (p *JWKSProvider) Close() {
	p.cancel()
}
