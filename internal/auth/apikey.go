package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wudi/svcgate/internal/callmeta"
	"github.com/wudi/svcgate/internal/config"
)

type apiKeyEntry struct {
	key       string
	clientID  string
	name      string
	expiresAt time.Time // zero means no expiry
}

// APIKey authenticates static API keys from a header or query parameter.
type APIKey struct {
	header     string
	queryParam string
	keys       []apiKeyEntry
	now        func() time.Time
}

// NewAPIKey creates an API key authenticator.
func NewAPIKey(cfg config.APIKeyConfig) (*APIKey, error) {
	a := &APIKey{
		header:     cfg.Header,
		queryParam: cfg.QueryParam,
		now:        time.Now,
	}
	if a.header == "" && a.queryParam == "" {
		a.header = "X-API-Key"
	}

	for i, entry := range cfg.Keys {
		if entry.Key == "" || entry.ClientID == "" {
			return nil, fmt.Errorf("auth: api key %d: key and client_id are required", i)
		}
		e := apiKeyEntry{key: entry.Key, clientID: entry.ClientID, name: entry.Name}
		if entry.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, entry.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("auth: api key %s: invalid expires_at: %w", entry.ClientID, err)
			}
			e.expiresAt = t
		}
		a.keys = append(a.keys, e)
	}
	return a, nil
}

// Authenticate looks up the presented key.
func (a *APIKey) Authenticate(_ context.Context, r *http.Request, _ callmeta.CallMeta) (Result, error) {
	presented := a.extractKey(r)
	if presented == "" {
		return Anonymous, nil
	}

	for _, e := range a.keys {
		if subtle.ConstantTimeCompare([]byte(e.key), []byte(presented)) != 1 {
			continue
		}
		if !e.expiresAt.IsZero() && a.now().After(e.expiresAt) {
			return Anonymous, unauthenticated("api key expired", nil)
		}
		data, _ := json.Marshal(map[string]string{"client_id": e.clientID, "name": e.name})
		return Result{UserID: e.clientID, Data: data}, nil
	}
	return Anonymous, unauthenticated("invalid api key", nil)
}

func (a *APIKey) extractKey(r *http.Request) string {
	if a.header != "" {
		if key := r.Header.Get(a.header); key != "" {
			return key
		}
	}
	if a.queryParam != "" {
		if key := r.URL.Query().Get(a.queryParam); key != "" {
			return key
		}
	}
	return ""
}
