package config

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// InternalPrefix is the reserved path prefix for gateway-served endpoints.
const InternalPrefix = "/__gateway/"

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true, "TRACE": true,
	"CONNECT": true, "*": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
}

// Secrets returns the registry used to resolve ${scheme:ref} values.
func (l *Loader) Secrets() *SecretRegistry {
	return l.secrets
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := resolveSecrets(context.Background(), cfg, l.secrets); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Gateway.Name == "" {
		return fmt.Errorf("gateway.name is required")
	}

	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}
	listenerIDs := make(map[string]bool)
	for i, listener := range cfg.Listeners {
		if listener.ID == "" {
			return fmt.Errorf("listener %d: id is required", i)
		}
		if listenerIDs[listener.ID] {
			return fmt.Errorf("duplicate listener id: %s", listener.ID)
		}
		listenerIDs[listener.ID] = true

		if listener.Address == "" {
			return fmt.Errorf("listener %s: address is required", listener.ID)
		}
		if listener.TLS.Enabled {
			if listener.TLS.CertFile == "" {
				return fmt.Errorf("listener %s: TLS enabled but cert_file not provided", listener.ID)
			}
			if listener.TLS.KeyFile == "" {
				return fmt.Errorf("listener %s: TLS enabled but key_file not provided", listener.ID)
			}
		}
	}

	switch cfg.Registry.Type {
	case "static", "consul", "etcd":
	default:
		return fmt.Errorf("invalid registry type: %s", cfg.Registry.Type)
	}
	if cfg.Registry.Type == "consul" && cfg.Registry.Consul.Address == "" {
		return fmt.Errorf("registry.consul.address is required")
	}
	if cfg.Registry.Type == "etcd" && len(cfg.Registry.Etcd.Endpoints) == 0 {
		return fmt.Errorf("registry.etcd.endpoints is required")
	}

	for name, svc := range cfg.Services {
		if err := l.validateService(name, svc, cfg.Registry.Type == "static"); err != nil {
			return err
		}
	}

	if err := l.validateAuthentication(cfg.Authentication); err != nil {
		return err
	}

	for _, p := range cfg.CORS.AllowOriginPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("cors: invalid origin pattern %q: %w", p, err)
		}
	}
	if cfg.CORS.MaxAge < 0 {
		return fmt.Errorf("cors: max_age must be >= 0")
	}

	for _, h := range cfg.WebSocket.SmuggleAllow {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("websocket: empty header name in smuggle_allow")
		}
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing: sample_rate must be between 0 and 1")
		}
	}

	if cfg.HealthCheck.Enabled {
		if cfg.HealthCheck.Interval <= 0 {
			return fmt.Errorf("health_check: interval must be > 0")
		}
		if cfg.HealthCheck.Timeout <= 0 || cfg.HealthCheck.Timeout > cfg.HealthCheck.Interval {
			return fmt.Errorf("health_check: timeout must be > 0 and <= interval")
		}
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: invalid level %q", cfg.Logging.Level)
	}

	if cfg.Admin.Enabled && (cfg.Admin.Port <= 0 || cfg.Admin.Port > 65535) {
		return fmt.Errorf("admin: invalid port %d", cfg.Admin.Port)
	}

	return nil
}

func (l *Loader) validateService(name string, svc ServiceConfig, static bool) error {
	if name == "" {
		return fmt.Errorf("service name must not be empty")
	}
	if len(svc.Routes) == 0 {
		return fmt.Errorf("service %s: at least one route is required", name)
	}

	if static || svc.BaseURL != "" {
		if svc.BaseURL == "" {
			return fmt.Errorf("service %s: base_url is required with the static registry", name)
		}
		u, err := url.Parse(svc.BaseURL)
		if err != nil {
			return fmt.Errorf("service %s: invalid base_url: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("service %s: base_url scheme must be http or https", name)
		}
		if u.Host == "" {
			return fmt.Errorf("service %s: base_url must include a host", name)
		}
	}

	for i, r := range svc.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("service %s: route %d: path must start with /", name, i)
		}
		if strings.HasPrefix(r.Path, InternalPrefix) || r.Path+"/" == InternalPrefix {
			return fmt.Errorf("service %s: route %d: path %s is reserved", name, i, r.Path)
		}
		if len(r.Methods) == 0 {
			return fmt.Errorf("service %s: route %d: at least one method is required", name, i)
		}
		for _, m := range r.Methods {
			if !validHTTPMethods[strings.ToUpper(m)] {
				return fmt.Errorf("service %s: route %d: invalid method %q", name, i, m)
			}
		}
	}

	switch svc.Auth.Method {
	case "", "none":
	case "hmac":
		decoded, err := base64.StdEncoding.DecodeString(svc.Auth.Secret)
		if err != nil {
			return fmt.Errorf("service %s: auth secret must be base64: %w", name, err)
		}
		if len(decoded) < 32 {
			return fmt.Errorf("service %s: auth secret must decode to at least 32 bytes", name)
		}
	case "jwt":
		if svc.Auth.Secret == "" {
			return fmt.Errorf("service %s: jwt auth requires a secret", name)
		}
		if svc.Auth.TTL < 0 {
			return fmt.Errorf("service %s: jwt ttl must be >= 0", name)
		}
	default:
		return fmt.Errorf("service %s: unknown auth method %q", name, svc.Auth.Method)
	}

	return nil
}

func (l *Loader) validateAuthentication(a AuthenticationConfig) error {
	if a.JWT.Enabled {
		if a.JWT.Secret == "" && a.JWT.PublicKey == "" && a.JWT.JWKSURL == "" {
			return fmt.Errorf("authentication.jwt: one of secret, public_key or jwks_url is required")
		}
		switch a.JWT.Algorithm {
		case "", "HS256", "HS384", "HS512", "RS256", "RS384", "RS512", "ES256", "ES384", "ES512":
		default:
			return fmt.Errorf("authentication.jwt: unsupported algorithm %q", a.JWT.Algorithm)
		}
	}
	if a.APIKey.Enabled {
		if len(a.APIKey.Keys) == 0 {
			return fmt.Errorf("authentication.api_key: at least one key is required")
		}
		if a.APIKey.Header == "" && a.APIKey.QueryParam == "" {
			return fmt.Errorf("authentication.api_key: header or query_param is required")
		}
	}
	if a.Remote.Enabled {
		u, err := url.Parse(a.Remote.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("authentication.remote: invalid url %q", a.Remote.URL)
		}
		if a.Remote.CacheSize < 0 {
			return fmt.Errorf("authentication.remote: cache_size must be >= 0")
		}
	}
	return nil
}
