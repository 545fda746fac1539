package config

import (
	"time"
)

// Config represents the complete gateway configuration
type Config struct {
	Gateway        GatewayConfig            `yaml:"gateway"`
	Listeners      []ListenerConfig         `yaml:"listeners"`
	Internal       InternalConfig           `yaml:"internal"`
	Services       map[string]ServiceConfig `yaml:"services"`
	Registry       RegistryConfig           `yaml:"registry"`
	Authentication AuthenticationConfig     `yaml:"authentication"`
	CORS           CORSConfig               `yaml:"cors"`
	WebSocket      WebSocketConfig          `yaml:"websocket"`
	Transport      TransportConfig          `yaml:"transport"`
	HealthCheck    HealthCheckConfig        `yaml:"health_check"`
	Logging        LoggingConfig            `yaml:"logging"`
	Admin          AdminConfig              `yaml:"admin"`
	Tracing        TracingConfig            `yaml:"tracing"`
	Shutdown       ShutdownConfig           `yaml:"shutdown"`
}

// GatewayConfig identifies this gateway to backends.
type GatewayConfig struct {
	Name string `yaml:"name"`
}

// ListenerConfig defines a listener configuration
type ListenerConfig struct {
	ID      string             `yaml:"id"`
	Address string             `yaml:"address"` // e.g., ":8080"
	TLS     TLSConfig          `yaml:"tls"`
	HTTP    HTTPListenerConfig `yaml:"http,omitempty"`
}

// HTTPListenerConfig defines HTTP-specific listener settings
type HTTPListenerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// TLSConfig defines TLS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// InternalConfig controls the loopback server for gateway-internal endpoints.
// An empty address disables the shortcut and those endpoints are answered
// only by the early intercept.
type InternalConfig struct {
	Address string `yaml:"address"` // e.g. "127.0.0.1:0"
}

// ServiceConfig declares one backend service and the routes it owns.
type ServiceConfig struct {
	BaseURL string        `yaml:"base_url"` // used by the static registry
	Routes  []RouteConfig `yaml:"routes"`
	Auth    SvcAuthConfig `yaml:"auth"`
}

// RouteConfig is a single method+path claim.
type RouteConfig struct {
	Methods []string `yaml:"methods"` // "*" expands to every method
	Path    string   `yaml:"path"`
}

// SvcAuthConfig selects how the gateway authenticates itself to a service.
type SvcAuthConfig struct {
	Method   string        `yaml:"method"`    // "none" (default), "hmac", "jwt"
	Secret   string        `yaml:"secret"`    // base64 for hmac, raw for jwt
	KeyID    string        `yaml:"key_id"`
	Audience string        `yaml:"audience"`  // jwt only
	TTL      time.Duration `yaml:"ttl"`       // jwt only, default 1m
}

// RegistryConfig defines service registry settings
type RegistryConfig struct {
	Type   string       `yaml:"type"` // static, consul, etcd
	Consul ConsulConfig `yaml:"consul"`
	Etcd   EtcdConfig   `yaml:"etcd"`
}

// ConsulConfig defines Consul-specific settings
type ConsulConfig struct {
	Address    string        `yaml:"address"`
	Scheme     string        `yaml:"scheme"`
	Datacenter string        `yaml:"datacenter"`
	Token      string        `yaml:"token"`
	Namespace  string        `yaml:"namespace"`
	Tag        string        `yaml:"tag"`
	WaitTime   time.Duration `yaml:"wait_time"` // blocking query wait, default 5m
}

// EtcdConfig defines etcd-specific settings. Instances are JSON values
// stored under Prefix + service + "/".
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Prefix      string        `yaml:"prefix"` // default "/services/"
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// AuthenticationConfig defines end-user authentication settings
type AuthenticationConfig struct {
	APIKey APIKeyConfig `yaml:"api_key"`
	JWT    JWTConfig    `yaml:"jwt"`
	Remote RemoteConfig `yaml:"remote"`
}

// Enabled reports whether any authenticator is configured.
func (a AuthenticationConfig) Enabled() bool {
	return a.APIKey.Enabled || a.JWT.Enabled || a.Remote.Enabled
}

// APIKeyConfig defines API key authentication settings
type APIKeyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Header     string        `yaml:"header"`
	QueryParam string        `yaml:"query_param"`
	Keys       []APIKeyEntry `yaml:"keys"`
}

// APIKeyEntry represents a single API key
type APIKeyEntry struct {
	Key       string `yaml:"key"`
	ClientID  string `yaml:"client_id"`
	Name      string `yaml:"name"`
	ExpiresAt string `yaml:"expires_at"` // RFC3339
}

// JWTConfig defines JWT authentication settings
type JWTConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Secret              string        `yaml:"secret"`
	PublicKey           string        `yaml:"public_key"`
	Issuer              string        `yaml:"issuer"`
	Audience            []string      `yaml:"audience"`
	Algorithm           string        `yaml:"algorithm"`             // HS256, RS256
	JWKSURL             string        `yaml:"jwks_url"`              // JWKS endpoint for dynamic key fetching
	JWKSRefreshInterval time.Duration `yaml:"jwks_refresh_interval"` // default 1h
}

// RemoteConfig delegates authentication to an auth handler over HTTP.
type RemoteConfig struct {
	Enabled   bool          `yaml:"enabled"`
	URL       string        `yaml:"url"`
	Headers   []string      `yaml:"headers"` // forwarded credential headers
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// CORSConfig defines CORS settings
type CORSConfig struct {
	AllowOrigins        []string `yaml:"allow_origins"`
	AllowOriginPatterns []string `yaml:"allow_origin_patterns"` // regex patterns
	AllowMethods        []string `yaml:"allow_methods"`
	AllowHeaders        []string `yaml:"allow_headers"`
	ExposeHeaders       []string `yaml:"expose_headers"`
	AllowCredentials    bool     `yaml:"allow_credentials"`
	AllowPrivateNetwork bool     `yaml:"allow_private_network"`
	MaxAge              int      `yaml:"max_age"` // seconds
}

// WebSocketConfig controls header smuggling through Sec-WebSocket-Protocol.
type WebSocketConfig struct {
	SmuggleAllow []string `yaml:"smuggle_allow"`
}

// TransportConfig defines upstream transport tuning.
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	CAFile                string        `yaml:"ca_file"`
	ForceHTTP2            *bool         `yaml:"force_http2"`
	FlushInterval         time.Duration `yaml:"flush_interval"` // negative flushes after every write
	Nameservers           []string      `yaml:"nameservers"`    // empty uses the OS resolver
	DNSTimeout            time.Duration `yaml:"dns_timeout"`
}

// HealthCheckConfig defines background backend probing.
type HealthCheckConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Path           string        `yaml:"path"`     // default "/health"
	Interval       time.Duration `yaml:"interval"` // default 10s
	Timeout        time.Duration `yaml:"timeout"`  // default 5s
	HealthyAfter   int           `yaml:"healthy_after"`
	UnhealthyAfter int           `yaml:"unhealthy_after"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled bool          `yaml:"enabled"`
	Port    int           `yaml:"port"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig defines Prometheus metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default "/metrics"
}

// TracingConfig defines distributed tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Exporter    string            `yaml:"exporter"` // "otlp"
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`    // use insecure gRPC connection
	Headers     map[string]string `yaml:"headers"`     // extra headers for OTLP exporter
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"` // default 30s
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{Name: "api-gateway"},
		Listeners: []ListenerConfig{{
			ID:      "default-http",
			Address: ":8080",
			HTTP: HTTPListenerConfig{
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			},
		}},
		Internal: InternalConfig{Address: "127.0.0.1:0"},
		Registry: RegistryConfig{
			Type: "static",
			Consul: ConsulConfig{
				Address:    "localhost:8500",
				Scheme:     "http",
				Datacenter: "dc1",
				WaitTime:   5 * time.Minute,
			},
			Etcd: EtcdConfig{
				Prefix:      "/services/",
				DialTimeout: 5 * time.Second,
			},
		},
		Authentication: AuthenticationConfig{
			APIKey: APIKeyConfig{
				Header: "X-API-Key",
			},
			JWT: JWTConfig{
				Algorithm: "HS256",
			},
			Remote: RemoteConfig{
				Headers:   []string{"Authorization"},
				Timeout:   5 * time.Second,
				CacheTTL:  30 * time.Second,
				CacheSize: 10000,
			},
		},
		WebSocket: WebSocketConfig{
			SmuggleAllow: []string{"Authorization", "Cookie", "X-API-Key"},
		},
		HealthCheck: HealthCheckConfig{
			Path:           "/health",
			Interval:       10 * time.Second,
			Timeout:        5 * time.Second,
			HealthyAfter:   2,
			UnhealthyAfter: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Admin: AdminConfig{
			Enabled: true,
			Port:    8081,
			Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		},
		Shutdown: ShutdownConfig{Timeout: 30 * time.Second},
	}
}
