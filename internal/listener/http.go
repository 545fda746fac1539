package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/wudi/svcgate/internal/config"
	"github.com/wudi/svcgate/internal/logging"
	"go.uber.org/zap"
)

// HTTPListener serves one handler on one address, optionally over TLS.
type HTTPListener struct {
	id      string
	address string
	server  *http.Server
	certs   *certStore // nil for plaintext
	bound   atomic.Pointer[string]
	logger  *zap.Logger
}

// certStore holds the serving certificate so it can be replaced while
// connections are being accepted.
type certStore struct {
	current atomic.Pointer[tls.Certificate]
}

func (c *certStore) load(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificates: %w", err)
	}
	c.current.Store(&cert)
	return nil
}

func (c *certStore) get(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return c.current.Load(), nil
}

// HTTPListenerConfig holds configuration for creating an HTTP listener
type HTTPListenerConfig struct {
	ID                string
	Address           string
	Handler           http.Handler
	TLS               config.TLSConfig
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ReadHeaderTimeout time.Duration
	Logger            *zap.Logger
}

// FromConfig builds the listener settings for a configured listener.
func FromConfig(lc config.ListenerConfig, handler http.Handler, logger *zap.Logger) HTTPListenerConfig {
	return HTTPListenerConfig{
		ID:                lc.ID,
		Address:           lc.Address,
		Handler:           handler,
		TLS:               lc.TLS,
		ReadTimeout:       lc.HTTP.ReadTimeout,
		WriteTimeout:      lc.HTTP.WriteTimeout,
		IdleTimeout:       lc.HTTP.IdleTimeout,
		MaxHeaderBytes:    lc.HTTP.MaxHeaderBytes,
		ReadHeaderTimeout: lc.HTTP.ReadHeaderTimeout,
		Logger:            logger,
	}
}

// withDefaults fills unset limits. WriteTimeout stays unset so upgraded
// connections are not cut.
func (c HTTPListenerConfig) withDefaults() HTTPListenerConfig {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.Global()
	}
	return c
}

// NewHTTPListener creates a listener. Certificates are loaded eagerly so
// a bad TLS setup fails before anything binds.
func NewHTTPListener(cfg HTTPListenerConfig) (*HTTPListener, error) {
	cfg = cfg.withDefaults()
	h := &HTTPListener{id: cfg.ID, address: cfg.Address, logger: cfg.Logger}

	var tlsCfg *tls.Config
	if cfg.TLS.Enabled {
		h.certs = &certStore{}
		if err := h.certs.load(cfg.TLS.CertFile, cfg.TLS.KeyFile); err != nil {
			return nil, err
		}
		tlsCfg = &tls.Config{
			GetCertificate: h.certs.get,
			MinVersion:     tls.VersionTLS12,
			NextProtos:     []string{"h2", "http/1.1"},
		}
	}

	h.server = &http.Server{
		Handler:           cfg.Handler,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		TLSConfig:         tlsCfg,
		ErrorLog:          zap.NewStdLog(h.logger.With(zap.String("listener", cfg.ID))),
	}
	return h, nil
}

// ID returns the listener ID
func (h *HTTPListener) ID() string {
	return h.id
}

// Addr returns the bound address once started, the configured one before.
func (h *HTTPListener) Addr() string {
	if a := h.bound.Load(); a != nil {
		return *a
	}
	return h.address
}

// Start binds the address and serves in the background.
func (h *HTTPListener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}
	addr := ln.Addr().String()
	h.bound.Store(&addr)
	if h.server.TLSConfig != nil {
		ln = tls.NewListener(ln, h.server.TLSConfig)
	}

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("Listener stopped serving", zap.String("id", h.id), zap.Error(err))
		}
	}()
	return nil
}

// Stop drains the server until ctx is done.
func (h *HTTPListener) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// ReloadTLSCert replaces the serving certificate. New handshakes use it
// immediately; on error the previous certificate stays.
func (h *HTTPListener) ReloadTLSCert(certFile, keyFile string) error {
	if h.certs == nil {
		return fmt.Errorf("listener %s does not terminate TLS", h.id)
	}
	return h.certs.load(certFile, keyFile)
}

// TLSEnabled reports whether the listener terminates TLS.
func (h *HTTPListener) TLSEnabled() bool {
	return h.certs != nil
}

// Server returns the underlying server.
func (h *HTTPListener) Server() *http.Server {
	return h.server
}
