package server

import (
	"context"
	"fmt"
	"io"

	"github.com/wudi/svcgate/internal/auth"
	"github.com/wudi/svcgate/internal/config"
	"github.com/wudi/svcgate/internal/gateway"
	"github.com/wudi/svcgate/internal/health"
	"github.com/wudi/svcgate/internal/metrics"
	"github.com/wudi/svcgate/internal/middleware/cors"
	"github.com/wudi/svcgate/internal/proxy"
	"github.com/wudi/svcgate/internal/registry"
	"github.com/wudi/svcgate/internal/registry/consul"
	"github.com/wudi/svcgate/internal/registry/etcd"
	"github.com/wudi/svcgate/internal/router"
	"github.com/wudi/svcgate/internal/websocket"
	"go.uber.org/zap"
)

// discovery is a registry that follows an external catalog in the background.
type discovery interface {
	registry.Registry
	Start(ctx context.Context)
	Close() error
}

// components is everything built from one configuration generation.
// A reload builds a new set and closes the old one after the swap.
type components struct {
	cfg        *config.Config
	services   map[string][]router.Route
	registry   registry.Registry
	discovery  discovery
	checker    *health.Checker
	responder  *health.Responder
	authn      auth.Authenticator
	authCloser io.Closer
	cors       *cors.Policy
	smuggler   *websocket.Smuggler
	resolver   gateway.Resolver
}

func buildComponents(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (*components, error) {
	services, err := gateway.RoutesFromConfig(cfg.Services)
	if err != nil {
		return nil, err
	}
	c := &components{cfg: cfg, services: services}

	switch registry.RegistryType(cfg.Registry.Type) {
	case registry.TypeConsul:
		r, err := consul.New(cfg.Registry.Consul, cfg.Gateway.Name, cfg.Services, logger.Named("consul"))
		if err != nil {
			return nil, err
		}
		c.registry, c.discovery = r, r
	case registry.TypeEtcd:
		r, err := etcd.New(cfg.Registry.Etcd, cfg.Gateway.Name, cfg.Services, logger.Named("etcd"))
		if err != nil {
			return nil, err
		}
		c.registry, c.discovery = r, r
	case registry.TypeStatic, "":
		r, err := registry.NewStatic(cfg.Gateway.Name, cfg.Services)
		if err != nil {
			return nil, err
		}
		c.registry = r
	default:
		return nil, fmt.Errorf("unknown registry type %q", cfg.Registry.Type)
	}

	if cfg.HealthCheck.Enabled {
		hc := health.ConfigFrom(cfg.HealthCheck)
		hc.OnChange = func(service string, status health.Status) {
			collector.SetServiceHealth(service, status == health.StatusHealthy)
			logger.Info("Service health changed",
				zap.String("service", service),
				zap.String("status", string(status)),
			)
		}
		c.checker = health.NewChecker(hc, c.registry.BaseURL)
		for name := range cfg.Services {
			c.checker.AddService(name)
		}
	}
	c.responder = health.NewResponder(cfg.Gateway.Name, c.checker)

	c.authn, c.authCloser, err = auth.FromConfig(cfg.Authentication)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("authentication: %w", err)
	}

	if c.cors, err = cors.New(cfg.CORS); err != nil {
		c.close()
		return nil, fmt.Errorf("cors: %w", err)
	}
	if c.smuggler, err = websocket.NewSmuggler(cfg.WebSocket.SmuggleAllow); err != nil {
		c.close()
		return nil, fmt.Errorf("websocket: %w", err)
	}
	c.resolver = proxy.NewResolver(cfg.Transport.Nameservers, cfg.Transport.DNSTimeout)
	return c, nil
}

// gateway builds the immutable request-routing state for these components.
func (c *components) gateway(shortcut string, collector *metrics.Collector, logger *zap.Logger) (*gateway.Gateway, error) {
	return gateway.New(gateway.Options{
		Name:          c.cfg.Gateway.Name,
		Services:      c.services,
		Registry:      c.registry,
		Authenticator: c.authn,
		CORS:          c.cors,
		Health:        c.responder,
		ShortcutAddr:  shortcut,
		Smuggler:      c.smuggler,
		Resolver:      c.resolver,
		Logger:        logger,
		Metrics:       collector,
	})
}

// start launches the background watchers: registry and health probes.
func (c *components) start(ctx context.Context) {
	if c.discovery != nil {
		c.discovery.Start(ctx)
	}
	if c.checker != nil {
		c.checker.Start()
	}
}

func (c *components) close() {
	if c.checker != nil {
		c.checker.Stop()
	}
	if c.discovery != nil {
		_ = c.discovery.Close()
	}
	if c.authCloser != nil {
		_ = c.authCloser.Close()
	}
}
