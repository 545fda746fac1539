// Package consul resolves service base URLs from Consul's health API.
package consul

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/wudi/svcgate/internal/config"
	"github.com/wudi/svcgate/internal/registry"
	"github.com/wudi/svcgate/internal/svcauth"
	"go.uber.org/zap"
)

// Registry implements registry.Registry on top of Consul. Every configured
// service is watched with blocking queries; lookups read the last healthy
// instance set and fall back to the configured base_url.
type Registry struct {
	client   *consulapi.Client
	cfg      config.ConsulConfig
	services []string
	fallback map[string]string
	auth     map[string]svcauth.Method
	logger   *zap.Logger

	mu        sync.RWMutex
	instances map[string][]registry.Instance

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// retry tuning, overridden in tests
	initialInterval time.Duration
	maxInterval     time.Duration
}

// New creates a Consul registry for the given services. It does not contact
// Consul until Start.
func New(cfg config.ConsulConfig, gateway string, services map[string]config.ServiceConfig, logger *zap.Logger) (*Registry, error) {
	consulCfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		consulCfg.Scheme = cfg.Scheme
	}
	consulCfg.Datacenter = cfg.Datacenter
	consulCfg.Namespace = cfg.Namespace
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	auth, err := registry.AuthMethods(gateway, services)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 5 * time.Minute
	}

	r := &Registry{
		client:          client,
		cfg:             cfg,
		fallback:        make(map[string]string),
		auth:            auth,
		logger:          logger,
		instances:       make(map[string][]registry.Instance),
		initialInterval: time.Second,
		maxInterval:     30 * time.Second,
	}
	for name, svc := range services {
		r.services = append(r.services, name)
		if svc.BaseURL != "" {
			r.fallback[name] = svc.BaseURL
		}
	}
	return r, nil
}

// Start fetches the current instances of every service and starts the
// background watchers. A failed initial fetch is logged; the watcher keeps
// retrying with backoff.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for _, name := range r.services {
		index, err := r.fetch(ctx, name, 0)
		if err != nil {
			r.logger.Warn("Initial Consul lookup failed",
				zap.String("service", name),
				zap.Error(err),
			)
		}
		r.wg.Add(1)
		go r.watch(ctx, name, index)
	}
}

// BaseURL returns the URL of the first healthy instance.
func (r *Registry) BaseURL(service string) (string, bool) {
	r.mu.RLock()
	insts := r.instances[service]
	r.mu.RUnlock()
	for i := range insts {
		if insts[i].Health != registry.HealthCritical {
			return insts[i].URL(), true
		}
	}
	u, ok := r.fallback[service]
	return u, ok
}

func (r *Registry) AuthMethod(service string) (svcauth.Method, bool) {
	m, ok := r.auth[service]
	return m, ok
}

// Instances returns the last known instances of the service.
func (r *Registry) Instances(service string) []registry.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]registry.Instance(nil), r.instances[service]...)
}

// Close stops all watchers.
func (r *Registry) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}

// fetch runs one health query. A non-zero index makes it a blocking query.
func (r *Registry) fetch(ctx context.Context, service string, index uint64) (uint64, error) {
	opts := &consulapi.QueryOptions{
		Datacenter: r.cfg.Datacenter,
		Namespace:  r.cfg.Namespace,
		WaitIndex:  index,
		WaitTime:   r.cfg.WaitTime,
	}
	entries, meta, err := r.client.Health().Service(service, r.cfg.Tag, true, opts.WithContext(ctx))
	if err != nil {
		return index, fmt.Errorf("failed to discover services: %w", err)
	}
	if meta.LastIndex == index && index != 0 {
		return index, nil
	}

	insts := make([]registry.Instance, 0, len(entries))
	for _, entry := range entries {
		inst := registry.Instance{
			ID:       entry.Service.ID,
			Address:  entry.Service.Address,
			Port:     entry.Service.Port,
			Tags:     entry.Service.Tags,
			Metadata: entry.Service.Meta,
			Health:   convertHealth(entry.Checks),
		}
		// Use node address if service address is empty
		if inst.Address == "" && entry.Node != nil {
			inst.Address = entry.Node.Address
		}
		insts = append(insts, inst)
	}

	r.mu.Lock()
	r.instances[service] = insts
	r.mu.Unlock()

	r.logger.Debug("Consul instances updated",
		zap.String("service", service),
		zap.Int("instances", len(insts)),
		zap.Uint64("index", meta.LastIndex),
	)

	// Consul indexes can go backwards after a snapshot restore.
	if meta.LastIndex < index {
		return 0, nil
	}
	return meta.LastIndex, nil
}

// watch keeps the instance set current using blocking queries.
func (r *Registry) watch(ctx context.Context, service string, index uint64) {
	defer r.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initialInterval
	bo.MaxInterval = r.maxInterval
	bo.MaxElapsedTime = 0 // never give up

	for {
		next, err := r.fetch(ctx, service, index)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			bo.Reset()
			index = next
			continue
		}

		wait := bo.NextBackOff()
		r.logger.Warn("Consul watch failed, retrying",
			zap.String("service", service),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// convertHealth converts Consul health checks to registry health status
func convertHealth(checks consulapi.HealthChecks) registry.HealthStatus {
	status := registry.HealthPassing
	for _, check := range checks {
		switch check.Status {
		case consulapi.HealthCritical:
			return registry.HealthCritical
		case consulapi.HealthWarning:
			status = registry.HealthWarning
		}
	}
	return status
}
