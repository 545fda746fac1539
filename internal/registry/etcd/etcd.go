// Package etcd resolves service base URLs from instances published in etcd.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wudi/svcgate/internal/config"
	"github.com/wudi/svcgate/internal/registry"
	"github.com/wudi/svcgate/internal/svcauth"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const defaultPrefix = "/services/"

// Registry implements registry.Registry on top of etcd. Instances are JSON
// encoded registry.Instance values under <prefix><service>/<id>. Every
// configured service is watched; lookups read the last known instance set
// and fall back to the configured base_url.
type Registry struct {
	client   *clientv3.Client
	prefix   string
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

// New creates an etcd registry for the given services. The client connects
// lazily; nothing is read until Start.
func New(cfg config.EtcdConfig, gateway string, services map[string]config.ServiceConfig, logger *zap.Logger) (*Registry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd: at least one endpoint is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Logger:      logger.Named("client"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	auth, err := registry.AuthMethods(gateway, services)
	if err != nil {
		client.Close()
		return nil, err
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	r := &Registry{
		client:          client,
		prefix:          prefix,
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
	sort.Strings(r.services)
	return r, nil
}

// Start reads the current instances of every service and starts the
// watchers. A failed initial read is logged; the watcher keeps retrying
// with backoff.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for _, name := range r.services {
		rev, err := r.fetch(ctx, name)
		if err != nil {
			r.logger.Warn("Initial etcd lookup failed",
				zap.String("service", name),
				zap.Error(err),
			)
		}
		r.wg.Add(1)
		go r.watch(ctx, name, rev)
	}
}

// BaseURL returns the URL of the first instance that is not critical.
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

// Close stops all watchers and closes the client.
func (r *Registry) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return r.client.Close()
}

func (r *Registry) servicePrefix(service string) string {
	return r.prefix + service + "/"
}

// fetch reads the full instance set and returns the store revision it
// was read at.
func (r *Registry) fetch(ctx context.Context, service string) (int64, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("failed to discover services: %w", err)
	}

	insts := make([]registry.Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		inst, err := decodeInstance(string(kv.Key), kv.Value)
		if err != nil {
			r.logger.Warn("Skipping malformed etcd instance",
				zap.String("key", string(kv.Key)),
				zap.Error(err),
			)
			continue
		}
		insts = append(insts, inst)
	}
	r.setInstances(service, insts)

	r.logger.Debug("etcd instances updated",
		zap.String("service", service),
		zap.Int("instances", len(insts)),
		zap.Int64("revision", resp.Header.Revision),
	)
	return resp.Header.Revision, nil
}

func (r *Registry) setInstances(service string, insts []registry.Instance) {
	sort.SliceStable(insts, func(i, j int) bool { return insts[i].ID < insts[j].ID })
	r.mu.Lock()
	r.instances[service] = insts
	r.mu.Unlock()
}

// watch keeps the instance set current. Any change under the service
// prefix triggers a full re-read; a broken or compacted watch is restarted
// from a fresh read.
func (r *Registry) watch(ctx context.Context, service string, rev int64) {
	defer r.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initialInterval
	bo.MaxInterval = r.maxInterval
	bo.MaxElapsedTime = 0 // never give up

	for {
		var err error
		if rev == 0 {
			rev, err = r.fetch(ctx, service)
		}
		if err == nil {
			err = r.follow(ctx, service, &rev)
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			bo.Reset()
			continue
		}

		rev = 0
		wait := bo.NextBackOff()
		r.logger.Warn("etcd watch failed, retrying",
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

// follow consumes one watch stream starting after *rev until it ends.
func (r *Registry) follow(ctx context.Context, service string, rev *int64) error {
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	wch := r.client.Watch(wctx, r.servicePrefix(service), clientv3.WithPrefix(), clientv3.WithRev(*rev+1))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return err
		}
		if len(resp.Events) == 0 {
			continue
		}
		next, err := r.fetch(ctx, service)
		if err != nil {
			return err
		}
		*rev = next
	}
	return errors.New("watch channel closed")
}

// decodeInstance parses one stored instance. The ID defaults to the last
// key segment and a missing health status counts as passing.
func decodeInstance(key string, value []byte) (registry.Instance, error) {
	var inst registry.Instance
	if err := json.Unmarshal(value, &inst); err != nil {
		return inst, err
	}
	if inst.Address == "" || inst.Port <= 0 || inst.Port > 65535 {
		return inst, fmt.Errorf("instance %s: address and port are required", key)
	}
	if inst.ID == "" {
		inst.ID = path.Base(key)
	}
	if inst.Health == "" {
		inst.Health = registry.HealthPassing
	}
	return inst, nil
}
