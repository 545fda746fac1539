// Package registry maps logical service names to the base URL and the
// service-to-service auth method the gateway uses to reach them.
package registry

import (
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/wudi/svcgate/internal/config"
	"github.com/wudi/svcgate/internal/svcauth"
)

// HealthStatus represents the health status of a service instance
type HealthStatus string

const (
	HealthPassing  HealthStatus = "passing"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// Instance is one discovered instance of a service.
type Instance struct {
	ID       string            `json:"id"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Health   HealthStatus      `json:"health"`
}

// URL returns the base URL of the instance. The scheme and base path come
// from the "scheme" and "base_path" metadata keys.
func (i *Instance) URL() string {
	scheme := i.Metadata["scheme"]
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(i.Address, strconv.Itoa(i.Port)) + i.Metadata["base_path"]
}

// Registry is the gateway's view of its backend services. Implementations
// are safe for concurrent use.
type Registry interface {
	// BaseURL returns the base URL for the service, if one is known.
	BaseURL(service string) (string, bool)

	// AuthMethod returns the configured svc auth method for the service.
	// Unknown services report false; callers fall back to svcauth.Noop.
	AuthMethod(service string) (svcauth.Method, bool)
}

// RegistryType represents the type of registry
type RegistryType string

const (
	TypeStatic RegistryType = "static"
	TypeConsul RegistryType = "consul"
	TypeEtcd   RegistryType = "etcd"
)

// AuthMethods builds the svc auth method of every configured service.
func AuthMethods(gateway string, services map[string]config.ServiceConfig) (map[string]svcauth.Method, error) {
	methods := make(map[string]svcauth.Method, len(services))
	for _, name := range sortedNames(services) {
		m, err := svcauth.FromConfig(name, gateway, services[name].Auth)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		methods[name] = m
	}
	return methods, nil
}

func sortedNames(services map[string]config.ServiceConfig) []string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
