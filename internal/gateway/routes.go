package gateway

import (
	"fmt"

	"github.com/wudi/svcgate/internal/config"
	"github.com/wudi/svcgate/internal/router"
)

// RoutesFromConfig expands configured route claims into one router.Route
// per method.
func RoutesFromConfig(services map[string]config.ServiceConfig) (map[string][]router.Route, error) {
	out := make(map[string][]router.Route, len(services))
	for name, svc := range services {
		var routes []router.Route
		for i, rc := range svc.Routes {
			methods, err := router.ParseMethods(rc.Methods)
			if err != nil {
				return nil, fmt.Errorf("service %s: route %d: %w", name, i, err)
			}
			for _, m := range methods {
				routes = append(routes, router.Route{Method: m, Path: rc.Path})
			}
		}
		out[name] = routes
	}
	return out, nil
}
