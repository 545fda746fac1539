package registry

import (
	"github.com/wudi/svcgate/internal/config"
	"github.com/wudi/svcgate/internal/svcauth"
)

// Static serves base URLs straight from configuration.
type Static struct {
	baseURLs map[string]string
	auth     map[string]svcauth.Method
}

// NewStatic creates a static registry for the configured services.
func NewStatic(gateway string, services map[string]config.ServiceConfig) (*Static, error) {
	auth, err := AuthMethods(gateway, services)
	if err != nil {
		return nil, err
	}
	s := &Static{
		baseURLs: make(map[string]string, len(services)),
		auth:     auth,
	}
	for name, svc := range services {
		if svc.BaseURL != "" {
			s.baseURLs[name] = svc.BaseURL
		}
	}
	return s, nil
}

func (s *Static) BaseURL(service string) (string, bool) {
	u, ok := s.baseURLs[service]
	return u, ok
}

func (s *Static) AuthMethod(service string) (svcauth.Method, bool) {
	m, ok := s.auth[service]
	return m, ok
}

// Services returns the names of all services with a base URL.
func (s *Static) Services() []string {
	names := make([]string, 0, len(s.baseURLs))
	for name := range s.baseURLs {
		names = append(names, name)
	}
	return names
}
