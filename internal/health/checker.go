package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wudi/svcgate/internal/config"
)

// Status represents health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is the last probe outcome for one service.
type CheckResult struct {
	Service   string        `json:"-"`
	URL       string        `json:"url,omitempty"`
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"latency_ns,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"checked_at,omitempty"`
}

// Resolver returns the current base URL of a service.
type Resolver func(service string) (string, bool)

// Config holds health checker configuration
type Config struct {
	Path           string // probed relative to the service base URL
	Timeout        time.Duration
	Interval       time.Duration
	HealthyAfter   int // consecutive successes needed to be healthy
	UnhealthyAfter int // consecutive failures needed to be unhealthy
	OnChange       func(service string, status Status)
}

// DefaultConfig provides default health checker settings
var DefaultConfig = Config{
	Path:           "/health",
	Timeout:        5 * time.Second,
	Interval:       10 * time.Second,
	HealthyAfter:   2,
	UnhealthyAfter: 3,
}

// ConfigFrom converts the file configuration.
func ConfigFrom(cfg config.HealthCheckConfig) Config {
	return Config{
		Path:           cfg.Path,
		Timeout:        cfg.Timeout,
		Interval:       cfg.Interval,
		HealthyAfter:   cfg.HealthyAfter,
		UnhealthyAfter: cfg.UnhealthyAfter,
	}
}

// Checker periodically probes every registered service at its current
// base URL. The URL is resolved on every probe so registry changes are
// picked up without restarting the loop.
type Checker struct {
	cfg      Config
	resolve  Resolver
	client   *http.Client
	services map[string]*serviceState
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

type serviceState struct {
	url             string
	status          Status
	lastCheck       time.Time
	lastError       error
	consecutivePass int
	consecutiveFail int
	latency         time.Duration
}

// NewChecker creates a new health checker
func NewChecker(cfg Config, resolve Resolver) *Checker {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig.Path
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = DefaultConfig.HealthyAfter
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = DefaultConfig.UnhealthyAfter
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Checker{
		cfg:     cfg,
		resolve: resolve,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		services: make(map[string]*serviceState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// AddService registers a service for probing. Services added after Start
// are probed immediately.
func (c *Checker) AddService(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.services[name]; ok {
		return
	}
	c.services[name] = &serviceState{status: StatusUnknown}
	if c.started {
		c.wg.Add(1)
		go c.checkLoop(name)
	}
}

// Start starts all health checks
func (c *Checker) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	for name := range c.services {
		c.wg.Add(1)
		go c.checkLoop(name)
	}
}

// Stop stops all health checks and waits for in-flight probes.
func (c *Checker) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Status returns the health status of a service
func (c *Checker) Status(service string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if state, ok := c.services[service]; ok {
		return state.status
	}
	return StatusUnknown
}

// IsHealthy returns true if the service is healthy
func (c *Checker) IsHealthy(service string) bool {
	return c.Status(service) == StatusHealthy
}

// Snapshot returns the last result of every service.
func (c *Checker) Snapshot() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]CheckResult, len(c.services))
	for name, state := range c.services {
		results[name] = state.result(name)
	}
	return results
}

// Services returns the names of all probed services, sorted.
func (c *Checker) Services() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckNow performs an immediate health check
func (c *Checker) CheckNow(service string) CheckResult {
	c.check(service)

	c.mu.RLock()
	defer c.mu.RUnlock()
	if state, ok := c.services[service]; ok {
		return state.result(service)
	}
	return CheckResult{Service: service, Status: StatusUnknown, Timestamp: time.Now()}
}

func (s *serviceState) result(name string) CheckResult {
	r := CheckResult{
		Service:   name,
		URL:       s.url,
		Status:    s.status,
		Latency:   s.latency,
		Timestamp: s.lastCheck,
	}
	if s.lastError != nil {
		r.Error = s.lastError.Error()
	}
	return r
}

// checkLoop runs periodic health checks for a service
func (c *Checker) checkLoop(service string) {
	defer c.wg.Done()

	c.check(service)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.check(service)
		}
	}
}

// check performs a single health check
func (c *Checker) check(service string) {
	base, ok := c.resolve(service)
	if !ok {
		c.updateStatus(service, "", false, 0, fmt.Errorf("no base url for service %s", service))
		return
	}

	checkURL := strings.TrimSuffix(base, "/") + c.cfg.Path
	start := time.Now()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		c.updateStatus(service, base, false, time.Since(start), err)
		return
	}

	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.updateStatus(service, base, false, latency, err)
		return
	}
	resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 400
	var checkErr error
	if !healthy {
		checkErr = fmt.Errorf("unhealthy status code: %d", resp.StatusCode)
	}
	c.updateStatus(service, base, healthy, latency, checkErr)
}

// updateStatus updates the health status with threshold logic
func (c *Checker) updateStatus(service, url string, healthy bool, latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, exists := c.services[service]
	if !exists {
		return
	}

	state.url = url
	state.lastCheck = time.Now()
	state.lastError = err
	state.latency = latency

	oldStatus := state.status

	if healthy {
		state.consecutiveFail = 0
		state.consecutivePass++
		if state.consecutivePass >= c.cfg.HealthyAfter {
			state.status = StatusHealthy
		}
	} else {
		state.consecutivePass = 0
		state.consecutiveFail++
		if state.consecutiveFail >= c.cfg.UnhealthyAfter {
			state.status = StatusUnhealthy
		}
	}

	if oldStatus != state.status && c.cfg.OnChange != nil {
		go c.cfg.OnChange(service, state.status)
	}
}
