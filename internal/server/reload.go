package server

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/wudi/svcgate/internal/config"
	"github.com/wudi/svcgate/internal/listener"
	"github.com/wudi/svcgate/internal/logging"
	"go.uber.org/zap"
)

const maxReloadHistory = 50

// ReloadResult represents the outcome of a config reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// ReloadConfig loads the config file again and applies it.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return ReloadResult{Timestamp: time.Now(), Error: "no config path configured"}
	}
	cfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		result := ReloadResult{Timestamp: time.Now(), Error: fmt.Sprintf("config load failed: %v", err)}
		s.metrics.RecordReload(false)
		s.mu.Lock()
		s.reloadHistory = appendReloadHistory(s.reloadHistory, result)
		s.mu.Unlock()
		return result
	}
	return s.Reload(cfg)
}

// Reload builds a fresh gateway from cfg and swaps it in. Requests in
// flight finish on the gateway they started with. On failure the running
// gateway is left untouched.
func (s *Server) Reload(cfg *config.Config) ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := ReloadResult{Timestamp: time.Now()}
	defer func() {
		s.metrics.RecordReload(result.Success)
		s.reloadHistory = appendReloadHistory(s.reloadHistory, result)
	}()

	comps, err := buildComponents(cfg, s.metrics, s.logger)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	gw, err := comps.gateway(s.InternalAddr(), s.metrics, s.logger)
	if err != nil {
		comps.close()
		result.Error = err.Error()
		return result
	}

	comps.start(s.ctx)
	_, drained := s.engine.Swap(gw)
	s.retire(s.comps.Swap(comps), drained, cfg.Shutdown.Timeout)

	result.Changes = diffConfig(s.config, cfg)
	s.reconcileListeners(cfg)
	if cfg.Logging.Level != s.config.Logging.Level {
		logging.SetLevel(cfg.Logging.Level)
	}
	s.config = cfg
	result.Success = true
	return result
}

// retire closes a replaced component set once every request that started
// on its gateway has finished, or after grace at the latest.
func (s *Server) retire(old *components, drained <-chan struct{}, grace time.Duration) {
	if grace <= 0 {
		grace = defaultShutdownTimeout
	}
	s.retiring.Add(1)
	go func() {
		defer s.retiring.Done()
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-drained:
		case <-t.C:
			s.logger.Warn("Closing previous configuration with requests in flight", zap.Duration("grace", grace))
		}
		old.close()
	}()
}

// ReloadHistory returns the most recent reload results, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReloadResult(nil), s.reloadHistory...)
}

// reconcileListeners reloads TLS certificates of existing listeners.
// Listener set and transport changes need a restart.
func (s *Server) reconcileListeners(newCfg *config.Config) {
	for _, lc := range newCfg.Listeners {
		l, ok := s.manager.Get(lc.ID)
		if !ok {
			s.logger.Warn("New listener requires a restart", zap.String("id", lc.ID))
			continue
		}
		hl, ok := l.(*listener.HTTPListener)
		if !ok || !lc.TLS.Enabled || !hl.TLSEnabled() {
			continue
		}
		if err := hl.ReloadTLSCert(lc.TLS.CertFile, lc.TLS.KeyFile); err != nil {
			s.logger.Error("Failed to reload TLS certificate", zap.String("id", lc.ID), zap.Error(err))
			continue
		}
		s.logger.Info("Reloaded TLS certificate", zap.String("id", lc.ID))
	}
	if !reflect.DeepEqual(s.config.Transport, newCfg.Transport) {
		s.logger.Warn("Transport changes require a restart")
	}
}

func appendReloadHistory(history []ReloadResult, result ReloadResult) []ReloadResult {
	history = append(history, result)
	if len(history) > maxReloadHistory {
		history = history[len(history)-maxReloadHistory:]
	}
	return history
}

// diffConfig returns a list of human-readable changes between old and new configs.
func diffConfig(oldCfg, newCfg *config.Config) []string {
	var changes []string

	for name, svc := range newCfg.Services {
		prev, ok := oldCfg.Services[name]
		switch {
		case !ok:
			changes = append(changes, "service added: "+name)
		case !reflect.DeepEqual(prev, svc):
			changes = append(changes, "service changed: "+name)
		}
	}
	for name := range oldCfg.Services {
		if _, ok := newCfg.Services[name]; !ok {
			changes = append(changes, "service removed: "+name)
		}
	}

	if oldCfg.Registry.Type != newCfg.Registry.Type {
		changes = append(changes, fmt.Sprintf("registry changed: %s -> %s", oldCfg.Registry.Type, newCfg.Registry.Type))
	}
	if !reflect.DeepEqual(oldCfg.Authentication, newCfg.Authentication) {
		changes = append(changes, "authentication changed")
	}
	if !reflect.DeepEqual(oldCfg.CORS, newCfg.CORS) {
		changes = append(changes, "cors changed")
	}
	if oldCfg.Logging.Level != newCfg.Logging.Level {
		changes = append(changes, fmt.Sprintf("log level changed: %s -> %s", oldCfg.Logging.Level, newCfg.Logging.Level))
	}
	if len(oldCfg.Listeners) != len(newCfg.Listeners) {
		changes = append(changes, fmt.Sprintf("listeners changed: %d -> %d", len(oldCfg.Listeners), len(newCfg.Listeners)))
	}

	sort.Strings(changes)
	return changes
}
