// Package server assembles the gateway process: the proxy listeners, the
// loopback server for gateway-internal endpoints, the admin server and
// configuration reloads.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/wudi/svcgate/internal/config"
	"github.com/wudi/svcgate/internal/gateway"
	"github.com/wudi/svcgate/internal/listener"
	"github.com/wudi/svcgate/internal/logging"
	"github.com/wudi/svcgate/internal/metrics"
	"github.com/wudi/svcgate/internal/middleware"
	"github.com/wudi/svcgate/internal/proxy"
	"github.com/wudi/svcgate/internal/tracing"
	"go.uber.org/zap"
)

const defaultShutdownTimeout = 30 * time.Second

// Server wraps the proxy engine with its listeners and lifecycle.
type Server struct {
	mu         sync.Mutex // serializes reloads
	config     *config.Config
	configPath string
	comps      atomic.Pointer[components]

	engine   *proxy.Engine
	metrics  *metrics.Collector
	tracer   *tracing.Tracer
	logger   *zap.Logger
	manager  *listener.Manager
	internal *listener.HTTPListener
	admin    *listener.HTTPListener
	watcher  *config.Watcher
	retiring sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	startTime     time.Time
	reloadHistory []ReloadResult
}

// New creates a server for cfg. configPath is used for reloads and may be
// empty. Nothing is bound until Start.
func New(cfg *config.Config, configPath string, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Global()
	}
	collector := metrics.NewCollector()

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	comps, err := buildComponents(cfg, collector, logger)
	if err != nil {
		tracer.Close()
		return nil, err
	}
	gw, err := comps.gateway("", collector, logger)
	if err != nil {
		comps.close()
		tracer.Close()
		return nil, err
	}

	engine, err := proxy.New(gw, proxy.Options{
		Transport: cfg.Transport,
		Tracer:    tracer,
		Metrics:   collector,
		Logger:    logger,
	})
	if err != nil {
		comps.close()
		tracer.Close()
		return nil, fmt.Errorf("failed to initialize proxy: %w", err)
	}

	s := &Server{
		config:     cfg,
		configPath: configPath,
		engine:     engine,
		metrics:    collector,
		tracer:     tracer,
		logger:     logger,
		manager:    listener.NewManager(logger),
		startTime:  time.Now(),
	}
	s.comps.Store(comps)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.initListeners(); err != nil {
		s.cancel()
		comps.close()
		tracer.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) initListeners() error {
	handler := middleware.NewChain(middleware.Recovery(s.logger, middleware.OnPanic(func(*http.Request, any) {
		s.metrics.RecordFailure("internal", "panic")
	}))).Then(s.engine)
	for _, lc := range s.config.Listeners {
		l, err := listener.NewHTTPListener(listener.FromConfig(lc, handler, s.logger))
		if err != nil {
			return fmt.Errorf("failed to create listener %s: %w", lc.ID, err)
		}
		if err := s.manager.Add(l); err != nil {
			return err
		}
	}

	if addr := s.config.Internal.Address; addr != "" {
		l, err := listener.NewHTTPListener(listener.HTTPListenerConfig{
			ID:                "internal",
			Address:           addr,
			Handler:           s.internalHandler(),
			ReadHeaderTimeout: 10 * time.Second,
			Logger:            s.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create internal listener: %w", err)
		}
		s.internal = l
	}

	if s.config.Admin.Enabled {
		l, err := listener.NewHTTPListener(listener.HTTPListenerConfig{
			ID:           "admin",
			Address:      fmt.Sprintf(":%d", s.config.Admin.Port),
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Logger:       s.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create admin listener: %w", err)
		}
		s.admin = l
	}
	return nil
}

// Start binds every listener and starts background work. The internal
// server is bound first so its address can become the gateway's shortcut.
func (s *Server) Start() error {
	s.comps.Load().start(s.ctx)

	if s.internal != nil {
		if err := s.internal.Start(s.ctx); err != nil {
			return fmt.Errorf("internal listener: %w", err)
		}
		gw, err := s.comps.Load().gateway(s.internal.Addr(), s.metrics, s.logger)
		if err != nil {
			_ = s.internal.Stop(s.ctx)
			return err
		}
		// Both gateways share the same components.
		s.engine.Swap(gw)
		s.logger.Info("Internal server started", zap.String("addr", s.internal.Addr()))
	}

	if s.admin != nil {
		if err := s.admin.Start(s.ctx); err != nil {
			s.stopInternal()
			return fmt.Errorf("admin listener: %w", err)
		}
		s.logger.Info("Admin server started", zap.String("addr", s.admin.Addr()))
	}

	if err := s.manager.StartAll(s.ctx); err != nil {
		s.stopInternal()
		if s.admin != nil {
			_ = s.admin.Stop(s.ctx)
		}
		return err
	}
	return nil
}

func (s *Server) stopInternal() {
	if s.internal != nil {
		_ = s.internal.Stop(s.ctx)
	}
}

// Run starts the server, watches the config file and blocks until
// SIGINT or SIGTERM. SIGHUP reloads the configuration.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	if s.configPath != "" {
		if err := s.watch(); err != nil {
			s.logger.Warn("Config file watching disabled", zap.Error(err))
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			s.logReload(s.ReloadConfig())
		default:
			s.logger.Info("Shutting down gracefully...")
			timeout := s.currentConfig().Shutdown.Timeout
			if timeout <= 0 {
				timeout = defaultShutdownTimeout
			}
			return s.Shutdown(timeout)
		}
	}
	return nil
}

func (s *Server) watch() error {
	w, err := config.NewWatcher(s.configPath, s.logger.Named("config"))
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *config.Config) {
		s.logReload(s.Reload(cfg))
	})
	if err := w.Start(); err != nil {
		_ = w.Stop()
		return err
	}
	s.watcher = w
	return nil
}

func (s *Server) logReload(result ReloadResult) {
	if result.Success {
		s.logger.Info("Config reloaded successfully", zap.Strings("changes", result.Changes))
		return
	}
	s.logger.Error("Config reload failed", zap.String("error", result.Error))
}

// Shutdown stops accepting traffic, drains in-flight requests up to
// timeout and releases background resources.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		_ = s.watcher.Stop()
	}

	var errs []error
	if err := s.manager.StopAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.internal != nil {
		if err := s.internal.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("internal listener: %w", err))
		}
	}
	if s.admin != nil {
		if err := s.admin.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin listener: %w", err))
		}
	}

	retired := make(chan struct{})
	go func() {
		s.retiring.Wait()
		close(retired)
	}()
	select {
	case <-retired:
	case <-ctx.Done():
		s.logger.Warn("Previous configuration still draining at shutdown")
	}

	s.cancel()
	s.comps.Load().close()
	s.engine.Close()
	if err := s.tracer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("Server shutdown error", zap.Error(err))
		return err
	}
	s.logger.Info("Server shutdown complete")
	return nil
}

// Handler returns the handler mounted on the proxy listeners.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Gateway returns the gateway currently serving requests.
func (s *Server) Gateway() *gateway.Gateway {
	return s.engine.Gateway()
}

// Metrics returns the server's metrics collector.
func (s *Server) Metrics() *metrics.Collector {
	return s.metrics
}

// ListenerAddr returns the bound address of a proxy listener.
func (s *Server) ListenerAddr(id string) (string, bool) {
	l, ok := s.manager.Get(id)
	if !ok {
		return "", false
	}
	return l.Addr(), true
}

// InternalAddr returns the bound address of the internal server, if any.
func (s *Server) InternalAddr() string {
	if s.internal == nil {
		return ""
	}
	return s.internal.Addr()
}

// AdminAddr returns the bound address of the admin server, if any.
func (s *Server) AdminAddr() string {
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr()
}

func (s *Server) currentConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}
