package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/wudi/svcgate/internal/errors"
	"github.com/wudi/svcgate/internal/gateway"
	"github.com/wudi/svcgate/internal/middleware"
	"github.com/wudi/svcgate/internal/router"
)

// internalHandler serves the gateway-internal endpoints on the loopback
// server that the gateway shortcuts InternalPrefix requests to.
func (s *Server) internalHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(gateway.HealthPath, s.handleHealth)
	mux.HandleFunc(gateway.InternalPrefix+"routes", s.handleRoutes)
	mux.HandleFunc(gateway.InternalPrefix, func(w http.ResponseWriter, r *http.Request) {
		errors.ErrNotFound.WriteJSON(w)
	})
	return s.recovered(mux)
}

// adminHandler serves health, routing, reload and metrics endpoints on
// the admin port.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	for path, h := range map[string]http.HandlerFunc{
		"/health":        s.handleHealth,
		"/healthz":       s.handleHealth,
		"/routes":        s.handleRoutes,
		"/reload":        s.handleReload,
		"/reload/status": s.handleReloadStatus,
	} {
		mux.HandleFunc(path, h)
	}
	if m := s.config.Admin.Metrics; m.Enabled {
		mux.Handle(metricsPath(m.Path), s.metrics.Handler())
	}
	return s.recovered(mux)
}

func (s *Server) recovered(h http.Handler) http.Handler {
	return middleware.NewChain(middleware.Recovery(s.logger)).Then(h)
}

func metricsPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/metrics"
	}
	return p
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, s.comps.Load().responder.Check())
}

type routeListing struct {
	Gateway string         `json:"gateway"`
	Routes  []router.Entry `json:"routes"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	gw := s.Gateway()
	writeJSON(w, http.StatusOK, routeListing{Gateway: gw.Name(), Routes: gw.Routes()})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}
	result := s.ReloadConfig()
	s.logReload(result)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

type reloadStatus struct {
	Uptime  string         `json:"uptime"`
	History []ReloadResult `json:"history"`
}

func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, reloadStatus{
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		History: s.ReloadHistory(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
