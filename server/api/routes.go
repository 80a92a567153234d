package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/compose-network/recordtap/server/api/middleware"
	"github.com/compose-network/recordtap/x/record"
	"github.com/compose-network/recordtap/x/tap"
)

// ConnectionLister reports the currently tapped connections.
type ConnectionLister interface {
	Connections() []tap.Connection
}

// Deps are the read-only views the routes serve.
type Deps struct {
	Version     string
	Connections ConnectionLister
	Registry    record.Registry

	// MetricsPath mounts the Prometheus handler when non-empty.
	MetricsPath string
	Gatherer    prometheus.Gatherer
	Registerer  prometheus.Registerer
}

type handler struct {
	deps    Deps
	started time.Time
}

// RegisterRoutes installs middleware and every route on s.
func RegisterRoutes(s *Server, deps Deps) {
	h := &handler{deps: deps, started: time.Now()}

	s.Use(middleware.RequestID())
	s.Use(middleware.Recover(s.log))
	s.Use(middleware.Logger(s.log, "/health", deps.MetricsPath))
	if s.cfg.EnableCORS {
		s.EnableCORS()
	}
	if deps.Registerer != nil {
		s.Router.Use(middleware.Metrics(deps.Registerer))
	}

	s.Router.HandleFunc("/health", h.health).Methods(http.MethodGet)

	v1 := s.Router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/connections", h.connections).Methods(http.MethodGet)
	v1.HandleFunc("/registry", h.registry).Methods(http.MethodGet)

	if deps.MetricsPath != "" && deps.Gatherer != nil {
		s.Router.Handle(deps.MetricsPath, promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	s.Router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, "not_found", "route not found", map[string]string{"path": r.URL.Path})
	})
	s.Router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.deps.Version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *handler) connections(w http.ResponseWriter, r *http.Request) {
	if h.deps.Connections == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "unavailable", "relay not running", nil)
		return
	}

	conns := h.deps.Connections.Connections()
	WriteJSON(w, http.StatusOK, map[string]any{
		"count":       len(conns),
		"connections": conns,
	})
}

type registryEntry struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

func (h *handler) registry(w http.ResponseWriter, r *http.Request) {
	if h.deps.Registry == nil {
		WriteError(w, r, http.StatusServiceUnavailable, "unavailable", "no record registry", nil)
		return
	}

	entries := h.deps.Registry.Entries()
	out := make([]registryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, registryEntry{Type: fmt.Sprintf("0x%04x", e.Type), Name: e.Name})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"types": out})
}
