package handler

import (
	"context"
	"net/http"

	"github.com/S1riyS/hugefs/internal/metrics"
	"github.com/S1riyS/hugefs/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes mounts every endpoint on mux and returns the registered paths.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, m *metrics.Metrics) map[string]bool {
	routes := map[string]http.HandlerFunc{
		// System endpoints
		"/health": h.HandleHealthCheck,

		// API endpoints
		"/api/status": h.HandleStatus,
		"/api/mirror": h.HandleMirror,
		"/api/seal":   h.HandleSeal,
		"/api/gc":     h.HandleGC,
		"/api/check":  h.HandleCheck,
	}
	paths := make(map[string]bool, len(routes)+1)
	for path, fn := range routes {
		mux.HandleFunc(path, fn)
		paths[path] = true
	}
	if reg := m.Registry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		paths["/metrics"] = true
	}
	return paths
}

// NewRouter builds the admin API with its middleware. ctx carries the logger.
func NewRouter(ctx context.Context, h *Handler, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	routes := h.RegisterRoutes(mux, m)
	return middleware.Chain(mux,
		middleware.RequestIDMiddleware,
		middleware.LoggerMiddleware(ctx),
		middleware.MetricsMiddleware(m, routes),
	)
}
