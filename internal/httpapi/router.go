package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router uses the standard http.ServeMux.
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler registers an http.Handler (promhttp).
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterTelemetryRoutes registers the live view endpoints.
func (r *Router) RegisterTelemetryRoutes(h *TelemetryHandler) {
	r.Handle("/api/v1/telemetry/entities", method(http.MethodGet, h.GetEntities))
	r.Handle("/api/v1/telemetry/paths", method(http.MethodGet, h.GetPaths))
	r.Handle("/api/v1/telemetry/status", method(http.MethodGet, h.GetStatus))

	r.Handle("/api/v1/telemetry/focus", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			h.GetFocus(w, req)
		case http.MethodPut:
			h.SetFocus(w, req)
		case http.MethodDelete:
			h.ClearFocus(w, req)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

// RegisterOpsRoutes registers the health check and the metrics endpoint.
func (r *Router) RegisterOpsRoutes(metrics http.Handler) {
	r.Handle("/healthz", method(http.MethodGet, func(w http.ResponseWriter, _ *http.Request) {
		_ = writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	}))
	if metrics != nil {
		r.HandleHandler("/metrics", metrics)
	}
}

func method(m string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != m {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}
