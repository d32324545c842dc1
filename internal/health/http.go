package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HTTPHandler serves a Manager's reports.
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes mounts /health, /health/ready, /health/live and
// /health/detailed.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.get(func(r Report) (int, interface{}) {
		r.Components = nil
		return codeFor(r.Status), r
	}))
	mux.HandleFunc("/health/ready", h.get(func(r Report) (int, interface{}) {
		code := http.StatusOK
		if !r.Ready {
			code = http.StatusServiceUnavailable
		}
		return code, map[string]interface{}{"ready": r.Ready, "failing": r.Failing}
	}))
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"live": true, "timestamp": time.Now().Unix()})
	})
	mux.HandleFunc("/health/detailed", h.get(func(r Report) (int, interface{}) {
		return codeFor(r.Status), r
	}))
}

func (h *HTTPHandler) get(render func(Report) (int, interface{})) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			h.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		code, body := render(h.manager.Check(r.Context()))
		h.writeJSON(w, code, body)
	}
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

func codeFor(s Status) int {
	if s == StatusHealthy || s == StatusDegraded {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// StartAdminServer serves health endpoints and Prometheus metrics on port,
// plus whatever routes registers. The caller shuts the returned server down.
func StartAdminServer(manager *Manager, port int, logger *zap.Logger, routes ...func(*http.ServeMux)) *http.Server {
	mux := http.NewServeMux()
	NewHTTPHandler(manager, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	for _, register := range routes {
		register(mux)
	}

	// No write timeout: event streams stay open for the whole run.
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	return server
}
