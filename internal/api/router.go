package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/chat"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/store"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and passed
// to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	// AgentWS is the websocket upgrade handler for agent connections.
	AgentWS http.HandlerFunc

	Registry *registry.Registry
	Tasks    store.TaskRepository
	Failed   *chat.FailedBuffer
	Metrics  *prometheus.Registry
	Logger   *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs for
	// tracing. RealIP extracts the real client IP behind a reverse proxy.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Registry, cfg.Logger)
	taskHandler := NewTaskHandler(cfg.Tasks, cfg.Logger)
	notificationHandler := NewNotificationHandler(cfg.Failed)

	// The websocket endpoint sits outside /api/v1: it is agent-facing, not
	// part of the operations API, and has its own auth handshake.
	r.Get("/ws/agent", cfg.AgentWS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		cfg.Metrics,
		promhttp.HandlerOpts{},
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/agents", agentHandler.List)
		r.Get("/tasks/{id}", taskHandler.GetByID)
		r.Get("/notifications/failed", notificationHandler.ListFailed)
	})

	return r
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// with the provided zap logger. The websocket endpoint is skipped — its log
// line would only appear when the connection ends, hours later.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	httpLogger := logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/ws/agent" {
				next.ServeHTTP(w, r)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			httpLogger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
