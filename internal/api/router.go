package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Zeeshankhan077/neuraX/internal/engine"
	"github.com/Zeeshankhan077/neuraX/internal/metrics"
	"github.com/Zeeshankhan077/neuraX/internal/registry"
	"github.com/Zeeshankhan077/neuraX/internal/signaling"
	"github.com/Zeeshankhan077/neuraX/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and passed
// to NewRouter as a single struct.
type RouterConfig struct {
	Engine     *engine.Engine
	Registry   *registry.Registry
	Hub        *websocket.Hub
	Plane      *signaling.Plane
	Metrics    *metrics.Metrics
	UploadRoot string
	Logger     *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. Routes live
// at the root, matching what browser clients and compute nodes already call.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and size.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	gateway := NewGateway(cfg.Hub, cfg.Registry, cfg.Plane, cfg.Engine, cfg.Logger)

	h := &Handlers{
		engine:           cfg.Engine,
		registry:         cfg.Registry,
		uploadRoot:       cfg.UploadRoot,
		logger:           cfg.Logger.Named("api"),
		connectedClients: cfg.Hub.ConnectedCount,
	}

	r.Get("/", h.Health)
	r.Get("/workers", h.Workers)
	r.Get("/capacity", h.Capacity)

	r.Post("/submit", h.Submit)
	// Legacy alias kept for older clients.
	r.Post("/execute", h.Submit)
	r.Post("/upload", h.Upload)

	r.Get("/status/{jobID}", h.Status)
	r.Get("/artifact/{jobID}/{name}", h.Artifact)
	r.Post("/cancel/{jobID}", h.Cancel)

	r.Post("/session", h.CreateSession)
	r.Post("/session/{sessionID}/exec", h.SessionExec)
	r.Post("/session/{sessionID}/restart", h.SessionRestart)

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Get("/ws", gateway.Upgrade)

	return r
}
