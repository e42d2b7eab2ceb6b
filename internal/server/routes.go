// ABOUTME: chi router wiring for the HTTP API, webhooks, push streams and probes
// ABOUTME: Applies request IDs, panic recovery, request logging and bearer auth per route group

package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/pairline/internal/auth"
)

// HandlerOptions configures NewHandler.
type HandlerOptions struct {
	// Verifier authenticates /api requests. Nil disables authentication.
	Verifier auth.TokenVerifier
	// Metrics is served at MetricsPath when both are set.
	Metrics     http.Handler
	MetricsPath string
	Logger      *slog.Logger
}

// NewHandler builds the HTTP handler for core.
func NewHandler(core *Core, opts HandlerOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a := &api{
		instances: core.Instances,
		streams:   core.Streams,
		webhooks:  core.Webhooks,
		reconcile: core.Reconcile,
		store:     core.Store,
		logger:    opts.Logger.With("component", "http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.logger))
	r.Use(middleware.Recoverer)

	// Health endpoints - no auth required
	r.Get("/health", a.handleHealth)
	r.Get("/health/ready", a.handleReady)
	if opts.Metrics != nil && opts.MetricsPath != "" {
		r.Method(http.MethodGet, opts.MetricsPath, opts.Metrics)
	}

	// Webhooks authenticate with per-channel secrets instead of bearer tokens
	r.Post("/webhooks/{channelType}", a.handleWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(opts.Verifier, opts.Logger))

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", a.handleListInstances)
			r.Post("/", a.handleCreateInstance)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetInstance)
				r.Delete("/", a.instanceOp("delete", a.instances.Delete))
				r.Post("/connect", a.instanceOp("connect", a.instances.Connect))
				r.Post("/reset", a.instanceOp("reset", a.instances.Reset))
				r.Post("/refresh", a.instanceOp("refresh", a.streams.Refresh))
				r.Get("/audit", a.handleAudit)
				r.Get("/events", a.handleEvents)
				r.Get("/ws", a.handleWebSocket)
			})
		})

		r.With(auth.RequireAdminHTTP()).Post("/reconcile", a.handleReconcile)
	})

	if opts.Verifier == nil {
		a.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	return r
}

// requestLogger logs every request at debug level with its status and duration.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
