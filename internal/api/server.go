// ABOUTME: HTTP server struct, constructor, and handler wiring for the task queue.
// ABOUTME: Serves health, Prometheus metrics and the huma /api/v1 task endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scarson/pgtasks/internal/config"
	"github.com/scarson/pgtasks/internal/store"
)

// Queue is the part of *queue.Client the HTTP layer uses.
type Queue interface {
	Connected() bool
	Publish(ctx context.Context, payload any) (int64, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	queue       Queue
	cfg         *config.Config
	gatherer    prometheus.Gatherer
	rateLimiter *publishQuota
}

// NewServer creates a Server. gatherer backs /metrics; nil uses the
// Prometheus default registry.
func NewServer(q Queue, cfg *config.Config, gatherer prometheus.Gatherer) *Server {
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	perMinute := cfg.PublishRatePerMinute
	if perMinute <= 0 {
		perMinute = 600
	}
	burst := cfg.PublishBurst
	if burst <= 0 {
		burst = 60
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		queue:       q,
		cfg:         cfg,
		gatherer:    gatherer,
		rateLimiter: newPublishQuota(perMinute, burst, evictTTL),
	}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// ── Security headers ─────────────────────────────────────────────────────
	// Must be first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit; task payloads are stored inline.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(srv.queue))
	r.Handle("/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	// Limits writes only; must be registered before huma adds its routes.
	apiRouter.Use(srv.publishRateLimit())
	humaConfig := huma.DefaultConfig("pgtasks API", "0.1.0")
	humaConfig.Info.Description = "Durable Postgres work queue"
	api := humachi.New(apiRouter, humaConfig)
	registerTaskRoutes(api, srv)

	r.Mount("/api/v1", apiRouter)

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} while the queue connection is
// ready, or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(q Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if q == nil || !q.Connected() {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
