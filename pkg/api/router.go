package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/fetchflow/internal/logger"
	"github.com/marmos91/fetchflow/pkg/api/handlers"
	"github.com/marmos91/fetchflow/pkg/metrics"
)

// NewRouter creates and configures the chi router with all middleware and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout to prevent hung requests
//
// Routes:
//   - GET /health - Liveness probe
//   - GET /health/ready - Readiness probe with fetcher stats
//   - POST /api/v1/requests - Start a download (?wait=true blocks until it finishes)
//   - GET /api/v1/requests - List tracked requests
//   - GET /api/v1/requests/{id} - Snapshot of one request
//   - DELETE /api/v1/requests/{id} - Cancel a request
//   - GET, PUT /api/v1/pause - Read or set the pause-download switch
//   - GET /metrics - Prometheus scrape endpoint, when metrics are enabled
func NewRouter(f handlers.Fetcher, writeTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(writeTimeout))

	healthHandler := handlers.NewHealthHandler(f)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	if f != nil {
		requestHandler := handlers.NewRequestHandler(f)
		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/requests", func(r chi.Router) {
				r.Post("/", requestHandler.Create)
				r.Get("/", requestHandler.List)
				r.Get("/{id}", requestHandler.Get)
				r.Delete("/{id}", requestHandler.Cancel)
			})
			r.Get("/pause", requestHandler.GetPause)
			r.Put("/pause", requestHandler.SetPause)
		})
	}

	if metrics.IsEnabled() {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger is a custom middleware that logs requests using the internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"http_request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			"http_request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
