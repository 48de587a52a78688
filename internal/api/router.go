package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/api/middleware"
	"github.com/eldtechnologies/switchboard/internal/handlers"
)

// maxBodyBytes bounds admin request bodies; tenant policies with custom
// rules are the largest.
const maxBodyBytes = 64 * 1024

// Options configures the HTTP surface.
type Options struct {
	Handlers       handlers.Deps
	Socket         http.Handler // WebSocket gateway, mounted at /ws/{workspaceID}
	AdminKeys      []string
	Nonces         middleware.NonceStore
	RateLimit      middleware.RateLimiterConfig
	AllowedOrigins []string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, opts Options) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting needs Redis for its shared windows
	if opts.Handlers.Redis != nil {
		limiter := middleware.NewRateLimiter(opts.Handlers.Redis.Client(), logger, opts.RateLimit)
		r.Use(limiter.Middleware)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.HeaderKey, middleware.HeaderNonce, middleware.HeaderTimestamp, middleware.HeaderSignature},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(opts.Handlers, logger)
	auth, err := middleware.NewAuthMiddleware(opts.AdminKeys, opts.Nonces, logger)
	if err != nil {
		return nil, err
	}

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	if opts.Socket != nil {
		r.Get("/ws/{workspaceID}", opts.Socket.ServeHTTP)
	}

	// Admin routes (require signature)
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireAdmin)

		r.Get("/workspaces", h.ListWorkspaces)
		r.Route("/workspaces/{id}", func(r chi.Router) {
			r.Get("/", h.WorkspaceStats)
			r.Post("/", h.CreateWorkspace)
			r.Put("/", h.UpdateWorkspace)
			r.Delete("/", h.DestroyWorkspace)

			r.Get("/keys", h.ListKeys)
			r.Post("/keys/rotate", h.RotateKey)
			r.Get("/presence/{userID}", h.GetPresence)
			r.Get("/audit", h.ListAudit)
			r.Put("/members/{userID}", h.AddMember)
			r.Delete("/members/{userID}", h.RemoveMember)
		})
	})

	return r, nil
}
