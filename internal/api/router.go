package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatd/internal/api/middleware"
	"github.com/eldtechnologies/chatd/internal/chat"
	"github.com/eldtechnologies/chatd/internal/handlers"
	"github.com/eldtechnologies/chatd/internal/identity"
	"github.com/eldtechnologies/chatd/internal/store"
)

// Deps are the components the router serves.
type Deps struct {
	Service  *chat.Service
	Store    store.DataStore
	Redis    *store.RedisStore // optional; rate limiting is off without it
	Resolver identity.Resolver
	Push     http.Handler // websocket endpoint
}

// Options tune the middleware stack.
type Options struct {
	AllowedOrigins     []string
	RateLimitWhitelist []string
	AutoBlockEnabled   bool
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, deps Deps, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if deps.Redis != nil {
		limiter := middleware.NewRateLimiter(deps.Redis, logger, middleware.RateLimiterConfig{
			Whitelist:        opts.RateLimitWhitelist,
			AutoBlockEnabled: opts.AutoBlockEnabled,
		})
		r.Use(limiter.Middleware)
	} else {
		logger.Warn().Msg("redis not configured, rate limiting disabled")
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(deps.Service, deps.Store, deps.Redis, logger)
	auth := middleware.NewAuthMiddleware(deps.Resolver, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/api", h.Root)
	r.Get("/health", h.Health)

	// The push transport authenticates during the upgrade itself.
	if deps.Push != nil {
		r.Handle("/ws", deps.Push)
	}

	// Authenticated routes (require bearer token)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post("/api/messages", h.SendMessage)
		r.Get("/api/conversations", h.ListConversations)
		r.Get("/api/messages/{id}", h.ListMessages)
		r.Put("/api/messages/{id}/read", h.MarkRead)
		r.Post("/api/messages/{id}/delivered", h.AckDelivered)
		r.Post("/api/messages/{id}/read-receipt", h.AckRead)
		r.Get("/api/users", h.SearchUsers)
		r.Get("/api/users/{id}", h.GetUser)
	})

	return r
}
