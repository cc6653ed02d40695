package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/appforge/internal/middleware"
	"github.com/capitalize-ai/appforge/internal/service"
	"github.com/capitalize-ai/appforge/pkg/logger"
)

// RouterConfig holds the dependencies of the HTTP surface.
type RouterConfig struct {
	Logger   *logger.Logger
	Store    Pinger
	Chats    *service.ChatService
	Streamer Streamer
	Verifier middleware.CredentialVerifier

	CORSAllowedOrigins   []string
	RateLimitRequests    int
	RateLimitCompletions int
	RateLimitSession     int
	RateLimitWindow      time.Duration
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}

	healthHandler := NewHealthHandler(cfg.Store)
	chatHandler := NewChatHandler(cfg.Chats, log)
	completionHandler := NewCompletionHandler(cfg.Chats, cfg.Streamer, log)
	sessionHandler := NewSessionHandler(cfg.Verifier, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.IPRateLimit(cfg.RateLimitSession, window)).
			Post("/session", sessionHandler.Create)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.Verifier))
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, window))

			r.Route("/chats", func(r chi.Router) {
				r.Post("/", chatHandler.Create)
				r.Get("/{id}", chatHandler.Get)
				r.Post("/{id}/messages", chatHandler.AppendMessage)
			})

			r.With(middleware.RateLimit(cfg.RateLimitCompletions, window)).
				Post("/completions/stream", completionHandler.Stream)
		})
	})

	return r
}
