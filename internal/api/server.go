package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/opensource-finance/warden/internal/domain"
	"github.com/opensource-finance/warden/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, auth domain.AuthConfig, deps Deps, version string) *Server {
	authenticator := NewAuthenticator(auth)
	handler := NewHandler(deps, authenticator, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(corsHandler(cfg))       // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(metrics.Middleware)     // Prometheus request metrics
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Probes
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	router.Route("/v1", func(r chi.Router) {
		r.Use(IdentityMiddleware(authenticator))

		// Orchestrated evaluation
		r.Post("/check", handler.Check)
		r.Post("/messages/evaluate", handler.EvaluateMessage)
		r.Post("/connections/evaluate", handler.EvaluateConnection)

		// Challenges
		r.Post("/challenges", handler.IssueChallenge)
		r.Post("/challenges/verify", handler.VerifyChallenge)

		// Standalone analyzers
		r.Post("/typing/analyze", handler.AnalyzeTyping)
		r.Post("/conversations/analyze", handler.AnalyzeConversation)

		// Trust
		r.Get("/trust/{userId}", handler.GetTrust)
		r.Post("/trust/{userId}/calculate", handler.CalculateTrust)

		r.Route("/admin", func(r chi.Router) {
			if cfg.AdminRequestsPerMinute > 0 {
				r.Use(httprate.LimitByIP(cfg.AdminRequestsPerMinute, time.Minute))
			}
			r.Use(RequireAdmin(authenticator))

			r.Post("/trust/{userId}/adjust", handler.AdjustTrust)

			r.Get("/events", handler.ListEvents)
			r.Post("/events/{id}/resolve", handler.ResolveEvent)

			r.Get("/policies", handler.ListPolicies)
			r.Post("/policies", handler.CreatePolicy)
			r.Post("/policies/reload", handler.ReloadPolicies)
		})
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

func corsHandler(cfg domain.ServerConfig) func(http.Handler) http.Handler {
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type", "Authorization", "X-Request-ID", "X-Trace-ID",
			"X-Device-ID", "X-Session-ID",
			HeaderChallengeID, HeaderChallengeType, HeaderChallengeResponse,
		},
		ExposedHeaders: []string{
			"X-Request-ID", "X-Trace-ID",
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-RateLimit-Window",
			"Retry-After", HeaderChallengeID, HeaderChallengeType,
		},
		AllowCredentials: true,
		MaxAge:           86400,
	})
}

// ListenAndServe blocks serving HTTP until Shutdown. It returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server. A server that is shut down
// before it starts never listens.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
