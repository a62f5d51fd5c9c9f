// Package server sets up the HTTP server, router, and all route definitions.
//
// This is the composition root: New receives the long-lived dependencies
// (database, token service, answer provider, rate limiter, metrics) and wires
// services, handlers and middleware around them. Nothing below this package
// knows how the others are assembled.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sakif/qaplanet/internal/auth"
	"github.com/sakif/qaplanet/internal/generate"
	"github.com/sakif/qaplanet/internal/handler"
	"github.com/sakif/qaplanet/internal/metrics"
	"github.com/sakif/qaplanet/internal/middleware"
	"github.com/sakif/qaplanet/internal/rate"
	sqliteRepo "github.com/sakif/qaplanet/internal/repository/sqlite"
	"github.com/sakif/qaplanet/internal/service"
)

// Config holds server configuration.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
	// WriteTimeout bounds a whole response, including a streamed answer, so
	// it must exceed the provider timeout.
	WriteTimeout time.Duration
	CORSOrigins  []string
	Version      string

	GeneratePerMinute int
	CommentPerMinute  int
}

// Deps are the long-lived collaborators the server is built from. Generator
// and Limiter are required; Metrics may be nil. Passwords defaults to the
// production bcrypt cost.
type Deps struct {
	DB        *sqliteRepo.DB
	Tokens    *auth.TokenService
	Passwords *auth.PasswordService
	Generator generate.Generator
	Limiter   rate.Limiter
	Metrics   *metrics.Collector
}

// Server represents the HTTP server and all its dependencies.
//
// The database is owned by the caller; Start does not close it.
type Server struct {
	router *chi.Mux
	config Config
	deps   Deps
	logger *zap.Logger
}

// New wires services and handlers and builds the router.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	switch {
	case deps.DB == nil:
		return nil, errors.New("server: database is required")
	case deps.Tokens == nil:
		return nil, errors.New("server: token service is required")
	case deps.Generator == nil:
		return nil, errors.New("server: answer generator is required")
	case deps.Limiter == nil:
		return nil, errors.New("server: rate limiter is required")
	}
	if deps.Passwords == nil {
		deps.Passwords = auth.NewPasswordService()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRoutes()
	return s, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all middleware and route handlers.
//
//	GET    /                               status document
//	GET    /healthz                        database ping
//	GET    /metrics                        prometheus exposition
//	POST   /api/auth/register              (alias /api/users/register)
//	POST   /api/auth/login                 (alias /api/users/login)
//	GET    /api/auth/me                    (alias /api/users/me)
//	GET    /api/qa/questions               optional auth
//	POST   /api/qa/questions
//	GET    /api/qa/questions/{id}          optional auth
//	PUT    /api/qa/questions/{id}          owner only
//	DELETE /api/qa/questions/{id}          owner only
//	POST   /api/qa/questions/{id}/like
//	POST   /api/qa/questions/{id}/comments rate limited
//	POST   /api/qa/generate                rate limited, streamed
//
// Middleware order matters: the request ID must exist before the access log
// reads it, and CORS must answer preflights before auth rejects them.
func (s *Server) setupRoutes() {
	r := s.router
	m := s.deps.Metrics

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestIDHeader)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logger(s.logger))
	if m != nil {
		r.Use(middleware.Metrics(m))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	authService := service.NewAuthService(s.deps.DB, s.deps.Tokens, s.deps.Passwords, s.logger)
	qaService := service.NewQAService(s.deps.DB, s.logger)
	generateService := service.NewGenerateService(s.deps.Generator, s.logger)

	authn := auth.NewAuthenticator(s.deps.Tokens, authService, s.logger)

	healthHandler := handler.NewHealthHandler(s.deps.DB, s.config.Version, s.logger)
	authHandler := handler.NewAuthHandler(authService, s.logger)
	qaHandler := handler.NewQAHandler(qaService, s.logger)
	generateHandler := handler.NewGenerateHandler(generateService, m, s.logger)

	commentLimit := middleware.RateLimit(s.deps.Limiter, middleware.RateLimitConfig{
		Name:   "comment",
		Limit:  s.config.CommentPerMinute,
		Window: time.Minute,
	}, m, s.logger)
	generateLimit := middleware.RateLimit(s.deps.Limiter, middleware.RateLimitConfig{
		Name:   "generate",
		Limit:  s.config.GeneratePerMinute,
		Window: time.Minute,
	}, m, s.logger)

	r.Get("/", healthHandler.HandleRoot)
	r.Get("/healthz", healthHandler.HandleHealth)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	identity := func(r chi.Router) {
		r.Post("/register", authHandler.HandleRegister)
		r.Post("/login", authHandler.HandleLogin)
		r.With(authn.RequireAuth).Get("/me", authHandler.HandleMe)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", identity)
		r.Route("/users", identity)

		r.Route("/qa", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(authn.OptionalAuth)
				r.Get("/questions", qaHandler.HandleList)
				r.Get("/questions/{id}", qaHandler.HandleGet)
			})

			r.Group(func(r chi.Router) {
				r.Use(authn.RequireAuth)
				r.Post("/questions", qaHandler.HandleCreate)
				r.Put("/questions/{id}", qaHandler.HandleUpdate)
				r.Delete("/questions/{id}", qaHandler.HandleDelete)
				r.Post("/questions/{id}/like", qaHandler.HandleToggleLike)
				r.With(commentLimit).Post("/questions/{id}/comments", qaHandler.HandleAddComment)
				r.With(generateLimit).Post("/generate", generateHandler.HandleGenerate)
			})
		})
	})
}

func (s *Server) httpServer() *http.Server {
	writeTimeout := s.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Minute
	}
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

// Start listens on the configured port and blocks until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", s.config.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is cancelled. In-flight requests get
// ShutdownTimeout to finish; streams still open after that are cut.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := s.httpServer()

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			zap.String("addr", ln.Addr().String()),
			zap.String("version", s.config.Version),
		)
		serverErrors <- srv.Serve(ln)
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown signal received", zap.Duration("timeout", s.config.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
