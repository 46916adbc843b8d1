// Package server wires handlers, middleware and routes onto a chi router
// and runs the HTTP server with graceful shutdown.
//
// COMPOSITION ROOT:
// main.go builds the stores, codecs and managers and hands them over in
// Deps. Nothing below this package constructs its own dependencies.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/handler"
	"github.com/sakif/authcore/internal/middleware"
)

// Config holds the HTTP server settings.
type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// SessionService is the session manager as the routes see it: the
// handler operations plus the validation RequireSession needs.
type SessionService interface {
	handler.SessionService
	auth.SessionValidator
}

// Background is a worker that lives as long as the server, e.g. the sweeper.
type Background interface {
	Start()
	Stop()
}

// Deps are the already-built collaborators.
type Deps struct {
	Sessions SessionService
	Resets   handler.ResetService
	Codec    *auth.TokenCodec
	Cookie   handler.CookieConfig
	// Limiter throttles the reset endpoints. Nil disables throttling.
	Limiter *middleware.RateLimiter
	// Ready is pinged by /readyz.
	Ready map[string]handler.Pinger
	// Workers are started with the server and stopped on shutdown.
	Workers []Background
	// Closers are closed after the HTTP server has drained, in order.
	Closers []io.Closer
}

// Server represents the HTTP server and everything it owns.
type Server struct {
	router *chi.Mux
	config Config
	deps   Deps
	logger *slog.Logger
}

// New builds the router. It does not start listening.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Sessions == nil || deps.Resets == nil || deps.Codec == nil {
		return nil, errors.New("server: sessions, resets and codec are required")
	}
	if logger == nil {
		logger = slog.Default()
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

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures middleware and routes.
//
// MIDDLEWARE ORDER MATTERS:
//  1. RequestID: every log line of a request shares one id
//  2. RealIP: RemoteAddr becomes the client, which the rate limiter keys on
//  3. Recoverer: a panic answers 500 instead of killing the process
//  4. Logger: one line per request
func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	health := handler.NewHealthHandler(s.deps.Ready)
	s.router.Get("/healthz", health.HandleLive)
	s.router.Get("/readyz", health.HandleReady)

	sessions := handler.NewSessionHandler(s.deps.Sessions, s.deps.Cookie, s.logger)
	resets := handler.NewResetHandler(s.deps.Resets)

	throttle := func(next http.Handler) http.Handler { return next }
	if s.deps.Limiter != nil {
		throttle = s.deps.Limiter.Limit
	}

	s.router.Route("/api/auth", func(r chi.Router) {
		// Public routes
		r.Post("/session", sessions.HandleCreate)
		r.Post("/session/refresh", sessions.HandleRefresh)
		r.Delete("/session", sessions.HandleLogout)
		r.With(auth.SessionHint(s.deps.Codec)).Get("/status", sessions.HandleStatus)

		r.With(throttle).Post("/password-reset", resets.HandleRequest)
		r.Get("/password-reset/verify", resets.HandleVerify)
		r.With(throttle).Post("/password-reset/confirm", resets.HandleConfirm)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireSession(s.deps.Sessions))
			r.Get("/me", sessions.HandleMe)
			r.Get("/sessions", sessions.HandleList)
			r.Post("/sessions/revoke-all", sessions.HandleRevokeAll)
		})
	})
}

// Start serves until SIGINT or SIGTERM, then drains in-flight requests,
// stops the workers and closes the owned resources.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run is Start with the shutdown trigger supplied by the caller.
func (s *Server) Run(ctx context.Context) error {
	defer s.closeAll()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  orDefault(s.config.ReadTimeout, 15*time.Second),
		WriteTimeout: orDefault(s.config.WriteTimeout, 15*time.Second),
		IdleTimeout:  orDefault(s.config.IdleTimeout, 60*time.Second),
	}

	for _, w := range s.deps.Workers {
		w.Start()
	}
	defer func() {
		for _, w := range s.deps.Workers {
			w.Stop()
		}
	}()

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", slog.Int("port", s.config.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), orDefault(s.config.ShutdownTimeout, 30*time.Second))
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}
	return nil
}

func (s *Server) closeAll() {
	for _, c := range s.deps.Closers {
		if err := c.Close(); err != nil {
			s.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
