// Package server exposes the operator HTTP surface: health, on-demand
// passes and refreshes, profile administration, and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"nowplaying-notifier/lease"
	"nowplaying-notifier/pkg/notifier"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store interface for profile administration.
type Store interface {
	Get(ctx context.Context, subscriberID string) (*notifier.Profile, error)
	Save(ctx context.Context, p *notifier.Profile) error
}

// Poller interface for triggering a full pass.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// Refresher interface for an on-demand reconciliation of one subscriber.
type Refresher interface {
	Refresh(ctx context.Context, subscriberID string) error
}

// IsNotFound checks if a store error means the profile does not exist.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	store      Store
	poller     Poller
	refresher  Refresher
	locker     lease.Locker
	isNotFound IsNotFound
	logger     *slog.Logger
	port       string
	rateLimit  int
	trustProxy bool
}

// Config holds server configuration.
type Config struct {
	Store      Store
	Poller     Poller
	Refresher  Refresher
	Locker     lease.Locker
	IsNotFound IsNotFound
	Logger     *slog.Logger
	Port       string
	RateLimit  int // requests per minute per client IP
	// TrustProxy takes the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
}

// New creates a new HTTP server.
func New(cfg *Config) *Server {
	s := &Server{
		store:      cfg.Store,
		poller:     cfg.Poller,
		refresher:  cfg.Refresher,
		locker:     cfg.Locker,
		isNotFound: cfg.IsNotFound,
		logger:     cfg.Logger,
		port:       cfg.Port,
		rateLimit:  cfg.RateLimit,
		trustProxy: cfg.TrustProxy,
	}
	if s.locker == nil {
		s.locker = lease.NewLocal()
	}
	if s.isNotFound == nil {
		s.isNotFound = func(error) bool { return false }
	}
	if s.rateLimit <= 0 {
		s.rateLimit = 60
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(s.rateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Post("/pollz", s.handlePoll)
		r.Post("/refresh/{id}", s.handleRefresh)
		r.Get("/profiles/{id}", s.handleGetProfile)
		r.Put("/profiles/{id}", s.handlePutProfile)
	})
	return r
}

// String names the service in supervisor logs.
func (*Server) String() string { return "http-server" }

// Serve implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", s.port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown incomplete", "error", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered", "request_id", middleware.GetReqID(r.Context()))

	if err := s.poller.CheckAll(r.Context()); err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Info("Refresh endpoint triggered", "subscriber_id", id, "request_id", middleware.GetReqID(r.Context()))

	err := s.refresher.Refresh(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "refreshed"})
	case errors.Is(err, notifier.ErrBusy):
		http.Error(w, "Reconciliation already in flight", http.StatusConflict)
	case errors.Is(err, notifier.ErrNotConfigured):
		http.Error(w, "Subscriber has no target channel or Last.fm username", http.StatusUnprocessableEntity)
	default:
		s.logger.Warn("Refresh failed", "subscriber_id", id, "error", err)
		http.Error(w, "Refresh failed", http.StatusBadGateway)
	}
}
