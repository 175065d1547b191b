// Package api exposes the engine state over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"roomwatch/internal/history"
	"roomwatch/internal/session"
	"roomwatch/internal/supervisor"
	"roomwatch/internal/telemetry"
)

// Engine is the session as seen by the HTTP handlers.
type Engine interface {
	View() *session.View
	Statuses() []supervisor.Status
	SelectLocation(ctx context.Context, id string) error
	SetAddress(ctx context.Context, id, address string) error
	SetThreshold(ctx context.Context, metric string, limit float64) error
	Acknowledge(ctx context.Context, metric string) (bool, error)
	History(ctx context.Context, locationID string, r history.Range) ([]telemetry.Sample, error)
	Usage() session.UsageReport
	ResetUsage(ctx context.Context) error
}

// Options configure the HTTP server.
type Options struct {
	Listen          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server serves the JSON API.
type Server struct {
	engine Engine
	opts   Options
	logger zerolog.Logger
	router chi.Router
}

// NewServer builds the router.
func NewServer(engine Engine, opts Options, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		engine: engine,
		opts:   opts,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/locations", s.handleLocations)
		r.Post("/locations/{id}/select", s.handleSelect)
		r.Put("/locations/{id}/address", s.handleAddress)
		r.Get("/live", s.handleLive)
		r.Put("/thresholds/{metric}", s.handleThreshold)
		r.Post("/alerts/{metric}/ack", s.handleAck)
		r.Get("/history/{range}", s.handleHistory)
		r.Get("/usage", s.handleUsage)
		r.Post("/usage/reset", s.handleUsageReset)
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Listen,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("api stopped")
	return ctx.Err()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
