// Package server provides the operator HTTP API: health, system
// metrics, run inspection, positions, and a live event stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/domain"
	"github.com/quantfold/helmsman/internal/events"
)

// RunDirectory is the run-state surface the API reads from
type RunDirectory interface {
	ListRecentRuns(ctx context.Context, limit int) ([]domain.RunRecord, error)
	GetRun(ctx context.Context, runID string) (*domain.RunRecord, error)
	ListTrades(ctx context.Context, runID string) ([]domain.TradeStatus, error)
}

// Broker is the broker surface the API reads from
type Broker interface {
	GetAccount(ctx context.Context) (*domain.AccountSnapshot, error)
	GetPositions(ctx context.Context) ([]domain.Position, error)
}

// Pinger is a health-checkable database
type Pinger interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// Config holds server configuration
type Config struct {
	Log       zerolog.Logger
	Port      int
	DataDir   string
	Mode      domain.TradingMode
	Runs      RunDirectory
	Broker    Broker
	Bus       events.Bus
	Databases []Pinger
	DevMode   bool
}

// Server is the operator HTTP server
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	mode           domain.TradingMode
	runs           RunDirectory
	broker         Broker
	databases      []Pinger
	systemHandlers *SystemHandlers
	eventsStream   *EventsStreamHandler
}

// New creates the operator HTTP server
func New(cfg Config) (*Server, error) {
	stream, err := NewEventsStreamHandler(cfg.Bus, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to wire event stream: %w", err)
	}

	s := &Server{
		router:         chi.NewRouter(),
		log:            cfg.Log.With().Str("component", "server").Logger(),
		mode:           cfg.Mode,
		runs:           cfg.Runs,
		broker:         cfg.Broker,
		databases:      cfg.Databases,
		systemHandlers: NewSystemHandlers(cfg.Log, cfg.DataDir),
		eventsStream:   stream,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections outlive any fixed write deadline
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		// SSE stream first so the timeout middleware below never wraps it
		r.Get("/events/stream", s.eventsStream.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/health", s.handleHealth)
			r.Get("/system", s.systemHandlers.HandleSystem)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{runID}", s.handleGetRun)
			r.Get("/positions", s.handlePositions)
		})
	})
}

// Start starts the HTTP server. Blocks until Shutdown or failure.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	s.eventsStream.Close()
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
