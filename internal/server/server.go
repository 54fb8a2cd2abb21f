// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"

	"github.com/markb/boardsync/internal/access"
	"github.com/markb/boardsync/internal/auth"
	"github.com/markb/boardsync/internal/boards"
	"github.com/markb/boardsync/internal/db"
	"github.com/markb/boardsync/internal/log"
	"github.com/markb/boardsync/internal/observability"
	"github.com/markb/boardsync/internal/realtime"
)

type Server struct {
	db              *db.DB
	router          *chi.Mux
	store           *boards.Store
	authService     *auth.Service
	realtimeService *realtime.Service
	telemetry       *observability.Telemetry

	// HTTP server for graceful shutdown
	httpServer *http.Server
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	JWTSecret      string
	Realtime       realtime.Config
	Telemetry      *observability.Telemetry // nil disables HTTP instrumentation
	AllowedOrigins []string                 // empty allows every origin
}

func New(database *db.DB, jwtSecret string) (*Server, error) {
	return NewWithConfig(database, ServerConfig{JWTSecret: jwtSecret})
}

func NewWithConfig(database *db.DB, cfg ServerConfig) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}

	store := boards.NewStore(database.DB)
	authService := auth.NewService(store, cfg.JWTSecret)

	var mp metric.MeterProvider
	if cfg.Telemetry != nil {
		mp = cfg.Telemetry.MeterProvider()
	}
	rt, err := realtime.NewService(cfg.Realtime, realtime.Deps{
		Auth:          authService,
		Access:        access.NewOracle(store),
		Resolver:      store,
		MeterProvider: mp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create realtime service: %w", err)
	}

	s := &Server{
		db:              database,
		router:          chi.NewRouter(),
		store:           store,
		authService:     authService,
		realtimeService: rt,
		telemetry:       cfg.Telemetry,
	}
	s.setupRoutes(cfg.AllowedOrigins)
	return s, nil
}

func (s *Server) setupRoutes(origins []string) {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	// CORS middleware for browser-based apps
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Use(log.RequestLogger)
	s.router.Use(middleware.Recoverer)
	if s.telemetry != nil {
		s.router.Use(observability.HTTPMiddleware(s.telemetry, s.telemetry.Config().ServiceName))
	}
	s.router.Use(middleware.SetHeader("Content-Type", "application/json"))

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/realtime/v1", func(r chi.Router) {
		// The socket authenticates itself with the user's access token.
		r.Get("/websocket", s.realtimeService.HandleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.serviceKeyMiddleware)
			r.Post("/publish", s.handlePublish)
			r.Post("/broadcast", s.handleBroadcast)
			r.Get("/stats", s.handleStats)
			r.Get("/logs", s.handleLogs)
		})
	})
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

// RealtimeService returns the realtime service
func (s *Server) RealtimeService() *realtime.Service {
	return s.realtimeService
}

// AuthService returns the credential service used by the websocket handshake.
func (s *Server) AuthService() *auth.Service {
	return s.authService
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// Start runs the realtime heartbeat and publish worker.
func (s *Server) Start() {
	s.realtimeService.Start()
}

func (s *Server) ListenAndServe(addr string) error {
	s.Start()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown closes every realtime connection, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if rerr := s.realtimeService.Shutdown(ctx); rerr != nil {
		err = multierr.Append(err, fmt.Errorf("realtime: %w", rerr))
	}
	if s.httpServer != nil {
		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			err = multierr.Append(err, fmt.Errorf("HTTP server: %w", herr))
		}
	}
	return err
}
