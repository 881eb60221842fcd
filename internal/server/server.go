// internal/server/server.go

package server

import (
	"context"
	"fmt"
	"net/http"

	"DriverSafetyCore/internal/config"
	"DriverSafetyCore/internal/handler"
	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/middleware"
	"DriverSafetyCore/internal/websocket"

	"github.com/gorilla/mux"
)

type Server struct {
	httpServer *http.Server
	router     *mux.Router
	cfg        *config.Config
	log        *logger.Logger
}

func New(cfg *config.Config, log *logger.Logger) *Server {
	router := mux.NewRouter()

	server := &Server{
		router: router,
		cfg:    cfg,
		log:    log.Named("server"),
		httpServer: &http.Server{
			Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:        router,
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
			MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		},
	}

	return server
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) RegisterHandlers(
	agentHandler *handler.AgentHandler,
	panicHandler *handler.PanicHandler,
	healthHandler *handler.HealthHandler,
	hub *websocket.Hub,
	metrics http.Handler,
) {
	s.router.Use(middleware.Recovery(s.log))
	s.router.Use(middleware.RequestLogger(s.log))

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.Use(middleware.CORS(s.cfg.Security.CORSAllowedOrigins, s.cfg.Security.CORSAllowedMethods))

	if s.cfg.Security.EnableRateLimit {
		api.Use(middleware.RateLimit(s.cfg.Security.RateLimitPerMinute))
	}

	if s.cfg.Security.JWTSecret != "" {
		api.Use(middleware.Authenticate(s.cfg.Security.JWTSecret, s.cfg.Identity.DriverID, s.log))
	} else {
		s.log.Warn("JWT_SECRET not set, /api/v1 is unauthenticated")
	}

	agentHandler.RegisterRoutes(api)
	panicHandler.RegisterRoutes(api)
	healthHandler.RegisterRoutes(s.router)

	s.router.Handle("/metrics", metrics).Methods("GET")
	hub.AllowOrigins(s.cfg.Security.CORSAllowedOrigins)
	s.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(hub, w, r, s.log)
	})

	s.log.Info("All handlers registered")
}

func (s *Server) Start() error {
	s.log.Info("Starting HTTP server on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed to start: %w", err)
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.log.Info("HTTP server stopped")
	return nil
}
