// Package api exposes the supervisor over HTTP: server state, upgrade jobs,
// commands and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/turtacn/Vigil/internal/monitor"
	"github.com/turtacn/Vigil/internal/orchestrator"
	"github.com/turtacn/Vigil/internal/resource"
	"github.com/turtacn/Vigil/internal/upgrade"
	"github.com/turtacn/Vigil/pkg/logger"
	"github.com/turtacn/Vigil/pkg/protocol"
)

// Engine is the part of the orchestrator the API drives.
type Engine interface {
	Profiles() []string
	State(id string) (orchestrator.State, bool)
	Upgrading(id string) bool
	StartUpgrade(ctx context.Context, id string, opts orchestrator.UpgradeOptions, progress upgrade.ProgressFunc) (<-chan upgrade.Report, error)
	CancelUpgrade(id string) bool
	StopServer(ctx context.Context, id string) error
	Send(ctx context.Context, id, command string) (bool, error)
	Broadcast(ctx context.Context, id, text string) (bool, error)
}

// Server serves the HTTP API.
type Server struct {
	cfg    protocol.ObservabilityConfig
	engine Engine
	jobs   *jobStore
	log    logger.Logger

	// base outlives single requests; upgrade jobs run under it.
	base   context.Context
	cancel context.CancelFunc

	router    *gin.Engine
	http      *http.Server
	listeners *resource.Listeners
	addr      string
}

// New creates a Server. Routes are registered immediately.
func New(cfg protocol.ObservabilityConfig, engine Engine) *Server {
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		engine:    engine,
		jobs:      newJobStore(maxJobs),
		log:       logger.Log.With("component", "api"),
		base:      base,
		cancel:    cancel,
		listeners: resource.NewListeners(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.log))
	if len(s.cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(monitor.Handler()))

	router.GET("/servers", s.listServers)
	router.GET("/servers/:id", s.getServer)
	router.GET("/jobs/:job", s.getJob)

	mutating := router.Group("/servers/:id")
	if s.cfg.APIToken != "" {
		mutating.Use(bearerAuth(s.cfg.APIToken, s.log))
	}
	mutating.POST("/upgrade", s.startUpgrade)
	mutating.DELETE("/upgrade", s.cancelUpgrade)
	mutating.POST("/stop", s.stopServer)
	mutating.POST("/command", s.sendCommand)
	mutating.POST("/broadcast", s.broadcast)
	return router
}

// Start listens on the configured address in the background. A socket
// passed in by the service manager for that address is used when present.
func (s *Server) Start() error {
	if s.cfg.ListenAddr == "" {
		return errors.New("api: listen address not configured")
	}
	l, err := s.listeners.Listen(s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.addr = l.Addr().String()
	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		s.log.Info("API listening", "addr", s.addr)
		if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("API server error", "err", err)
		}
	}()
	return nil
}

// Addr is the bound address once Start succeeded.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown stops accepting requests and cancels running upgrade jobs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	defer s.listeners.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Personal.AI order the ending
