// Package api exposes the HTTP surface of the execution server: task
// submission with SSE streaming, reconnect, interventions, credential
// profile management, and health/status probes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/config"
	"github.com/soulstream/soulstream/internal/common/httpmw"
	"github.com/soulstream/soulstream/internal/common/logger"
	"github.com/soulstream/soulstream/internal/credentials"
	"github.com/soulstream/soulstream/internal/engine"
	"github.com/soulstream/soulstream/internal/resource"
	"github.com/soulstream/soulstream/internal/runner"
	"github.com/soulstream/soulstream/internal/task"
)

// Deps carries the wired subsystems the handlers operate on. Pool,
// Store, Swapper, and Tracker are optional; their endpoints degrade
// gracefully when absent.
type Deps struct {
	Manager   *task.Manager
	Adapter   *engine.Adapter
	Resources *resource.Manager
	Pool      *runner.Pool
	Store     *credentials.Store
	Swapper   *credentials.Swapper
	Tracker   *credentials.RateLimitTracker

	// BaseCtx is the process lifetime context executions are bound to,
	// so a run outlives the request that started it.
	BaseCtx context.Context
}

func (s *Server) baseCtx() context.Context {
	if s.deps.BaseCtx != nil {
		return s.deps.BaseCtx
	}
	return context.Background()
}

// Server is the HTTP server.
type Server struct {
	cfg       config.ServerConfig
	deps      Deps
	logger    *logger.Logger
	engine    *gin.Engine
	http      *http.Server
	startedAt time.Time
}

// NewServer builds the gin engine with all routes registered.
func NewServer(cfg config.ServerConfig, deps Deps, log *logger.Logger) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    log.WithFields(zap.String("component", "api")),
		engine:    gin.New(),
		startedAt: time.Now(),
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(httpmw.RequestLogger(s.logger, "soulstream"))
	s.engine.Use(httpmw.OtelTracing("soulstream"))
	s.registerRoutes()

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	auth := AuthMiddleware(s.cfg, s.logger)

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/status", s.handleStatus)

	s.engine.POST("/execute", auth, s.handleExecute)
	s.engine.GET("/tasks/:client_id", auth, s.handleListTasks)
	s.engine.GET("/tasks/:client_id/:request_id", auth, s.handleGetTask)
	s.engine.GET("/tasks/:client_id/:request_id/stream", auth, s.handleStream)
	s.engine.GET("/tasks/:client_id/:request_id/ws", auth, s.handleWebSocket)
	s.engine.POST("/tasks/:client_id/:request_id/ack", auth, s.handleAck)
	s.engine.POST("/tasks/:client_id/:request_id/intervene", auth, s.handleIntervene)
	s.engine.POST("/sessions/:session_id/intervene", auth, s.handleInterveneBySession)

	profiles := s.engine.Group("/profiles", auth)
	profiles.GET("", s.handleListProfiles)
	profiles.GET("/active", s.handleActiveProfile)
	profiles.GET("/rate-limits", s.handleAllRateLimits)
	profiles.POST("/:name", s.handleSaveProfile)
	profiles.POST("/:name/activate", s.handleActivateProfile)
	profiles.GET("/:name/rate-limits", s.handleProfileRateLimits)
	profiles.DELETE("/:name", s.handleDeleteProfile)
}

// Handler exposes the gin engine, used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails or the server is shut down.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
