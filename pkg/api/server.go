// Package api exposes the conductor HTTP surface: task submission and
// inspection, dead-letter management, checkpoints, health and stats.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conductor-runtime/conductor/pkg/breaker"
	"github.com/conductor-runtime/conductor/pkg/config"
	"github.com/conductor-runtime/conductor/pkg/dlq"
	"github.com/conductor-runtime/conductor/pkg/events"
	"github.com/conductor-runtime/conductor/pkg/orchestrator"
	"github.com/conductor-runtime/conductor/pkg/queue"
	"github.com/conductor-runtime/conductor/pkg/storage"
)

// PoolStatus is the subset of the worker pool the API needs.
type PoolStatus interface {
	CancelTask(taskID string) bool
	Health() *queue.PoolHealth
}

// StatsSource reports orchestrator dispatch counters.
type StatsSource interface {
	Stats() orchestrator.Stats
}

// Deps are the collaborators injected into the server. Pool, Orchestrator,
// Breakers and Bus may be nil; the affected endpoints degrade gracefully.
type Deps struct {
	Store        storage.Store
	DLQ          *dlq.Queue
	Pool         PoolStatus
	Orchestrator StatsSource
	Breakers     *breaker.Manager
	Bus          *events.Bus
}

// Server is the conductor HTTP API server.
type Server struct {
	deps    Deps
	engine  *gin.Engine
	httpSrv *http.Server
}

// NewServer builds the server and registers all routes.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), securityHeaders())

	s := &Server{
		deps:   deps,
		engine: engine,
		httpSrv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/api/v1")

	v1.POST("/tasks", s.createTask)
	v1.GET("/tasks", s.listTasks)
	v1.GET("/tasks/:id", s.getTask)
	v1.POST("/tasks/:id/cancel", s.cancelTask)
	v1.GET("/tasks/:id/checkpoints", s.listCheckpoints)

	v1.GET("/dlq", s.listDeadLetters)
	v1.POST("/dlq/:id/retry", s.retryDeadLetter)
	v1.DELETE("/dlq/:id", s.removeDeadLetter)

	v1.GET("/events", s.streamEvents)
	v1.GET("/health", s.health)
	v1.GET("/stats", s.stats)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
