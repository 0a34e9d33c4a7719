package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/conductor-runtime/conductor/pkg/version"
)

// health handles GET /api/v1/health. Unreachable storage or an unhealthy
// pool degrades the status to 503.
func (s *Server) health(c *gin.Context) {
	resp := healthResponse{Status: "healthy", Version: version.Full()}
	code := http.StatusOK

	if _, err := s.deps.Store.Stats(c.Request.Context()); err != nil {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	if s.deps.Pool != nil {
		resp.Pool = s.deps.Pool.Health()
		if !resp.Pool.IsHealthy {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, resp)
}

// stats handles GET /api/v1/stats.
func (s *Server) stats(c *gin.Context) {
	resp := statsResponse{}

	if stats, err := s.deps.Store.Stats(c.Request.Context()); err == nil {
		resp.Storage = &stats
	}
	if s.deps.Orchestrator != nil {
		stats := s.deps.Orchestrator.Stats()
		resp.Orchestrator = &stats
	}
	if s.deps.DLQ != nil {
		stats := s.deps.DLQ.Stats()
		resp.DeadLetters = &stats
	}
	if s.deps.Breakers != nil {
		resp.Breakers = s.deps.Breakers.Snapshots()
	}
	c.JSON(http.StatusOK, resp)
}

// streamEvents handles GET /api/v1/events: a server-sent-events feed of
// runtime events, optionally filtered by task_id.
func (s *Server) streamEvents(c *gin.Context) {
	if s.deps.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "event streaming disabled"})
		return
	}

	taskID := c.Query("task_id")
	sub := s.deps.Bus.Subscribe()
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return false
			}
			if taskID != "" && evt.TaskID != taskID {
				return true
			}
			c.SSEvent(string(evt.Type), evt)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
