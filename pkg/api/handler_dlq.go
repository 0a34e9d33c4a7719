package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/conductor-runtime/conductor/pkg/dlq"
)

// listDeadLetters handles GET /api/v1/dlq.
func (s *Server) listDeadLetters(c *gin.Context) {
	entries, err := s.deps.DLQ.List(c.Request.Context())
	if err != nil {
		abortStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, dlqListResponse{Entries: entries, Count: len(entries)})
}

// retryDeadLetter handles POST /api/v1/dlq/:id/retry: requeue the entry's
// task and drop the entry.
func (s *Server) retryDeadLetter(c *gin.Context) {
	id := c.Param("id")
	task, err := s.deps.DLQ.Retry(c.Request.Context(), id)
	if err != nil {
		abortDLQError(c, err)
		return
	}
	c.JSON(http.StatusOK, retryResponse{EntryID: id, Task: task})
}

// removeDeadLetter handles DELETE /api/v1/dlq/:id.
func (s *Server) removeDeadLetter(c *gin.Context) {
	if err := s.deps.DLQ.Remove(c.Request.Context(), c.Param("id")); err != nil {
		abortDLQError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func abortDLQError(c *gin.Context, err error) {
	if errors.Is(err, dlq.ErrEntryNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "dead-letter entry not found"})
		return
	}
	abortStorageError(c, err)
}
