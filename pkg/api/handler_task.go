package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/conductor-runtime/conductor/pkg/models"
	"github.com/conductor-runtime/conductor/pkg/storage"
)

// createTask handles POST /api/v1/tasks: enqueue a pending task.
func (s *Server) createTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	task := models.NewTask(req.Type, req.Prompt)
	task.Context = req.Context
	if req.Source != "" {
		task.Metadata.Source = req.Source
	} else {
		task.Metadata.Source = "api"
	}

	if err := s.deps.Store.SaveTask(c.Request.Context(), task); err != nil {
		abortStorageError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// listTasks handles GET /api/v1/tasks with optional status/source/limit
// filters.
func (s *Server) listTasks(c *gin.Context) {
	var q listTasksQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	filter := storage.TaskFilter{Source: q.Source, Limit: q.Limit}
	if q.Status != "" {
		status := models.TaskStatus(q.Status)
		switch status {
		case models.TaskStatusPending, models.TaskStatusQueued, models.TaskStatusInProgress,
			models.TaskStatusCompleted, models.TaskStatusFailed:
			filter.Status = []models.TaskStatus{status}
		default:
			c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown status " + q.Status})
			return
		}
	}

	tasks, err := s.deps.Store.ListTasks(c.Request.Context(), filter)
	if err != nil {
		abortStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskListResponse{Tasks: tasks, Count: len(tasks)})
}

// getTask handles GET /api/v1/tasks/:id.
func (s *Server) getTask(c *gin.Context) {
	task, err := s.deps.Store.LoadTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// cancelTask handles POST /api/v1/tasks/:id/cancel. A running task is
// signalled through the worker pool; a waiting task is withdrawn from the
// queue directly. Terminal tasks conflict.
func (s *Server) cancelTask(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	task, err := s.deps.Store.LoadTask(ctx, id)
	if err != nil {
		abortStorageError(c, err)
		return
	}
	if task.Status.IsTerminal() {
		c.JSON(http.StatusConflict, errorResponse{Error: "task is not in a cancellable state"})
		return
	}

	if s.deps.Pool != nil && s.deps.Pool.CancelTask(id) {
		c.JSON(http.StatusAccepted, cancelResponse{TaskID: id, Cancelled: true, Running: true})
		return
	}

	// Not running anywhere: withdraw it from the queue.
	if err := task.Transition(models.TaskStatusFailed); err != nil {
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	task.Result = models.FailedResult(models.NewTaskError(
		models.ErrCodeCancelled, false, "cancelled via API"))
	if err := s.deps.Store.SaveTask(ctx, task); err != nil {
		abortStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, cancelResponse{TaskID: id, Cancelled: true})
}

// listCheckpoints handles GET /api/v1/tasks/:id/checkpoints.
func (s *Server) listCheckpoints(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.deps.Store.LoadTask(ctx, id); err != nil {
		abortStorageError(c, err)
		return
	}
	cps, err := s.deps.Store.ListCheckpoints(ctx, id)
	if err != nil {
		abortStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, checkpointListResponse{Checkpoints: cps, Count: len(cps)})
}

// abortStorageError maps storage errors to HTTP responses.
func abortStorageError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "resource not found"})
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
}
