package api

import "github.com/conductor-runtime/conductor/pkg/models"

// CreateTaskRequest is the body of POST /api/v1/tasks.
type CreateTaskRequest struct {
	Type    string              `json:"type" binding:"required"`
	Prompt  string              `json:"prompt" binding:"required"`
	Context *models.TaskContext `json:"context,omitempty"`
	Source  string              `json:"source,omitempty"`
}

// listTasksQuery carries the query parameters of GET /api/v1/tasks.
type listTasksQuery struct {
	Status string `form:"status"`
	Source string `form:"source"`
	Limit  int    `form:"limit"`
}
