package api

import (
	"github.com/conductor-runtime/conductor/pkg/breaker"
	"github.com/conductor-runtime/conductor/pkg/dlq"
	"github.com/conductor-runtime/conductor/pkg/models"
	"github.com/conductor-runtime/conductor/pkg/orchestrator"
	"github.com/conductor-runtime/conductor/pkg/queue"
	"github.com/conductor-runtime/conductor/pkg/storage"
)

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

// taskListResponse wraps GET /api/v1/tasks.
type taskListResponse struct {
	Tasks []*models.Task `json:"tasks"`
	Count int            `json:"count"`
}

// cancelResponse reports what the cancel endpoint did.
type cancelResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
	// Running distinguishes an in-flight cancellation (signalled to the
	// worker) from a queue withdrawal.
	Running bool `json:"running"`
}

// checkpointListResponse wraps GET /api/v1/tasks/:id/checkpoints.
type checkpointListResponse struct {
	Checkpoints []*models.Checkpoint `json:"checkpoints"`
	Count       int                  `json:"count"`
}

// dlqListResponse wraps GET /api/v1/dlq.
type dlqListResponse struct {
	Entries []*models.DeadLetterEntry `json:"entries"`
	Count   int                       `json:"count"`
}

// retryResponse reports the task requeued from a dead-letter entry.
type retryResponse struct {
	EntryID string       `json:"entry_id"`
	Task    *models.Task `json:"task"`
}

// healthResponse is the body of GET /api/v1/health.
type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Pool    *queue.PoolHealth `json:"pool,omitempty"`
}

// statsResponse aggregates runtime counters for GET /api/v1/stats.
type statsResponse struct {
	Storage      *storage.Stats      `json:"storage,omitempty"`
	Orchestrator *orchestrator.Stats `json:"orchestrator,omitempty"`
	DeadLetters  *dlq.Stats          `json:"dead_letters,omitempty"`
	Breakers     []breaker.Snapshot  `json:"breakers,omitempty"`
}
