// Package events provides the in-process event bus carrying task progress
// and lifecycle notifications from the runtime to API consumers.
package events

import (
	"time"

	"github.com/conductor-runtime/conductor/pkg/models"
)

// Type identifies an event payload.
type Type string

const (
	TypeTaskStatus        Type = "task.status"
	TypeTaskProgress      Type = "task.progress"
	TypeLevelStart        Type = "level.start"
	TypeLevelComplete     Type = "level.complete"
	TypeCheckpointCreated Type = "checkpoint.created"
	TypeDeadLetterAdded   Type = "dlq.added"
	TypeDeadLetterRetried Type = "dlq.retried"
	TypeDeadLetterPurged  Type = "dlq.purged"
)

// Event is the envelope delivered to subscribers. Payload holds one of the
// typed payload structs below, keyed by Type.
type Event struct {
	Type      Type      `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// TaskStatusPayload reports a task lifecycle transition.
type TaskStatusPayload struct {
	Status models.TaskStatus `json:"status"`
	Agent  string            `json:"agent,omitempty"`
}

// TaskProgressPayload reports fractional progress through a task.
type TaskProgressPayload struct {
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Fraction  float64 `json:"fraction"`
	Message   string  `json:"message,omitempty"`
}

// LevelPayload reports a decomposition level starting or finishing.
type LevelPayload struct {
	Level     int `json:"level"`
	SubTasks  int `json:"sub_tasks"`
	Succeeded int `json:"succeeded,omitempty"`
	Failed    int `json:"failed,omitempty"`
	Skipped   int `json:"skipped,omitempty"`
}

// CheckpointPayload reports a checkpoint being written.
type CheckpointPayload struct {
	CheckpointID string                  `json:"checkpoint_id"`
	Reason       models.CheckpointReason `json:"reason"`
}

// DeadLetterPayload reports dead-letter queue activity.
type DeadLetterPayload struct {
	EntryID  string `json:"entry_id"`
	Attempts int    `json:"attempts,omitempty"`
}
