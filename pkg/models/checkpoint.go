package models

import (
	"time"

	"github.com/google/uuid"
)

// CheckpointReason records why a snapshot was taken.
type CheckpointReason string

const (
	CheckpointReasonAuto        CheckpointReason = "auto"
	CheckpointReasonPause       CheckpointReason = "pause"
	CheckpointReasonError       CheckpointReason = "error"
	CheckpointReasonTimeout     CheckpointReason = "timeout"
	CheckpointReasonUserRequest CheckpointReason = "user_request"
)

// Checkpoint is a snapshot sufficient to reconstruct a task's in-progress
// state after a process restart. Task and MessageHistory are deep copies
// taken at snapshot time, no live references.
type Checkpoint struct {
	SchemaVersion  int                   `json:"schema_version"`
	ID             string                `json:"id"`
	TaskID         string                `json:"task_id"`
	Task           *Task                 `json:"task"`
	AgentName      string                `json:"agent_name,omitempty"`
	MessageHistory []ConversationMessage `json:"message_history,omitempty"`
	PartialResults []TaskResult          `json:"partial_results,omitempty"`
	CurrentStep    int                   `json:"current_step,omitempty"`
	TotalSteps     int                   `json:"total_steps,omitempty"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
	Reason         CheckpointReason      `json:"reason"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// NewCheckpoint snapshots the given task. The task and history are cloned
// so later mutation of the live objects cannot leak into the checkpoint.
func NewCheckpoint(task *Task, agentName string, history []ConversationMessage, reason CheckpointReason) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		SchemaVersion:  SchemaVersion,
		ID:             "cp-" + uuid.NewString(),
		TaskID:         task.ID,
		Task:           task.Clone(),
		AgentName:      agentName,
		MessageHistory: CloneMessages(history),
		Reason:         reason,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
