// Package models defines the data model shared by all conductor packages:
// tasks, orchestration decisions, conversation messages, tool calls,
// checkpoints and dead-letter entries.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion tags every persisted entity. Loaders tolerate unknown
// fields but refuse rows written by a newer schema.
const SchemaVersion = 1

// MaxDecompositionDepth caps how many times a task may be decomposed into
// sub-tasks. A task at this depth is refused further decomposition.
const MaxDecompositionDepth = 5

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// validTransitions encodes the task status DAG:
// pending → (queued) → in_progress → (completed | failed).
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusQueued, TaskStatusInProgress, TaskStatusFailed},
	TaskStatusQueued:     {TaskStatusInProgress, TaskStatusFailed},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed},
}

// CanTransition reports whether moving from s to next is a legal step in
// the status DAG. Terminal states admit no further transitions.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskContext carries optional execution context referenced by a task.
type TaskContext struct {
	Files            []string          `json:"files,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	CodeSnippets     map[string]string `json:"code_snippets,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// Clone returns an independent deep copy of the context.
func (c *TaskContext) Clone() *TaskContext {
	if c == nil {
		return nil
	}
	out := &TaskContext{WorkingDirectory: c.WorkingDirectory}
	if c.Files != nil {
		out.Files = append([]string(nil), c.Files...)
	}
	if c.CodeSnippets != nil {
		out.CodeSnippets = make(map[string]string, len(c.CodeSnippets))
		for k, v := range c.CodeSnippets {
			out.CodeSnippets[k] = v
		}
	}
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// TaskMetadata holds bookkeeping attached to a task.
type TaskMetadata struct {
	ParentTaskID       string            `json:"parent_task_id,omitempty"`
	DecompositionDepth int               `json:"decomposition_depth"`
	RetryCount         int               `json:"retry_count"`
	Source             string            `json:"source,omitempty"`
	Extra              map[string]string `json:"extra,omitempty"`
}

// TaskResult is the outcome of a terminated task.
type TaskResult struct {
	Success   bool           `json:"success"`
	Output    string         `json:"output,omitempty"`
	Errors    []TaskError    `json:"errors,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Task is the unit of work flowing through the orchestrator.
type Task struct {
	SchemaVersion int         `json:"schema_version"`
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Prompt        string      `json:"prompt"`
	Status        TaskStatus  `json:"status"`
	Context       *TaskContext `json:"context,omitempty"`
	Metadata      TaskMetadata `json:"metadata"`
	Result        *TaskResult  `json:"result,omitempty"`
	AssignedAgent string      `json:"assigned_agent,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// NewTask creates a pending task with a fresh ID.
func NewTask(taskType, prompt string) *Task {
	return &Task{
		SchemaVersion: SchemaVersion,
		ID:            "task-" + uuid.NewString(),
		Type:          taskType,
		Prompt:        prompt,
		Status:        TaskStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewSubTask derives a child task from a parent. The child inherits a copy
// of the parent context and a decomposition depth one greater than the
// parent's; the depth never decreases on descendants.
func NewSubTask(parent *Task, agentKind, prompt string) *Task {
	t := NewTask(agentKind, prompt)
	t.Context = parent.Context.Clone()
	t.Metadata = TaskMetadata{
		ParentTaskID:       parent.ID,
		DecompositionDepth: parent.Metadata.DecompositionDepth + 1,
		Source:             "orchestrator",
	}
	return t
}

// Transition moves the task to the next status, stamping timestamps at
// the in_progress and terminal boundaries. Returns an error if the move
// violates the status DAG.
func (t *Task) Transition(next TaskStatus) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("invalid task status transition %s → %s", t.Status, next)
	}
	now := time.Now().UTC()
	switch next {
	case TaskStatusInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case TaskStatusCompleted, TaskStatusFailed:
		t.CompletedAt = &now
	}
	t.Status = next
	return nil
}

// Complete marks the task terminal with the given result. The status is
// chosen from result.Success.
func (t *Task) Complete(result *TaskResult) error {
	next := TaskStatusCompleted
	if !result.Success {
		next = TaskStatusFailed
	}
	if err := t.Transition(next); err != nil {
		return err
	}
	t.Result = result
	return nil
}

// Clone returns an independent deep copy of the task, suitable for
// checkpoint snapshots.
func (t *Task) Clone() *Task {
	out := *t
	out.Context = t.Context.Clone()
	if t.Metadata.Extra != nil {
		extra := make(map[string]string, len(t.Metadata.Extra))
		for k, v := range t.Metadata.Extra {
			extra[k] = v
		}
		out.Metadata.Extra = extra
	}
	if t.Result != nil {
		res := *t.Result
		if t.Result.Errors != nil {
			res.Errors = append([]TaskError(nil), t.Result.Errors...)
		}
		if t.Result.Artifacts != nil {
			res.Artifacts = append([]string(nil), t.Result.Artifacts...)
		}
		if t.Result.Data != nil {
			res.Data = make(map[string]any, len(t.Result.Data))
			for k, v := range t.Result.Data {
				res.Data[k] = v
			}
		}
		out.Result = &res
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		out.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}
