package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultDeadLetterTTL is how long a dead-letter entry is retained before
// TTL purge removes it.
const DefaultDeadLetterTTL = 24 * time.Hour

// DeadLetterEntry holds a terminally-failed task awaiting human or
// auto-retry action. Entries expire at ExpiresAt.
type DeadLetterEntry struct {
	SchemaVersion int       `json:"schema_version"`
	ID            string    `json:"id"`
	Task          *Task     `json:"task"`
	Error         TaskError `json:"error"`
	Attempts      int       `json:"attempts"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// NewDeadLetterEntry enrols a failed task with the given TTL.
func NewDeadLetterEntry(task *Task, taskErr TaskError, ttl time.Duration) *DeadLetterEntry {
	now := time.Now().UTC()
	return &DeadLetterEntry{
		SchemaVersion: SchemaVersion,
		ID:            "dlq-" + uuid.NewString(),
		Task:          task.Clone(),
		Error:         taskErr,
		Attempts:      task.Metadata.RetryCount + 1,
		FirstFailedAt: now,
		LastFailedAt:  now,
		ExpiresAt:     now.Add(ttl),
	}
}

// ResetTask returns a fresh copy of the entry's task ready for re-queueing:
// status pending, result and completion timestamp cleared. The retried run
// counts one past the attempts the entry records, so an entry with
// attempts=3 yields a task on retry 4.
func (e *DeadLetterEntry) ResetTask() *Task {
	t := e.Task.Clone()
	t.Status = TaskStatusPending
	t.Result = nil
	t.StartedAt = nil
	t.CompletedAt = nil
	t.Metadata.RetryCount = e.Attempts + 1
	return t
}
