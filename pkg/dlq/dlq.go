// Package dlq holds terminally-failed tasks until they are retried,
// removed, or expire. Entries persist through the storage layer so they
// survive restarts.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conductor-runtime/conductor/pkg/events"
	"github.com/conductor-runtime/conductor/pkg/models"
	"github.com/conductor-runtime/conductor/pkg/storage"
)

// ErrEntryNotFound is returned when an entry ID has no dead-letter entry.
var ErrEntryNotFound = errors.New("dead-letter entry not found")

// Stats counts queue activity since startup.
type Stats struct {
	Added       int `json:"added"`
	Retried     int `json:"retried"`
	Purged      int `json:"purged"`
	AutoRetried int `json:"auto_retried"`
}

// Queue is the dead-letter queue. bus may be nil.
type Queue struct {
	store storage.Store
	bus   *events.Bus
	ttl   time.Duration

	mu    sync.Mutex
	stats Stats
}

// New creates a queue with the given entry TTL. ttl <= 0 selects the
// default of 24 hours.
func New(store storage.Store, bus *events.Bus, ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = models.DefaultDeadLetterTTL
	}
	return &Queue{store: store, bus: bus, ttl: ttl}
}

// Add enrols a failed task. The entry's attempt count comes from the
// task's retry count plus the failing attempt itself.
func (q *Queue) Add(ctx context.Context, task *models.Task, taskErr models.TaskError) (*models.DeadLetterEntry, error) {
	entry := models.NewDeadLetterEntry(task, taskErr, q.ttl)
	if err := q.store.SaveDeadLetter(ctx, entry); err != nil {
		return nil, fmt.Errorf("save dead letter: %w", err)
	}

	q.mu.Lock()
	q.stats.Added++
	q.mu.Unlock()

	q.publish(events.TypeDeadLetterAdded, task.ID, entry)
	slog.Info("Task enrolled in dead-letter queue",
		"task_id", task.ID, "entry_id", entry.ID, "attempts", entry.Attempts, "error_code", taskErr.Code)
	return entry, nil
}

// Get returns a single entry by ID.
func (q *Queue) Get(ctx context.Context, entryID string) (*models.DeadLetterEntry, error) {
	entry, err := q.store.LoadDeadLetter(ctx, entryID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrEntryNotFound
	}
	return entry, err
}

// List returns all entries, including expired ones not yet purged.
func (q *Queue) List(ctx context.Context) ([]*models.DeadLetterEntry, error) {
	return q.store.ListDeadLetters(ctx)
}

// Remove deletes an entry without re-queueing its task.
func (q *Queue) Remove(ctx context.Context, entryID string) error {
	if err := q.store.DeleteDeadLetter(ctx, entryID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrEntryNotFound
		}
		return err
	}
	return nil
}

// Retry re-queues an entry's task as a fresh pending task and removes the
// entry. The returned task has its result cleared and retry count
// incremented.
func (q *Queue) Retry(ctx context.Context, entryID string) (*models.Task, error) {
	entry, err := q.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}

	task := entry.ResetTask()
	if err := q.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("requeue task: %w", err)
	}
	if err := q.store.DeleteDeadLetter(ctx, entryID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("remove retried entry: %w", err)
	}

	q.mu.Lock()
	q.stats.Retried++
	q.mu.Unlock()

	q.publish(events.TypeDeadLetterRetried, task.ID, entry)
	slog.Info("Dead-letter entry retried",
		"task_id", task.ID, "entry_id", entryID, "retry_count", task.Metadata.RetryCount)
	return task, nil
}

// Purge removes every entry whose expiry has passed and returns how many
// were removed.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	entries, err := q.store.ListDeadLetters(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	purged := 0
	for _, entry := range entries {
		if now.Before(entry.ExpiresAt) {
			continue
		}
		if err := q.store.DeleteDeadLetter(ctx, entry.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return purged, err
		}
		purged++
		q.publish(events.TypeDeadLetterPurged, entry.Task.ID, entry)
	}

	if purged > 0 {
		q.mu.Lock()
		q.stats.Purged += purged
		q.mu.Unlock()
		slog.Info("Purged expired dead-letter entries", "count", purged)
	}
	return purged, nil
}

// Stats returns activity counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *Queue) publish(t events.Type, taskID string, entry *models.DeadLetterEntry) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.Event{
		Type:    t,
		TaskID:  taskID,
		Payload: events.DeadLetterPayload{EntryID: entry.ID, Attempts: entry.Attempts},
	})
}
