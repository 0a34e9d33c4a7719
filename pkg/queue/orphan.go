package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conductor-runtime/conductor/pkg/models"
	"github.com/conductor-runtime/conductor/pkg/storage"
)

// orphanScanInterval is how often the pool scans for abandoned tasks.
const orphanScanInterval = time.Minute

// orphanStaleAfter is how long an in_progress task may go without a
// checkpoint before it counts as orphaned. Interval checkpoints fire
// every 30 seconds on a healthy run, so this allows several misses.
const orphanStaleAfter = 5 * time.Minute

type orphanState struct {
	mu        sync.Mutex
	lastScan  time.Time
	recovered int
}

// runOrphanDetection periodically recovers tasks abandoned by a crashed
// process: in_progress tasks not active in this pool whose checkpoints
// have gone stale are failed and dead-lettered, where the auto-retrier
// picks them up.
func (p *Pool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(orphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := p.recoverOrphans(ctx)
			p.orphans.mu.Lock()
			p.orphans.lastScan = time.Now()
			p.orphans.recovered += recovered
			p.orphans.mu.Unlock()
			if err != nil {
				slog.Error("Orphan scan failed", "error", err)
			}
		}
	}
}

// recoverOrphans scans once and returns how many tasks it recovered.
func (p *Pool) recoverOrphans(ctx context.Context) (int, error) {
	tasks, err := p.store.ListTasks(ctx, storage.TaskFilter{
		Status: []models.TaskStatus{models.TaskStatusInProgress},
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, task := range tasks {
		if p.IsActive(task.ID) {
			continue
		}
		if !p.isStale(ctx, task) {
			continue
		}

		slog.Warn("Recovering orphaned task", "task_id", task.ID)
		taskErr := models.NewTaskError(models.ErrCodeAgentError, true,
			"task orphaned: no checkpoint activity for %s", orphanStaleAfter)
		if err := task.Transition(models.TaskStatusFailed); err == nil {
			task.Result = models.FailedResult(taskErr)
			if err := p.store.SaveTask(ctx, task); err != nil {
				slog.Error("Persisting orphaned task failed", "task_id", task.ID, "error", err)
				continue
			}
		}
		if p.deadQ != nil {
			if _, err := p.deadQ.Add(ctx, task, taskErr); err != nil {
				slog.Error("Dead-lettering orphaned task failed", "task_id", task.ID, "error", err)
				continue
			}
		}
		recovered++
	}
	return recovered, nil
}

// isStale reports whether the task shows no recent checkpoint activity.
// Tasks without any checkpoint are judged by their start time.
func (p *Pool) isStale(ctx context.Context, task *models.Task) bool {
	cutoff := time.Now().Add(-orphanStaleAfter)

	cp, err := p.store.LatestCheckpoint(ctx, task.ID)
	if err == nil && cp != nil {
		return cp.CreatedAt.Before(cutoff)
	}
	if task.StartedAt != nil {
		return task.StartedAt.Before(cutoff)
	}
	return task.CreatedAt.Before(cutoff)
}
