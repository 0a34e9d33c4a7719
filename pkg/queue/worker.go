package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conductor-runtime/conductor/pkg/config"
	"github.com/conductor-runtime/conductor/pkg/dlq"
	"github.com/conductor-runtime/conductor/pkg/events"
	"github.com/conductor-runtime/conductor/pkg/models"
	"github.com/conductor-runtime/conductor/pkg/storage"
)

// TaskRegistry is the subset of Pool used by workers for cancel
// registration.
type TaskRegistry interface {
	RegisterTask(taskID string, cancel context.CancelFunc)
	UnregisterTask(taskID string)
}

// Worker is a single queue worker that polls for and executes tasks.
type Worker struct {
	id       string
	store    storage.Store
	cfg      *config.QueueConfig
	executor TaskExecutor
	deadQ    *dlq.Queue
	bus      *events.Bus
	pool     TaskRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu             sync.RWMutex
	status         WorkerStatus
	currentTaskID  string
	tasksProcessed int
	lastActivity   time.Time
}

// NewWorker creates a queue worker. deadQ and bus may be nil.
func NewWorker(id string, store storage.Store, cfg *config.QueueConfig, executor TaskExecutor, deadQ *dlq.Queue, bus *events.Bus, pool TaskRegistry) *Worker {
	return &Worker{
		id:           id,
		store:        store,
		cfg:          cfg,
		executor:     executor,
		deadQ:        deadQ,
		bus:          bus,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// task. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         w.status,
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoTasksAvailable) {
					w.sleep(w.cfg.PollInterval())
					continue
				}
				log.Error("Error processing task", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next pending task and executes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	task, err := w.store.ClaimNextTask(ctx)
	if err != nil {
		return fmt.Errorf("claiming next task: %w", err)
	}
	if task == nil {
		return ErrNoTasksAvailable
	}

	log := slog.With("task_id", task.ID, "worker_id", w.id)
	log.Info("Task claimed")

	w.setStatus(WorkerStatusWorking, task.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()

	w.pool.RegisterTask(task.ID, cancelTask)
	defer w.pool.UnregisterTask(task.ID)

	// Heartbeat keeps the worker's liveness fresh for pool health while a
	// long task runs.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(taskCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx)

	result, execErr := w.executor.Execute(taskCtx, task)
	if execErr != nil {
		// Settle with an uncancellable context: the task context may be
		// the reason for the failure.
		w.handleFailure(context.WithoutCancel(ctx), task, taskCtx.Err(), execErr)
	} else {
		log.Info("Task processing complete", "success", result.Success)
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()
	return nil
}

// handleFailure settles a task whose execution errored: requeue while
// retries remain for recoverable errors, otherwise fail and dead-letter.
// The passed ctxErr distinguishes cancellation from genuine failure.
func (w *Worker) handleFailure(ctx context.Context, task *models.Task, ctxErr, execErr error) {
	log := slog.With("task_id", task.ID, "worker_id", w.id)

	taskErr := asTaskError(ctxErr, execErr)

	if taskErr.Recoverable && task.Metadata.RetryCount < w.cfg.MaxRetries {
		retry := retryTask(task)
		if err := w.store.SaveTask(ctx, retry); err != nil {
			log.Error("Requeueing task failed", "error", err)
		} else {
			log.Info("Task requeued",
				"retry_count", retry.Metadata.RetryCount, "code", taskErr.Code)
			w.publishStatus(retry)
			return
		}
	}

	if !task.Status.IsTerminal() {
		if err := task.Transition(models.TaskStatusFailed); err == nil {
			task.Result = models.FailedResult(taskErr)
			if err := w.store.SaveTask(ctx, task); err != nil {
				log.Error("Persisting failed task failed", "error", err)
			}
		}
	}
	w.publishStatus(task)

	if w.deadQ != nil {
		if _, err := w.deadQ.Add(ctx, task, taskErr); err != nil {
			log.Error("Dead-letter enrolment failed", "error", err)
		} else {
			log.Warn("Task dead-lettered",
				"code", taskErr.Code, "retry_count", task.Metadata.RetryCount)
		}
	}
}

// retryTask builds a fresh pending copy of a task for requeueing.
func retryTask(task *models.Task) *models.Task {
	t := task.Clone()
	t.Status = models.TaskStatusPending
	t.Result = nil
	t.StartedAt = nil
	t.CompletedAt = nil
	t.Metadata.RetryCount++
	return t
}

// asTaskError normalises an execution error into a structured TaskError.
func asTaskError(ctxErr, execErr error) models.TaskError {
	var taskErr models.TaskError
	if errors.As(execErr, &taskErr) {
		return taskErr
	}
	if errors.Is(ctxErr, context.Canceled) {
		return models.NewTaskError(models.ErrCodeCancelled, false, "task cancelled")
	}
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return models.NewTaskError(models.ErrCodeToolTimeout, true, "task timed out")
	}
	return models.NewTaskError(models.ErrCodeAgentError, true, "%v", execErr)
}

// runHeartbeat refreshes the worker's liveness while a task runs.
func (w *Worker) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			w.lastActivity = time.Now()
			w.mu.Unlock()
		}
	}
}

func (w *Worker) publishStatus(task *models.Task) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.Event{
		Type:    events.TypeTaskStatus,
		TaskID:  task.ID,
		Payload: events.TaskStatusPayload{Status: task.Status, Agent: task.AssignedAgent},
	})
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}
