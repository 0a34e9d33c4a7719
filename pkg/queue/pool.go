package queue

import (
	"context"
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

// Pool manages a set of queue workers sharing one store and executor.
type Pool struct {
	store    storage.Store
	cfg      *config.QueueConfig
	executor TaskExecutor
	deadQ    *dlq.Queue
	bus      *events.Bus
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Task cancel registry: task_id → cancel function.
	activeTasks map[string]context.CancelFunc
	mu          sync.RWMutex
	started     bool

	orphans orphanState
}

// NewPool creates a worker pool. deadQ and bus may be nil.
func NewPool(store storage.Store, cfg *config.QueueConfig, executor TaskExecutor, deadQ *dlq.Queue, bus *events.Bus) *Pool {
	return &Pool{
		store:       store,
		cfg:         cfg,
		executor:    executor,
		deadQ:       deadQ,
		bus:         bus,
		workers:     make([]*Worker, 0, cfg.WorkerCount),
		stopCh:      make(chan struct{}),
		activeTasks: make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines and the orphan detection loop. Safe
// to call multiple times; subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call")
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "worker_count", p.cfg.WorkerCount)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		worker := NewWorker(fmt.Sprintf("worker-%d", i), p.store, p.cfg, p.executor, p.deadQ, p.bus, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits up to the configured grace
// period for them to finish their current tasks.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeTaskIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active tasks to complete",
			"count", len(active), "task_ids", active)
	}

	done := make(chan struct{})
	go func() {
		for _, worker := range p.workers {
			worker.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.GracefulShutdownTimeout()):
		slog.Warn("Graceful shutdown timeout reached, cancelling active tasks")
		p.cancelAll()
		<-done
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped")
}

// RegisterTask stores a cancel function for manual cancellation.
func (p *Pool) RegisterTask(taskID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeTasks[taskID] = cancel
}

// UnregisterTask removes the cancel function when processing ends.
func (p *Pool) UnregisterTask(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeTasks, taskID)
}

// CancelTask triggers context cancellation for a running task. Returns
// true if the task was found and cancelled.
func (p *Pool) CancelTask(taskID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeTasks[taskID]; ok {
		cancel()
		return true
	}
	return false
}

// IsActive reports whether a task is currently executing in this pool.
func (p *Pool) IsActive(taskID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.activeTasks[taskID]
	return ok
}

// Health returns the current health status of the pool.
func (p *Pool) Health() *PoolHealth {
	ctx := context.Background()

	pending, err := p.store.ListTasks(ctx, storage.TaskFilter{
		Status: []models.TaskStatus{models.TaskStatusPending},
	})
	if err != nil {
		slog.Error("Queue depth query failed for health check", "error", err)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	p.orphans.mu.Lock()
	lastScan := p.orphans.lastScan
	recovered := p.orphans.recovered
	p.orphans.mu.Unlock()

	health := &PoolHealth{
		IsHealthy:        len(p.workers) > 0 && err == nil,
		StoreReachable:   err == nil,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		QueueDepth:       len(pending),
		WorkerStats:      workerStats,
		LastOrphanScan:   lastScan,
		OrphansRecovered: recovered,
	}
	if err != nil {
		health.StoreError = fmt.Sprintf("queue depth query failed: %v", err)
	}
	return health
}

func (p *Pool) cancelAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, cancel := range p.activeTasks {
		cancel()
	}
}

// activeTaskIDs returns IDs of currently processing tasks, for logging.
func (p *Pool) activeTaskIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tasks := make([]string, 0, len(p.activeTasks))
	for id := range p.activeTasks {
		tasks = append(tasks, id)
	}
	return tasks
}
