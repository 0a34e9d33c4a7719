// Package checkpoint snapshots in-progress task state so work can be
// reconstructed after a crash or restart. Snapshots fire on four triggers:
// a periodic interval, progress deltas, token-count growth, and explicit
// lifecycle events.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-runtime/conductor/pkg/events"
	"github.com/conductor-runtime/conductor/pkg/models"
	"github.com/conductor-runtime/conductor/pkg/storage"
)

// Event names an explicit checkpoint trigger point in the orchestration
// lifecycle.
type Event string

const (
	EventDelegationBefore Event = "delegation_before"
	EventDelegationAfter  Event = "delegation_after"
	EventSubTaskComplete  Event = "subtask_complete"
	EventError            Event = "error"
	EventManual           Event = "manual"
)

// Snapshot is the state a provider hands the scheduler. All reference
// fields are deep-copied before persisting, so providers may return live
// objects.
type Snapshot struct {
	Task           *models.Task
	AgentName      string
	History        []models.ConversationMessage
	PartialResults []models.TaskResult
	CurrentStep    int
	TotalSteps     int
	Metadata       map[string]string
}

// StateProvider returns the current snapshot for a task. Called from the
// scheduler's goroutines, so implementations must be safe for concurrent
// use with the task's own execution.
type StateProvider func(ctx context.Context) (*Snapshot, error)

// Config tunes the scheduler triggers.
type Config struct {
	// Interval between periodic snapshots.
	Interval time.Duration
	// ProgressThreshold is the progress fraction delta that forces a
	// snapshot.
	ProgressThreshold float64
	// TokenThreshold is the token-count growth that forces a snapshot.
	TokenThreshold int
	// TTL bounds checkpoint retention for CleanupExpired.
	TTL time.Duration
}

// DefaultConfig returns the standard trigger settings.
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		ProgressThreshold: 0.10,
		TokenThreshold:    10_000,
		TTL:               24 * time.Hour,
	}
}

// Stats counts snapshots per trigger.
type Stats struct {
	Interval int `json:"interval"`
	Progress int `json:"progress"`
	Tokens   int `json:"tokens"`
	Event    int `json:"event"`
}

type taskState struct {
	provider     StateProvider
	lastFraction float64
	lastTokens   int
	scheduleIDs  map[string]bool
}

type schedule struct {
	taskID string
	stop   chan struct{}
	once   sync.Once
}

func (s *schedule) cancel() {
	s.once.Do(func() { close(s.stop) })
}

// Scheduler owns checkpoint creation for all running tasks. Schedules are
// addressable by ID and cancellable individually or per task.
type Scheduler struct {
	store storage.Store
	bus   *events.Bus
	cfg   Config

	mu        sync.Mutex
	tasks     map[string]*taskState
	schedules map[string]*schedule
	stats     Stats
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler persisting through store. bus may be
// nil when no event feed is wanted.
func NewScheduler(store storage.Store, bus *events.Bus, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.ProgressThreshold <= 0 {
		cfg.ProgressThreshold = DefaultConfig().ProgressThreshold
	}
	if cfg.TokenThreshold <= 0 {
		cfg.TokenThreshold = DefaultConfig().TokenThreshold
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	return &Scheduler{
		store:     store,
		bus:       bus,
		cfg:       cfg,
		tasks:     make(map[string]*taskState),
		schedules: make(map[string]*schedule),
	}
}

// Register attaches a state provider to a task. Progress and token
// notifications for unregistered tasks are ignored.
func (s *Scheduler) Register(taskID string, provider StateProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID] = &taskState{
		provider:    provider,
		scheduleIDs: make(map[string]bool),
	}
}

// StartInterval begins periodic snapshots for a registered task and
// returns the schedule ID.
func (s *Scheduler) StartInterval(taskID string) (string, error) {
	s.mu.Lock()
	state, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("no state provider registered for task %s", taskID)
	}
	id := "sched-" + uuid.NewString()
	sched := &schedule{taskID: taskID, stop: make(chan struct{})}
	s.schedules[id] = sched
	state.scheduleIDs[id] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runInterval(taskID, sched)
	return id, nil
}

func (s *Scheduler) runInterval(taskID string, sched *schedule) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sched.stop:
			return
		case <-ticker.C:
			if _, err := s.snapshot(context.Background(), taskID, models.CheckpointReasonAuto, "interval", nil); err != nil {
				slog.Warn("Interval checkpoint failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// NotifyProgress reports the task's progress fraction. A snapshot fires
// when the fraction advanced at least ProgressThreshold since the last
// progress checkpoint.
func (s *Scheduler) NotifyProgress(ctx context.Context, taskID string, fraction float64) error {
	s.mu.Lock()
	state, ok := s.tasks[taskID]
	if !ok || fraction-state.lastFraction < s.cfg.ProgressThreshold {
		s.mu.Unlock()
		return nil
	}
	state.lastFraction = fraction
	s.mu.Unlock()

	_, err := s.snapshot(ctx, taskID, models.CheckpointReasonAuto, "progress", nil)
	return err
}

// NotifyTokens reports the task's cumulative token count. A snapshot
// fires when the count grew at least TokenThreshold since the last token
// checkpoint.
func (s *Scheduler) NotifyTokens(ctx context.Context, taskID string, tokens int) error {
	s.mu.Lock()
	state, ok := s.tasks[taskID]
	if !ok || tokens-state.lastTokens < s.cfg.TokenThreshold {
		s.mu.Unlock()
		return nil
	}
	state.lastTokens = tokens
	s.mu.Unlock()

	_, err := s.snapshot(ctx, taskID, models.CheckpointReasonAuto, "tokens", nil)
	return err
}

// TriggerEvent snapshots immediately for an explicit lifecycle event.
func (s *Scheduler) TriggerEvent(ctx context.Context, taskID string, event Event) (*models.Checkpoint, error) {
	reason := models.CheckpointReasonAuto
	switch event {
	case EventError:
		reason = models.CheckpointReasonError
	case EventManual:
		reason = models.CheckpointReasonUserRequest
	}
	return s.snapshot(ctx, taskID, reason, "event", map[string]string{"trigger_event": string(event)})
}

// snapshot builds and persists a checkpoint from the task's provider.
// Returns (nil, nil) when the task has no registered provider.
func (s *Scheduler) snapshot(ctx context.Context, taskID string, reason models.CheckpointReason, trigger string, extra map[string]string) (*models.Checkpoint, error) {
	s.mu.Lock()
	state, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	snap, err := state.provider(ctx)
	if err != nil {
		return nil, fmt.Errorf("state provider: %w", err)
	}
	if snap == nil || snap.Task == nil {
		return nil, nil
	}

	cp := models.NewCheckpoint(snap.Task, snap.AgentName, snap.History, reason)
	if snap.PartialResults != nil {
		cp.PartialResults = append([]models.TaskResult(nil), snap.PartialResults...)
	}
	cp.CurrentStep = snap.CurrentStep
	cp.TotalSteps = snap.TotalSteps
	if len(snap.Metadata) > 0 || len(extra) > 0 {
		cp.Metadata = make(map[string]string, len(snap.Metadata)+len(extra))
		for k, v := range snap.Metadata {
			cp.Metadata[k] = v
		}
		for k, v := range extra {
			cp.Metadata[k] = v
		}
	}

	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}

	s.mu.Lock()
	switch trigger {
	case "interval":
		s.stats.Interval++
	case "progress":
		s.stats.Progress++
	case "tokens":
		s.stats.Tokens++
	default:
		s.stats.Event++
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:   events.TypeCheckpointCreated,
			TaskID: taskID,
			Payload: events.CheckpointPayload{
				CheckpointID: cp.ID,
				Reason:       cp.Reason,
			},
		})
	}
	slog.Debug("Checkpoint created",
		"task_id", taskID, "checkpoint_id", cp.ID, "trigger", trigger, "reason", reason)
	return cp, nil
}

// Cancel stops a single schedule by ID.
func (s *Scheduler) Cancel(scheduleID string) {
	s.mu.Lock()
	sched, ok := s.schedules[scheduleID]
	if ok {
		delete(s.schedules, scheduleID)
		if state, ok := s.tasks[sched.taskID]; ok {
			delete(state.scheduleIDs, scheduleID)
		}
	}
	s.mu.Unlock()
	if ok {
		sched.cancel()
	}
}

// CancelTask stops all schedules for a task and forgets its provider and
// trigger trackers.
func (s *Scheduler) CancelTask(taskID string) {
	s.mu.Lock()
	var cancelled []*schedule
	if state, ok := s.tasks[taskID]; ok {
		for id := range state.scheduleIDs {
			if sched, ok := s.schedules[id]; ok {
				cancelled = append(cancelled, sched)
				delete(s.schedules, id)
			}
		}
		delete(s.tasks, taskID)
	}
	s.mu.Unlock()
	for _, sched := range cancelled {
		sched.cancel()
	}
}

// Latest returns the most recent checkpoint for a task.
func (s *Scheduler) Latest(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	return s.store.LatestCheckpoint(ctx, taskID)
}

// CleanupExpired removes checkpoints older than the configured TTL.
func (s *Scheduler) CleanupExpired(ctx context.Context) (int, error) {
	res, err := s.store.Cleanup(ctx, storage.CleanupPolicy{CheckpointMaxAge: s.cfg.TTL})
	if err != nil {
		return 0, err
	}
	return res.Checkpoints, nil
}

// Stats returns per-trigger snapshot counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Stop cancels every schedule and waits for ticker goroutines to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	var all []*schedule
	for id, sched := range s.schedules {
		all = append(all, sched)
		delete(s.schedules, id)
	}
	s.tasks = make(map[string]*taskState)
	s.mu.Unlock()
	for _, sched := range all {
		sched.cancel()
	}
	s.wg.Wait()
}
