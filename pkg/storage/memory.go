package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conductor-runtime/conductor/pkg/models"
)

// Memory is the in-memory Store used as the last-resort fallback and in
// tests. All entities are deep-copied on the way in and out so callers
// cannot mutate stored state through shared pointers.
type Memory struct {
	mu          sync.Mutex
	tasks       map[string]*models.Task
	checkpoints map[string]*models.Checkpoint
	deadLetters map[string]*models.DeadLetterEntry
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:       make(map[string]*models.Task),
		checkpoints: make(map[string]*models.Checkpoint),
		deadLetters: make(map[string]*models.DeadLetterEntry),
	}
}

func (m *Memory) Init(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) SaveTask(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *Memory) LoadTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkSchemaVersion(t.SchemaVersion); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) ListTasks(_ context.Context, filter TaskFilter) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Task
	for _, t := range m.tasks {
		if !matchesFilter(t, filter) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(t *models.Task, f TaskFilter) bool {
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Source != "" && t.Metadata.Source != f.Source {
		return false
	}
	return true
}

func (m *Memory) LoadPendingTasks(ctx context.Context) ([]*models.Task, error) {
	return m.ListTasks(ctx, TaskFilter{Status: []models.TaskStatus{
		models.TaskStatusPending, models.TaskStatusQueued, models.TaskStatusInProgress,
	}})
}

func (m *Memory) ClaimNextTask(_ context.Context) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *models.Task
	for _, t := range m.tasks {
		if t.Status != models.TaskStatusPending {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) ||
			(t.CreatedAt.Equal(oldest.CreatedAt) && t.ID < oldest.ID) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, nil
	}
	if err := oldest.Transition(models.TaskStatusQueued); err != nil {
		return nil, err
	}
	return oldest.Clone(), nil
}

func (m *Memory) SaveCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ID] = cloneCheckpoint(cp)
	return nil
}

func (m *Memory) LoadCheckpoint(_ context.Context, id string) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkSchemaVersion(cp.SchemaVersion); err != nil {
		return nil, err
	}
	return cloneCheckpoint(cp), nil
}

func (m *Memory) LatestCheckpoint(_ context.Context, taskID string) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.Checkpoint
	for _, cp := range m.checkpoints {
		if cp.TaskID != taskID {
			continue
		}
		if latest == nil || cp.CreatedAt.After(latest.CreatedAt) ||
			(cp.CreatedAt.Equal(latest.CreatedAt) && cp.ID > latest.ID) {
			latest = cp
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneCheckpoint(latest), nil
}

func (m *Memory) ListCheckpoints(_ context.Context, taskID string) ([]*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Checkpoint
	for _, cp := range m.checkpoints {
		if cp.TaskID == taskID {
			out = append(out, cloneCheckpoint(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteCheckpoint(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkpoints[id]; !ok {
		return ErrNotFound
	}
	delete(m.checkpoints, id)
	return nil
}

func (m *Memory) DeleteCheckpointsByTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cp := range m.checkpoints {
		if cp.TaskID == taskID {
			delete(m.checkpoints, id)
		}
	}
	return nil
}

func (m *Memory) SaveDeadLetter(_ context.Context, entry *models.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters[entry.ID] = cloneDeadLetter(entry)
	return nil
}

func (m *Memory) LoadDeadLetter(_ context.Context, id string) (*models.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.deadLetters[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkSchemaVersion(e.SchemaVersion); err != nil {
		return nil, err
	}
	return cloneDeadLetter(e), nil
}

func (m *Memory) ListDeadLetters(_ context.Context) ([]*models.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.DeadLetterEntry
	for _, e := range m.deadLetters {
		out = append(out, cloneDeadLetter(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstFailedAt.Equal(out[j].FirstFailedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstFailedAt.Before(out[j].FirstFailedAt)
	})
	return out, nil
}

func (m *Memory) DeleteDeadLetter(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deadLetters[id]; !ok {
		return ErrNotFound
	}
	delete(m.deadLetters, id)
	return nil
}

func (m *Memory) Cleanup(_ context.Context, policy CleanupPolicy) (CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var res CleanupResult

	if policy.TaskMaxAge > 0 {
		cutoff := now.Add(-policy.TaskMaxAge)
		for id, t := range m.tasks {
			if t.Status.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
				delete(m.tasks, id)
				res.Tasks++
			}
		}
	}
	if policy.CheckpointMaxAge > 0 {
		cutoff := now.Add(-policy.CheckpointMaxAge)
		for id, cp := range m.checkpoints {
			if cp.CreatedAt.Before(cutoff) {
				delete(m.checkpoints, id)
				res.Checkpoints++
			}
		}
	}
	if policy.DLQMaxAge >= 0 {
		for id, e := range m.deadLetters {
			if !now.Before(e.ExpiresAt) {
				delete(m.deadLetters, id)
				res.DeadLetters++
			}
		}
	}
	return res, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Tasks:         len(m.tasks),
		TasksByStatus: make(map[string]int),
		Checkpoints:   len(m.checkpoints),
		DeadLetters:   len(m.deadLetters),
	}
	for _, t := range m.tasks {
		s.TasksByStatus[string(t.Status)]++
	}
	return s, nil
}

func (m *Memory) Export(ctx context.Context) (*Dataset, error) {
	tasks, err := m.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ds := &Dataset{
		SchemaVersion: models.SchemaVersion,
		Tasks:         tasks,
		ExportedAt:    time.Now().UTC(),
	}
	for _, cp := range m.checkpoints {
		ds.Checkpoints = append(ds.Checkpoints, cloneCheckpoint(cp))
	}
	for _, e := range m.deadLetters {
		ds.DeadLetters = append(ds.DeadLetters, cloneDeadLetter(e))
	}
	return ds, nil
}

func (m *Memory) Import(_ context.Context, ds *Dataset) error {
	if err := checkSchemaVersion(ds.SchemaVersion); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range ds.Tasks {
		m.tasks[t.ID] = t.Clone()
	}
	for _, cp := range ds.Checkpoints {
		m.checkpoints[cp.ID] = cloneCheckpoint(cp)
	}
	for _, e := range ds.DeadLetters {
		m.deadLetters[e.ID] = cloneDeadLetter(e)
	}
	return nil
}

func cloneCheckpoint(cp *models.Checkpoint) *models.Checkpoint {
	out := *cp
	if cp.Task != nil {
		out.Task = cp.Task.Clone()
	}
	out.MessageHistory = models.CloneMessages(cp.MessageHistory)
	if cp.PartialResults != nil {
		out.PartialResults = append([]models.TaskResult(nil), cp.PartialResults...)
	}
	if cp.Metadata != nil {
		meta := make(map[string]string, len(cp.Metadata))
		for k, v := range cp.Metadata {
			meta[k] = v
		}
		out.Metadata = meta
	}
	return &out
}

func cloneDeadLetter(e *models.DeadLetterEntry) *models.DeadLetterEntry {
	out := *e
	if e.Task != nil {
		out.Task = e.Task.Clone()
	}
	return &out
}
