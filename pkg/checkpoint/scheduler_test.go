package checkpoint

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-runtime/conductor/pkg/events"
	"github.com/conductor-runtime/conductor/pkg/models"
	"github.com/conductor-runtime/conductor/pkg/storage"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *storage.Memory, *events.Bus) {
	t.Helper()
	store := storage.NewMemory()
	require.NoError(t, store.Init(context.Background()))
	bus := events.NewBus()
	sched := NewScheduler(store, bus, cfg)
	t.Cleanup(func() {
		sched.Stop()
		bus.Close()
	})
	return sched, store, bus
}

func staticProvider(task *models.Task) StateProvider {
	return func(context.Context) (*Snapshot, error) {
		return &Snapshot{
			Task:      task,
			AgentName: "coder",
			History: []models.ConversationMessage{
				{Role: models.RoleUser, Content: task.Prompt},
			},
			CurrentStep: 2,
			TotalSteps:  5,
		}, nil
	}
}

func TestTriggerEventPersistsCheckpoint(t *testing.T) {
	sched, store, _ := newTestScheduler(t, Config{})
	task := models.NewTask("coder", "refactor the parser")
	sched.Register(task.ID, staticProvider(task))

	cp, err := sched.TriggerEvent(context.Background(), task.ID, EventDelegationBefore)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, models.CheckpointReasonAuto, cp.Reason)
	assert.Equal(t, "delegation_before", cp.Metadata["trigger_event"])
	assert.Equal(t, 2, cp.CurrentStep)
	assert.Equal(t, 5, cp.TotalSteps)

	saved, err := store.LoadCheckpoint(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, saved.TaskID)
	assert.Equal(t, "delegation_before", saved.Metadata["trigger_event"])
	assert.Equal(t, "coder", saved.AgentName)
}

func TestTriggerEventReasonMapping(t *testing.T) {
	sched, _, _ := newTestScheduler(t, Config{})
	task := models.NewTask("coder", "x")
	sched.Register(task.ID, staticProvider(task))

	cases := []struct {
		event  Event
		reason models.CheckpointReason
	}{
		{EventDelegationBefore, models.CheckpointReasonAuto},
		{EventDelegationAfter, models.CheckpointReasonAuto},
		{EventSubTaskComplete, models.CheckpointReasonAuto},
		{EventError, models.CheckpointReasonError},
		{EventManual, models.CheckpointReasonUserRequest},
	}
	for _, tc := range cases {
		cp, err := sched.TriggerEvent(context.Background(), task.ID, tc.event)
		require.NoError(t, err)
		require.NotNil(t, cp, "event %s", tc.event)
		assert.Equal(t, tc.reason, cp.Reason, "event %s", tc.event)
	}
	assert.Equal(t, len(cases), sched.Stats().Event)
}

func TestTriggerEventUnknownTaskIsNoOp(t *testing.T) {
	sched, _, _ := newTestScheduler(t, Config{})

	cp, err := sched.TriggerEvent(context.Background(), "task-missing", EventManual)
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.Zero(t, sched.Stats().Event)
}

func TestNotifyProgressThreshold(t *testing.T) {
	sched, store, _ := newTestScheduler(t, Config{ProgressThreshold: 0.10})
	task := models.NewTask("coder", "x")
	sched.Register(task.ID, staticProvider(task))
	ctx := context.Background()

	// Below the delta: no snapshot.
	require.NoError(t, sched.NotifyProgress(ctx, task.ID, 0.05))
	assert.Zero(t, sched.Stats().Progress)

	// Crossing the delta fires once and resets the baseline.
	require.NoError(t, sched.NotifyProgress(ctx, task.ID, 0.12))
	assert.Equal(t, 1, sched.Stats().Progress)
	require.NoError(t, sched.NotifyProgress(ctx, task.ID, 0.15))
	assert.Equal(t, 1, sched.Stats().Progress)
	require.NoError(t, sched.NotifyProgress(ctx, task.ID, 0.25))
	assert.Equal(t, 2, sched.Stats().Progress)

	cps, err := store.ListCheckpoints(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 2)
}

func TestNotifyTokensThreshold(t *testing.T) {
	sched, _, _ := newTestScheduler(t, Config{TokenThreshold: 10_000})
	task := models.NewTask("coder", "x")
	sched.Register(task.ID, staticProvider(task))
	ctx := context.Background()

	require.NoError(t, sched.NotifyTokens(ctx, task.ID, 9_999))
	assert.Zero(t, sched.Stats().Tokens)

	require.NoError(t, sched.NotifyTokens(ctx, task.ID, 10_000))
	assert.Equal(t, 1, sched.Stats().Tokens)

	// Growth is measured from the last token checkpoint.
	require.NoError(t, sched.NotifyTokens(ctx, task.ID, 19_000))
	assert.Equal(t, 1, sched.Stats().Tokens)
	require.NoError(t, sched.NotifyTokens(ctx, task.ID, 20_000))
	assert.Equal(t, 2, sched.Stats().Tokens)
}

func TestIntervalScheduleFires(t *testing.T) {
	sched, store, _ := newTestScheduler(t, Config{Interval: 20 * time.Millisecond})
	task := models.NewTask("coder", "x")
	sched.Register(task.ID, staticProvider(task))

	id, err := sched.StartInterval(task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		return sched.Stats().Interval >= 2
	}, 2*time.Second, 5*time.Millisecond)

	sched.Cancel(id)
	after := sched.Stats().Interval
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, sched.Stats().Interval, "cancelled schedule must not fire")

	cps, err := store.ListCheckpoints(context.Background(), task.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(cps), 2)
}

func TestStartIntervalRequiresProvider(t *testing.T) {
	sched, _, _ := newTestScheduler(t, Config{})

	_, err := sched.StartInterval("task-unknown")
	assert.Error(t, err)
}

func TestCancelTaskStopsSchedulesAndTrackers(t *testing.T) {
	sched, _, _ := newTestScheduler(t, Config{Interval: 10 * time.Millisecond, ProgressThreshold: 0.10})
	task := models.NewTask("coder", "x")
	sched.Register(task.ID, staticProvider(task))

	_, err := sched.StartInterval(task.ID)
	require.NoError(t, err)
	_, err = sched.StartInterval(task.ID)
	require.NoError(t, err)

	sched.CancelTask(task.ID)
	base := sched.Stats().Interval
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, base, sched.Stats().Interval)

	// Provider is forgotten with the task.
	require.NoError(t, sched.NotifyProgress(context.Background(), task.ID, 0.9))
	assert.Zero(t, sched.Stats().Progress)
}

func TestProviderErrorDoesNotRecordCheckpoint(t *testing.T) {
	sched, _, _ := newTestScheduler(t, Config{})
	task := models.NewTask("coder", "x")
	sched.Register(task.ID, func(context.Context) (*Snapshot, error) {
		return nil, assert.AnError
	})

	_, err := sched.TriggerEvent(context.Background(), task.ID, EventManual)
	assert.Error(t, err)
	assert.Zero(t, sched.Stats().Event)
}

func TestSnapshotDeepCopiesTaskAndHistory(t *testing.T) {
	sched, store, _ := newTestScheduler(t, Config{})
	task := models.NewTask("coder", "original prompt")
	history := []models.ConversationMessage{{Role: models.RoleUser, Content: "original prompt"}}
	sched.Register(task.ID, func(context.Context) (*Snapshot, error) {
		return &Snapshot{Task: task, History: history}, nil
	})

	cp, err := sched.TriggerEvent(context.Background(), task.ID, EventManual)
	require.NoError(t, err)

	task.Prompt = "mutated"
	history[0].Content = "mutated"

	saved, err := store.LoadCheckpoint(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "original prompt", saved.Task.Prompt)
	assert.Equal(t, "original prompt", saved.MessageHistory[0].Content)
}

func TestCheckpointEventPublished(t *testing.T) {
	sched, _, bus := newTestScheduler(t, Config{})
	sub := bus.Subscribe(events.TypeCheckpointCreated)
	task := models.NewTask("coder", "x")
	sched.Register(task.ID, staticProvider(task))

	cp, err := sched.TriggerEvent(context.Background(), task.ID, EventManual)
	require.NoError(t, err)

	select {
	case evt := <-sub.Events():
		assert.Equal(t, task.ID, evt.TaskID)
		payload, ok := evt.Payload.(events.CheckpointPayload)
		require.True(t, ok)
		assert.Equal(t, cp.ID, payload.CheckpointID)
		assert.Equal(t, models.CheckpointReasonUserRequest, payload.Reason)
	case <-time.After(time.Second):
		t.Fatal("checkpoint event not published")
	}
}

func TestCleanupExpiredHonorsTTL(t *testing.T) {
	sched, store, _ := newTestScheduler(t, Config{TTL: time.Hour})
	ctx := context.Background()
	task := models.NewTask("coder", "x")
	require.NoError(t, store.SaveTask(ctx, task))

	old := models.NewCheckpoint(task, "coder", nil, models.CheckpointReasonAuto)
	old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.SaveCheckpoint(ctx, old))

	fresh := models.NewCheckpoint(task, "coder", nil, models.CheckpointReasonAuto)
	require.NoError(t, store.SaveCheckpoint(ctx, fresh))

	removed, err := sched.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.LoadCheckpoint(ctx, old.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.LoadCheckpoint(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestStopWaitsForIntervalGoroutines(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.Init(context.Background()))
	sched := NewScheduler(store, nil, Config{Interval: 5 * time.Millisecond})

	var calls atomic.Int64
	task := models.NewTask("coder", "x")
	sched.Register(task.ID, func(context.Context) (*Snapshot, error) {
		calls.Add(1)
		return &Snapshot{Task: task}, nil
	})
	_, err := sched.StartInterval(task.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, time.Millisecond)

	sched.Stop()
	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}
