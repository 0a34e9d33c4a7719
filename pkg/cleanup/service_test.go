package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-runtime/conductor/pkg/config"
	"github.com/conductor-runtime/conductor/pkg/models"
	"github.com/conductor-runtime/conductor/pkg/storage"
)

func retentionConfig() *config.RetentionConfig {
	day := int64(24 * time.Hour / time.Millisecond)
	return &config.RetentionConfig{
		TaskMs:            day,
		CheckpointMs:      day,
		DLQMs:             day,
		CleanupIntervalMs: int64(time.Hour / time.Millisecond),
	}
}

func terminalTask(t *testing.T, store storage.Store, completedAt time.Time) *models.Task {
	t.Helper()
	task := models.NewTask("general", "old job")
	require.NoError(t, task.Transition(models.TaskStatusInProgress))
	require.NoError(t, task.Complete(&models.TaskResult{Success: true}))
	task.CompletedAt = &completedAt
	require.NoError(t, store.SaveTask(context.Background(), task))
	return task
}

func TestSweepRemovesExpiredTasks(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.Init(context.Background()))
	ctx := context.Background()

	old := terminalTask(t, store, time.Now().Add(-48*time.Hour))
	fresh := terminalTask(t, store, time.Now())

	svc := NewService(retentionConfig(), store)
	svc.Sweep(ctx)

	_, err := store.LoadTask(ctx, old.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.LoadTask(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestSweepPreservesActiveTasks(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.Init(context.Background()))
	ctx := context.Background()

	task := models.NewTask("general", "still queued")
	created := time.Now().Add(-72 * time.Hour)
	task.CreatedAt = created
	require.NoError(t, store.SaveTask(ctx, task))

	svc := NewService(retentionConfig(), store)
	svc.Sweep(ctx)

	_, err := store.LoadTask(ctx, task.ID)
	assert.NoError(t, err, "non-terminal tasks are never reaped")
}

func TestSweepRemovesExpiredCheckpoints(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.Init(context.Background()))
	ctx := context.Background()

	task := models.NewTask("general", "checkpointed job")
	require.NoError(t, store.SaveTask(ctx, task))

	old := models.NewCheckpoint(task, "coder", nil, models.CheckpointReasonAuto)
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.SaveCheckpoint(ctx, old))

	fresh := models.NewCheckpoint(task, "coder", nil, models.CheckpointReasonAuto)
	require.NoError(t, store.SaveCheckpoint(ctx, fresh))

	svc := NewService(retentionConfig(), store)
	svc.Sweep(ctx)

	cps, err := store.ListCheckpoints(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, fresh.ID, cps[0].ID)
}

func TestStartRunsImmediateSweepAndStops(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.Init(context.Background()))

	old := terminalTask(t, store, time.Now().Add(-48*time.Hour))

	svc := NewService(retentionConfig(), store)
	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		_, err := store.LoadTask(context.Background(), old.ID)
		return err != nil
	}, time.Second, 10*time.Millisecond)

	svc.Stop()
	svc.Stop() // idempotent
}
