package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-runtime/conductor/pkg/breaker"
	"github.com/conductor-runtime/conductor/pkg/config"
	"github.com/conductor-runtime/conductor/pkg/dlq"
	"github.com/conductor-runtime/conductor/pkg/events"
	"github.com/conductor-runtime/conductor/pkg/models"
	"github.com/conductor-runtime/conductor/pkg/queue"
	"github.com/conductor-runtime/conductor/pkg/storage"
)

// fakePool is a canned PoolStatus for handler tests.
type fakePool struct {
	cancelled []string
	running   map[string]bool
	healthy   bool
}

func (f *fakePool) CancelTask(taskID string) bool {
	if !f.running[taskID] {
		return false
	}
	f.cancelled = append(f.cancelled, taskID)
	return true
}

func (f *fakePool) Health() *queue.PoolHealth {
	return &queue.PoolHealth{IsHealthy: f.healthy, StoreReachable: true, TotalWorkers: 1}
}

type apiFixture struct {
	srv   *Server
	store *storage.Memory
	deadQ *dlq.Queue
	pool  *fakePool
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := storage.NewMemory()
	require.NoError(t, store.Init(context.Background()))
	bus := events.NewBus()
	deadQ := dlq.New(store, bus, time.Hour)
	pool := &fakePool{running: map[string]bool{}, healthy: true}

	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, Deps{
		Store:    store,
		DLQ:      deadQ,
		Pool:     pool,
		Breakers: breaker.NewManager(breaker.DefaultConfig()),
		Bus:      bus,
	})
	t.Cleanup(func() {
		bus.Close()
		require.NoError(t, store.Close())
	})
	return &apiFixture{srv: srv, store: store, deadQ: deadQ, pool: pool}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	fx.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateTask(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
		Type:   "general",
		Prompt: "summarise the incident",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decode[models.Task](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.TaskStatusPending, created.Status)
	assert.Equal(t, "api", created.Metadata.Source)

	saved, err := fx.store.LoadTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "summarise the incident", saved.Prompt)
}

func TestCreateTaskValidation(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"type": "general"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Error, "Prompt")
}

func TestGetTask(t *testing.T) {
	fx := newAPIFixture(t)
	task := models.NewTask("general", "do the thing")
	require.NoError(t, fx.store.SaveTask(context.Background(), task))

	rec := fx.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, task.ID, decode[models.Task](t, rec).ID)

	rec = fx.do(t, http.MethodGet, "/api/v1/tasks/task-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasksFiltersByStatus(t *testing.T) {
	fx := newAPIFixture(t)
	pending := models.NewTask("general", "one")
	require.NoError(t, fx.store.SaveTask(context.Background(), pending))
	done := models.NewTask("general", "two")
	require.NoError(t, done.Transition(models.TaskStatusInProgress))
	require.NoError(t, done.Complete(&models.TaskResult{Success: true}))
	require.NoError(t, fx.store.SaveTask(context.Background(), done))

	rec := fx.do(t, http.MethodGet, "/api/v1/tasks?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[taskListResponse](t, rec)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, pending.ID, resp.Tasks[0].ID)

	rec = fx.do(t, http.MethodGet, "/api/v1/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRunningTask(t *testing.T) {
	fx := newAPIFixture(t)
	task := models.NewTask("general", "long job")
	require.NoError(t, task.Transition(models.TaskStatusInProgress))
	require.NoError(t, fx.store.SaveTask(context.Background(), task))
	fx.pool.running[task.ID] = true

	rec := fx.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[cancelResponse](t, rec)
	assert.True(t, resp.Cancelled)
	assert.True(t, resp.Running)
	assert.Equal(t, []string{task.ID}, fx.pool.cancelled)
}

func TestCancelQueuedTaskWithdraws(t *testing.T) {
	fx := newAPIFixture(t)
	task := models.NewTask("general", "waiting job")
	require.NoError(t, fx.store.SaveTask(context.Background(), task))

	rec := fx.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	saved, err := fx.store.LoadTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, saved.Status)
	require.NotNil(t, saved.Result)
	assert.Equal(t, models.ErrCodeCancelled, saved.Result.Errors[0].Code)
}

func TestCancelTerminalTaskConflicts(t *testing.T) {
	fx := newAPIFixture(t)
	task := models.NewTask("general", "finished job")
	require.NoError(t, task.Transition(models.TaskStatusInProgress))
	require.NoError(t, task.Complete(&models.TaskResult{Success: true}))
	require.NoError(t, fx.store.SaveTask(context.Background(), task))

	rec := fx.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListCheckpoints(t *testing.T) {
	fx := newAPIFixture(t)
	task := models.NewTask("general", "checkpointed job")
	require.NoError(t, fx.store.SaveTask(context.Background(), task))
	cp := models.NewCheckpoint(task, "coder", nil, models.CheckpointReasonAuto)
	require.NoError(t, fx.store.SaveCheckpoint(context.Background(), cp))

	rec := fx.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/checkpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[checkpointListResponse](t, rec)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, cp.ID, resp.Checkpoints[0].ID)

	rec = fx.do(t, http.MethodGet, "/api/v1/tasks/task-missing/checkpoints", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func deadLetter(t *testing.T, fx *apiFixture) *models.DeadLetterEntry {
	t.Helper()
	task := models.NewTask("general", "doomed job")
	require.NoError(t, task.Transition(models.TaskStatusInProgress))
	require.NoError(t, task.Complete(models.FailedResult(
		models.NewTaskError(models.ErrCodeAgentError, true, "it broke"))))
	require.NoError(t, fx.store.SaveTask(context.Background(), task))

	entry, err := fx.deadQ.Add(context.Background(), task, task.Result.Errors[0])
	require.NoError(t, err)
	return entry
}

func TestDeadLetterListAndRetry(t *testing.T) {
	fx := newAPIFixture(t)
	entry := deadLetter(t, fx)

	rec := fx.do(t, http.MethodGet, "/api/v1/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[dlqListResponse](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, entry.ID, list.Entries[0].ID)

	rec = fx.do(t, http.MethodPost, "/api/v1/dlq/"+entry.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	retried := decode[retryResponse](t, rec)
	assert.Equal(t, models.TaskStatusPending, retried.Task.Status)
	assert.Equal(t, 2, retried.Task.Metadata.RetryCount)

	rec = fx.do(t, http.MethodGet, "/api/v1/dlq", nil)
	assert.Equal(t, 0, decode[dlqListResponse](t, rec).Count)

	rec = fx.do(t, http.MethodPost, "/api/v1/dlq/"+entry.ID+"/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadLetterRemove(t *testing.T) {
	fx := newAPIFixture(t)
	entry := deadLetter(t, fx)

	rec := fx.do(t, http.MethodDelete, "/api/v1/dlq/"+entry.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = fx.do(t, http.MethodDelete, "/api/v1/dlq/"+entry.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[healthResponse](t, rec).Status)

	fx.pool.healthy = false
	rec = fx.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decode[healthResponse](t, rec).Status)
}

func TestStats(t *testing.T) {
	fx := newAPIFixture(t)
	require.NoError(t, fx.store.SaveTask(context.Background(), models.NewTask("general", "x")))

	rec := fx.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[statsResponse](t, rec)
	require.NotNil(t, resp.Storage)
	require.NotNil(t, resp.DeadLetters)
}
