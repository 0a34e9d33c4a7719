package tools

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-runtime/conductor/pkg/config"
	"github.com/conductor-runtime/conductor/pkg/models"
)

func newEchoRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(defFor("echo"), echoHandler, RegisterOptions{Category: CategoryRead}))
	return r
}

func TestExecuteAllPreservesOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(defFor("echo"), echoHandler, RegisterOptions{Category: CategoryRead}))
	e := NewExecutor(r, nil, nil, ExecutorConfig{})

	calls := make([]models.ToolCall, 5)
	for i := range calls {
		calls[i] = models.ToolCall{
			ID:    fmt.Sprintf("call-%d", i),
			Name:  "echo",
			Input: map[string]any{"text": fmt.Sprintf("out-%d", i)},
		}
	}

	results := e.ExecuteAll(context.Background(), calls)
	require.Len(t, results, 5)
	for i, result := range results {
		assert.Equal(t, fmt.Sprintf("call-%d", i), result.ToolCallID)
		assert.Equal(t, fmt.Sprintf("out-%d", i), result.Output)
	}
}

func TestExecuteAllBoundsParallelism(t *testing.T) {
	var current, peak atomic.Int64
	var mu sync.Mutex

	r := NewRegistry()
	require.NoError(t, r.Register(defFor("slow"),
		func(ctx context.Context, _ map[string]any) (string, error) {
			n := current.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return "ok", nil
		}, RegisterOptions{Category: CategoryRead}))

	e := NewExecutor(r, nil, nil, ExecutorConfig{MaxParallelTools: 2})

	calls := make([]models.ToolCall, 6)
	for i := range calls {
		calls[i] = models.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "slow"}
	}
	results := e.ExecuteAll(context.Background(), calls)

	for _, result := range results {
		assert.False(t, result.IsError)
	}
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Greater(t, peak.Load(), int64(1), "calls did run concurrently")
}

func TestExecuteTimeout(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(defFor("hang"),
		func(ctx context.Context, _ map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}, RegisterOptions{Category: CategoryRead}))

	e := NewExecutor(r, nil, nil, ExecutorConfig{
		TimeoutOverrides: map[string]time.Duration{"hang": 30 * time.Millisecond},
	})

	result := e.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "hang"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Error, "TOOL_TIMEOUT")
	assert.GreaterOrEqual(t, result.ExecutionTime, int64(30))
}

func TestExecuteCancellation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(defFor("hang"),
		func(ctx context.Context, _ map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}, RegisterOptions{Category: CategoryRead}))
	e := NewExecutor(r, nil, nil, ExecutorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := e.Execute(ctx, models.ToolCall{ID: "c1", Name: "hang"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Error, "CANCELLED")
}

func TestExecuteFallbackHandler(t *testing.T) {
	e := NewExecutor(NewRegistry(), nil, nil, ExecutorConfig{
		Fallback: func(ctx context.Context, input map[string]any) (string, error) {
			return "handled by fallback", nil
		},
	})

	result := e.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "unknown"})
	assert.False(t, result.IsError)
	assert.Equal(t, "handled by fallback", result.Output)
}

func TestExecuteUnknownToolWithoutFallback(t *testing.T) {
	e := NewExecutor(NewRegistry(), nil, nil, ExecutorConfig{})

	result := e.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "unknown"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Error, "TOOL_HANDLER_ERROR")
}

func TestExecuteConsultsModeGuard(t *testing.T) {
	r := NewRegistry()
	invoked := false
	require.NoError(t, r.Register(defFor("write_file"),
		func(context.Context, map[string]any) (string, error) {
			invoked = true
			return "written", nil
		}, RegisterOptions{Category: CategoryWrite}))

	guard := NewModeGuard(config.ModePlan, nil)
	e := NewExecutor(r, guard, nil, ExecutorConfig{})

	result := e.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "write_file"})
	assert.True(t, result.IsError)
	assert.False(t, invoked, "denied call never reaches the handler")

	guard.SetMode(config.ModeExecute)
	result = e.Execute(context.Background(), models.ToolCall{ID: "c2", Name: "write_file"})
	assert.False(t, result.IsError)
	assert.True(t, invoked)
}

func TestExecuteStrictApproval(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(defFor("write_file"), echoHandler,
		RegisterOptions{Category: CategoryWrite}))

	allow := false
	guard := NewModeGuard(config.ModeStrict, func(string, Category, map[string]any) bool {
		return allow
	})
	e := NewExecutor(r, guard, nil, ExecutorConfig{})

	result := e.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "write_file"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Error, "approval denied")

	allow = true
	result = e.Execute(context.Background(), models.ToolCall{ID: "c2", Name: "write_file"})
	assert.False(t, result.IsError)
}

func TestExecuteDryRunInterceptsBeforeHandler(t *testing.T) {
	r := NewRegistry()
	invoked := false
	require.NoError(t, r.Register(defFor("write_file"),
		func(context.Context, map[string]any) (string, error) {
			invoked = true
			return "written", nil
		}, RegisterOptions{Category: CategoryWrite}))

	dry := NewDryRun(config.DryRunConfig{Enabled: true})
	e := NewExecutor(r, nil, dry, ExecutorConfig{})

	result := e.Execute(context.Background(), models.ToolCall{
		ID: "c1", Name: "write_file", Input: map[string]any{"path": "a.go"},
	})
	assert.False(t, result.IsError)
	assert.Contains(t, result.Output, "[dry-run]")
	assert.False(t, invoked)
	assert.Len(t, dry.Operations(), 1)

	// Read calls pass straight through.
	require.NoError(t, r.Register(defFor("read_file"), echoHandler,
		RegisterOptions{Category: CategoryRead}))
	result = e.Execute(context.Background(), models.ToolCall{
		ID: "c2", Name: "read_file", Input: map[string]any{"text": "content"},
	})
	assert.Equal(t, "content", result.Output)
}

func TestObserversAreBestEffort(t *testing.T) {
	e := NewExecutor(newEchoRegistry(t), nil, nil, ExecutorConfig{})

	var calls, results, errs atomic.Int64
	e.AddObserver(Observers{
		OnToolCall:   func(models.ToolCall) { calls.Add(1); panic("observer bug") },
		OnToolResult: func(models.ToolCall, models.ToolResult) { results.Add(1) },
		OnToolError:  func(models.ToolCall, error) { errs.Add(1) },
	})

	result := e.Execute(context.Background(), models.ToolCall{
		ID: "c1", Name: "echo", Input: map[string]any{"text": "hi"},
	})
	assert.False(t, result.IsError, "observer panic must not affect the call")
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), results.Load())

	e.Execute(context.Background(), models.ToolCall{ID: "c2", Name: "missing"})
	assert.Equal(t, int64(1), errs.Load())
}
