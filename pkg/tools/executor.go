package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conductor-runtime/conductor/pkg/models"
)

// defaultTimeouts is the per-category execution deadline table.
var defaultTimeouts = map[Category]time.Duration{
	CategoryRead:     10 * time.Second,
	CategoryWrite:    10 * time.Second,
	CategoryShell:    30 * time.Second,
	CategoryPackage:  180 * time.Second,
	CategoryTest:     300 * time.Second,
	CategoryWeb:      30 * time.Second,
	CategoryAnalysis: 10 * time.Second,
}

// fallbackTimeout applies to uncategorised and fallback-routed calls.
const fallbackTimeout = 30 * time.Second

// Observers receive best-effort execution notifications. Panics inside an
// observer are recovered and logged, never propagated.
type Observers struct {
	OnToolCall   func(call models.ToolCall)
	OnToolResult func(call models.ToolCall, result models.ToolResult)
	OnToolError  func(call models.ToolCall, err error)
}

// ExecutorConfig tunes the executor.
type ExecutorConfig struct {
	// MaxParallelTools bounds concurrent calls in ExecuteAll; <= 1 runs
	// sequentially.
	MaxParallelTools int
	// TimeoutOverrides replaces the category timeout for named tools.
	TimeoutOverrides map[string]time.Duration
	// Fallback handles calls whose tool name is not registered.
	Fallback Handler
}

// Executor runs tool calls through the registry behind the mode guard
// and the dry-run manager.
type Executor struct {
	registry  *Registry
	guard     *ModeGuard
	dryRun    *DryRun
	cfg       ExecutorConfig
	observers []Observers
}

// NewExecutor wires an executor. guard and dryRun may be nil, disabling
// the respective gate.
func NewExecutor(registry *Registry, guard *ModeGuard, dryRun *DryRun, cfg ExecutorConfig) *Executor {
	return &Executor{registry: registry, guard: guard, dryRun: dryRun, cfg: cfg}
}

// AddObserver attaches execution observers.
func (e *Executor) AddObserver(obs Observers) {
	e.observers = append(e.observers, obs)
}

// ExecuteAll runs every call and returns results in call order. With
// MaxParallelTools > 1 calls run concurrently up to that bound.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	if e.cfg.MaxParallelTools <= 1 || len(calls) == 1 {
		for i, call := range calls {
			results[i] = e.Execute(ctx, call)
		}
		return results
	}

	sem := make(chan struct{}, e.cfg.MaxParallelTools)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.Execute(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute runs one call through permission check, dry-run interception,
// and the timed handler.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	e.notifyCall(call)
	start := time.Now()

	cat, registered := e.registry.CategoryOf(call.Name)
	if !registered && e.cfg.Fallback == nil {
		result := errorResult(call.ID, models.ErrCodeToolHandler,
			fmt.Sprintf("tool %s is not registered and no fallback is configured", call.Name))
		e.notifyError(call, errors.New(result.Error))
		return result
	}

	if e.guard != nil {
		perm := e.guard.CheckPermission(cat, call.Input)
		if !perm.Allowed {
			result := errorResult(call.ID, models.ErrCodeValidation, perm.Reason)
			e.notifyError(call, errors.New(result.Error))
			return result
		}
		if perm.NeedsApproval && !e.guard.RequestApproval(call.Name, cat, call.Input) {
			result := errorResult(call.ID, models.ErrCodeValidation,
				fmt.Sprintf("approval denied for tool %s", call.Name))
			e.notifyError(call, errors.New(result.Error))
			return result
		}
	}

	if e.dryRun != nil {
		if result, intercepted := e.dryRun.Intercept(call, cat); intercepted {
			result.ExecutionTime = time.Since(start).Milliseconds()
			if result.IsError {
				e.notifyError(call, errors.New(result.Error))
			} else {
				e.notifyResult(call, result)
			}
			return result
		}
	}

	result := e.runTimed(ctx, call, cat, registered)
	result.ExecutionTime = time.Since(start).Milliseconds()
	if result.IsError {
		e.notifyError(call, errors.New(result.Error))
	} else {
		e.notifyResult(call, result)
	}
	return result
}

func (e *Executor) timeoutFor(name string, cat Category, registered bool) time.Duration {
	if d, ok := e.cfg.TimeoutOverrides[name]; ok && d > 0 {
		return d
	}
	if registered {
		if d, ok := defaultTimeouts[cat]; ok {
			return d
		}
	}
	return fallbackTimeout
}

func (e *Executor) runTimed(ctx context.Context, call models.ToolCall, cat Category, registered bool) models.ToolResult {
	timeout := e.timeoutFor(call.Name, cat, registered)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan models.ToolResult, 1)
	go func() {
		if registered {
			done <- e.registry.Execute(callCtx, call)
			return
		}
		done <- e.runFallback(callCtx, call)
	}()

	select {
	case result := <-done:
		return result
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return errorResult(call.ID, models.ErrCodeCancelled,
				fmt.Sprintf("tool %s cancelled", call.Name))
		}
		return errorResult(call.ID, models.ErrCodeToolTimeout,
			fmt.Sprintf("tool %s exceeded %s", call.Name, timeout))
	}
}

func (e *Executor) runFallback(ctx context.Context, call models.ToolCall) (result models.ToolResult) {
	result.ToolCallID = call.ID
	defer func() {
		if rec := recover(); rec != nil {
			result = errorResult(call.ID, models.ErrCodeToolHandler,
				fmt.Sprintf("fallback handler panicked: %v", rec))
		}
	}()
	output, err := e.cfg.Fallback(ctx, call.Input)
	if err != nil {
		return errorResult(call.ID, models.ErrCodeToolHandler, err.Error())
	}
	result.Output = output
	return result
}

func errorResult(callID string, code models.ErrorCode, msg string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: callID,
		IsError:    true,
		Error:      fmt.Sprintf("%s: %s", code, msg),
	}
}

func (e *Executor) notifyCall(call models.ToolCall) {
	for _, obs := range e.observers {
		if obs.OnToolCall != nil {
			safeNotify(func() { obs.OnToolCall(call) })
		}
	}
}

func (e *Executor) notifyResult(call models.ToolCall, result models.ToolResult) {
	for _, obs := range e.observers {
		if obs.OnToolResult != nil {
			safeNotify(func() { obs.OnToolResult(call, result) })
		}
	}
}

func (e *Executor) notifyError(call models.ToolCall, err error) {
	for _, obs := range e.observers {
		if obs.OnToolError != nil {
			safeNotify(func() { obs.OnToolError(call, err) })
		}
	}
}

func safeNotify(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("Tool observer panicked", "panic", rec)
		}
	}()
	fn()
}
