package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/conductor-runtime/conductor/pkg/history"
	"github.com/conductor-runtime/conductor/pkg/models"
	"github.com/conductor-runtime/conductor/pkg/tools"
)

// Config holds the knobs shared by every agent kind.
type Config struct {
	Kind         string
	Name         string
	Description  string
	SystemPrompt string
	Capabilities []string

	MaxSteps    int
	MaxMessages int
	// MaxTokens and Temperature are passed through to the oracle.
	MaxTokens   int
	Temperature float64
}

// BaseAgent is the generic oracle-driven tool loop. Kind specialisations
// wrap it with pre/post hooks and their own toolsets.
type BaseAgent struct {
	cfg      Config
	oracle   DecisionOracle
	tools    *tools.Registry
	executor *tools.Executor

	// preRun runs before the loop; an error fails the task.
	preRun func(ctx context.Context, task *models.Task) error
	// postRun observes and may replace the outcome (rollback paths).
	postRun func(ctx context.Context, task *models.Task, result *models.TaskResult, runErr error) (*models.TaskResult, error)
	// onStep reports cumulative oracle token usage after each step.
	onStep func(step, totalTokens int)

	mu     sync.Mutex
	status Status
}

// NewBaseAgent wires the generic loop. The executor must route to the
// given registry.
func NewBaseAgent(cfg Config, oracle DecisionOracle, registry *tools.Registry, executor *tools.Executor) *BaseAgent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 20
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 50
	}
	return &BaseAgent{
		cfg:      cfg,
		oracle:   oracle,
		tools:    registry,
		executor: executor,
		status:   StatusIdle,
	}
}

func (a *BaseAgent) Kind() string           { return a.cfg.Kind }
func (a *BaseAgent) Name() string           { return a.cfg.Name }
func (a *BaseAgent) Description() string    { return a.cfg.Description }
func (a *BaseAgent) Capabilities() []string { return a.cfg.Capabilities }

// Status returns the agent's availability.
func (a *BaseAgent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Tools exposes the agent's tool registry to specialisations.
func (a *BaseAgent) Tools() *tools.Registry { return a.tools }

// SetStepObserver installs a per-step token usage callback.
func (a *BaseAgent) SetStepObserver(fn func(step, totalTokens int)) {
	a.onStep = fn
}

func (a *BaseAgent) claim() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusIdle {
		return false
	}
	a.status = StatusExecuting
	return true
}

func (a *BaseAgent) release() {
	a.mu.Lock()
	a.status = StatusIdle
	a.mu.Unlock()
}

// Execute runs the loop for one task. A second concurrent call returns an
// AGENT_BUSY error without touching the running execution.
func (a *BaseAgent) Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	if !a.claim() {
		return nil, models.NewTaskError(models.ErrCodeAgentBusy, true,
			"agent %s is executing another task", a.cfg.Kind)
	}
	defer a.release()

	slog.Info("Agent executing task", "agent", a.cfg.Kind, "task_id", task.ID)

	if a.preRun != nil {
		if err := a.preRun(ctx, task); err != nil {
			return a.finish(ctx, task, nil, fmt.Errorf("pre-run: %w", err))
		}
	}

	result, runErr := a.runLoop(ctx, task)
	return a.finish(ctx, task, result, runErr)
}

func (a *BaseAgent) finish(ctx context.Context, task *models.Task, result *models.TaskResult, runErr error) (*models.TaskResult, error) {
	if a.postRun != nil {
		return a.postRun(ctx, task, result, runErr)
	}
	return result, runErr
}

func (a *BaseAgent) runLoop(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	h := history.New(a.cfg.MaxMessages, nil)
	h.Add(models.ConversationMessage{Role: models.RoleUser, Content: seedMessage(task)})

	totalTokens := 0
	for step := 1; step <= a.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, models.NewTaskError(models.ErrCodeCancelled, false,
				"task %s cancelled at step %d", task.ID, step)
		}

		reply, err := a.oracle.Decide(ctx, OracleRequest{
			SystemPrompt: a.cfg.SystemPrompt,
			Messages:     h.Messages(),
			Tools:        a.tools.Definitions(),
			MaxTokens:    a.cfg.MaxTokens,
			Temperature:  a.cfg.Temperature,
		})
		if err != nil {
			return nil, models.NewTaskError(models.ErrCodeAgentError, true,
				"oracle call failed: %v", err)
		}
		totalTokens += reply.TokensUsed
		if a.onStep != nil {
			a.onStep(step, totalTokens)
		}

		if len(reply.ToolCalls) == 0 {
			return &models.TaskResult{
				Success: true,
				Output:  reply.Content,
				Data: map[string]any{
					"steps":  step,
					"tokens": totalTokens,
				},
			}, nil
		}

		h.TrimIfNeeded()
		results := a.executor.ExecuteAll(ctx, reply.ToolCalls)
		h.Add(models.ConversationMessage{
			Role:      models.RoleAssistant,
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
		})
		h.AddToolResults(results)
	}

	return models.FailedResult(models.NewTaskError(models.ErrCodeMaxSteps, false,
		"agent %s exhausted %d steps", a.cfg.Kind, a.cfg.MaxSteps)), nil
}

// seedMessage builds the first user message from the task prompt and its
// context.
func seedMessage(task *models.Task) string {
	var b strings.Builder
	b.WriteString(task.Prompt)
	if task.Context == nil {
		return b.String()
	}
	if task.Context.WorkingDirectory != "" {
		fmt.Fprintf(&b, "\n\nWorking directory: %s", task.Context.WorkingDirectory)
	}
	if len(task.Context.Files) > 0 {
		fmt.Fprintf(&b, "\n\nRelevant files:\n- %s", strings.Join(task.Context.Files, "\n- "))
	}
	for name, snippet := range task.Context.CodeSnippets {
		fmt.Fprintf(&b, "\n\nSnippet %s:\n%s", name, snippet)
	}
	return b.String()
}
