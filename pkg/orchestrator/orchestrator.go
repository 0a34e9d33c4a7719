package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conductor-runtime/conductor/pkg/agent"
	"github.com/conductor-runtime/conductor/pkg/breaker"
	"github.com/conductor-runtime/conductor/pkg/checkpoint"
	"github.com/conductor-runtime/conductor/pkg/events"
	"github.com/conductor-runtime/conductor/pkg/models"
	"github.com/conductor-runtime/conductor/pkg/storage"
)

// Options tunes the orchestrator. Zero values take the defaults used by
// the configuration package.
type Options struct {
	MaxConcurrency int
	TaskTimeout    time.Duration
	// ContinueOnError keeps later decomposition levels running after a
	// failure. Defaults to true.
	ContinueOnError *bool
}

// Stats counts orchestrator dispatches since start.
type Stats struct {
	Delegations    uint64     `json:"delegations"`
	Decompositions uint64     `json:"decompositions"`
	DirectAnswers  uint64     `json:"direct_answers"`
	Questions      uint64     `json:"questions"`
	Failures       uint64     `json:"failures"`
	Cache          CacheStats `json:"cache"`
}

// Orchestrator routes tasks to agents. One instance serves all workers.
type Orchestrator struct {
	oracle      agent.DecisionOracle
	agents      *agent.Registry
	store       storage.Store
	bus         *events.Bus
	breakers    *breaker.Manager
	checkpoints *checkpoint.Scheduler
	cache       *RoutingCache
	opts        Options

	mu       sync.Mutex
	progress map[string]*taskProgress
	stats    Stats
}

// taskProgress is the mutable state behind a task's checkpoint provider.
type taskProgress struct {
	mu      sync.Mutex
	current int
	total   int
	partial []models.TaskResult
}

func (p *taskProgress) advance(result *models.TaskResult) (current, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current++
	if result != nil {
		p.partial = append(p.partial, *result)
	}
	return p.current, p.total
}

func (p *taskProgress) setTotal(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = total
}

func (p *taskProgress) view() (current, total int, partial []models.TaskResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.total, append([]models.TaskResult(nil), p.partial...)
}

// New builds an orchestrator. The routing cache is bound to the agent
// registry so registry changes invalidate cached decisions.
func New(oracle agent.DecisionOracle, agents *agent.Registry, store storage.Store,
	bus *events.Bus, breakers *breaker.Manager, checkpoints *checkpoint.Scheduler,
	opts Options) *Orchestrator {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaultMaxConcurrency
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	if opts.ContinueOnError == nil {
		cont := true
		opts.ContinueOnError = &cont
	}
	return &Orchestrator{
		oracle:      oracle,
		agents:      agents,
		store:       store,
		bus:         bus,
		breakers:    breakers,
		checkpoints: checkpoints,
		cache:       NewRoutingCache(agents),
		opts:        opts,
		progress:    make(map[string]*taskProgress),
	}
}

// Cache exposes the routing cache for admin endpoints.
func (o *Orchestrator) Cache() *RoutingCache { return o.cache }

// Stats returns dispatch counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.Cache = o.cache.Stats()
	return s
}

// Execute runs one task end to end: decide how to handle it, dispatch,
// and persist the outcome. An error return means the task did not reach
// a terminal state here; the caller owns retry and dead-lettering.
func (o *Orchestrator) Execute(ctx context.Context, task *models.Task) (result *models.TaskResult, err error) {
	prog := o.track(task.ID)
	o.checkpoints.Register(task.ID, o.stateProvider(task, prog))
	if _, schedErr := o.checkpoints.StartInterval(task.ID); schedErr != nil {
		slog.Warn("Interval checkpoint schedule failed", "task_id", task.ID, "error", schedErr)
	}
	defer o.checkpoints.CancelTask(task.ID)
	defer o.forget(task.ID)
	defer func() {
		if err != nil {
			o.countFailure()
			if _, cpErr := o.checkpoints.TriggerEvent(context.WithoutCancel(ctx), task.ID, checkpoint.EventError); cpErr != nil {
				slog.Warn("Error checkpoint failed", "task_id", task.ID, "error", cpErr)
			}
		}
	}()

	if !task.Status.IsTerminal() && task.Status != models.TaskStatusInProgress {
		if err := task.Transition(models.TaskStatusInProgress); err != nil {
			return nil, models.NewTaskError(models.ErrCodeValidation, false,
				"task %s not executable: %v", task.ID, err)
		}
		o.saveTask(ctx, task)
		o.publishStatus(task)
	}

	decision, cached := o.cache.Get(task.Prompt)
	if !cached {
		decision, err = o.decide(ctx, task)
		if err != nil {
			return nil, err
		}
		o.cache.Put(task.Prompt, decision)
	}
	slog.Info("Routing decision",
		"task_id", task.ID, "action", decision.Action, "cached", cached)
	slog.Debug("Routing decision detail",
		"task_id", task.ID, "decision", marshalDecision(decision))

	switch decision.Action {
	case models.ActionDelegate:
		o.count(func(s *Stats) { s.Delegations++ })
		result, err = o.dispatchDelegate(ctx, task, decision)
	case models.ActionDecompose:
		o.count(func(s *Stats) { s.Decompositions++ })
		result, err = o.dispatchDecompose(ctx, task, decision, prog)
	case models.ActionExecuteDirectly, models.ActionComplete:
		o.count(func(s *Stats) { s.DirectAnswers++ })
		result = &models.TaskResult{
			Success: true,
			Output:  decision.Response,
			Data:    map[string]any{"action": string(decision.Action)},
		}
	case models.ActionAskUser:
		o.count(func(s *Stats) { s.Questions++ })
		result = &models.TaskResult{
			Success: true,
			Output:  decision.Question,
			Data:    map[string]any{"action": string(models.ActionAskUser), "question": decision.Question},
		}
	}
	if err != nil {
		return nil, err
	}

	if err := task.Complete(result); err != nil {
		return nil, models.NewTaskError(models.ErrCodeValidation, false,
			"completing task %s: %v", task.ID, err)
	}
	o.saveTask(ctx, task)
	o.publishStatus(task)
	return result, nil
}

// decide asks the oracle how to handle the task and returns the parsed,
// validated decision.
func (o *Orchestrator) decide(ctx context.Context, task *models.Task) (*models.Decision, error) {
	reply, err := o.oracle.Decide(ctx, agent.OracleRequest{
		SystemPrompt: analysisPrompt(o.agents.AgentsInfo()),
		Messages: []models.ConversationMessage{
			{Role: models.RoleUser, Content: taskMessage(task)},
		},
		Tools: decisionTools,
	})
	if err != nil {
		return nil, models.NewTaskError(models.ErrCodeAgentError, true,
			"oracle analysis failed: %v", err)
	}
	decision, err := parseDecision(reply)
	if err != nil {
		return nil, models.NewTaskError(models.ErrCodeValidation, false,
			"unparseable oracle decision: %v", err)
	}
	if err := validateDecision(decision); err != nil {
		return nil, err
	}
	return decision, nil
}

// dispatchDelegate hands the whole task to one agent, guarded by the
// agent's circuit breaker.
func (o *Orchestrator) dispatchDelegate(ctx context.Context, task *models.Task, d *models.Decision) (*models.TaskResult, error) {
	ag, ok := o.agents.Get(d.TargetAgent)
	if !ok {
		return nil, models.NewTaskError(models.ErrCodeAgentNotFound, false,
			"no %q agent registered", d.TargetAgent)
	}
	if !o.agents.IsAvailable(d.TargetAgent) {
		return nil, models.NewTaskError(models.ErrCodeAgentBusy, true,
			"agent %s is executing another task", d.TargetAgent)
	}
	br := o.breakers.Get(d.TargetAgent)
	if !br.IsAllowed() {
		taskErr := models.NewTaskError(models.ErrCodeCircuitOpen, true,
			"circuit open for agent %s", d.TargetAgent)
		taskErr.Suggestion = fmt.Sprintf("retry after %s", br.RetryAfter().Round(time.Second))
		return nil, taskErr
	}

	sub := models.NewSubTask(task, d.TargetAgent, d.TaskDesc)
	sub.AssignedAgent = d.TargetAgent
	if err := sub.Transition(models.TaskStatusInProgress); err == nil {
		o.saveTask(ctx, sub)
	}

	if _, err := o.checkpoints.TriggerEvent(ctx, task.ID, checkpoint.EventDelegationBefore); err != nil {
		slog.Warn("Pre-delegation checkpoint failed", "task_id", task.ID, "error", err)
	}

	subCtx, cancel := context.WithTimeout(ctx, o.opts.TaskTimeout)
	result, execErr := ag.Execute(subCtx, sub)
	cancel()

	// The breaker sees the outcome only after the call resolves, so an
	// in-flight delegation never trips it.
	if execErr != nil || result == nil || !result.Success {
		br.RecordFailure()
	} else {
		br.RecordSuccess()
	}

	if _, err := o.checkpoints.TriggerEvent(context.WithoutCancel(ctx), task.ID, checkpoint.EventDelegationAfter); err != nil {
		slog.Warn("Post-delegation checkpoint failed", "task_id", task.ID, "error", err)
	}

	if execErr != nil {
		if failErr := sub.Transition(models.TaskStatusFailed); failErr == nil {
			o.saveTask(ctx, sub)
		}
		return nil, execErr
	}
	if err := sub.Complete(result); err == nil {
		o.saveTask(ctx, sub)
	}
	return attributeResult(result, d.TargetAgent), nil
}

// attributeResult stamps a delegated result with the agent that produced
// it: the output gains an "[agent]" prefix and the data records who the
// work was delegated to. The sub-task keeps the agent's raw result.
func attributeResult(result *models.TaskResult, agentKind string) *models.TaskResult {
	out := *result
	if out.Output != "" {
		out.Output = fmt.Sprintf("[%s] %s", agentKind, result.Output)
	}
	out.Data = make(map[string]any, len(result.Data)+1)
	for k, v := range result.Data {
		out.Data[k] = v
	}
	out.Data["delegatedTo"] = agentKind
	return &out
}

// dispatchDecompose executes a decomposition as a dependency graph.
func (o *Orchestrator) dispatchDecompose(ctx context.Context, task *models.Task, d *models.Decision, prog *taskProgress) (*models.TaskResult, error) {
	if task.Metadata.DecompositionDepth >= models.MaxDecompositionDepth {
		return nil, models.NewTaskError(models.ErrCodeMaxDepthExceeded, false,
			"task %s is at decomposition depth %d, limit is %d",
			task.ID, task.Metadata.DecompositionDepth, models.MaxDecompositionDepth)
	}

	prog.setTotal(len(d.SubTasks))
	runner := func(subCtx context.Context, idx int, def models.SubTaskDef) (*models.TaskResult, error) {
		result, err := o.runSubTask(subCtx, task, def)
		if err == nil {
			if _, cpErr := o.checkpoints.TriggerEvent(context.WithoutCancel(subCtx), task.ID, checkpoint.EventSubTaskComplete); cpErr != nil {
				slog.Warn("Sub-task checkpoint failed", "task_id", task.ID, "error", cpErr)
			}
		}
		return result, err
	}

	opts := ExecOptions{
		MaxConcurrency:  o.opts.MaxConcurrency,
		TaskTimeout:     o.opts.TaskTimeout,
		ContinueOnError: o.opts.ContinueOnError,
		OnLevelStart: func(level, count int) {
			o.publish(events.Event{
				Type:    events.TypeLevelStart,
				TaskID:  task.ID,
				Payload: events.LevelPayload{Level: level, SubTasks: count},
			})
		},
		OnLevelComplete: func(level int, outcomes []SubTaskOutcome) {
			payload := events.LevelPayload{Level: level, SubTasks: len(outcomes)}
			for _, out := range outcomes {
				switch {
				case out.Skipped:
					payload.Skipped++
				case out.Failed():
					payload.Failed++
				default:
					payload.Succeeded++
				}
			}
			o.publish(events.Event{Type: events.TypeLevelComplete, TaskID: task.ID, Payload: payload})
		},
		OnProgress: func(completed, total int, outcome SubTaskOutcome) {
			current, _ := prog.advance(outcome.Result)
			fraction := float64(current) / float64(total)
			o.publish(events.Event{
				Type:   events.TypeTaskProgress,
				TaskID: task.ID,
				Payload: events.TaskProgressPayload{
					Completed: completed,
					Total:     total,
					Fraction:  fraction,
					Message:   outcome.Def.Task,
				},
			})
			if err := o.checkpoints.NotifyProgress(context.WithoutCancel(ctx), task.ID, fraction); err != nil {
				slog.Warn("Progress checkpoint failed", "task_id", task.ID, "error", err)
			}
		},
	}

	outcomes, stats, err := ExecuteGraph(ctx, d.SubTasks, runner, opts)
	if err != nil {
		return nil, models.NewTaskError(models.ErrCodeValidation, false,
			"decomposition graph rejected: %v", err)
	}
	return aggregateOutcomes(d, outcomes, stats), nil
}

// runSubTask executes a single sub-task through its agent's breaker.
func (o *Orchestrator) runSubTask(ctx context.Context, parent *models.Task, def models.SubTaskDef) (*models.TaskResult, error) {
	ag, ok := o.agents.Get(def.Agent)
	if !ok {
		return nil, models.NewTaskError(models.ErrCodeAgentNotFound, false,
			"no %q agent registered", def.Agent)
	}
	br := o.breakers.Get(def.Agent)
	if !br.IsAllowed() {
		taskErr := models.NewTaskError(models.ErrCodeCircuitOpen, true,
			"circuit open for agent %s", def.Agent)
		taskErr.Suggestion = fmt.Sprintf("retry after %s", br.RetryAfter().Round(time.Second))
		return nil, taskErr
	}

	sub := models.NewSubTask(parent, def.Agent, def.Task)
	sub.AssignedAgent = def.Agent
	if err := sub.Transition(models.TaskStatusInProgress); err == nil {
		o.saveTask(ctx, sub)
	}

	result, execErr := ag.Execute(ctx, sub)
	if execErr != nil || result == nil || !result.Success {
		br.RecordFailure()
	} else {
		br.RecordSuccess()
	}

	if execErr != nil {
		if failErr := sub.Transition(models.TaskStatusFailed); failErr == nil {
			o.saveTask(ctx, sub)
		}
		return nil, execErr
	}
	if err := sub.Complete(result); err == nil {
		o.saveTask(ctx, sub)
	}
	return result, nil
}

// aggregateOutcomes folds per-sub-task outcomes into the parent result:
// merged artifacts, a per-level summary, and the execution stats.
func aggregateOutcomes(d *models.Decision, outcomes []SubTaskOutcome, stats ExecStats) *models.TaskResult {
	result := &models.TaskResult{
		Success: stats.Failed == 0 && stats.Skipped == 0,
		Data: map[string]any{
			"action":              string(models.ActionDecompose),
			"sub_tasks":           stats.Total,
			"levels":              stats.Levels,
			"successful":          stats.Successful,
			"failed":              stats.Failed,
			"skipped":             stats.Skipped,
			"parallel_efficiency": stats.ParallelEfficiency,
			"total_time_ms":       stats.TotalTime.Milliseconds(),
		},
	}

	artifactSet := make(map[string]bool)
	levelCounts := make(map[int][2]int) // succeeded, total
	for _, out := range outcomes {
		counts := levelCounts[out.Level]
		counts[1]++
		if !out.Failed() {
			counts[0]++
			for _, a := range out.Result.Artifacts {
				artifactSet[a] = true
			}
		} else {
			result.Errors = append(result.Errors, outcomeError(out))
		}
		levelCounts[out.Level] = counts
	}

	for a := range artifactSet {
		result.Artifacts = append(result.Artifacts, a)
	}
	sort.Strings(result.Artifacts)

	var summary strings.Builder
	if d.Reasoning != "" {
		summary.WriteString(d.Reasoning)
		summary.WriteString("\n")
	}
	fmt.Fprintf(&summary, "%d/%d sub-tasks succeeded\n", stats.Successful, stats.Total)
	for level := 0; level < stats.Levels; level++ {
		counts := levelCounts[level]
		fmt.Fprintf(&summary, "level %d: %d/%d succeeded\n", level, counts[0], counts[1])
	}
	result.Output = strings.TrimRight(summary.String(), "\n")
	return result
}

// outcomeError extracts the structured error from a failed outcome.
func outcomeError(out SubTaskOutcome) models.TaskError {
	var taskErr models.TaskError
	if errors.As(out.Err, &taskErr) {
		return taskErr
	}
	if out.Err != nil {
		return models.NewTaskError(models.ErrCodeAgentError, true,
			"sub-task %d (%s): %v", out.Index, out.Def.Agent, out.Err)
	}
	if out.Result != nil && len(out.Result.Errors) > 0 {
		return out.Result.Errors[0]
	}
	return models.NewTaskError(models.ErrCodeAgentError, true,
		"sub-task %d (%s) failed without detail", out.Index, out.Def.Agent)
}

// stateProvider builds the checkpoint snapshot source for a task.
func (o *Orchestrator) stateProvider(task *models.Task, prog *taskProgress) checkpoint.StateProvider {
	return func(ctx context.Context) (*checkpoint.Snapshot, error) {
		current, total, partial := prog.view()
		return &checkpoint.Snapshot{
			Task:           task,
			AgentName:      "orchestrator",
			PartialResults: partial,
			CurrentStep:    current,
			TotalSteps:     total,
		}, nil
	}
}

func (o *Orchestrator) track(taskID string) *taskProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	prog := &taskProgress{}
	o.progress[taskID] = prog
	return prog
}

func (o *Orchestrator) forget(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.progress, taskID)
}

func (o *Orchestrator) count(fn func(*Stats)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.stats)
}

func (o *Orchestrator) countFailure() {
	o.count(func(s *Stats) { s.Failures++ })
}

func (o *Orchestrator) saveTask(ctx context.Context, task *models.Task) {
	if err := o.store.SaveTask(ctx, task); err != nil {
		slog.Error("Persisting task failed", "task_id", task.ID, "error", err)
	}
}

func (o *Orchestrator) publish(evt events.Event) {
	if o.bus != nil {
		o.bus.Publish(evt)
	}
}

func (o *Orchestrator) publishStatus(task *models.Task) {
	o.publish(events.Event{
		Type:    events.TypeTaskStatus,
		TaskID:  task.ID,
		Payload: events.TaskStatusPayload{Status: task.Status, Agent: task.AssignedAgent},
	})
}

// analysisPrompt describes the routing job and the registered agents.
func analysisPrompt(infos []agent.Info) string {
	var b strings.Builder
	b.WriteString("You are the orchestrator of a multi-agent coding system. ")
	b.WriteString("Analyse the task and choose exactly one action: answer it ")
	b.WriteString("directly, delegate it to one agent, split it into sub-tasks, ")
	b.WriteString("or ask the user a clarifying question.\n\nRegistered agents:\n")
	for _, info := range infos {
		fmt.Fprintf(&b, "- %s (%s): %s\n", info.Kind, info.Status, info.Description)
	}
	return b.String()
}

// taskMessage renders the task and its context for the oracle.
func taskMessage(task *models.Task) string {
	var b strings.Builder
	b.WriteString(task.Prompt)
	if task.Context != nil {
		if task.Context.WorkingDirectory != "" {
			fmt.Fprintf(&b, "\n\nWorking directory: %s", task.Context.WorkingDirectory)
		}
		if len(task.Context.Files) > 0 {
			fmt.Fprintf(&b, "\nRelevant files: %s", strings.Join(task.Context.Files, ", "))
		}
	}
	return b.String()
}
