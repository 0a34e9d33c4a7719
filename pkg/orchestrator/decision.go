// Package orchestrator routes tasks: it asks the decision oracle how to
// handle a task, then answers directly, delegates to one agent, or
// decomposes into a dependency graph executed with bounded parallelism.
package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/conductor-runtime/conductor/pkg/agent"
	"github.com/conductor-runtime/conductor/pkg/models"
)

// maxSubTasks bounds a single decomposition.
const maxSubTasks = 20

// Decision tool names offered to the oracle.
const (
	toolDelegate = "delegate_to_agent"
	toolSubtasks = "create_subtasks"
	toolComplete = "complete_task"
	toolAskUser  = "ask_user"
)

// decisionTools are the orchestration tools described to the oracle.
var decisionTools = []models.ToolDefinition{
	{
		Name:             toolDelegate,
		Description:      "Hand the whole task to one specialised agent",
		ParametersSchema: `{"type":"object","properties":{"agent":{"type":"string"},"task":{"type":"string"}},"required":["agent","task"]}`,
	},
	{
		Name:             toolSubtasks,
		Description:      "Split the task into sub-tasks with optional dependencies",
		ParametersSchema: `{"type":"object","properties":{"subtasks":{"type":"array","items":{"type":"object","properties":{"agent":{"type":"string"},"task":{"type":"string"},"depends_on":{"type":"array","items":{"type":"integer"}},"priority":{"type":"integer"}},"required":["agent","task"]}},"reasoning":{"type":"string"}},"required":["subtasks"]}`,
	},
	{
		Name:             toolComplete,
		Description:      "Complete the task directly with a final answer",
		ParametersSchema: `{"type":"object","properties":{"result":{"type":"string"}},"required":["result"]}`,
	},
	{
		Name:             toolAskUser,
		Description:      "Ask the user a clarifying question before proceeding",
		ParametersSchema: `{"type":"object","properties":{"question":{"type":"string"}},"required":["question"]}`,
	},
}

// parseDecision converts an oracle reply into a Decision. A reply without
// tool calls is a direct answer. Forward and self dependency references
// are stripped here; validation happens separately.
func parseDecision(reply *agent.OracleReply) (*models.Decision, error) {
	if len(reply.ToolCalls) == 0 {
		return &models.Decision{
			Action:   models.ActionExecuteDirectly,
			Response: reply.Content,
		}, nil
	}

	call := reply.ToolCalls[0]
	switch call.Name {
	case toolDelegate:
		agentKind, _ := call.Input["agent"].(string)
		taskDesc, _ := call.Input["task"].(string)
		return &models.Decision{
			Action:      models.ActionDelegate,
			TargetAgent: agentKind,
			TaskDesc:    taskDesc,
		}, nil

	case toolSubtasks:
		rawSubs, _ := call.Input["subtasks"].([]any)
		subs := make([]models.SubTaskDef, 0, len(rawSubs))
		for i, raw := range rawSubs {
			entry, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("subtask %d is not an object", i)
			}
			def := models.SubTaskDef{
				ID:           fmt.Sprintf("sub-%d", i),
				Agent:        stringField(entry, "agent"),
				Task:         stringField(entry, "task"),
				Priority:     intField(entry, "priority"),
				Dependencies: intSlice(entry["depends_on"]),
			}
			def.Dependencies = stripInvalidDeps(def.Dependencies, i)
			subs = append(subs, def)
		}
		reasoning, _ := call.Input["reasoning"].(string)
		return &models.Decision{
			Action:    models.ActionDecompose,
			SubTasks:  subs,
			Reasoning: reasoning,
		}, nil

	case toolComplete:
		result, _ := call.Input["result"].(string)
		return &models.Decision{
			Action:   models.ActionComplete,
			Response: result,
		}, nil

	case toolAskUser:
		question, _ := call.Input["question"].(string)
		return &models.Decision{
			Action:   models.ActionAskUser,
			Question: question,
		}, nil

	default:
		return nil, fmt.Errorf("oracle requested unknown decision tool %s", call.Name)
	}
}

// stripInvalidDeps drops forward and self references; only indices of
// earlier sub-tasks survive.
func stripInvalidDeps(deps []int, index int) []int {
	out := deps[:0]
	for _, d := range deps {
		if d < index {
			out = append(out, d)
		}
	}
	return out
}

// validateDecision enforces the dispatch preconditions. Violations are
// VALIDATION task errors; the same decision is never retried.
func validateDecision(d *models.Decision) error {
	switch d.Action {
	case models.ActionDelegate:
		if !agent.KnownKinds[d.TargetAgent] {
			return models.NewTaskError(models.ErrCodeValidation, false,
				"unknown agent kind %q", d.TargetAgent)
		}
		if d.TaskDesc == "" {
			return models.NewTaskError(models.ErrCodeValidation, false,
				"delegation has an empty task description")
		}

	case models.ActionDecompose:
		if len(d.SubTasks) == 0 {
			return models.NewTaskError(models.ErrCodeNoSubTasks, false,
				"decomposition produced no sub-tasks")
		}
		if len(d.SubTasks) > maxSubTasks {
			return models.NewTaskError(models.ErrCodeValidation, false,
				"decomposition produced %d sub-tasks, limit is %d", len(d.SubTasks), maxSubTasks)
		}
		for i, sub := range d.SubTasks {
			if sub.Task == "" {
				return models.NewTaskError(models.ErrCodeValidation, false,
					"sub-task %d has an empty description", i)
			}
			if !agent.KnownKinds[sub.Agent] {
				return models.NewTaskError(models.ErrCodeValidation, false,
					"sub-task %d names unknown agent kind %q", i, sub.Agent)
			}
			for _, dep := range sub.Dependencies {
				if dep < 0 || dep >= i {
					return models.NewTaskError(models.ErrCodeValidation, false,
						"sub-task %d has dependency %d outside [0,%d)", i, dep, i)
				}
			}
		}

	case models.ActionComplete:
		if d.Response == "" {
			return models.NewTaskError(models.ErrCodeValidation, false,
				"completion has an empty result")
		}

	case models.ActionAskUser:
		if d.Question == "" {
			return models.NewTaskError(models.ErrCodeValidation, false,
				"ask_user has an empty question")
		}

	case models.ActionExecuteDirectly:
		if d.Response == "" {
			return models.NewTaskError(models.ErrCodeValidation, false,
				"direct answer is empty")
		}

	default:
		return models.NewTaskError(models.ErrCodeValidation, false,
			"unknown decision action %q", d.Action)
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func intSlice(v any) []int {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		switch n := item.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		}
	}
	return out
}

// marshalDecision serialises a decision for logs and cache diagnostics.
func marshalDecision(d *models.Decision) string {
	raw, err := json.Marshal(d)
	if err != nil {
		return string(d.Action)
	}
	return string(raw)
}
