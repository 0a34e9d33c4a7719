package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-runtime/conductor/pkg/agent"
	"github.com/conductor-runtime/conductor/pkg/models"
)

func TestParseDecisionDirectAnswer(t *testing.T) {
	d, err := parseDecision(&agent.OracleReply{Content: "the build is green"})
	require.NoError(t, err)
	assert.Equal(t, models.ActionExecuteDirectly, d.Action)
	assert.Equal(t, "the build is green", d.Response)
}

func TestParseDecisionDelegate(t *testing.T) {
	d, err := parseDecision(&agent.OracleReply{ToolCalls: []models.ToolCall{
		{Name: toolDelegate, Input: map[string]any{"agent": "coder", "task": "fix the bug"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, models.ActionDelegate, d.Action)
	assert.Equal(t, "coder", d.TargetAgent)
	assert.Equal(t, "fix the bug", d.TaskDesc)
	require.NoError(t, validateDecision(d))
}

func TestParseDecisionSubtasksStripsInvalidDeps(t *testing.T) {
	d, err := parseDecision(&agent.OracleReply{ToolCalls: []models.ToolCall{
		{Name: toolSubtasks, Input: map[string]any{
			"reasoning": "split by layer",
			"subtasks": []any{
				map[string]any{"agent": "coder", "task": "write the model", "depends_on": []any{float64(0), float64(2)}},
				map[string]any{"agent": "tester", "task": "test the model", "depends_on": []any{float64(0), float64(1)}, "priority": float64(5)},
			},
		}},
	}})
	require.NoError(t, err)
	assert.Equal(t, models.ActionDecompose, d.Action)
	assert.Equal(t, "split by layer", d.Reasoning)
	require.Len(t, d.SubTasks, 2)

	// Self reference (0) and forward reference (2) dropped from the first.
	assert.Empty(t, d.SubTasks[0].Dependencies)
	assert.Equal(t, []int{0}, d.SubTasks[1].Dependencies)
	assert.Equal(t, 5, d.SubTasks[1].Priority)
	require.NoError(t, validateDecision(d))
}

func TestParseDecisionCompleteAndAskUser(t *testing.T) {
	d, err := parseDecision(&agent.OracleReply{ToolCalls: []models.ToolCall{
		{Name: toolComplete, Input: map[string]any{"result": "done: 3 files changed"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, models.ActionComplete, d.Action)
	assert.Equal(t, "done: 3 files changed", d.Response)

	d, err = parseDecision(&agent.OracleReply{ToolCalls: []models.ToolCall{
		{Name: toolAskUser, Input: map[string]any{"question": "which branch?"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, models.ActionAskUser, d.Action)
	assert.Equal(t, "which branch?", d.Question)
}

func TestParseDecisionUnknownTool(t *testing.T) {
	_, err := parseDecision(&agent.OracleReply{ToolCalls: []models.ToolCall{
		{Name: "launch_missiles", Input: map[string]any{}},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launch_missiles")
}

func TestValidateDecisionRejections(t *testing.T) {
	cases := []struct {
		name     string
		decision *models.Decision
		code     models.ErrorCode
	}{
		{
			name:     "unknown agent kind",
			decision: &models.Decision{Action: models.ActionDelegate, TargetAgent: "barista", TaskDesc: "espresso"},
			code:     models.ErrCodeValidation,
		},
		{
			name:     "empty delegation task",
			decision: &models.Decision{Action: models.ActionDelegate, TargetAgent: "coder"},
			code:     models.ErrCodeValidation,
		},
		{
			name:     "empty decomposition",
			decision: &models.Decision{Action: models.ActionDecompose},
			code:     models.ErrCodeNoSubTasks,
		},
		{
			name: "sub-task with unknown kind",
			decision: &models.Decision{Action: models.ActionDecompose, SubTasks: []models.SubTaskDef{
				{Agent: "wizard", Task: "magic"},
			}},
			code: models.ErrCodeValidation,
		},
		{
			name:     "empty completion",
			decision: &models.Decision{Action: models.ActionComplete},
			code:     models.ErrCodeValidation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateDecision(tc.decision)
			require.Error(t, err)
			taskErr, ok := err.(models.TaskError)
			require.True(t, ok)
			assert.Equal(t, tc.code, taskErr.Code)
			assert.False(t, taskErr.Recoverable)
		})
	}
}

func TestValidateDecisionSubTaskLimit(t *testing.T) {
	subs := make([]models.SubTaskDef, maxSubTasks+1)
	for i := range subs {
		subs[i] = models.SubTaskDef{Agent: "coder", Task: "chunk"}
	}
	err := validateDecision(&models.Decision{Action: models.ActionDecompose, SubTasks: subs})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit is 20")

	require.NoError(t, validateDecision(&models.Decision{
		Action:   models.ActionDecompose,
		SubTasks: subs[:maxSubTasks],
	}))
}
