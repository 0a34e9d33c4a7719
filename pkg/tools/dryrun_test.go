package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-runtime/conductor/pkg/config"
	"github.com/conductor-runtime/conductor/pkg/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		cat    Category
		name   string
		effect SideEffect
		side   bool
	}{
		{CategoryWrite, "write_file", SideEffectFileWrite, true},
		{CategoryWrite, "delete_file", SideEffectFileDelete, true},
		{CategoryWrite, "remove_dir", SideEffectFileDelete, true},
		{CategoryShell, "run_shell", SideEffectShellCommand, true},
		{CategoryShell, "git_commit", SideEffectGitOperation, true},
		{CategoryShell, "start_server", SideEffectServerStart, true},
		{CategoryShell, "stop_server", SideEffectServerStop, true},
		{CategoryPackage, "npm_install", SideEffectPackageInstall, true},
		{CategoryWeb, "fetch_url", SideEffectNetwork, true},
		{CategoryRead, "read_file", "", false},
		{CategoryAnalysis, "analyze_file", "", false},
	}
	for _, tc := range cases {
		effect, side := Classify(tc.cat, tc.name)
		assert.Equal(t, tc.side, side, "%s/%s", tc.cat, tc.name)
		assert.Equal(t, tc.effect, effect, "%s/%s", tc.cat, tc.name)
	}
}

func TestInterceptDisabled(t *testing.T) {
	d := NewDryRun(config.DryRunConfig{Enabled: false})
	_, intercepted := d.Intercept(models.ToolCall{Name: "write_file"}, CategoryWrite)
	assert.False(t, intercepted)
	assert.Empty(t, d.Operations())
}

func TestInterceptSimulatesReversibleOps(t *testing.T) {
	d := NewDryRun(config.DryRunConfig{Enabled: true})

	result, intercepted := d.Intercept(models.ToolCall{
		ID: "c1", Name: "write_file", Input: map[string]any{"path": "main.go"},
	}, CategoryWrite)
	require.True(t, intercepted)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Output, "[dry-run]")
	assert.Contains(t, result.Output, "main.go")

	ops := d.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, SideEffectFileWrite, ops[0].Category)
	assert.True(t, ops[0].Reversible)
	assert.Empty(t, ops[0].Warnings)
}

func TestInterceptBlocksIrreversible(t *testing.T) {
	d := NewDryRun(config.DryRunConfig{Enabled: true, BlockIrreversible: true})

	result, intercepted := d.Intercept(models.ToolCall{
		ID: "c1", Name: "delete_file", Input: map[string]any{"path": "main.go"},
	}, CategoryWrite)
	require.True(t, intercepted)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Error, "DRY_RUN_BLOCKED")

	// The op is still recorded for the summary.
	ops := d.Operations()
	require.Len(t, ops, 1)
	assert.False(t, ops[0].Reversible)
	assert.NotEmpty(t, ops[0].Warnings)
}

func TestInterceptWithoutBlockingRecordsIrreversible(t *testing.T) {
	d := NewDryRun(config.DryRunConfig{Enabled: true, BlockIrreversible: false})

	result, intercepted := d.Intercept(models.ToolCall{
		ID: "c1", Name: "run_shell", Input: map[string]any{"command": "rm -rf build"},
	}, CategoryShell)
	require.True(t, intercepted)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Output, "rm -rf build")
}

func TestInterceptCategoryFilter(t *testing.T) {
	d := NewDryRun(config.DryRunConfig{
		Enabled:    true,
		Categories: []string{string(SideEffectFileWrite)},
	})

	_, intercepted := d.Intercept(models.ToolCall{Name: "write_file"}, CategoryWrite)
	assert.True(t, intercepted)

	_, intercepted = d.Intercept(models.ToolCall{Name: "run_shell"}, CategoryShell)
	assert.False(t, intercepted, "unlisted categories pass through")
}

func TestSummary(t *testing.T) {
	d := NewDryRun(config.DryRunConfig{Enabled: true})

	d.Intercept(models.ToolCall{Name: "write_file", Input: map[string]any{"path": "a.go"}}, CategoryWrite)
	d.Intercept(models.ToolCall{Name: "write_file", Input: map[string]any{"path": "b.go"}}, CategoryWrite)
	d.Intercept(models.ToolCall{Name: "delete_file", Input: map[string]any{"path": "c.go"}}, CategoryWrite)
	d.Intercept(models.ToolCall{Name: "run_shell", Input: map[string]any{"command": "make build"}}, CategoryShell)
	d.Intercept(models.ToolCall{Name: "fetch_url", Input: map[string]any{"url": "http://x"}}, CategoryWeb)

	sum := d.Summary()
	assert.Equal(t, 5, sum.Total)
	assert.Equal(t, 2, sum.ByCategory[SideEffectFileWrite])
	assert.Equal(t, 1, sum.ByCategory[SideEffectFileDelete])
	assert.ElementsMatch(t, []string{"a.go", "b.go"}, sum.FilesToCreate)
	assert.ElementsMatch(t, []string{"c.go"}, sum.FilesToDelete)
	assert.ElementsMatch(t, []string{`"make build"`}, sum.Commands)
	assert.Equal(t, 3, sum.Irreversible, "delete, shell and network cannot be undone")

	d.Reset()
	assert.Zero(t, d.Summary().Total)
}
