package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSFSReadWriteDelete(t *testing.T) {
	fs, err := NewOSFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.WriteFile(ctx, "src/main.go", "package main"))

	content, err := fs.ReadFile(ctx, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main", content)

	exists, err := fs.Exists(ctx, "src/main.go")
	require.NoError(t, err)
	assert.True(t, exists)

	entries, err := fs.ListDir(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go"}, entries)

	require.NoError(t, fs.DeleteFile(ctx, "src/main.go"))
	exists, err = fs.Exists(ctx, "src/main.go")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOSFSRejectsEscapingPaths(t *testing.T) {
	fs, err := NewOSFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = fs.ReadFile(ctx, "../outside.txt")
	assert.ErrorContains(t, err, "escapes")

	err = fs.WriteFile(ctx, "/etc/passwd", "nope")
	assert.ErrorContains(t, err, "escapes")
}

func TestExecShellRunsCommands(t *testing.T) {
	sh := &ExecShell{Dir: t.TempDir()}

	out, err := sh.Run(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	out, err = sh.Run(context.Background(), "echo oops >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, out, "oops")
}

func TestShellTestRunnerClassifiesByExitStatus(t *testing.T) {
	sh := &ExecShell{Dir: t.TempDir()}
	runner := &ShellTestRunner{Command: "true &&", Shell: sh}

	report, err := runner.RunTests(context.Background(), "true")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Passed)

	report, err = runner.RunTests(context.Background(), "false")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
}

func TestHeuristicAnalyzerFlagsMarkers(t *testing.T) {
	var a HeuristicAnalyzer

	out, err := a.Analyze(context.Background(), "clean.go", "package clean\n")
	require.NoError(t, err)
	assert.Contains(t, out, "no issues")

	out, err = a.Analyze(context.Background(), "dirty.go", "x := 1 // FIXME wrong\n")
	require.NoError(t, err)
	assert.Contains(t, out, "line 1")
}
