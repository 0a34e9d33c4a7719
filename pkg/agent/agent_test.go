package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-runtime/conductor/pkg/models"
)

// scriptedOracle replays canned replies in order. When the script is
// exhausted it returns Err if set, else a plain "done" reply.
type scriptedOracle struct {
	mu      sync.Mutex
	Replies []OracleReply
	Err     error
	calls   int
	// LastRequest captures the most recent request for assertions.
	LastRequest OracleRequest
}

func (o *scriptedOracle) Decide(_ context.Context, req OracleRequest) (*OracleReply, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.LastRequest = req
	if o.calls < len(o.Replies) {
		reply := o.Replies[o.calls]
		o.calls++
		return &reply, nil
	}
	o.calls++
	if o.Err != nil {
		return nil, o.Err
	}
	return &OracleReply{Content: "done"}, nil
}

func (o *scriptedOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func testDeps(t *testing.T, oracle DecisionOracle) Deps {
	t.Helper()
	return Deps{
		Oracle:   oracle,
		FS:       NewMemFS(map[string]string{"main.go": "package main\n"}),
		Shell:    &FakeShell{},
		Procs:    NewFakeProcessManager(),
		Tests:    &FakeTestRunner{},
		Analyzer: &FakeAnalyzer{},
		MaxSteps: 10,
	}
}

func toolCall(id, name string, input map[string]any) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Input: input}
}

func TestBaseAgentToolLoop(t *testing.T) {
	oracle := &scriptedOracle{Replies: []OracleReply{
		{
			Content:   "reading the file first",
			ToolCalls: []models.ToolCall{toolCall("c1", "read_file", map[string]any{"path": "main.go"})},
		},
		{Content: "the file declares package main", TokensUsed: 40},
	}}
	a := NewExplore(testDeps(t, oracle))

	result, err := a.Execute(context.Background(), models.NewTask(KindExplore, "what package is main.go in?"))
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "the file declares package main", result.Output)
	assert.Equal(t, 2, oracle.Calls())
	assert.Equal(t, 2, result.Data["steps"])

	// The second request carries the assistant turn and the tool results.
	msgs := oracle.LastRequest.Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[2].ToolResults, 1)
	assert.Equal(t, "package main\n", msgs[2].ToolResults[0].Output)
	assert.NotEmpty(t, oracle.LastRequest.Tools, "tool definitions are offered to the oracle")
}

func TestBaseAgentMaxSteps(t *testing.T) {
	// Every reply asks for another tool call, so the loop never terminates
	// on its own.
	looping := &loopingOracle{}
	deps := testDeps(t, looping)
	deps.MaxSteps = 3
	a := NewExplore(deps)

	result, err := a.Execute(context.Background(), models.NewTask(KindExplore, "loop forever"))
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, models.ErrCodeMaxSteps, result.Errors[0].Code)
	assert.Equal(t, 3, looping.calls)
}

type loopingOracle struct{ calls int }

func (o *loopingOracle) Decide(context.Context, OracleRequest) (*OracleReply, error) {
	o.calls++
	return &OracleReply{
		ToolCalls: []models.ToolCall{toolCall(fmt.Sprintf("c%d", o.calls), "read_file", map[string]any{"path": "main.go"})},
	}, nil
}

func TestBaseAgentOracleFailure(t *testing.T) {
	oracle := &scriptedOracle{Err: errors.New("upstream 503")}
	a := NewExplore(testDeps(t, oracle))

	_, err := a.Execute(context.Background(), models.NewTask(KindExplore, "x"))
	require.Error(t, err)
	var taskErr models.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, models.ErrCodeAgentError, taskErr.Code)
	assert.True(t, taskErr.Recoverable)
}

func TestBaseAgentBusy(t *testing.T) {
	block := make(chan struct{})
	oracle := &blockingOracle{block: block}
	a := NewExplore(testDeps(t, oracle))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.Execute(context.Background(), models.NewTask(KindExplore, "slow"))
	}()

	require.Eventually(t, func() bool { return a.Status() == StatusExecuting },
		time.Second, time.Millisecond)

	_, err := a.Execute(context.Background(), models.NewTask(KindExplore, "second"))
	var taskErr models.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, models.ErrCodeAgentBusy, taskErr.Code)

	close(block)
	<-done
	assert.Equal(t, StatusIdle, a.Status())
}

type blockingOracle struct{ block chan struct{} }

func (o *blockingOracle) Decide(ctx context.Context, _ OracleRequest) (*OracleReply, error) {
	select {
	case <-o.block:
	case <-ctx.Done():
	}
	return &OracleReply{Content: "unblocked"}, nil
}

func TestBaseAgentStepObserver(t *testing.T) {
	oracle := &scriptedOracle{Replies: []OracleReply{
		{TokensUsed: 100, ToolCalls: []models.ToolCall{toolCall("c1", "read_file", map[string]any{"path": "main.go"})}},
		{TokensUsed: 50, Content: "done"},
	}}
	a := NewExplore(testDeps(t, oracle))

	var totals []int
	a.SetStepObserver(func(step, totalTokens int) { totals = append(totals, totalTokens) })

	_, err := a.Execute(context.Background(), models.NewTask(KindExplore, "x"))
	require.NoError(t, err)
	assert.Equal(t, []int{100, 150}, totals)
}

func TestCoderArtifactsOnSuccess(t *testing.T) {
	oracle := &scriptedOracle{Replies: []OracleReply{
		{ToolCalls: []models.ToolCall{
			toolCall("c1", "write_file", map[string]any{"path": "feature.go", "content": "package main\n"}),
		}},
		{Content: "implemented"},
	}}
	deps := testDeps(t, oracle)
	coder := NewCoder(deps)

	result, err := coder.Execute(context.Background(), models.NewTask(KindCoder, "add feature"))
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, []string{"feature.go"}, result.Artifacts)

	content, err := deps.FS.ReadFile(context.Background(), "feature.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", content)
}

func TestCoderRollbackOnError(t *testing.T) {
	oracle := &scriptedOracle{
		Replies: []OracleReply{
			{ToolCalls: []models.ToolCall{
				toolCall("c1", "write_file", map[string]any{"path": "main.go", "content": "broken"}),
				toolCall("c2", "write_file", map[string]any{"path": "new.go", "content": "package main\n"}),
			}},
		},
		Err: errors.New("oracle unavailable"),
	}
	deps := testDeps(t, oracle)
	coder := NewCoder(deps)

	task := models.NewTask(KindCoder, "refactor")
	task.Context = &models.TaskContext{Files: []string{"main.go"}}

	_, err := coder.Execute(context.Background(), task)
	require.Error(t, err)

	// The pre-existing file is restored and the created file removed.
	content, readErr := deps.FS.ReadFile(context.Background(), "main.go")
	require.NoError(t, readErr)
	assert.Equal(t, "package main\n", content)
	exists, _ := deps.FS.Exists(context.Background(), "new.go")
	assert.False(t, exists)
}

func TestFixerVerificationFailureRollsBack(t *testing.T) {
	oracle := &scriptedOracle{Replies: []OracleReply{
		{ToolCalls: []models.ToolCall{
			toolCall("c1", "write_file", map[string]any{"path": "main.go", "content": "fixed but wrong"}),
		}},
		{Content: "fix applied"},
	}}
	deps := testDeps(t, oracle)
	deps.Tests = &FakeTestRunner{Reports: map[string]TestReport{
		"main.go": {Target: "main.go", Passed: 2, Failed: 1},
	}}
	deps.FixerRollback = true
	fixer := NewFixer(deps)

	result, err := fixer.Execute(context.Background(), models.NewTask(KindFixer, "fix the bug"))
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "verification failed")

	content, readErr := deps.FS.ReadFile(context.Background(), "main.go")
	require.NoError(t, readErr)
	assert.Equal(t, "package main\n", content, "rollback restored the original")
}

func TestFixerVerificationSuccess(t *testing.T) {
	oracle := &scriptedOracle{Replies: []OracleReply{
		{ToolCalls: []models.ToolCall{
			toolCall("c1", "write_file", map[string]any{"path": "main.go", "content": "properly fixed"}),
		}},
		{Content: "fix applied"},
	}}
	deps := testDeps(t, oracle)
	fixer := NewFixer(deps)

	result, err := fixer.Execute(context.Background(), models.NewTask(KindFixer, "fix the bug"))
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, []string{"main.go"}, result.Artifacts)

	runner := deps.Tests.(*FakeTestRunner)
	assert.Equal(t, []string{"main.go"}, runner.Targets(), "verification ran on the modified file")
}

func TestReviewerMemoisesAnalysis(t *testing.T) {
	call := func(id string) models.ToolCall {
		return toolCall(id, "analyze_file", map[string]any{"path": "main.go"})
	}
	oracle := &scriptedOracle{Replies: []OracleReply{
		{ToolCalls: []models.ToolCall{call("c1")}},
		{ToolCalls: []models.ToolCall{call("c2")}},
		{Content: "review complete"},
	}}
	deps := testDeps(t, oracle)
	reviewer := NewReviewer(deps)

	result, err := reviewer.Execute(context.Background(), models.NewTask(KindReviewer, "review main.go"))
	require.NoError(t, err)
	require.True(t, result.Success)

	analyzer := deps.Analyzer.(*FakeAnalyzer)
	assert.Equal(t, 1, analyzer.Calls(), "second analysis served from the memo")
	assert.Equal(t, ReviewerStats{Hits: 1, Misses: 1}, reviewer.MemoStats())
}

func TestReviewerMemoKeyedByContent(t *testing.T) {
	deps := testDeps(t, &scriptedOracle{})
	reviewer := NewReviewer(deps)
	ctx := context.Background()

	_, err := reviewer.analyze(ctx, "main.go", "v1")
	require.NoError(t, err)
	_, err = reviewer.analyze(ctx, "main.go", "v2")
	require.NoError(t, err)

	assert.Equal(t, ReviewerStats{Misses: 2}, reviewer.MemoStats(),
		"changed content misses the memo")
}

func TestTesterRecordsBoundedReports(t *testing.T) {
	calls := make([]models.ToolCall, 0, testerHistorySize+5)
	replies := make([]OracleReply, 0, testerHistorySize+6)
	for i := 0; i < testerHistorySize+5; i++ {
		calls = append(calls, toolCall(fmt.Sprintf("c%d", i), "run_tests",
			map[string]any{"target": fmt.Sprintf("pkg%d", i)}))
	}
	for _, c := range calls {
		replies = append(replies, OracleReply{ToolCalls: []models.ToolCall{c}})
	}
	replies = append(replies, OracleReply{Content: "all suites run"})

	deps := testDeps(t, &scriptedOracle{Replies: replies})
	deps.MaxSteps = testerHistorySize + 10
	tester := NewTester(deps)

	result, err := tester.Execute(context.Background(), models.NewTask(KindTester, "run everything"))
	require.NoError(t, err)
	require.True(t, result.Success)

	reports := tester.Reports()
	require.Len(t, reports, testerHistorySize)
	assert.Equal(t, "pkg5", reports[0].Target, "oldest reports dropped")
}

func TestBuilderTracksCommandsAndStopsProcesses(t *testing.T) {
	oracle := &scriptedOracle{Replies: []OracleReply{
		{ToolCalls: []models.ToolCall{
			toolCall("c1", "run_shell", map[string]any{"command": "make build"}),
			toolCall("c2", "npm_install", map[string]any{"package": "left-pad"}),
		}},
		{ToolCalls: []models.ToolCall{
			toolCall("c3", "start_process", map[string]any{"command": "npm run dev"}),
		}},
		{Content: "built and running"},
	}}
	deps := testDeps(t, oracle)
	builder := NewBuilder(deps)

	result, err := builder.Execute(context.Background(), models.NewTask(KindBuilder, "build and serve"))
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, []string{"make build", "npm install left-pad"}, builder.Commands())

	require.Len(t, deps.Procs.Running(), 1)
	require.NoError(t, builder.StopAllProcesses(context.Background()))
	assert.Empty(t, deps.Procs.Running())
}

func TestSeedMessageIncludesContext(t *testing.T) {
	task := models.NewTask(KindCoder, "do the thing")
	task.Context = &models.TaskContext{
		WorkingDirectory: "/srv/app",
		Files:            []string{"a.go", "b.go"},
	}
	seed := seedMessage(task)
	assert.Contains(t, seed, "do the thing")
	assert.Contains(t, seed, "/srv/app")
	assert.Contains(t, seed, "a.go")
	assert.Contains(t, seed, "b.go")
}
