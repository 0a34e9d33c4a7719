package agent

import (
	"sync"

	"github.com/conductor-runtime/conductor/pkg/tools"
)

// testerHistorySize bounds the retained run reports.
const testerHistorySize = 20

// Tester runs test suites and keeps a bounded history of recent reports.
type Tester struct {
	*BaseAgent

	mu      sync.Mutex
	reports []TestReport
}

// NewTester builds the testing agent.
func NewTester(deps Deps) *Tester {
	t := &Tester{}

	r := tools.NewRegistry()
	registerReadTools(r, deps.FS)
	registerTestTools(r, deps.Tests, t.record)

	t.BaseAgent = NewBaseAgent(Config{
		Kind:        KindTester,
		Name:        "Tester",
		Description: "Runs test suites and reports outcomes",
		SystemPrompt: "You run tests. Execute the suites the task names and " +
			"report what passed and what failed.",
		Capabilities: []string{"read", "test"},
		MaxSteps:     deps.MaxSteps,
		MaxMessages:  deps.MaxMessages,
	}, deps.Oracle, r, deps.executor(r))
	return t
}

func (t *Tester) record(report TestReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reports = append(t.reports, report)
	if len(t.reports) > testerHistorySize {
		t.reports = t.reports[len(t.reports)-testerHistorySize:]
	}
}

// Reports returns the retained run reports, oldest first.
func (t *Tester) Reports() []TestReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TestReport(nil), t.reports...)
}
