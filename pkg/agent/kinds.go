package agent

import (
	"context"
	"fmt"

	"github.com/conductor-runtime/conductor/pkg/tools"
)

// Kinds recognised by the orchestrator's decision validation.
const (
	KindExplore   = "explore"
	KindCoder     = "coder"
	KindBuilder   = "builder"
	KindTester    = "tester"
	KindDeployer  = "deployer"
	KindReviewer  = "reviewer"
	KindFixer     = "fixer"
	KindArchitect = "architect"
)

// KnownKinds is the closed set of delegatable agent kinds.
var KnownKinds = map[string]bool{
	KindExplore:   true,
	KindCoder:     true,
	KindBuilder:   true,
	KindTester:    true,
	KindDeployer:  true,
	KindReviewer:  true,
	KindFixer:     true,
	KindArchitect: true,
}

// Deps bundles everything agent constructors need. Capability adapters
// are borrowed, not owned.
type Deps struct {
	Oracle   DecisionOracle
	FS       FileSystem
	Shell    Shell
	Procs    ProcessManager
	Tests    TestRunner
	Analyzer CodeAnalyzer

	Guard  *tools.ModeGuard
	DryRun *tools.DryRun

	MaxSteps         int
	MaxMessages      int
	MaxParallelTools int
	// FixerRollback restores snapshots when post-fix verification fails.
	FixerRollback bool
}

func (d Deps) executor(r *tools.Registry) *tools.Executor {
	return tools.NewExecutor(r, d.Guard, d.DryRun, tools.ExecutorConfig{
		MaxParallelTools: d.MaxParallelTools,
	})
}

// NewExplore builds the read-only exploration agent.
func NewExplore(deps Deps) *BaseAgent {
	r := tools.NewRegistry()
	registerReadTools(r, deps.FS)
	return NewBaseAgent(Config{
		Kind:        KindExplore,
		Name:        "Explorer",
		Description: "Explores the codebase without modifying anything",
		SystemPrompt: "You explore a codebase to answer questions. " +
			"You can only read files; you never modify anything.",
		Capabilities: []string{"read"},
		MaxSteps:     deps.MaxSteps,
		MaxMessages:  deps.MaxMessages,
	}, deps.Oracle, r, deps.executor(r))
}

// NewArchitect builds the read-only design agent. It gets a long output
// budget and a higher temperature than the other kinds.
func NewArchitect(deps Deps) *BaseAgent {
	r := tools.NewRegistry()
	registerReadTools(r, deps.FS)
	return NewBaseAgent(Config{
		Kind:        KindArchitect,
		Name:        "Architect",
		Description: "Produces designs and architecture proposals",
		SystemPrompt: "You design software architecture. Read the code you " +
			"need, then produce a thorough written design. You never modify files.",
		Capabilities: []string{"read", "design"},
		MaxSteps:     deps.MaxSteps,
		MaxMessages:  deps.MaxMessages,
		MaxTokens:    8192,
		Temperature:  0.9,
	}, deps.Oracle, r, deps.executor(r))
}

// NewDeployer builds the deployment agent.
func NewDeployer(deps Deps) *BaseAgent {
	r := tools.NewRegistry()
	registerReadTools(r, deps.FS)
	registerShellTools(r, deps.Shell, nil)
	return NewBaseAgent(Config{
		Kind:        KindDeployer,
		Name:        "Deployer",
		Description: "Runs deployment commands and verifies rollout",
		SystemPrompt: "You deploy software. Run the deployment commands the " +
			"task requires and verify the result.",
		Capabilities: []string{"read", "shell"},
		MaxSteps:     deps.MaxSteps,
		MaxMessages:  deps.MaxMessages,
	}, deps.Oracle, r, deps.executor(r))
}

// RegisterDefaults registers one agent of every kind.
func RegisterDefaults(reg *Registry, deps Deps) error {
	agents := []Agent{
		NewExplore(deps),
		NewArchitect(deps),
		NewDeployer(deps),
		NewCoder(deps),
		NewFixer(deps),
		NewReviewer(deps),
		NewTester(deps),
		NewBuilder(deps),
	}
	for _, a := range agents {
		if err := reg.Register(a); err != nil {
			return fmt.Errorf("register %s: %w", a.Kind(), err)
		}
	}
	return nil
}

// fileSnapshots tracks pre-write file state for rollback. Only one
// execution runs per agent at a time, so no locking is needed beyond the
// agent's own claim.
type fileSnapshots struct {
	fs       FileSystem
	existing map[string]string
	created  map[string]bool
	written  map[string]bool
	order    []string
}

func newFileSnapshots(fs FileSystem) *fileSnapshots {
	return &fileSnapshots{fs: fs}
}

func (s *fileSnapshots) reset() {
	s.existing = make(map[string]string)
	s.created = make(map[string]bool)
	s.written = make(map[string]bool)
	s.order = nil
}

// capture records a file's current state the first time it is touched.
func (s *fileSnapshots) capture(ctx context.Context, path string) error {
	if _, ok := s.existing[path]; ok {
		return nil
	}
	if s.created[path] {
		return nil
	}
	exists, err := s.fs.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		s.created[path] = true
		return nil
	}
	content, err := s.fs.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	s.existing[path] = content
	s.order = append(s.order, path)
	return nil
}

// restore puts every captured file back and deletes files created during
// the run.
func (s *fileSnapshots) restore(ctx context.Context) error {
	var firstErr error
	for path, content := range s.existing {
		if err := s.fs.WriteFile(ctx, path, content); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for path := range s.created {
		exists, err := s.fs.Exists(ctx, path)
		if err != nil || !exists {
			continue
		}
		if err := s.fs.DeleteFile(ctx, path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// markWritten records a path actually modified by a write tool, as
// opposed to one merely captured from the task context.
func (s *fileSnapshots) markWritten(path string) {
	s.written[path] = true
}

// writtenPaths returns every path a write tool touched during the run.
func (s *fileSnapshots) writtenPaths() []string {
	out := make([]string, 0, len(s.written))
	for path := range s.written {
		out = append(out, path)
	}
	return out
}
