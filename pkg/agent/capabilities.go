package agent

import "context"

// The capability interfaces below are what agent toolsets are built on.
// Callers own the adapter lifetimes; agents only borrow them.

// FileSystem is the file access capability used by read and write tools.
type FileSystem interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	DeleteFile(ctx context.Context, path string) error
	ListDir(ctx context.Context, path string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Shell runs commands to completion and returns combined output.
type Shell interface {
	Run(ctx context.Context, command string) (string, error)
}

// ProcessManager tracks long-running processes started by the builder.
type ProcessManager interface {
	Start(ctx context.Context, command string) (id string, err error)
	Stop(ctx context.Context, id string) error
	Running() []string
}

// TestReport summarises one test run.
type TestReport struct {
	Target string `json:"target"`
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
	Output string `json:"output,omitempty"`
}

// TestRunner executes a test target.
type TestRunner interface {
	RunTests(ctx context.Context, target string) (TestReport, error)
}

// CodeAnalyzer inspects a file's content and reports findings.
type CodeAnalyzer interface {
	Analyze(ctx context.Context, path, content string) (string, error)
}
