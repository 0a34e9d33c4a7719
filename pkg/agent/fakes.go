package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// In-memory capability adapters. They back the default local toolsets and
// the package tests; production deployments swap in real adapters.

// MemFS is an in-memory FileSystem.
type MemFS struct {
	mu    sync.RWMutex
	files map[string]string
}

// NewMemFS creates a MemFS pre-populated with the given files.
func NewMemFS(files map[string]string) *MemFS {
	fs := &MemFS{files: make(map[string]string, len(files))}
	for path, content := range files {
		fs.files[path] = content
	}
	return fs
}

func (f *MemFS) ReadFile(_ context.Context, path string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("file not found: %s", path)
	}
	return content, nil
}

func (f *MemFS) WriteFile(_ context.Context, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

func (f *MemFS) DeleteFile(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; !ok {
		return fmt.Errorf("file not found: %s", path)
	}
	delete(f.files, path)
	return nil
}

func (f *MemFS) ListDir(_ context.Context, path string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	prefix := strings.TrimSuffix(path, "/")
	var out []string
	for p := range f.files {
		if prefix == "" || prefix == "." || strings.HasPrefix(p, prefix+"/") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *MemFS) Exists(_ context.Context, path string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.files[path]
	return ok, nil
}

// FakeShell returns scripted outputs and records every command.
type FakeShell struct {
	mu sync.Mutex
	// Outputs maps a command to its scripted output; unscripted commands
	// succeed with empty output.
	Outputs map[string]string
	// Errs maps a command to a scripted failure.
	Errs     map[string]error
	commands []string
}

func (s *FakeShell) Run(_ context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	if err, ok := s.Errs[command]; ok {
		return "", err
	}
	return s.Outputs[command], nil
}

// Commands returns every command run so far.
func (s *FakeShell) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// FakeProcessManager tracks started processes in memory.
type FakeProcessManager struct {
	mu      sync.Mutex
	nextID  int
	running map[string]string
}

func NewFakeProcessManager() *FakeProcessManager {
	return &FakeProcessManager{running: make(map[string]string)}
}

func (p *FakeProcessManager) Start(_ context.Context, command string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("proc-%d", p.nextID)
	p.running[id] = command
	return id, nil
}

func (p *FakeProcessManager) Stop(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.running[id]; !ok {
		return fmt.Errorf("process not running: %s", id)
	}
	delete(p.running, id)
	return nil
}

func (p *FakeProcessManager) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FakeTestRunner returns scripted reports per target.
type FakeTestRunner struct {
	mu sync.Mutex
	// Reports maps a target to its scripted report; unscripted targets
	// pass with a single test.
	Reports map[string]TestReport
	targets []string
}

func (r *FakeTestRunner) RunTests(_ context.Context, target string) (TestReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, target)
	if report, ok := r.Reports[target]; ok {
		return report, nil
	}
	return TestReport{Target: target, Passed: 1}, nil
}

// Targets returns every target run so far.
func (r *FakeTestRunner) Targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.targets...)
}

// FakeAnalyzer counts invocations and echoes a canned finding.
type FakeAnalyzer struct {
	mu    sync.Mutex
	calls int
	// Finding overrides the default response.
	Finding string
}

func (a *FakeAnalyzer) Analyze(_ context.Context, path, content string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.Finding != "" {
		return a.Finding, nil
	}
	return fmt.Sprintf("no issues found in %s (%d bytes)", path, len(content)), nil
}

// Calls returns how many times Analyze ran.
func (a *FakeAnalyzer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
