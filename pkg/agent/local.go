package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// OS-backed capability adapters used by the server binary. Each adapter is
// confined to a working directory; paths that escape it are rejected.

// OSFS is a FileSystem over the real filesystem, rooted at a directory.
type OSFS struct {
	root string
}

// NewOSFS creates a filesystem adapter rooted at root. Relative paths
// resolve against it and absolute paths must stay inside it.
func NewOSFS(root string) (*OSFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &OSFS{root: abs}, nil
}

// resolve maps path into the root, rejecting escapes.
func (f *OSFS) resolve(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(f.root, path)
	}
	abs = filepath.Clean(abs)
	if abs != f.root && !strings.HasPrefix(abs, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory: %s", path)
	}
	return abs, nil
}

func (f *OSFS) ReadFile(_ context.Context, path string) (string, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *OSFS) WriteFile(_ context.Context, path, content string) error {
	abs, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, []byte(content), 0o644)
}

func (f *OSFS) DeleteFile(_ context.Context, path string) error {
	abs, err := f.resolve(path)
	if err != nil {
		return err
	}
	return os.Remove(abs)
}

func (f *OSFS) ListDir(_ context.Context, path string) ([]string, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (f *OSFS) Exists(_ context.Context, path string) (bool, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ExecShell runs commands through the system shell in a fixed directory.
type ExecShell struct {
	// Dir is the working directory for every command.
	Dir string
}

func (s *ExecShell) Run(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("command failed: %w", err)
	}
	return string(out), nil
}

// ExecProcessManager starts real background processes and tracks them by ID.
type ExecProcessManager struct {
	// Dir is the working directory for started processes.
	Dir string

	mu      sync.Mutex
	nextID  int
	running map[string]*exec.Cmd
}

func NewExecProcessManager(dir string) *ExecProcessManager {
	return &ExecProcessManager{Dir: dir, running: make(map[string]*exec.Cmd)}
}

func (p *ExecProcessManager) Start(_ context.Context, command string) (string, error) {
	// Detached from the caller's context on purpose: the process is meant
	// to outlive the tool call that started it.
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = p.Dir
	if err := cmd.Start(); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.nextID++
	id := fmt.Sprintf("proc-%d", p.nextID)
	p.running[id] = cmd
	p.mu.Unlock()

	// Reap the process when it exits so Stop on a dead ID errors cleanly.
	go func() {
		_ = cmd.Wait()
		p.mu.Lock()
		delete(p.running, id)
		p.mu.Unlock()
	}()
	return id, nil
}

func (p *ExecProcessManager) Stop(_ context.Context, id string) error {
	p.mu.Lock()
	cmd, ok := p.running[id]
	delete(p.running, id)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("process not running: %s", id)
	}
	return cmd.Process.Kill()
}

func (p *ExecProcessManager) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll kills every tracked process. Called on shutdown.
func (p *ExecProcessManager) StopAll() {
	p.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(p.running))
	for _, cmd := range p.running {
		cmds = append(cmds, cmd)
	}
	p.running = make(map[string]*exec.Cmd)
	p.mu.Unlock()
	for _, cmd := range cmds {
		_ = cmd.Process.Kill()
	}
}

// ShellTestRunner runs a test command through a Shell and classifies the
// result by exit status. The command receives the target as its argument.
type ShellTestRunner struct {
	// Command is the test command prefix, for example "go test".
	Command string
	Shell   Shell
}

func (r *ShellTestRunner) RunTests(ctx context.Context, target string) (TestReport, error) {
	out, err := r.Shell.Run(ctx, r.Command+" "+target)
	report := TestReport{Target: target, Output: out}
	if err != nil {
		report.Failed = 1
		return report, nil
	}
	report.Passed = 1
	return report, nil
}

// HeuristicAnalyzer flags obvious issues without external tooling:
// unfinished markers and suspiciously long lines.
type HeuristicAnalyzer struct{}

func (HeuristicAnalyzer) Analyze(_ context.Context, path, content string) (string, error) {
	var findings []string
	for i, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.Contains(trimmed, "FIXME") || strings.Contains(trimmed, "XXX") {
			findings = append(findings, fmt.Sprintf("line %d: unfinished marker", i+1))
		}
		if len(line) > 200 {
			findings = append(findings, fmt.Sprintf("line %d: %d characters", i+1, len(line)))
		}
	}
	if len(findings) == 0 {
		return fmt.Sprintf("no issues found in %s", path), nil
	}
	return fmt.Sprintf("%s:\n%s", path, strings.Join(findings, "\n")), nil
}
