package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/conductor-runtime/conductor/pkg/tools"
)

// Builder runs build commands and manages long-running processes it
// started. Every executed command is tracked for the run report.
type Builder struct {
	*BaseAgent
	procs ProcessManager

	mu       sync.Mutex
	commands []string
}

// NewBuilder builds the build agent.
func NewBuilder(deps Deps) *Builder {
	b := &Builder{procs: deps.Procs}

	r := tools.NewRegistry()
	registerReadTools(r, deps.FS)
	registerShellTools(r, deps.Shell, b.track)
	registerPackageTools(r, deps.Shell, b.track)
	if deps.Procs != nil {
		registerProcessTools(r, deps.Procs)
	}

	b.BaseAgent = NewBaseAgent(Config{
		Kind:        KindBuilder,
		Name:        "Builder",
		Description: "Runs builds, installs packages and manages dev processes",
		SystemPrompt: "You build the project. Run the build and install " +
			"commands the task requires and report the outcome.",
		Capabilities: []string{"read", "shell", "package", "process"},
		MaxSteps:     deps.MaxSteps,
		MaxMessages:  deps.MaxMessages,
	}, deps.Oracle, r, deps.executor(r))
	return b
}

func (b *Builder) track(command string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, command)
}

// Commands returns every command executed so far, in order.
func (b *Builder) Commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commands...)
}

// StopAllProcesses stops every process still running.
func (b *Builder) StopAllProcesses(ctx context.Context) error {
	if b.procs == nil {
		return nil
	}
	var errs []error
	for _, id := range b.procs.Running() {
		if err := b.procs.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
