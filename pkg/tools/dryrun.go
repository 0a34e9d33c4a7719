package tools

import (
	"fmt"
	"strings"
	"sync"

	"github.com/conductor-runtime/conductor/pkg/config"
	"github.com/conductor-runtime/conductor/pkg/models"
)

// SideEffect classifies what a tool call would change if executed.
type SideEffect string

const (
	SideEffectFileWrite      SideEffect = "file_write"
	SideEffectFileDelete     SideEffect = "file_delete"
	SideEffectShellCommand   SideEffect = "shell_command"
	SideEffectGitOperation   SideEffect = "git_operation"
	SideEffectPackageInstall SideEffect = "package_install"
	SideEffectServerStart    SideEffect = "server_start"
	SideEffectServerStop     SideEffect = "server_stop"
	SideEffectNetwork        SideEffect = "network"
)

// reversibleEffects marks which side-effect categories can be undone.
// Irreversible categories are rejected when blockIrreversible is set.
var reversibleEffects = map[SideEffect]bool{
	SideEffectFileWrite:      true,
	SideEffectFileDelete:     false,
	SideEffectShellCommand:   false,
	SideEffectGitOperation:   false,
	SideEffectPackageInstall: true,
	SideEffectServerStart:    true,
	SideEffectServerStop:     false,
	SideEffectNetwork:        false,
}

// SimulatedOp records one intercepted call.
type SimulatedOp struct {
	Category   SideEffect `json:"category"`
	Tool       string     `json:"tool"`
	Summary    string     `json:"summary"`
	Warnings   []string   `json:"warnings,omitempty"`
	Reversible bool       `json:"reversible"`
}

// DryRunSummary aggregates the recorded operations.
type DryRunSummary struct {
	Total         int                `json:"total"`
	ByCategory    map[SideEffect]int `json:"by_category"`
	FilesToCreate []string           `json:"files_to_create,omitempty"`
	FilesToDelete []string           `json:"files_to_delete,omitempty"`
	Commands      []string           `json:"commands,omitempty"`
	Irreversible  int                `json:"irreversible"`
}

// DryRun intercepts side-effecting tool calls and records what they would
// have done. It is orthogonal to the execution mode.
type DryRun struct {
	enabled           bool
	blockIrreversible bool
	// categories restricts interception; nil means all.
	categories map[SideEffect]bool

	mu  sync.Mutex
	ops []SimulatedOp
}

// NewDryRun builds a manager from configuration.
func NewDryRun(cfg config.DryRunConfig) *DryRun {
	var cats map[SideEffect]bool
	if len(cfg.Categories) > 0 {
		cats = make(map[SideEffect]bool, len(cfg.Categories))
		for _, c := range cfg.Categories {
			cats[SideEffect(c)] = true
		}
	}
	return &DryRun{
		enabled:           cfg.Enabled,
		blockIrreversible: cfg.BlockIrreversible,
		categories:        cats,
	}
}

// Enabled reports whether interception is active.
func (d *DryRun) Enabled() bool { return d.enabled }

// Classify maps a tool call to its side-effect category. Read-like
// categories carry no side effect.
func Classify(cat Category, name string) (SideEffect, bool) {
	lower := strings.ToLower(name)
	switch cat {
	case CategoryWrite:
		if strings.Contains(lower, "delete") || strings.Contains(lower, "remove") {
			return SideEffectFileDelete, true
		}
		return SideEffectFileWrite, true
	case CategoryShell:
		switch {
		case strings.Contains(lower, "git"):
			return SideEffectGitOperation, true
		case strings.Contains(lower, "stop") || strings.Contains(lower, "kill"):
			return SideEffectServerStop, true
		case strings.Contains(lower, "start") || strings.Contains(lower, "serve"):
			return SideEffectServerStart, true
		default:
			return SideEffectShellCommand, true
		}
	case CategoryPackage:
		return SideEffectPackageInstall, true
	case CategoryWeb:
		return SideEffectNetwork, true
	default:
		return "", false
	}
}

// Intercept decides whether a call is simulated instead of executed.
// It returns (result, true) when the call must not run: either a
// simulated success or a DRY_RUN_BLOCKED error result.
func (d *DryRun) Intercept(call models.ToolCall, cat Category) (models.ToolResult, bool) {
	if !d.enabled {
		return models.ToolResult{}, false
	}
	effect, sideEffecting := Classify(cat, call.Name)
	if !sideEffecting {
		return models.ToolResult{}, false
	}
	if d.categories != nil && !d.categories[effect] {
		return models.ToolResult{}, false
	}

	reversible := reversibleEffects[effect]
	op := SimulatedOp{
		Category:   effect,
		Tool:       call.Name,
		Summary:    summarize(call, effect),
		Reversible: reversible,
	}
	if !reversible {
		op.Warnings = append(op.Warnings, "operation cannot be undone")
	}

	d.mu.Lock()
	d.ops = append(d.ops, op)
	d.mu.Unlock()

	if d.blockIrreversible && !reversible {
		return models.ToolResult{
			ToolCallID: call.ID,
			IsError:    true,
			Error: fmt.Sprintf("%s: %s via %s blocked in dry-run",
				models.ErrCodeDryRunBlocked, effect, call.Name),
		}, true
	}
	return models.ToolResult{
		ToolCallID: call.ID,
		Output:     fmt.Sprintf("[dry-run] %s", op.Summary),
	}, true
}

func summarize(call models.ToolCall, effect SideEffect) string {
	if path, ok := call.Input["path"].(string); ok {
		return fmt.Sprintf("%s %s", effect, path)
	}
	if cmd, ok := call.Input["command"].(string); ok {
		return fmt.Sprintf("%s %q", effect, cmd)
	}
	return fmt.Sprintf("%s via %s", effect, call.Name)
}

// Operations returns the recorded simulations in order.
func (d *DryRun) Operations() []SimulatedOp {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SimulatedOp(nil), d.ops...)
}

// Summary aggregates the recorded simulations.
func (d *DryRun) Summary() DryRunSummary {
	d.mu.Lock()
	defer d.mu.Unlock()

	sum := DryRunSummary{ByCategory: make(map[SideEffect]int)}
	for _, op := range d.ops {
		sum.Total++
		sum.ByCategory[op.Category]++
		if !op.Reversible {
			sum.Irreversible++
		}
		switch op.Category {
		case SideEffectFileWrite:
			sum.FilesToCreate = append(sum.FilesToCreate, trimEffect(op.Summary, op.Category))
		case SideEffectFileDelete:
			sum.FilesToDelete = append(sum.FilesToDelete, trimEffect(op.Summary, op.Category))
		case SideEffectShellCommand, SideEffectGitOperation, SideEffectPackageInstall:
			sum.Commands = append(sum.Commands, trimEffect(op.Summary, op.Category))
		}
	}
	return sum
}

func trimEffect(summary string, effect SideEffect) string {
	return strings.TrimSpace(strings.TrimPrefix(summary, string(effect)))
}

// Reset clears the recorded operations.
func (d *DryRun) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = nil
}
