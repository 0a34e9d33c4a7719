package tools

import (
	"log/slog"
	"sync"

	"github.com/conductor-runtime/conductor/pkg/config"
)

// Permission is the mode guard's verdict for one tool call.
type Permission struct {
	Allowed       bool
	NeedsApproval bool
	Reason        string
}

// ApprovalFunc answers a strict-mode approval request. It is called
// synchronously from the executing goroutine.
type ApprovalFunc func(toolName string, category Category, params map[string]any) bool

// ModeGuard enforces the runtime execution mode over tool calls. Mode
// changes apply to subsequent checks only.
type ModeGuard struct {
	mu      sync.RWMutex
	mode    config.ExecutionMode
	approve ApprovalFunc
}

// NewModeGuard creates a guard in the given mode. approve may be nil; in
// strict mode that denies every side-effecting call.
func NewModeGuard(mode config.ExecutionMode, approve ApprovalFunc) *ModeGuard {
	if mode == "" {
		mode = config.ModeExecute
	}
	return &ModeGuard{mode: mode, approve: approve}
}

// Mode returns the current execution mode.
func (g *ModeGuard) Mode() config.ExecutionMode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// SetMode switches the execution mode for future checks.
func (g *ModeGuard) SetMode(mode config.ExecutionMode) {
	g.mu.Lock()
	prev := g.mode
	g.mode = mode
	g.mu.Unlock()
	slog.Info("Execution mode changed", "from", prev, "to", mode)
}

// readOnly reports whether a category has no side effects.
func readOnly(cat Category) bool {
	switch cat {
	case CategoryRead, CategoryAnalysis:
		return true
	default:
		return false
	}
}

// CheckPermission evaluates one tool call against the current mode.
// Read-like calls always pass. In plan mode everything else is denied; in
// strict mode everything else needs approval.
func (g *ModeGuard) CheckPermission(cat Category, params map[string]any) Permission {
	if readOnly(cat) {
		return Permission{Allowed: true}
	}

	switch g.Mode() {
	case config.ModePlan:
		return Permission{
			Allowed: false,
			Reason:  "plan mode permits read-only operations; " + string(cat) + " calls are denied",
		}
	case config.ModeStrict:
		return Permission{
			Allowed:       true,
			NeedsApproval: true,
			Reason:        "strict mode requires approval for " + string(cat) + " calls",
		}
	default:
		return Permission{Allowed: true}
	}
}

// RequestApproval runs the approval callback for a call that
// CheckPermission flagged. Without a callback the call is denied.
func (g *ModeGuard) RequestApproval(toolName string, cat Category, params map[string]any) bool {
	g.mu.RLock()
	approve := g.approve
	g.mu.RUnlock()
	if approve == nil {
		slog.Warn("Strict mode approval requested with no callback configured, denying",
			"tool", toolName, "category", cat)
		return false
	}
	return approve(toolName, cat, params)
}
