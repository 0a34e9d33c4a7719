// Package tools holds the tool registry, the executor that runs tool
// calls on behalf of agents, and the two gates every side-effecting call
// passes through: the execution-mode guard and the dry-run manager.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/conductor-runtime/conductor/pkg/models"
)

// Category groups tools for timeout selection and permission checks.
type Category string

const (
	CategoryRead     Category = "read"
	CategoryWrite    Category = "write"
	CategoryShell    Category = "shell"
	CategoryPackage  Category = "package"
	CategoryTest     Category = "test"
	CategoryWeb      Category = "web"
	CategoryAnalysis Category = "analysis"
)

// Handler executes one tool call and returns its textual output.
type Handler func(ctx context.Context, input map[string]any) (string, error)

// RegisterOptions tune a single registration.
type RegisterOptions struct {
	Category Category
	// Priority orders Definitions(); higher first.
	Priority int
	// Override permits replacing an existing registration.
	Override bool
}

// Registration pairs a definition with its handler for batch registration.
type Registration struct {
	Definition models.ToolDefinition
	Handler    Handler
	Options    RegisterOptions
}

// ToolStats counts executions of one tool.
type ToolStats struct {
	Calls     int `json:"calls"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

type registration struct {
	def      models.ToolDefinition
	handler  Handler
	category Category
	priority int
	stats    ToolStats
}

// Registry maps tool names to handlers. All methods are safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registration
	// defs caches Definitions() output; nil means dirty.
	defs  []models.ToolDefinition
	stats ToolStats
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registration)}
}

// Register adds a tool. A duplicate name is rejected unless
// opts.Override is set.
func (r *Registry) Register(def models.ToolDefinition, handler Handler, opts RegisterOptions) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition has no name")
	}
	if handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	if opts.Category == "" {
		opts.Category = CategoryRead
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists && !opts.Override {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = &registration{
		def:      def,
		handler:  handler,
		category: opts.Category,
		priority: opts.Priority,
	}
	r.defs = nil
	return nil
}

// RegisterBatch registers many tools, silently skipping entries without a
// handler. Returns how many were registered.
func (r *Registry) RegisterBatch(regs []Registration) int {
	registered := 0
	for _, reg := range regs {
		if reg.Handler == nil {
			slog.Debug("Skipping tool registration without handler", "tool", reg.Definition.Name)
			continue
		}
		if err := r.Register(reg.Definition, reg.Handler, reg.Options); err != nil {
			slog.Warn("Batch tool registration failed", "tool", reg.Definition.Name, "error", err)
			continue
		}
		registered++
	}
	return registered
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		delete(r.tools, name)
		r.defs = nil
	}
}

// UnregisterCategory removes every tool in a category and returns how
// many were removed.
func (r *Registry) UnregisterCategory(cat Category) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for name, reg := range r.tools {
		if reg.category == cat {
			delete(r.tools, name)
			removed++
		}
	}
	if removed > 0 {
		r.defs = nil
	}
	return removed
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// CategoryOf returns a tool's category, or false if unregistered.
func (r *Registry) CategoryOf(name string) (Category, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return "", false
	}
	return reg.category, true
}

// Definitions returns all tool definitions sorted by priority descending,
// name ascending on ties. The result is cached until the next mutation.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	if r.defs != nil {
		defs := r.defs
		r.mu.RUnlock()
		return defs
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defs != nil {
		return r.defs
	}
	regs := make([]*registration, 0, len(r.tools))
	for _, reg := range r.tools {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority > regs[j].priority
		}
		return regs[i].def.Name < regs[j].def.Name
	})
	defs := make([]models.ToolDefinition, len(regs))
	for i, reg := range regs {
		defs[i] = reg.def
	}
	r.defs = defs
	return defs
}

// Execute runs a tool call directly against its handler. It never
// panics outward: handler errors and panics become error results.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) (result models.ToolResult) {
	result.ToolCallID = call.ID

	r.mu.RLock()
	reg, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		result.IsError = true
		result.Error = fmt.Sprintf("%s: tool %s is not registered", models.ErrCodeToolHandler, call.Name)
		return result
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = models.ToolResult{
				ToolCallID: call.ID,
				IsError:    true,
				Error:      fmt.Sprintf("%s: tool %s panicked: %v", models.ErrCodeToolHandler, call.Name, rec),
			}
			r.record(call.Name, false)
		}
	}()

	output, err := reg.handler(ctx, call.Input)
	if err != nil {
		result.IsError = true
		result.Error = fmt.Sprintf("%s: %v", models.ErrCodeToolHandler, err)
		r.record(call.Name, false)
		return result
	}
	result.Output = output
	r.record(call.Name, true)
	return result
}

func (r *Registry) record(name string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Calls++
	if success {
		r.stats.Successes++
	} else {
		r.stats.Failures++
	}
	if reg, ok := r.tools[name]; ok {
		reg.stats.Calls++
		if success {
			reg.stats.Successes++
		} else {
			reg.stats.Failures++
		}
	}
}

// Stats returns aggregate execution counters.
func (r *Registry) Stats() ToolStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// StatsFor returns one tool's counters.
func (r *Registry) StatsFor(name string) (ToolStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return ToolStats{}, false
	}
	return reg.stats, true
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone returns an independent registry with the same tools and fresh
// stats.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewRegistry()
	for name, reg := range r.tools {
		clone.tools[name] = &registration{
			def:      reg.def,
			handler:  reg.handler,
			category: reg.category,
			priority: reg.priority,
		}
	}
	return clone
}
