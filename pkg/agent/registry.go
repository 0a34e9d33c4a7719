package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/conductor-runtime/conductor/pkg/models"
)

// Status is an agent's availability.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusExecuting Status = "executing"
	StatusBusy      Status = "busy"
)

// Agent is the contract every agent kind fulfils. Execute receives the
// task by value semantics (the agent must not retain it) and returns a
// result; infrastructure failures are returned as errors.
type Agent interface {
	Kind() string
	Name() string
	Description() string
	Capabilities() []string
	Status() Status
	Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error)
}

// Info is the registry's public view of one agent.
type Info struct {
	Kind         string   `json:"kind"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       Status   `json:"status"`
}

// Registry is the process-wide agent directory keyed by kind. The
// generation counter increments on every mutation so caches keyed to the
// agent population can detect change.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]Agent
	generation uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent under its kind, replacing any previous one.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.Kind() == "" {
		return fmt.Errorf("agent has no kind")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Kind()] = a
	r.generation++
	return nil
}

// Unregister removes an agent by kind.
func (r *Registry) Unregister(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[kind]; ok {
		delete(r.agents, kind)
		r.generation++
	}
}

// Get returns the agent for a kind.
func (r *Registry) Get(kind string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[kind]
	return a, ok
}

// IsAvailable reports whether an agent of the kind exists and is idle.
func (r *Registry) IsAvailable(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[kind]
	return ok && a.Status() == StatusIdle
}

// AgentsInfo returns directory entries sorted by kind.
func (r *Registry) AgentsInfo() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.agents))
	for _, a := range r.agents {
		infos = append(infos, Info{
			Kind:         a.Kind(),
			Name:         a.Name(),
			Description:  a.Description(),
			Capabilities: a.Capabilities(),
			Status:       a.Status(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Kind < infos[j].Kind })
	return infos
}

// Generation returns the mutation counter.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Reset empties the registry. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]Agent)
	r.generation++
}
