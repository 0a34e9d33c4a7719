package breaker

import "sync"

// Manager holds one breaker per agent kind, created on first use.
// It is shared across the process; all mutations go through the breakers'
// RecordSuccess/RecordFailure.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewManager creates a manager that hands out breakers with cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for the agent kind, creating it if needed.
func (m *Manager) Get(agent string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[agent]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[agent]; ok {
		return b
	}
	b = New(agent, m.cfg)
	m.breakers[agent] = b
	return b
}

// Snapshots returns the state of every known breaker.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// ResetAll closes every breaker. Tests reset process-wide state with this.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.breakers {
		b.Reset()
	}
}
