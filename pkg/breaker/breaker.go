// Package breaker implements a per-agent circuit breaker. A breaker
// suppresses delegations to an agent kind that keeps failing, and probes
// it again after a cool-down.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is the circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes a circuit breaker.
type Config struct {
	// FailureThreshold opens the circuit after this many consecutive failures.
	FailureThreshold int
	// FailureRateThreshold opens the circuit when the failure rate over the
	// rolling window reaches this fraction. Zero disables rate tripping.
	FailureRateThreshold float64
	// WindowSize is the rolling call window used for the rate check.
	WindowSize int
	// Cooldown is how long the circuit stays open before a half-open probe.
	Cooldown time.Duration
	// OnStateChange, when set, is notified of every transition.
	OnStateChange func(agent string, from, to State)
}

// DefaultConfig returns the standard thresholds: 5 consecutive failures,
// 60s cool-down, rate tripping disabled.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		WindowSize:       10,
		Cooldown:         60 * time.Second,
	}
}

// Snapshot is a point-in-time view of a breaker for introspection.
type Snapshot struct {
	Agent        string     `json:"agent"`
	State        State      `json:"state"`
	FailureCount int        `json:"failure_count"`
	SuccessCount int        `json:"success_count"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
}

// Breaker is the state machine for a single agent kind.
//
// RecordSuccess and RecordFailure are the only mutators of the counters.
// IsAllowed has no side effect beyond the timed open → half-open
// transition, which never touches counters.
type Breaker struct {
	agent string
	cfg   Config

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	lastFailure  *time.Time
	lastSuccess  *time.Time
	openedAt     *time.Time
	probing      bool
	window       []bool // true = failure; bounded at cfg.WindowSize
	now          func() time.Time
}

// New creates a closed breaker for the given agent kind.
func New(agent string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	return &Breaker{agent: agent, cfg: cfg, state: StateClosed, now: time.Now}
}

// IsAllowed reports whether a delegation may be attempted. While open it
// returns false until the cool-down elapses, at which point it transitions
// to half-open and admits exactly one probe.
func (b *Breaker) IsAllowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.openedAt != nil && b.now().Sub(*b.openedAt) >= b.cfg.Cooldown {
			b.setState(StateHalfOpen)
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		// One probe at a time.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RetryAfter returns how long until the circuit admits a probe. Zero when
// the circuit is not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen || b.openedAt == nil {
		return 0
	}
	remaining := b.cfg.Cooldown - b.now().Sub(*b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess records a successful delegation outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastSuccess = &now
	b.successCount++
	b.pushWindow(false)

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		// Probe succeeded: the agent recovered.
		b.setState(StateClosed)
		b.failureCount = 0
		b.probing = false
		b.openedAt = nil
		slog.Info("Circuit closed after successful probe", "agent", b.agent)
	}
}

// RecordFailure records a failed delegation outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = &now
	b.pushWindow(true)

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold || b.rateTripped() {
			b.open(now)
		}
	case StateHalfOpen:
		// Probe failed: reopen with a fresh cool-down.
		b.probing = false
		b.open(now)
	case StateOpen:
		// Already open; refresh nothing, counters only.
		b.failureCount++
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's observable state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Agent:        b.agent,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if b.lastFailure != nil {
		t := *b.lastFailure
		s.LastFailure = &t
	}
	if b.lastSuccess != nil {
		t := *b.lastSuccess
		s.LastSuccess = &t
	}
	if b.openedAt != nil {
		t := *b.openedAt
		s.OpenedAt = &t
	}
	return s
}

// Reset forces the breaker back to closed. Used by tests and admin actions.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.openedAt = nil
	b.probing = false
	b.window = b.window[:0]
}

func (b *Breaker) open(now time.Time) {
	b.setState(StateOpen)
	b.openedAt = &now
	slog.Warn("Circuit opened", "agent", b.agent, "failure_count", b.failureCount)
}

func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.agent, prev, next)
	}
}

func (b *Breaker) pushWindow(failed bool) {
	b.window = append(b.window, failed)
	if len(b.window) > b.cfg.WindowSize {
		b.window = b.window[len(b.window)-b.cfg.WindowSize:]
	}
}

// rateTripped reports whether the rolling-window failure rate reached the
// configured threshold. Requires a full window to avoid tripping on the
// first few calls.
func (b *Breaker) rateTripped() bool {
	if b.cfg.FailureRateThreshold <= 0 || len(b.window) < b.cfg.WindowSize {
		return false
	}
	failures := 0
	for _, failed := range b.window {
		if failed {
			failures++
		}
	}
	return float64(failures)/float64(len(b.window)) >= b.cfg.FailureRateThreshold
}
