package dlq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryGate reports whether delegations to an agent kind are currently
// permitted. The orchestrator backs this with its circuit breakers.
type RetryGate interface {
	IsAllowed(agentKind string) bool
}

// GateFunc adapts a function to RetryGate.
type GateFunc func(agentKind string) bool

func (f GateFunc) IsAllowed(agentKind string) bool { return f(agentKind) }

// RetrierConfig tunes the auto-retry loop.
type RetrierConfig struct {
	// ScanInterval between dead-letter queue sweeps.
	ScanInterval time.Duration
	// InitialInterval is the back-off delay after the first failure.
	InitialInterval time.Duration
	// MaxInterval caps the back-off delay.
	MaxInterval time.Duration
	// MaxAttempts stops auto-retrying an entry; 0 means no cap and the
	// entry retries until its TTL purges it.
	MaxAttempts int
}

// DefaultRetrierConfig returns the standard auto-retry settings.
func DefaultRetrierConfig() RetrierConfig {
	return RetrierConfig{
		ScanInterval:    30 * time.Second,
		InitialInterval: time.Minute,
		MaxInterval:     30 * time.Minute,
		MaxAttempts:     5,
	}
}

// Retrier periodically sweeps the queue and re-queues entries whose
// back-off delay has elapsed, skipping agents whose circuit is open and
// purging expired entries along the way.
type Retrier struct {
	queue *Queue
	gate  RetryGate
	cfg   RetrierConfig

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewRetrier creates a retrier. gate may be nil, meaning every agent kind
// is always eligible.
func NewRetrier(queue *Queue, gate RetryGate, cfg RetrierConfig) *Retrier {
	def := DefaultRetrierConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	return &Retrier{
		queue: queue,
		gate:  gate,
		cfg:   cfg,
		stop:  make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Retrier) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				if err := r.Sweep(context.Background()); err != nil {
					slog.Warn("Dead-letter sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (r *Retrier) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// Sweep runs one pass: purge expired entries, then retry every entry that
// is due and whose agent kind is permitted.
func (r *Retrier) Sweep(ctx context.Context) error {
	if _, err := r.queue.Purge(ctx); err != nil {
		return err
	}

	entries, err := r.queue.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, entry := range entries {
		if r.cfg.MaxAttempts > 0 && entry.Attempts >= r.cfg.MaxAttempts {
			continue
		}
		if now.Before(entry.LastFailedAt.Add(r.retryDelay(entry.Attempts))) {
			continue
		}
		if r.gate != nil && !r.gate.IsAllowed(entry.Task.Type) {
			slog.Debug("Skipping dead-letter retry, circuit open",
				"entry_id", entry.ID, "agent", entry.Task.Type)
			continue
		}

		task, err := r.queue.Retry(ctx, entry.ID)
		if err != nil {
			slog.Warn("Auto-retry failed", "entry_id", entry.ID, "error", err)
			continue
		}
		r.queue.mu.Lock()
		r.queue.stats.AutoRetried++
		r.queue.mu.Unlock()
		slog.Info("Auto-retried dead-letter entry",
			"entry_id", entry.ID, "task_id", task.ID, "attempts", entry.Attempts)
	}
	return nil
}

// retryDelay is the exponential back-off delay after the given number of
// failed attempts.
func (r *Retrier) retryDelay(attempts int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.MaxInterval = r.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	eb.RandomizationFactor = 0
	eb.Reset()

	delay := eb.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = eb.NextBackOff()
	}
	return delay
}
