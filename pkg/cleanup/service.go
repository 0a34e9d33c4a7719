// Package cleanup provides data retention enforcement: terminal tasks,
// expired checkpoints and dead-letter entries are removed on a schedule.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/conductor-runtime/conductor/pkg/config"
	"github.com/conductor-runtime/conductor/pkg/storage"
)

// Service periodically enforces the retention policy against the store.
// All operations are idempotent and safe to run from multiple processes.
type Service struct {
	cfg   *config.RetentionConfig
	store storage.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg *config.RetentionConfig, store storage.Store) *Service {
	return &Service{cfg: cfg, store: store}
}

// Start launches the background cleanup loop. The first sweep runs
// immediately.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"task_max_age", s.cfg.TaskMaxAge(),
		"checkpoint_max_age", s.cfg.CheckpointMaxAge(),
		"dlq_max_age", s.cfg.DLQMaxAge(),
		"interval", s.cfg.CleanupInterval())
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass and logs what it removed.
func (s *Service) Sweep(ctx context.Context) {
	result, err := s.store.Cleanup(ctx, storage.CleanupPolicy{
		TaskMaxAge:       s.cfg.TaskMaxAge(),
		CheckpointMaxAge: s.cfg.CheckpointMaxAge(),
		DLQMaxAge:        s.cfg.DLQMaxAge(),
	})
	if err != nil {
		slog.Error("Retention sweep failed", "error", err)
		return
	}
	if result.Tasks > 0 || result.Checkpoints > 0 || result.DeadLetters > 0 {
		slog.Info("Retention sweep removed expired entities",
			"tasks", result.Tasks,
			"checkpoints", result.Checkpoints,
			"dead_letters", result.DeadLetters)
	}
}
