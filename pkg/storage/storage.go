// Package storage persists tasks, checkpoints and dead-letter entries.
// Three backends implement the same Store interface: postgres (pgx),
// sqlite (modernc, pure Go) and an in-memory fallback.
package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conductor-runtime/conductor/pkg/models"
)

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrSchemaVersion indicates a row written by a newer schema version.
	ErrSchemaVersion = errors.New("unsupported schema version")
)

// TaskFilter narrows ListTasks results. Zero values mean "any".
type TaskFilter struct {
	Status []models.TaskStatus
	Source string
	Limit  int
}

// CleanupPolicy sets per-entity retention windows for Cleanup.
type CleanupPolicy struct {
	TaskMaxAge       time.Duration
	CheckpointMaxAge time.Duration
	DLQMaxAge        time.Duration
}

// CleanupResult reports rows removed per entity.
type CleanupResult struct {
	Tasks       int
	Checkpoints int
	DeadLetters int
}

// Stats summarises store contents.
type Stats struct {
	Tasks         int            `json:"tasks"`
	TasksByStatus map[string]int `json:"tasks_by_status"`
	Checkpoints   int            `json:"checkpoints"`
	DeadLetters   int            `json:"dead_letters"`
}

// Dataset is a full portable copy of the store contents, used by
// Export/Import for backup and migration between backends.
type Dataset struct {
	SchemaVersion int                       `json:"schema_version"`
	Tasks         []*models.Task            `json:"tasks"`
	Checkpoints   []*models.Checkpoint      `json:"checkpoints"`
	DeadLetters   []*models.DeadLetterEntry `json:"dead_letters"`
	ExportedAt    time.Time                 `json:"exported_at"`
}

// Store is the persistence interface shared by all backends.
//
// Save operations are upserts performed as a single atomic write. Loaders
// return ErrNotFound for missing rows and ErrSchemaVersion for rows written
// by a newer schema.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	SaveTask(ctx context.Context, task *models.Task) error
	LoadTask(ctx context.Context, id string) (*models.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	// LoadPendingTasks returns tasks that survive a restart in a
	// non-terminal state (pending, queued, in_progress), oldest first.
	LoadPendingTasks(ctx context.Context) ([]*models.Task, error)
	// ClaimNextTask atomically moves the oldest pending task to queued and
	// returns it. Returns (nil, nil) when no pending task exists. Safe for
	// concurrent workers: each pending task is claimed exactly once.
	ClaimNextTask(ctx context.Context) (*models.Task, error)

	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	LoadCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)
	// LatestCheckpoint returns the most recent checkpoint for a task.
	LatestCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, id string) error
	DeleteCheckpointsByTask(ctx context.Context, taskID string) error

	SaveDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error
	LoadDeadLetter(ctx context.Context, id string) (*models.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context) ([]*models.DeadLetterEntry, error)
	DeleteDeadLetter(ctx context.Context, id string) error

	Cleanup(ctx context.Context, policy CleanupPolicy) (CleanupResult, error)
	Stats(ctx context.Context) (Stats, error)
	Export(ctx context.Context) (*Dataset, error)
	Import(ctx context.Context, ds *Dataset) error
}

// Open selects a backend using the degradation policy: postgres when a DSN
// is configured and reachable, else sqlite at path, else in-memory. Every
// fallback is logged so operators notice silent downgrades.
func Open(ctx context.Context, postgresDSN, sqlitePath string) (Store, error) {
	if postgresDSN != "" {
		pool, err := pgxpool.New(ctx, postgresDSN)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				store := NewPostgres(pool)
				if err = store.Init(ctx); err == nil {
					slog.Info("Storage backend selected", "backend", "postgres")
					return store, nil
				}
			}
			pool.Close()
		}
		slog.Warn("Postgres unavailable, falling back to sqlite", "error", err)
	}

	if sqlitePath != "" {
		store, err := NewSQLite(sqlitePath)
		if err == nil {
			if err = store.Init(ctx); err == nil {
				slog.Info("Storage backend selected", "backend", "sqlite", "path", sqlitePath)
				return store, nil
			}
			_ = store.Close()
		}
		slog.Warn("SQLite unavailable, falling back to memory", "path", sqlitePath, "error", err)
	}

	slog.Info("Storage backend selected", "backend", "memory")
	return NewMemory(), nil
}

// checkSchemaVersion guards loads against rows written by a newer release.
func checkSchemaVersion(v int) error {
	if v > models.SchemaVersion {
		return ErrSchemaVersion
	}
	return nil
}
