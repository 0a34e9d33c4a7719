package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conductor-runtime/conductor/pkg/models"
)

// Postgres implements Store backed by PostgreSQL. It accepts an
// externally-owned *pgxpool.Pool via constructor injection; Open creates
// and owns the pool for the service wiring, tests may inject their own.
//
// ClaimNextTask uses FOR UPDATE SKIP LOCKED so concurrent workers on
// multiple replicas never claim the same task twice.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Postgres store over an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Init creates the tables and indexes. All statements are idempotent.
func (p *Postgres) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			schema_version INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			completed_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			payload JSONB NOT NULL,
			schema_version INTEGER NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			schema_version INTEGER NOT NULL,
			first_failed_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_expires ON dead_letters(expires_at)`,
	}
	for _, ddl := range stmts {
		if _, err := p.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) SaveTask(ctx context.Context, task *models.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	var completedAt *int64
	if task.CompletedAt != nil {
		v := task.CompletedAt.UnixMilli()
		completedAt = &v
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO tasks (id, status, source, payload, schema_version, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			source = EXCLUDED.source,
			payload = EXCLUDED.payload,
			schema_version = EXCLUDED.schema_version,
			completed_at = EXCLUDED.completed_at`,
		task.ID, string(task.Status), task.Metadata.Source, payload,
		task.SchemaVersion, task.CreatedAt.UnixMilli(), completedAt,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (p *Postgres) LoadTask(ctx context.Context, id string) (*models.Task, error) {
	var payload []byte
	var version int
	err := p.pool.QueryRow(ctx,
		`SELECT payload, schema_version FROM tasks WHERE id = $1`, id,
	).Scan(&payload, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return unmarshalTask(string(payload), version)
}

func (p *Postgres) DeleteTask(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	query := `SELECT payload, schema_version FROM tasks`
	var clauses []string
	var args []any

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			args = append(args, string(st))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if filter.Source != "" {
		args = append(args, filter.Source)
		clauses = append(clauses, fmt.Sprintf("source = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		var payload []byte
		var version int
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t, err := unmarshalTask(string(payload), version)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) LoadPendingTasks(ctx context.Context) ([]*models.Task, error) {
	return p.ListTasks(ctx, TaskFilter{Status: []models.TaskStatus{
		models.TaskStatusPending, models.TaskStatusQueued, models.TaskStatusInProgress,
	}})
}

func (p *Postgres) ClaimNextTask(ctx context.Context) (*models.Task, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var payload []byte
	var version int
	err = tx.QueryRow(ctx,
		`SELECT payload, schema_version FROM tasks
		 WHERE status = $1
		 ORDER BY created_at, id
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		string(models.TaskStatusPending),
	).Scan(&payload, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	task, err := unmarshalTask(string(payload), version)
	if err != nil {
		return nil, err
	}
	if err := task.Transition(models.TaskStatusQueued); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET status = $1, payload = $2 WHERE id = $3`,
		string(task.Status), updated, task.ID,
	); err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return task, nil
}

func (p *Postgres) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO checkpoints (id, task_id, reason, payload, schema_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			reason = EXCLUDED.reason,
			payload = EXCLUDED.payload,
			schema_version = EXCLUDED.schema_version`,
		cp.ID, cp.TaskID, string(cp.Reason), payload, cp.SchemaVersion, cp.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (p *Postgres) LoadCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	return p.queryCheckpoint(ctx,
		`SELECT payload, schema_version FROM checkpoints WHERE id = $1`, id)
}

func (p *Postgres) LatestCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	return p.queryCheckpoint(ctx,
		`SELECT payload, schema_version FROM checkpoints
		 WHERE task_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, taskID)
}

func (p *Postgres) queryCheckpoint(ctx context.Context, query string, arg any) (*models.Checkpoint, error) {
	var payload []byte
	var version int
	err := p.pool.QueryRow(ctx, query, arg).Scan(&payload, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return unmarshalCheckpoint(string(payload), version)
}

func (p *Postgres) ListCheckpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT payload, schema_version FROM checkpoints
		 WHERE task_id = $1 ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*models.Checkpoint
	for rows.Next() {
		var payload []byte
		var version int
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp, err := unmarshalCheckpoint(string(payload), version)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteCheckpoint(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM checkpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteCheckpointsByTask(ctx context.Context, taskID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM checkpoints WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete checkpoints by task: %w", err)
	}
	return nil
}

func (p *Postgres) SaveDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, task_id, payload, schema_version, first_failed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			payload = EXCLUDED.payload,
			schema_version = EXCLUDED.schema_version,
			expires_at = EXCLUDED.expires_at`,
		entry.ID, entry.Task.ID, payload, entry.SchemaVersion,
		entry.FirstFailedAt.UnixMilli(), entry.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save dead letter: %w", err)
	}
	return nil
}

func (p *Postgres) LoadDeadLetter(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	var payload []byte
	var version int
	err := p.pool.QueryRow(ctx,
		`SELECT payload, schema_version FROM dead_letters WHERE id = $1`, id,
	).Scan(&payload, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load dead letter: %w", err)
	}
	return unmarshalDeadLetter(string(payload), version)
}

func (p *Postgres) ListDeadLetters(ctx context.Context) ([]*models.DeadLetterEntry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT payload, schema_version FROM dead_letters ORDER BY first_failed_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*models.DeadLetterEntry
	for rows.Next() {
		var payload []byte
		var version int
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		e, err := unmarshalDeadLetter(string(payload), version)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteDeadLetter(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Cleanup(ctx context.Context, policy CleanupPolicy) (CleanupResult, error) {
	now := time.Now().UTC()
	var res CleanupResult

	if policy.TaskMaxAge > 0 {
		cutoff := now.Add(-policy.TaskMaxAge).UnixMilli()
		tag, err := p.pool.Exec(ctx,
			`DELETE FROM tasks WHERE status IN ($1, $2) AND completed_at IS NOT NULL AND completed_at < $3`,
			string(models.TaskStatusCompleted), string(models.TaskStatusFailed), cutoff)
		if err != nil {
			return res, fmt.Errorf("cleanup tasks: %w", err)
		}
		res.Tasks = int(tag.RowsAffected())
	}
	if policy.CheckpointMaxAge > 0 {
		cutoff := now.Add(-policy.CheckpointMaxAge).UnixMilli()
		tag, err := p.pool.Exec(ctx, `DELETE FROM checkpoints WHERE created_at < $1`, cutoff)
		if err != nil {
			return res, fmt.Errorf("cleanup checkpoints: %w", err)
		}
		res.Checkpoints = int(tag.RowsAffected())
	}
	tag, err := p.pool.Exec(ctx, `DELETE FROM dead_letters WHERE expires_at <= $1`, now.UnixMilli())
	if err != nil {
		return res, fmt.Errorf("cleanup dead letters: %w", err)
	}
	res.DeadLetters = int(tag.RowsAffected())

	return res, nil
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{TasksByStatus: make(map[string]int)}

	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan stats: %w", err)
		}
		stats.TasksByStatus[status] = count
		stats.Tasks += count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM checkpoints`).Scan(&stats.Checkpoints); err != nil {
		return stats, fmt.Errorf("checkpoint stats: %w", err)
	}
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&stats.DeadLetters); err != nil {
		return stats, fmt.Errorf("dead letter stats: %w", err)
	}
	return stats, nil
}

func (p *Postgres) Export(ctx context.Context) (*Dataset, error) {
	tasks, err := p.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return nil, err
	}
	deadLetters, err := p.ListDeadLetters(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `SELECT payload, schema_version FROM checkpoints ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("export checkpoints: %w", err)
	}
	defer rows.Close()
	var checkpoints []*models.Checkpoint
	for rows.Next() {
		var payload []byte
		var version int
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp, err := unmarshalCheckpoint(string(payload), version)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Dataset{
		SchemaVersion: models.SchemaVersion,
		Tasks:         tasks,
		Checkpoints:   checkpoints,
		DeadLetters:   deadLetters,
		ExportedAt:    time.Now().UTC(),
	}, nil
}

func (p *Postgres) Import(ctx context.Context, ds *Dataset) error {
	if err := checkSchemaVersion(ds.SchemaVersion); err != nil {
		return err
	}
	for _, t := range ds.Tasks {
		if err := p.SaveTask(ctx, t); err != nil {
			return err
		}
	}
	for _, cp := range ds.Checkpoints {
		if err := p.SaveCheckpoint(ctx, cp); err != nil {
			return err
		}
	}
	for _, e := range ds.DeadLetters {
		if err := p.SaveDeadLetter(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
