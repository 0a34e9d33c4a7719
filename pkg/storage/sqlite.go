package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/conductor-runtime/conductor/pkg/models"
)

// SQLite implements Store backed by a local SQLite file. Entities are
// stored as JSON payloads with indexed columns for filtering; timestamps
// are epoch milliseconds.
//
// A single shared connection (SetMaxOpenConns(1)) serialises all writers
// through one handle, which eliminates SQLITE_BUSY under concurrency and
// makes ClaimNextTask's read-then-update atomic.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the database file at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLite{db: db}, nil
}

// Init creates the tables and indexes. Safe to call repeatedly.
func (s *SQLite) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			payload TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			first_failed_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_expires ON dead_letters(expires_at)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) SaveTask(ctx context.Context, task *models.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	var completedAt *int64
	if task.CompletedAt != nil {
		v := task.CompletedAt.UnixMilli()
		completedAt = &v
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tasks (id, status, source, payload, schema_version, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Status), task.Metadata.Source, string(payload),
		task.SchemaVersion, task.CreatedAt.UnixMilli(), completedAt,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *SQLite) LoadTask(ctx context.Context, id string) (*models.Task, error) {
	var payload string
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, schema_version FROM tasks WHERE id = ?`, id,
	).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return unmarshalTask(payload, version)
}

func (s *SQLite) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	query := `SELECT payload, schema_version FROM tasks`
	var clauses []string
	var args []any

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if filter.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, filter.Source)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		var payload string
		var version int
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t, err := unmarshalTask(payload, version)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) LoadPendingTasks(ctx context.Context) ([]*models.Task, error) {
	return s.ListTasks(ctx, TaskFilter{Status: []models.TaskStatus{
		models.TaskStatusPending, models.TaskStatusQueued, models.TaskStatusInProgress,
	}})
}

func (s *SQLite) ClaimNextTask(ctx context.Context) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var payload string
	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT payload, schema_version FROM tasks
		 WHERE status = ? ORDER BY created_at, id LIMIT 1`,
		string(models.TaskStatusPending),
	).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	task, err := unmarshalTask(payload, version)
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
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, payload = ? WHERE id = ?`,
		string(task.Status), string(updated), task.ID,
	); err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return task, nil
}

func (s *SQLite) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (id, task_id, reason, payload, schema_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.TaskID, string(cp.Reason), string(payload), cp.SchemaVersion, cp.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLite) LoadCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	return s.queryCheckpoint(ctx,
		`SELECT payload, schema_version FROM checkpoints WHERE id = ?`, id)
}

func (s *SQLite) LatestCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	return s.queryCheckpoint(ctx,
		`SELECT payload, schema_version FROM checkpoints
		 WHERE task_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, taskID)
}

func (s *SQLite) queryCheckpoint(ctx context.Context, query string, arg any) (*models.Checkpoint, error) {
	var payload string
	var version int
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return unmarshalCheckpoint(payload, version)
}

func (s *SQLite) ListCheckpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload, schema_version FROM checkpoints
		 WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*models.Checkpoint
	for rows.Next() {
		var payload string
		var version int
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp, err := unmarshalCheckpoint(payload, version)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteCheckpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) DeleteCheckpointsByTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete checkpoints by task: %w", err)
	}
	return nil
}

func (s *SQLite) SaveDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters (id, task_id, payload, schema_version, first_failed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Task.ID, string(payload), entry.SchemaVersion,
		entry.FirstFailedAt.UnixMilli(), entry.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save dead letter: %w", err)
	}
	return nil
}

func (s *SQLite) LoadDeadLetter(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	var payload string
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, schema_version FROM dead_letters WHERE id = ?`, id,
	).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load dead letter: %w", err)
	}
	return unmarshalDeadLetter(payload, version)
}

func (s *SQLite) ListDeadLetters(ctx context.Context) ([]*models.DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload, schema_version FROM dead_letters ORDER BY first_failed_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*models.DeadLetterEntry
	for rows.Next() {
		var payload string
		var version int
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		e, err := unmarshalDeadLetter(payload, version)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Cleanup(ctx context.Context, policy CleanupPolicy) (CleanupResult, error) {
	now := time.Now().UTC()
	var res CleanupResult

	if policy.TaskMaxAge > 0 {
		cutoff := now.Add(-policy.TaskMaxAge).UnixMilli()
		r, err := s.db.ExecContext(ctx,
			`DELETE FROM tasks WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
			string(models.TaskStatusCompleted), string(models.TaskStatusFailed), cutoff)
		if err != nil {
			return res, fmt.Errorf("cleanup tasks: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Tasks = int(n)
	}
	if policy.CheckpointMaxAge > 0 {
		cutoff := now.Add(-policy.CheckpointMaxAge).UnixMilli()
		r, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE created_at < ?`, cutoff)
		if err != nil {
			return res, fmt.Errorf("cleanup checkpoints: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Checkpoints = int(n)
	}
	r, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return res, fmt.Errorf("cleanup dead letters: %w", err)
	}
	n, _ := r.RowsAffected()
	res.DeadLetters = int(n)

	return res, nil
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{TasksByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
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

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints`).Scan(&stats.Checkpoints); err != nil {
		return stats, fmt.Errorf("checkpoint stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&stats.DeadLetters); err != nil {
		return stats, fmt.Errorf("dead letter stats: %w", err)
	}
	return stats, nil
}

func (s *SQLite) Export(ctx context.Context) (*Dataset, error) {
	tasks, err := s.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return nil, err
	}
	deadLetters, err := s.ListDeadLetters(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payload, schema_version FROM checkpoints ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("export checkpoints: %w", err)
	}
	defer rows.Close()
	var checkpoints []*models.Checkpoint
	for rows.Next() {
		var payload string
		var version int
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp, err := unmarshalCheckpoint(payload, version)
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

func (s *SQLite) Import(ctx context.Context, ds *Dataset) error {
	if err := checkSchemaVersion(ds.SchemaVersion); err != nil {
		return err
	}
	for _, t := range ds.Tasks {
		if err := s.SaveTask(ctx, t); err != nil {
			return err
		}
	}
	for _, cp := range ds.Checkpoints {
		if err := s.SaveCheckpoint(ctx, cp); err != nil {
			return err
		}
	}
	for _, e := range ds.DeadLetters {
		if err := s.SaveDeadLetter(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalTask(payload string, version int) (*models.Task, error) {
	if err := checkSchemaVersion(version); err != nil {
		return nil, err
	}
	var t models.Task
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

func unmarshalCheckpoint(payload string, version int) (*models.Checkpoint, error) {
	if err := checkSchemaVersion(version); err != nil {
		return nil, err
	}
	var cp models.Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func unmarshalDeadLetter(payload string, version int) (*models.DeadLetterEntry, error) {
	if err := checkSchemaVersion(version); err != nil {
		return nil, err
	}
	var e models.DeadLetterEntry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	return &e, nil
}
