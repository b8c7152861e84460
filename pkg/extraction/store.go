package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup finds no matching task.
var ErrNotFound = errors.New("extraction task not found")

// Store persists ExtractionTasks in Postgres, generalizing the teacher's
// `pkg/queue/worker.go:claimNextSession` FOR UPDATE SKIP LOCKED claim
// pattern from ent-backed alert sessions to raw pgx-backed extraction
// tasks.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-connected pool. Migrations are applied
// separately via pkg/database.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Enqueue inserts task with status=PENDING, attempts=0, atomically.
func (s *Store) Enqueue(ctx context.Context, task Task) error {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO extraction_tasks
			(task_id, source_urn, content, client_id, project_id, kind, chunk_ids, created_at, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
	`, task.TaskID, task.SourceURN, task.Content, task.ClientID, nullableString(task.ProjectID), task.Kind, task.ChunkIDs, time.Now(), StatusPending)
	if err != nil {
		return fmt.Errorf("enqueueing extraction task %s: %w", task.TaskID, err)
	}
	return nil
}

// Dequeue atomically selects the oldest PENDING row with attempts <
// maxAttempts, transitions it to IN_PROGRESS, and returns it. Returns
// (nil, nil) if no eligible row exists. Concurrent workers never receive
// the same row: the SELECT...FOR UPDATE SKIP LOCKED and the UPDATE run in
// one transaction.
func (s *Store) Dequeue(ctx context.Context, workerID string, maxAttempts int) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning dequeue transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT task_id, source_urn, content, client_id, project_id, kind, chunk_ids, created_at, status, attempts, last_attempt_at, worker_id, error
		FROM extraction_tasks
		WHERE status = $1 AND attempts < $2
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, StatusPending, maxAttempts)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("selecting next extraction task: %w", err)
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		UPDATE extraction_tasks
		SET status = $1, attempts = attempts + 1, last_attempt_at = $2, worker_id = $3
		WHERE task_id = $4
	`, StatusInProgress, now, workerID, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("claiming extraction task %s: %w", task.TaskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim of task %s: %w", task.TaskID, err)
	}

	task.Status = StatusInProgress
	task.Attempts++
	task.LastAttemptAt = &now
	task.WorkerID = workerID
	return task, nil
}

// MarkCompleted deletes the row. The caller must have already durably
// committed the task's external side effect before calling this.
func (s *Store) MarkCompleted(ctx context.Context, taskID string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM extraction_tasks WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("marking task %s completed: %w", taskID, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed transitions task to FAILED if attempts has reached
// maxAttempts, else resets it to PENDING (eligible again immediately).
func (s *Store) MarkFailed(ctx context.Context, taskID, errMsg string, maxAttempts int) error {
	row := s.pool.QueryRow(ctx, `SELECT attempts FROM extraction_tasks WHERE task_id = $1`, taskID)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("reading attempts for task %s: %w", taskID, err)
	}

	if attempts >= maxAttempts {
		_, err := s.pool.Exec(ctx, `UPDATE extraction_tasks SET status = $1, error = $2 WHERE task_id = $3`, StatusFailed, errMsg, taskID)
		if err != nil {
			return fmt.Errorf("marking task %s failed (terminal): %w", taskID, err)
		}
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE extraction_tasks SET status = $1, worker_id = NULL, error = $2 WHERE task_id = $3
	`, StatusPending, errMsg, taskID)
	if err != nil {
		return fmt.Errorf("resetting task %s to pending: %w", taskID, err)
	}
	return nil
}

// RecoverStaleTasks bulk-resets IN_PROGRESS rows whose last_attempt_at is
// older than threshold (or NULL) back to PENDING. Returns the count
// recovered.
func (s *Store) RecoverStaleTasks(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold)
	ct, err := s.pool.Exec(ctx, `
		UPDATE extraction_tasks
		SET status = $1, worker_id = NULL
		WHERE status = $2 AND (last_attempt_at IS NULL OR last_attempt_at < $3)
	`, StatusPending, StatusInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recovering stale extraction tasks: %w", err)
	}
	return ct.RowsAffected(), nil
}

// PurgeFailed deletes FAILED rows older than olderThan, preserving them as an
// audit trail until the retention window lapses. Returns the count removed.
func (s *Store) PurgeFailed(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM extraction_tasks WHERE status = $1 AND created_at < $2
	`, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging failed extraction tasks: %w", err)
	}
	return ct.RowsAffected(), nil
}

// Stats returns counts grouped by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM extraction_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("querying extraction task stats: %w", err)
	}
	defer rows.Close()

	stats := make(Stats)
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning extraction task stats row: %w", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var projectID *string
	if err := row.Scan(&t.TaskID, &t.SourceURN, &t.Content, &t.ClientID, &projectID, &t.Kind, &t.ChunkIDs, &t.CreatedAt, &t.Status, &t.Attempts, &t.LastAttemptAt, &t.WorkerID, &t.Error); err != nil {
		return nil, err
	}
	if projectID != nil {
		t.ProjectID = *projectID
	}
	return &t, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
