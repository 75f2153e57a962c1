package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/plaenen/commandkernel/pkg/domain"
	"github.com/plaenen/commandkernel/pkg/store"
)

const taskColumns = `seq, task_id, operation, args, partition_key, on_complete,
	status, attempts, max_attempts, due_at, lease_until, last_error, enqueued_at, updated_at`

// EnqueueTask inserts a pending task. Re-inserting an existing task ID is a
// no-op, so enqueues are safe to repeat.
func (s *Store) EnqueueTask(ctx context.Context, t *store.TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO tasks (task_id, operation, args, partition_key, on_complete,
			status, attempts, max_attempts, due_at, lease_until, last_error,
			enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Operation, t.Args, t.PartitionKey, t.OnComplete,
		string(store.TaskPending), t.Attempts, t.MaxAttempts, t.DueAt.UnixMilli(),
		nullableUnixMilli(t.LeaseUntil), t.LastError,
		t.EnqueuedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// ClaimDueTasks claims up to limit due tasks under a lease. Only the
// head-of-line task of each partition is claimable, and partitions with a
// task already processing are skipped, so tasks within a partition are
// delivered strictly in enqueue order. Stale leases are reclaimed first.
func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*store.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	nowMS := now.UnixMilli()

	// Return tasks whose worker died mid-delivery to the pending pool.
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, lease_until = NULL, updated_at = ?
		WHERE status = ? AND lease_until IS NOT NULL AND lease_until <= ?`,
		string(store.TaskPending), nowMS, string(store.TaskProcessing), nowMS,
	)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale leases: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT t.task_id FROM tasks t
		WHERE t.status = 'pending' AND t.due_at <= ?
			AND NOT EXISTS (
				SELECT 1 FROM tasks p
				WHERE p.partition_key = t.partition_key AND p.status = 'processing'
			)
			AND t.seq = (
				SELECT MIN(h.seq) FROM tasks h
				WHERE h.partition_key = t.partition_key AND h.status = 'pending'
			)
		ORDER BY t.seq
		LIMIT ?`,
		nowMS, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select claimable tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate task ids: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	leaseUntil := now.Add(lease).UnixMilli()
	args := make([]any, 0, len(ids)+3)
	args = append(args, leaseUntil, nowMS)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'processing', attempts = attempts + 1,
			lease_until = ?, updated_at = ?
		WHERE task_id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}

	claimed := make([]*store.TaskRecord, 0, len(ids))
	for _, id := range ids {
		row := tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
		t, err := scanTask(row)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// CompleteTask removes a delivered task.
func (s *Store) CompleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, id)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// RetryTask returns a claimed task to pending, due at dueAt.
func (s *Store) RetryTask(ctx context.Context, id string, dueAt time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, due_at = ?, lease_until = NULL, last_error = ?, updated_at = ?
		WHERE task_id = ? AND status = ?`,
		string(store.TaskPending), dueAt.UnixMilli(), lastError,
		s.now().UnixMilli(), id, string(store.TaskProcessing),
	)
	if err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	if affected == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// MarkTaskDead retains a task whose attempts are exhausted.
func (s *Store) MarkTaskDead(ctx context.Context, id string, lastError string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, lease_until = NULL, last_error = ?, updated_at = ?
		WHERE task_id = ?`,
		string(store.TaskDead), lastError, at.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("mark task dead: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark task dead: %w", err)
	}
	if affected == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// ListDeadTasks returns dead tasks, oldest first.
func (s *Store) ListDeadTasks(ctx context.Context, limit int) ([]*store.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY seq LIMIT ?`,
		string(store.TaskDead), limit)
	if err != nil {
		return nil, fmt.Errorf("list dead tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*store.TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead tasks: %w", err)
	}
	return tasks, nil
}

// RequeueDeadTask returns a dead task to pending with a fresh attempt budget.
func (s *Store) RequeueDeadTask(ctx context.Context, id string, dueAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, attempts = 0, due_at = ?, last_error = '', updated_at = ?
		WHERE task_id = ? AND status = ?`,
		string(store.TaskPending), dueAt.UnixMilli(), s.now().UnixMilli(),
		id, string(store.TaskDead),
	)
	if err != nil {
		return fmt.Errorf("requeue dead task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue dead task: %w", err)
	}
	if affected == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// CountTasks reports queue depth by status.
func (s *Store) CountTasks(ctx context.Context) (store.TaskCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return store.TaskCounts{}, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	var counts store.TaskCounts
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return store.TaskCounts{}, fmt.Errorf("scan task count: %w", err)
		}
		switch store.TaskStatus(status) {
		case store.TaskPending:
			counts.Pending = n
		case store.TaskProcessing:
			counts.Processing = n
		case store.TaskDead:
			counts.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return store.TaskCounts{}, fmt.Errorf("iterate task counts: %w", err)
	}
	return counts, nil
}

func scanTask(row rowScanner) (*store.TaskRecord, error) {
	var (
		t          store.TaskRecord
		status     string
		dueMS      int64
		leaseMS    sql.NullInt64
		enqueuedMS int64
		updatedMS  int64
	)
	err := row.Scan(
		&t.Seq, &t.ID, &t.Operation, &t.Args, &t.PartitionKey, &t.OnComplete,
		&status, &t.Attempts, &t.MaxAttempts, &dueMS, &leaseMS, &t.LastError,
		&enqueuedMS, &updatedMS,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = store.TaskStatus(status)
	t.DueAt = timeFromUnixMilli(dueMS)
	if leaseMS.Valid {
		lease := timeFromUnixMilli(leaseMS.Int64)
		t.LeaseUntil = &lease
	}
	t.EnqueuedAt = timeFromUnixMilli(enqueuedMS)
	t.UpdatedAt = timeFromUnixMilli(updatedMS)
	return &t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
