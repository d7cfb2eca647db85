package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tasklife/nag/internal/task"
)

const taskColumns = `id, user_id, title, duration_minutes, status, scheduled_at,
	recurrence_rule, timezone, reminder_sent_at, secondary_sent_at, call_sent_at,
	completed_at, created_at, updated_at`

// CreateTask saves or updates a task occurrence.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLStore) CreateTask(ctx context.Context, t *task.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			title = excluded.title,
			duration_minutes = excluded.duration_minutes,
			status = excluded.status,
			scheduled_at = excluded.scheduled_at,
			recurrence_rule = excluded.recurrence_rule,
			timezone = excluded.timezone,
			reminder_sent_at = excluded.reminder_sent_at,
			secondary_sent_at = excluded.secondary_sent_at,
			call_sent_at = excluded.call_sent_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`), t.ID, t.UserID, t.Title, t.DurationMinutes, string(t.Status), msPtr(t.ScheduledAt),
		t.RecurrenceRule, t.Timezone, msPtr(t.ReminderSentAt), msPtr(t.SecondarySentAt),
		msPtr(t.CallSentAt), msPtr(t.CompletedAt), ms(t.CreatedAt), ms(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task occurrence by ID.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?
	`), id)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// DueForStage returns pending tasks eligible for the given escalation
// stage at the cutoff instant: the stage's own claim column is still
// null and the gating timestamp (scheduled_at for the reminder stage,
// the previous stage's claim otherwise) is at or before cutoff.
func (s *SQLStore) DueForStage(ctx context.Context, stage task.Stage, cutoff time.Time, limit int) ([]task.Task, error) {
	var query string
	switch stage {
	case task.StageReminder:
		query = `
			SELECT ` + taskColumns + `
			FROM tasks
			WHERE status = 'pending'
			  AND scheduled_at IS NOT NULL AND scheduled_at <= ?
			  AND reminder_sent_at IS NULL
			ORDER BY scheduled_at
			LIMIT ?`
	case task.StageSecondary:
		query = `
			SELECT ` + taskColumns + `
			FROM tasks
			WHERE status = 'pending'
			  AND reminder_sent_at IS NOT NULL AND reminder_sent_at <= ?
			  AND secondary_sent_at IS NULL
			ORDER BY reminder_sent_at
			LIMIT ?`
	case task.StageCall:
		query = `
			SELECT ` + taskColumns + `
			FROM tasks
			WHERE status = 'pending'
			  AND secondary_sent_at IS NOT NULL AND secondary_sent_at <= ?
			  AND call_sent_at IS NULL
			ORDER BY secondary_sent_at
			LIMIT ?`
	default:
		return nil, fmt.Errorf("unknown stage %v", stage)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), ms(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks for %s: %w", stage, err)
	}
	return collectTasks(rows)
}

// ClaimStage attempts to claim the given stage of a task by setting its
// claim column, guarded so exactly one concurrent caller can win: the
// task must still be pending, the column must still be null, and the
// previous rung must already be claimed. Returns false when another
// poller got there first. The claim is never rolled back, even if the
// send behind it later fails.
func (s *SQLStore) ClaimStage(ctx context.Context, id string, stage task.Stage, at time.Time) (bool, error) {
	var query string
	switch stage {
	case task.StageReminder:
		query = `
			UPDATE tasks
			SET reminder_sent_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending' AND reminder_sent_at IS NULL`
	case task.StageSecondary:
		query = `
			UPDATE tasks
			SET secondary_sent_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending' AND secondary_sent_at IS NULL
			  AND reminder_sent_at IS NOT NULL`
	case task.StageCall:
		query = `
			UPDATE tasks
			SET call_sent_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending' AND call_sent_at IS NULL
			  AND secondary_sent_at IS NOT NULL`
	default:
		return false, fmt.Errorf("unknown stage %v", stage)
	}

	res, err := s.db.ExecContext(ctx, s.q(query), ms(at), ms(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim %s for task %s: %w", stage, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// OverdueForMiss returns pending tasks whose call stage was claimed at
// or before cutoff, i.e. the ladder is exhausted and the task is due to
// be marked missed.
func (s *SQLStore) OverdueForMiss(ctx context.Context, cutoff time.Time, limit int) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'pending'
		  AND call_sent_at IS NOT NULL AND call_sent_at <= ?
		ORDER BY call_sent_at
		LIMIT ?
	`), ms(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue tasks: %w", err)
	}
	return collectTasks(rows)
}

// ClaimMissed moves a task from pending to missed. Returns false if the
// task was completed, rescheduled, or already missed in the meantime.
func (s *SQLStore) ClaimMissed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE tasks
		SET status = 'missed', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`), ms(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark task %s missed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkDone moves a task from pending to done, recording the completion
// time. Returns false if the task already left pending.
func (s *SQLStore) MarkDone(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE tasks
		SET status = 'done', completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`), ms(at), ms(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark task %s done: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// SlotOutcome is one terminal occurrence of a user's schedule, enough
// to judge weekly-slot miss streaks.
type SlotOutcome struct {
	TaskID      string
	Status      task.Status
	ScheduledAt time.Time
	Timezone    string
}

// RecentSlotOutcomes returns the user's terminal occurrences scheduled
// at or before the given instant, newest first.
func (s *SQLStore) RecentSlotOutcomes(ctx context.Context, userID string, before time.Time, limit int) ([]SlotOutcome, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, status, scheduled_at, timezone
		FROM tasks
		WHERE user_id = ?
		  AND status IN ('done', 'missed', 'cancelled')
		  AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at DESC
		LIMIT ?
	`), userID, ms(before), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query slot outcomes: %w", err)
	}
	defer rows.Close()

	var out []SlotOutcome
	for rows.Next() {
		var (
			o      SlotOutcome
			status string
			at     int64
		)
		if err := rows.Scan(&o.TaskID, &status, &at, &o.Timezone); err != nil {
			return nil, fmt.Errorf("failed to scan slot outcome: %w", err)
		}
		o.Status = task.Status(status)
		o.ScheduledAt = fromMS(at)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating slot outcomes: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*task.Task, error) {
	var (
		t         task.Task
		status    string
		scheduled sql.NullInt64
		reminder  sql.NullInt64
		secondary sql.NullInt64
		call      sql.NullInt64
		completed sql.NullInt64
		created   int64
		updated   int64
	)
	err := r.Scan(&t.ID, &t.UserID, &t.Title, &t.DurationMinutes, &status, &scheduled,
		&t.RecurrenceRule, &t.Timezone, &reminder, &secondary, &call, &completed,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.ScheduledAt = fromNullMS(scheduled)
	t.ReminderSentAt = fromNullMS(reminder)
	t.SecondarySentAt = fromNullMS(secondary)
	t.CallSentAt = fromNullMS(call)
	t.CompletedAt = fromNullMS(completed)
	t.CreatedAt = fromMS(created)
	t.UpdatedAt = fromMS(updated)
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]task.Task, error) {
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return out, nil
}
