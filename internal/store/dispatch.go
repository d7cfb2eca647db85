package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tasklife/nag/internal/task"
)

// DispatchStatus is the state of one ledger row.
type DispatchStatus string

const (
	DispatchPending    DispatchStatus = "pending"
	DispatchDispatched DispatchStatus = "dispatched"
	DispatchFailed     DispatchStatus = "failed"
)

// DispatchRecord is one row of the dispatch ledger: a single attempted
// channel send, kept independent of task state. A row stuck in pending
// past the staleness threshold means the process died between inserting
// it and recording the outcome.
type DispatchRecord struct {
	ID            string
	TaskID        string
	Channel       task.Channel
	Status        DispatchStatus
	ExternalID    string
	Error         string
	Attempts      int
	CreatedAt     time.Time
	DispatchedAt  *time.Time
	LastAttemptAt *time.Time
}

const dispatchColumns = `id, task_id, channel, status, external_id, error, attempts,
	created_at, dispatched_at, last_attempt_at`

// InsertPending records that a send is about to be attempted. The row
// must exist before the provider is called so a crash mid-send leaves
// evidence for the recovery scanner.
func (s *SQLStore) InsertPending(ctx context.Context, taskID string, ch task.Channel, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO dispatch_log (id, task_id, channel, status, attempts, created_at, last_attempt_at)
		VALUES (?, ?, ?, 'pending', 1, ?, ?)
	`), id, taskID, string(ch), ms(at), ms(at))
	if err != nil {
		return "", fmt.Errorf("failed to insert pending dispatch: %w", err)
	}
	return id, nil
}

// MarkDispatched records a successful send and the provider's id for it.
func (s *SQLStore) MarkDispatched(ctx context.Context, logID, externalID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE dispatch_log
		SET status = 'dispatched', external_id = ?, dispatched_at = ?
		WHERE id = ?
	`), externalID, ms(at), logID)
	if err != nil {
		return fmt.Errorf("failed to mark dispatch %s dispatched: %w", logID, err)
	}
	return requireRow(res, logID)
}

// MarkFailed records a clean send failure. Failed rows are final: the
// stage is spent and only the next time boundary moves the task on.
func (s *SQLStore) MarkFailed(ctx context.Context, logID, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE dispatch_log
		SET status = 'failed', error = ?, last_attempt_at = ?
		WHERE id = ?
	`), reason, ms(at), logID)
	if err != nil {
		return fmt.Errorf("failed to mark dispatch %s failed: %w", logID, err)
	}
	return requireRow(res, logID)
}

// InsertDispatched writes a ledger row that is already final. Used for
// auto-miss entries, which have no provider call to crash inside and so
// never pass through pending.
func (s *SQLStore) InsertDispatched(ctx context.Context, taskID string, ch task.Channel, note string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO dispatch_log (id, task_id, channel, status, external_id, attempts, created_at, dispatched_at)
		VALUES (?, ?, ?, 'dispatched', ?, 1, ?, ?)
	`), id, taskID, string(ch), note, ms(at), ms(at))
	if err != nil {
		return "", fmt.Errorf("failed to insert dispatched row: %w", err)
	}
	return id, nil
}

// StalePending returns pending rows created at or before the given
// instant, oldest first. These are sends that never got an outcome
// recorded, i.e. crash candidates.
func (s *SQLStore) StalePending(ctx context.Context, olderThan time.Time, limit int) ([]DispatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+dispatchColumns+`
		FROM dispatch_log
		WHERE status = 'pending' AND created_at <= ?
		ORDER BY created_at
		LIMIT ?
	`), ms(olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale dispatches: %w", err)
	}
	defer rows.Close()

	var out []DispatchRecord
	for rows.Next() {
		rec, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatch: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dispatches: %w", err)
	}
	return out, nil
}

// ClaimRetry reserves a stale pending row for one recovery attempt. The
// guard on last_attempt_at makes overlapping scanner runs mutually
// exclusive: only the caller that moves the timestamp may resend.
func (s *SQLStore) ClaimRetry(ctx context.Context, logID string, notSince, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE dispatch_log
		SET attempts = attempts + 1, last_attempt_at = ?
		WHERE id = ? AND status = 'pending'
		  AND (last_attempt_at IS NULL OR last_attempt_at <= ?)
	`), ms(at), logID, ms(notSince))
	if err != nil {
		return false, fmt.Errorf("failed to claim retry for dispatch %s: %w", logID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// GetDispatch retrieves a ledger row by ID.
func (s *SQLStore) GetDispatch(ctx context.Context, logID string) (*DispatchRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+dispatchColumns+`
		FROM dispatch_log
		WHERE id = ?
	`), logID)

	rec, err := scanDispatch(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dispatch %s: %w", logID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch: %w", err)
	}
	return rec, nil
}

// DispatchesForTask returns every ledger row for a task, oldest first.
func (s *SQLStore) DispatchesForTask(ctx context.Context, taskID string) ([]DispatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+dispatchColumns+`
		FROM dispatch_log
		WHERE task_id = ?
		ORDER BY created_at, id
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatches for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []DispatchRecord
	for rows.Next() {
		rec, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatch: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dispatches: %w", err)
	}
	return out, nil
}

func scanDispatch(r rowScanner) (*DispatchRecord, error) {
	var (
		rec         DispatchRecord
		channel     string
		status      string
		created     int64
		dispatched  sql.NullInt64
		lastAttempt sql.NullInt64
	)
	err := r.Scan(&rec.ID, &rec.TaskID, &channel, &status, &rec.ExternalID, &rec.Error,
		&rec.Attempts, &created, &dispatched, &lastAttempt)
	if err != nil {
		return nil, err
	}
	rec.Channel = task.Channel(channel)
	rec.Status = DispatchStatus(status)
	rec.CreatedAt = fromMS(created)
	rec.DispatchedAt = fromNullMS(dispatched)
	rec.LastAttemptAt = fromNullMS(lastAttempt)
	return &rec, nil
}

func requireRow(res sql.Result, logID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("dispatch %s: %w", logID, ErrNotFound)
	}
	return nil
}
