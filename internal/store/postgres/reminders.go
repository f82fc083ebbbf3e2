package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"sessionplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const reminderColumns = "id, owner_id, session_id, recipient, message, run_at, status, timezone, recurrence, attempts, created_at, updated_at"

func (s *Store) CreateReminder(ctx context.Context, r *store.Reminder) error {
	query := `
		INSERT INTO reminders (id, owner_id, session_id, recipient, message, run_at, status, timezone, recurrence, attempts, created_at, updated_at)
		VALUES (:id, :owner_id, :session_id, :recipient, :message, :run_at, :status, :timezone, :recurrence, :attempts, :created_at, :updated_at)
	`

	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		return fmt.Errorf("failed to create reminder %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetReminder(ctx context.Context, id uuid.UUID) (*store.Reminder, error) {
	var r store.Reminder
	err := s.db.GetContext(ctx, &r, "SELECT "+reminderColumns+" FROM reminders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListReminders(ctx context.Context, ownerID uuid.UUID) ([]store.Reminder, error) {
	var reminders []store.Reminder
	err := s.db.SelectContext(ctx, &reminders,
		"SELECT "+reminderColumns+" FROM reminders WHERE owner_id = $1 ORDER BY created_at DESC",
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders: %w", err)
	}
	return reminders, nil
}

// DeleteReminder removes a reminder owned by ownerID.
// Reminders of other tenants are reported as not found.
func (s *Store) DeleteReminder(ctx context.Context, ownerID, id uuid.UUID) error {
	return s.updateOne(ctx, `DELETE FROM reminders WHERE id = $1 AND owner_id = $2`, id, ownerID)
}

// ClaimDue moves up to limit due reminders from planned to running in one statement.
// Rows already locked by another claimer are skipped, so concurrent callers
// always receive disjoint sets.
//
// With sessionIDs it claims reminders bound to those sessions and reminders
// without a session whose tenant owns one of them. Without sessionIDs it
// claims every due reminder.
func (s *Store) ClaimDue(ctx context.Context, sessionIDs []string, limit int) ([]store.Reminder, error) {
	if limit <= 0 {
		limit = 1
	}

	args := []interface{}{limit}
	where := "WHERE status = 'planned' AND run_at <= NOW()"
	if len(sessionIDs) > 0 {
		where += ` AND (session_id = ANY($2) OR (session_id IS NULL AND owner_id IN (
				SELECT owner_id FROM sessions WHERE id = ANY($2) AND owner_id IS NOT NULL)))`
		args = append(args, pq.Array(sessionIDs))
	}

	query := fmt.Sprintf(`
		WITH due AS (
			SELECT id FROM reminders
			%s
			ORDER BY run_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		UPDATE reminders r
		SET status = 'running', attempts = r.attempts + 1, updated_at = NOW()
		FROM due
		WHERE r.id = due.id
		RETURNING r.id, r.owner_id, r.session_id, r.recipient, r.message, r.run_at, r.status,
			r.timezone, r.recurrence, r.attempts, r.created_at, r.updated_at
	`, where)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var claimed []store.Reminder
	if err := tx.SelectContext(ctx, &claimed, query, args...); err != nil {
		return nil, fmt.Errorf("claim due reminders failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if len(claimed) == 0 {
		return nil, nil
	}

	// RETURNING does not preserve the CTE order.
	sort.Slice(claimed, func(i, j int) bool {
		return claimed[i].RunAt.Before(claimed[j].RunAt)
	})
	return claimed, nil
}

// RecordRun appends a run entry. The attempt number is computed inside the
// insert so it stays monotonic per reminder.
func (s *Store) RecordRun(ctx context.Context, reminderID uuid.UUID, status store.RunStatus, errMsg *string) (int, error) {
	query := `
		INSERT INTO reminder_runs (reminder_id, attempt, status, error, run_at)
		SELECT $1, COALESCE(MAX(attempt), 0) + 1, $2, $3, NOW()
		FROM reminder_runs
		WHERE reminder_id = $1
		RETURNING attempt
	`

	var attempt int
	if err := s.db.QueryRowContext(ctx, query, reminderID, status, errMsg).Scan(&attempt); err != nil {
		return 0, fmt.Errorf("failed to record run for reminder %s: %w", reminderID, err)
	}
	return attempt, nil
}

func (s *Store) ListRuns(ctx context.Context, reminderID uuid.UUID) ([]store.ReminderRun, error) {
	var runs []store.ReminderRun
	err := s.db.SelectContext(ctx, &runs, `
		SELECT id, reminder_id, attempt, status, error, run_at
		FROM reminder_runs
		WHERE reminder_id = $1
		ORDER BY attempt ASC
	`, reminderID)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *Store) CompleteReminder(ctx context.Context, id uuid.UUID) error {
	return s.finishReminder(ctx, id, store.ReminderStatusCompleted)
}

func (s *Store) FailReminder(ctx context.Context, id uuid.UUID) error {
	return s.finishReminder(ctx, id, store.ReminderStatusFailed)
}

func (s *Store) finishReminder(ctx context.Context, id uuid.UUID, status store.ReminderStatus) error {
	return s.updateOne(ctx, `
		UPDATE reminders
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'running'
	`, status, id)
}

func (s *Store) RescheduleReminder(ctx context.Context, id uuid.UUID, runAt time.Time, resetAttempts bool) error {
	return s.updateOne(ctx, `
		UPDATE reminders
		SET status = 'planned', run_at = $1, updated_at = NOW(),
			attempts = CASE WHEN $2 THEN 0 ELSE attempts END
		WHERE id = $3 AND status = 'running'
	`, runAt, resetAttempts, id)
}
