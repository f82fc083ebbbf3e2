package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sessionplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Enqueue adds an event payload to webhook_deliveries.
// The unique event_id makes a repeated enqueue of the same event a no-op.
func (s *Store) Enqueue(ctx context.Context, eventID uuid.UUID, sessionID string, payload json.RawMessage) error {
	query := `
		INSERT INTO webhook_deliveries (event_id, session_id, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, eventID, sessionID, []byte(payload)); err != nil {
		return fmt.Errorf("failed to enqueue event %s: %w", eventID, err)
	}
	return nil
}

// DequeueBatch claims up to 'limit' visible deliveries using SELECT ... FOR UPDATE SKIP LOCKED.
// Rows left in processing by a dead worker become visible again once their lease passes.
// Returns nil slice if nothing is visible.
func (s *Store) DequeueBatch(ctx context.Context, limit int, lease time.Duration) ([]store.Delivery, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var items []store.Delivery
	err = tx.SelectContext(ctx, &items, `
		SELECT id, event_id, session_id, payload, attempt
		FROM webhook_deliveries
		WHERE status IN ('queued', 'processing') AND visible_after <= NOW()
		ORDER BY id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("batch dequeue query failed: %w", err)
	}

	// Empty queue
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(items))
	for i := range items {
		ids[i] = items[i].ID
		items[i].Attempt++
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'processing', attempt = attempt + 1,
			visible_after = NOW() + ($1 * INTERVAL '1 second')
		WHERE id = ANY($2)
	`, lease.Seconds(), pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("batch visibility update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return items, nil
}

func (s *Store) CompleteDelivery(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'delivered', last_error = NULL, finished_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

func (s *Store) RetryDelivery(ctx context.Context, id int64, visibleAfter time.Time, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'queued', visible_after = $1, last_error = $2
		WHERE id = $3 AND status = 'processing'
	`, visibleAfter, errMsg, id)
	return err
}

// FailDelivery records the terminal failure. The status guard makes the
// transition happen at most once even if two workers race on a stale row.
func (s *Store) FailDelivery(ctx context.Context, id int64, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'failed', last_error = $1, finished_at = NOW()
		WHERE id = $2 AND status = 'processing'
	`, errMsg, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) CountDeliveries(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM webhook_deliveries WHERE status IN ('queued', 'processing')`)
	return n, err
}
