package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sessionplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const sessionColumns = "id, name, status, api_key, webhook_url, webhook_secret, owner_id, created_at"

// UpsertSession inserts the session or updates an existing row.
// Secrets and the webhook URL are coalesced so a re-registration never erases them.
func (s *Store) UpsertSession(ctx context.Context, sess *store.Session) error {
	query := `
		INSERT INTO sessions (id, name, status, api_key, webhook_url, webhook_secret, owner_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			api_key = COALESCE(EXCLUDED.api_key, sessions.api_key),
			webhook_url = COALESCE(EXCLUDED.webhook_url, sessions.webhook_url),
			webhook_secret = COALESCE(EXCLUDED.webhook_secret, sessions.webhook_secret),
			owner_id = COALESCE(EXCLUDED.owner_id, sessions.owner_id)
	`

	var ownerID uuid.NullUUID
	if sess.OwnerID != nil {
		ownerID = uuid.NullUUID{UUID: *sess.OwnerID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.Name,
		sess.Status,
		sess.APIKey,
		sess.WebhookURL,
		sess.WebhookSecret,
		ownerID,
		sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status store.SessionStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set status of session %s: %w", id, err)
	}
	return nil
}

func (s *Store) SetWebhook(ctx context.Context, id string, url, secret *string) error {
	return s.updateOne(ctx, `UPDATE sessions SET webhook_url = $1, webhook_secret = $2 WHERE id = $3`, url, secret, id)
}

func (s *Store) SetAPIKey(ctx context.Context, id string, key string) error {
	return s.updateOne(ctx, `UPDATE sessions SET api_key = $1 WHERE id = $2`, key, id)
}

// updateOne runs an update that must touch exactly one session row.
func (s *Store) updateOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE id = $1"

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, ownerID *uuid.UUID) ([]store.Session, error) {
	if ownerID == nil {
		return s.querySessions(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY created_at DESC")
	}
	return s.querySessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE owner_id = $1 ORDER BY created_at DESC",
		*ownerID,
	)
}

func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...store.SessionStatus) ([]store.Session, error) {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}

	return s.querySessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE status = ANY($1) ORDER BY created_at ASC, id ASC",
		pq.Array(values),
	)
}

func (s *Store) ExistingSessionIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var existing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing = append(existing, id)
	}
	return existing, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.updateOne(ctx, `DELETE FROM sessions WHERE id = $1`, id)
}

func (s *Store) SessionOwnedBy(ctx context.Context, ownerID uuid.UUID, sessionID string) (bool, error) {
	var owned bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1 AND owner_id = $2)`,
		sessionID, ownerID,
	).Scan(&owned)
	return owned, err
}

func (s *Store) querySessions(ctx context.Context, query string, args ...interface{}) ([]store.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var (
		sess    store.Session
		ownerID uuid.NullUUID
	)

	err := row.Scan(
		&sess.ID,
		&sess.Name,
		&sess.Status,
		&sess.APIKey,
		&sess.WebhookURL,
		&sess.WebhookSecret,
		&ownerID,
		&sess.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if ownerID.Valid {
		id := ownerID.UUID
		sess.OwnerID = &id
	}
	return &sess, nil
}
