package handlers

import (
	"context"
	"time"

	"sessionplane/internal/controller/middleware"
	"sessionplane/internal/store"

	"github.com/google/uuid"
)

// Mock Store
type mockStore struct {
	pingErr error

	// Tenant Hooks
	createTenantErr error

	// Session Hooks
	sessions        map[string]*store.Session
	getSessionErr   error
	upsertErr       error
	setWebhookErr   error
	setAPIKeyErr    error
	deleteErr       error
	listSessionsErr error

	// Reminder Hooks
	createReminderErr error
	deleteReminderErr error
	reminders         []store.Reminder
	runs              []store.ReminderRun

	// Spies (to verify arguments passed by handlers)
	capturedTenantKeyHash string
	capturedSession       *store.Session
	capturedWebhookURL    *string
	capturedSecret        *string
	capturedAPIKey        string
	capturedReminder      *store.Reminder
	deletedSessionID      string
	deletedReminderID     uuid.UUID
	capturedListOwner     *uuid.UUID
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockStore) CreateTenant(ctx context.Context, tenant *store.Tenant, hashedKey string) error {
	m.capturedTenantKeyHash = hashedKey
	return m.createTenantErr
}

func (m *mockStore) GetTenantByID(ctx context.Context, id uuid.UUID) (*store.Tenant, error) {
	return nil, store.ErrNotFound
}

func (m *mockStore) GetTenantByAPIKeyHash(ctx context.Context, hash string) (*store.Tenant, error) {
	return nil, store.ErrNotFound
}

func (m *mockStore) UpsertSession(ctx context.Context, s *store.Session) error {
	m.capturedSession = s
	return m.upsertErr
}

func (m *mockStore) SetStatus(ctx context.Context, id string, status store.SessionStatus) error {
	return nil
}

func (m *mockStore) SetWebhook(ctx context.Context, id string, url, secret *string) error {
	m.capturedWebhookURL = url
	m.capturedSecret = secret
	return m.setWebhookErr
}

func (m *mockStore) SetAPIKey(ctx context.Context, id string, key string) error {
	m.capturedAPIKey = key
	return m.setAPIKeyErr
}

func (m *mockStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	if m.getSessionErr != nil {
		return nil, m.getSessionErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockStore) ListSessions(ctx context.Context, ownerID *uuid.UUID) ([]store.Session, error) {
	m.capturedListOwner = ownerID
	if m.listSessionsErr != nil {
		return nil, m.listSessionsErr
	}
	var out []store.Session
	for _, s := range m.sessions {
		if ownerID == nil || (s.OwnerID != nil && *s.OwnerID == *ownerID) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *mockStore) ListSessionsByStatus(ctx context.Context, statuses ...store.SessionStatus) ([]store.Session, error) {
	return nil, nil
}

func (m *mockStore) ExistingSessionIDs(ctx context.Context, ids []string) ([]string, error) {
	return ids, nil
}

func (m *mockStore) DeleteSession(ctx context.Context, id string) error {
	m.deletedSessionID = id
	return m.deleteErr
}

func (m *mockStore) SessionOwnedBy(ctx context.Context, ownerID uuid.UUID, sessionID string) (bool, error) {
	s, ok := m.sessions[sessionID]
	return ok && s.OwnerID != nil && *s.OwnerID == ownerID, nil
}

func (m *mockStore) CreateReminder(ctx context.Context, r *store.Reminder) error {
	m.capturedReminder = r
	return m.createReminderErr
}

func (m *mockStore) GetReminder(ctx context.Context, id uuid.UUID) (*store.Reminder, error) {
	for i := range m.reminders {
		if m.reminders[i].ID == id {
			r := m.reminders[i]
			return &r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) ListReminders(ctx context.Context, ownerID uuid.UUID) ([]store.Reminder, error) {
	var out []store.Reminder
	for _, r := range m.reminders {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockStore) DeleteReminder(ctx context.Context, ownerID, id uuid.UUID) error {
	m.deletedReminderID = id
	return m.deleteReminderErr
}

func (m *mockStore) ClaimDue(ctx context.Context, sessionIDs []string, limit int) ([]store.Reminder, error) {
	return nil, nil
}

func (m *mockStore) RecordRun(ctx context.Context, reminderID uuid.UUID, status store.RunStatus, errMsg *string) (int, error) {
	return 1, nil
}

func (m *mockStore) ListRuns(ctx context.Context, reminderID uuid.UUID) ([]store.ReminderRun, error) {
	return m.runs, nil
}

func (m *mockStore) CompleteReminder(ctx context.Context, id uuid.UUID) error { return nil }

func (m *mockStore) FailReminder(ctx context.Context, id uuid.UUID) error { return nil }

func (m *mockStore) RescheduleReminder(ctx context.Context, id uuid.UUID, runAt time.Time, resetAttempts bool) error {
	return nil
}

// mockLeases records deleted lease keys.
type mockLeases struct {
	deleted []string
	err     error
}

func (m *mockLeases) Delete(ctx context.Context, key string) error {
	m.deleted = append(m.deleted, key)
	return m.err
}

// withTenant returns ctx authenticated as tenant id.
func withTenant(ctx context.Context, id uuid.UUID) context.Context {
	return middleware.NewContextWithTenant(ctx, &store.Tenant{ID: id, Name: "test"})
}
