package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// TenantStore handles retrieving tenant information for authentication.
type TenantStore interface {
	// CreateTenant inserts a new tenant to the database
	CreateTenant(ctx context.Context, tenant *Tenant, hashedKey string) error

	// GetTenantByID returns a tenant by its ID.
	GetTenantByID(ctx context.Context, id uuid.UUID) (*Tenant, error)

	// GetTenantByAPIKeyHash returns a tenant by its API key hash.
	GetTenantByAPIKeyHash(ctx context.Context, hash string) (*Tenant, error)
}

// SessionStore is the session registry.
type SessionStore interface {
	// UpsertSession inserts a session or updates name and status of an existing one.
	// Nil secrets and webhook URL never overwrite previously stored values.
	UpsertSession(ctx context.Context, s *Session) error

	SetStatus(ctx context.Context, id string, status SessionStatus) error
	SetWebhook(ctx context.Context, id string, url, secret *string) error
	SetAPIKey(ctx context.Context, id string, key string) error

	// GetSession returns ErrNotFound when the session does not exist.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns sessions newest first. A nil owner lists every session.
	ListSessions(ctx context.Context, ownerID *uuid.UUID) ([]Session, error)

	// ListSessionsByStatus returns sessions in registry order (oldest first).
	ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]Session, error)

	// ExistingSessionIDs returns the subset of ids still present in the registry.
	ExistingSessionIDs(ctx context.Context, ids []string) ([]string, error)

	DeleteSession(ctx context.Context, id string) error

	SessionOwnedBy(ctx context.Context, ownerID uuid.UUID, sessionID string) (bool, error)
}

// ReminderStore persists due jobs and their run log.
type ReminderStore interface {
	CreateReminder(ctx context.Context, r *Reminder) error
	GetReminder(ctx context.Context, id uuid.UUID) (*Reminder, error)
	ListReminders(ctx context.Context, ownerID uuid.UUID) ([]Reminder, error)
	DeleteReminder(ctx context.Context, ownerID, id uuid.UUID) error

	// ClaimDue atomically moves up to limit due planned reminders to running.
	// Rows locked by a concurrent claimer are skipped, never waited on.
	// An empty sessionIDs slice claims reminders of any session.
	ClaimDue(ctx context.Context, sessionIDs []string, limit int) ([]Reminder, error)

	// RecordRun appends a run log entry and returns its attempt number.
	RecordRun(ctx context.Context, reminderID uuid.UUID, status RunStatus, errMsg *string) (int, error)
	ListRuns(ctx context.Context, reminderID uuid.UUID) ([]ReminderRun, error)

	CompleteReminder(ctx context.Context, id uuid.UUID) error
	FailReminder(ctx context.Context, id uuid.UUID) error

	// RescheduleReminder moves a running reminder back to planned at runAt.
	RescheduleReminder(ctx context.Context, id uuid.UUID, runAt time.Time, resetAttempts bool) error
}

// DeliveryQueue is the durable backing store of the webhook pipeline.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics.
type DeliveryQueue interface {
	// Enqueue adds an event payload. Re-enqueueing the same event id is a no-op.
	Enqueue(ctx context.Context, eventID uuid.UUID, sessionID string, payload json.RawMessage) error

	// DequeueBatch claims up to 'limit' visible deliveries and hides them for lease.
	// Returns nil slice if the queue is empty.
	DequeueBatch(ctx context.Context, limit int, lease time.Duration) ([]Delivery, error)

	CompleteDelivery(ctx context.Context, id int64) error

	// RetryDelivery makes a processing delivery visible again at visibleAfter.
	RetryDelivery(ctx context.Context, id int64, visibleAfter time.Time, errMsg string) error

	// FailDelivery marks a processing delivery as terminally failed.
	// It reports false when the row was not processing (already terminal or re-claimed).
	FailDelivery(ctx context.Context, id int64, errMsg string) (bool, error)

	// CountDeliveries returns the number of deliveries not yet delivered or failed.
	CountDeliveries(ctx context.Context) (int64, error)
}
