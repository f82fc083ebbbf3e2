// Package store contains the database layer for sessionplane.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tenant represents an owner of sessions and reminders.
// All tenant-facing operations must be scoped by its ID.
type Tenant struct {
	ID             uuid.UUID
	Name           string
	RateLimit      int // Requests per second, 0 means unlimited
	RateLimitBurst int
	CreatedAt      time.Time
}

// Session represents one tenant's persistent messaging connection.
type Session struct {
	ID            string
	Name          string
	Status        SessionStatus
	APIKey        *string
	WebhookURL    *string
	WebhookSecret *string
	OwnerID       *uuid.UUID // nil for legacy single-tenant sessions
	CreatedAt     time.Time
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusPending      SessionStatus = "pending"
	SessionStatusReady        SessionStatus = "ready"
	SessionStatusDisconnected SessionStatus = "disconnected"
)

// Reminder is a time-triggered outbound message (a due job).
type Reminder struct {
	ID         uuid.UUID      `db:"id"`
	OwnerID    uuid.UUID      `db:"owner_id"`
	SessionID  *string        `db:"session_id"`
	Recipient  string         `db:"recipient"`
	Message    string         `db:"message"`
	RunAt      time.Time      `db:"run_at"`
	Status     ReminderStatus `db:"status"`
	Timezone   *string        `db:"timezone"`
	Recurrence *string        `db:"recurrence"`
	Attempts   int            `db:"attempts"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// IsRecurring reports whether the reminder carries a recurrence rule.
func (r *Reminder) IsRecurring() bool {
	return r.Recurrence != nil && *r.Recurrence != ""
}

// ReminderStatus represents the state of a reminder.
type ReminderStatus string

const (
	ReminderStatusPlanned   ReminderStatus = "planned"
	ReminderStatusRunning   ReminderStatus = "running"
	ReminderStatusCompleted ReminderStatus = "completed"
	ReminderStatusFailed    ReminderStatus = "failed"
)

// ReminderRun is an append-only execution log entry for a reminder.
type ReminderRun struct {
	ID         int64     `db:"id"`
	ReminderID uuid.UUID `db:"reminder_id"`
	Attempt    int       `db:"attempt"`
	Status     RunStatus `db:"status"`
	Error      *string   `db:"error"`
	RunAt      time.Time `db:"run_at"`
}

// RunStatus is the outcome of a single reminder attempt.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// EventKind names a session event delivered to webhooks and live subscribers.
type EventKind string

const (
	EventPending      EventKind = "pending"
	EventReady        EventKind = "ready"
	EventDisconnected EventKind = "disconnected"
	EventMessage      EventKind = "message"
	EventQR           EventKind = "qr"
)

// WebhookEvent is a session event waiting for external delivery.
type WebhookEvent struct {
	EventID   uuid.UUID
	SessionID string
	Kind      EventKind
	Data      json.RawMessage
	Timestamp time.Time
	// Trace carries the producer's trace context across the queue.
	Trace map[string]string
}

// Delivery is a claimed webhook_deliveries row.
type Delivery struct {
	ID        int64           `db:"id"`
	EventID   uuid.UUID       `db:"event_id"`
	SessionID string          `db:"session_id"`
	Payload   json.RawMessage `db:"payload"`
	Attempt   int             `db:"attempt"`
}

// DeliveryStatus represents the state of a webhook delivery row.
type DeliveryStatus string

const (
	DeliveryStatusQueued     DeliveryStatus = "queued"
	DeliveryStatusProcessing DeliveryStatus = "processing"
	DeliveryStatusDelivered  DeliveryStatus = "delivered"
	DeliveryStatusFailed     DeliveryStatus = "failed"
)
