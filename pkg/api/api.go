// Package api contains shared JSON request/response structs.
// This package is shared between the CLI, the controller and the worker surface.
package api

import "time"

// CreateTenantRequest is the request body for creating a new tenant.
type CreateTenantRequest struct {
	Name           string `json:"name"`
	RateLimit      int    `json:"rate_limit,omitempty"`
	RateLimitBurst int    `json:"rate_limit_burst,omitempty"`
}

// CreateTenantResponse is the response body after creating a tenant.
type CreateTenantResponse struct {
	ID     string `json:"tenant_id"`
	Name   string `json:"name"`
	ApiKey string `json:"api_key"`
}

// CreateSessionRequest registers a session. ID is generated when empty.
type CreateSessionRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// CreateSessionResponse returns the session and its API key (shown once).
type CreateSessionResponse struct {
	Session SessionResponse `json:"session"`
	ApiKey  string          `json:"api_key"`
}

// SessionResponse represents a session in API responses. Secrets are never returned.
type SessionResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	HasWebhook bool      `json:"has_webhook"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListSessionsResponse is the response body for GET /sessions.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// SetWebhookRequest configures where a session's events are delivered.
type SetWebhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// WebhookResponse describes a session's webhook configuration.
type WebhookResponse struct {
	WebhookURL *string `json:"webhook_url"`
	HasSecret  bool    `json:"has_secret"`
}

// RotateKeyResponse carries a freshly issued session API key.
type RotateKeyResponse struct {
	ApiKey string `json:"api_key"`
}

// CreateReminderRequest schedules a message.
type CreateReminderRequest struct {
	SessionID  string    `json:"session_id,omitempty"`
	Recipient  string    `json:"recipient"`
	Message    string    `json:"message"`
	RunAt      time.Time `json:"run_at"`
	Timezone   string    `json:"timezone,omitempty"`
	Recurrence string    `json:"recurrence,omitempty"`
}

// ReminderResponse represents a reminder in API responses.
type ReminderResponse struct {
	ID         string    `json:"id"`
	SessionID  *string   `json:"session_id,omitempty"`
	Recipient  string    `json:"recipient"`
	Message    string    `json:"message"`
	RunAt      time.Time `json:"run_at"`
	Status     string    `json:"status"`
	Timezone   *string   `json:"timezone,omitempty"`
	Recurrence *string   `json:"recurrence,omitempty"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListRemindersResponse is the response body for GET /reminders.
type ListRemindersResponse struct {
	Reminders []ReminderResponse `json:"reminders"`
}

// ReminderRunResponse is one attempt in a reminder's run log.
type ReminderRunResponse struct {
	Attempt int       `json:"attempt"`
	Status  string    `json:"status"`
	Error   *string   `json:"error,omitempty"`
	RunAt   time.Time `json:"run_at"`
}

// ListReminderRunsResponse is the response body for GET /reminders/{id}/runs.
type ListReminderRunsResponse struct {
	Runs []ReminderRunResponse `json:"runs"`
}

// Media is an attachment. Data is base64, optionally as a data URL.
type Media struct {
	Mimetype string `json:"mimetype,omitempty"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
}

// SendMessageRequest is the body of POST /sessions/{id}/messages on a worker.
type SendMessageRequest struct {
	To      string `json:"to"`
	Text    string `json:"text,omitempty"`
	Media   *Media `json:"media,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// SendMessageResponse returns the driver's message id.
type SendMessageResponse struct {
	MessageID string `json:"message_id"`
}

// QRResponse carries the current pairing code for a session.
type QRResponse struct {
	SessionID string `json:"session_id"`
	QR        string `json:"qr"`
	Image     string `json:"image"` // PNG data URL
}

// OwnedSession is one entry of a worker's ownership snapshot.
type OwnedSession struct {
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	AcquiredAt  time.Time `json:"acquired_at"`
	LastRenewed time.Time `json:"last_renewed"`
}

// OwnedResponse is the response body of GET /owned.
type OwnedResponse struct {
	WorkerID string         `json:"worker_id"`
	Sessions []OwnedSession `json:"sessions"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
