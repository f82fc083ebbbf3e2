package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sessionplane/pkg/api"
)

// Client handles API calls to the sessionplane controller or a worker.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new client with the given base URL and token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends body as JSON (when non-nil) and decodes a 2xx response into out (when non-nil).
func (c *Client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage extracts the error field of a JSON error body, falling back to the raw text.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

// CreateTenant sends POST /tenants. The client token must be the admin token.
func (c *Client) CreateTenant(req api.CreateTenantRequest) (*api.CreateTenantResponse, error) {
	var result api.CreateTenantResponse
	if err := c.do(http.MethodPost, "/tenants", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateSession sends POST /sessions.
func (c *Client) CreateSession(req api.CreateSessionRequest) (*api.CreateSessionResponse, error) {
	var result api.CreateSessionResponse
	if err := c.do(http.MethodPost, "/sessions", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListSessions sends GET /sessions.
func (c *Client) ListSessions() ([]api.SessionResponse, error) {
	var result api.ListSessionsResponse
	if err := c.do(http.MethodGet, "/sessions", nil, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// GetSession sends GET /sessions/{id}.
func (c *Client) GetSession(id string) (*api.SessionResponse, error) {
	var result api.SessionResponse
	if err := c.do(http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteSession sends DELETE /sessions/{id}.
func (c *Client) DeleteSession(id string) error {
	return c.do(http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

// SetWebhook sends PUT /sessions/{id}/webhook.
func (c *Client) SetWebhook(id string, req api.SetWebhookRequest) (*api.WebhookResponse, error) {
	var result api.WebhookResponse
	if err := c.do(http.MethodPut, "/sessions/"+url.PathEscape(id)+"/webhook", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetWebhook sends GET /sessions/{id}/webhook.
func (c *Client) GetWebhook(id string) (*api.WebhookResponse, error) {
	var result api.WebhookResponse
	if err := c.do(http.MethodGet, "/sessions/"+url.PathEscape(id)+"/webhook", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RotateKey sends POST /sessions/{id}/api-key.
func (c *Client) RotateKey(id string) (*api.RotateKeyResponse, error) {
	var result api.RotateKeyResponse
	if err := c.do(http.MethodPost, "/sessions/"+url.PathEscape(id)+"/api-key", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateReminder sends POST /reminders.
func (c *Client) CreateReminder(req api.CreateReminderRequest) (*api.ReminderResponse, error) {
	var result api.ReminderResponse
	if err := c.do(http.MethodPost, "/reminders", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListReminders sends GET /reminders.
func (c *Client) ListReminders() ([]api.ReminderResponse, error) {
	var result api.ListRemindersResponse
	if err := c.do(http.MethodGet, "/reminders", nil, &result); err != nil {
		return nil, err
	}
	return result.Reminders, nil
}

// DeleteReminder sends DELETE /reminders/{id}.
func (c *Client) DeleteReminder(id string) error {
	return c.do(http.MethodDelete, "/reminders/"+url.PathEscape(id), nil, nil)
}

// ListReminderRuns sends GET /reminders/{id}/runs.
func (c *Client) ListReminderRuns(id string) ([]api.ReminderRunResponse, error) {
	var result api.ListReminderRunsResponse
	if err := c.do(http.MethodGet, "/reminders/"+url.PathEscape(id)+"/runs", nil, &result); err != nil {
		return nil, err
	}
	return result.Runs, nil
}

// SendMessage sends POST /sessions/{id}/messages to a worker.
func (c *Client) SendMessage(sessionID string, req api.SendMessageRequest) (*api.SendMessageResponse, error) {
	var result api.SendMessageResponse
	if err := c.do(http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/messages", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
