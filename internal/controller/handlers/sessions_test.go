package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"sessionplane/internal/auth"
	"sessionplane/internal/store"
	"sessionplane/pkg/api"

	"github.com/google/uuid"
)

var (
	tenantA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	tenantB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func strPtr(s string) *string { return &s }

func seededStore() *mockStore {
	a, b := tenantA, tenantB
	return &mockStore{sessions: map[string]*store.Session{
		"ws_a": {
			ID:            "ws_a",
			Name:          "support",
			Status:        store.SessionStatusReady,
			OwnerID:       &a,
			WebhookURL:    strPtr("https://hooks.example.com/a"),
			WebhookSecret: strPtr("s3cret"),
			CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		"ws_b": {ID: "ws_b", Name: "other", Status: store.SessionStatusPending, OwnerID: &b},
	}}
}

func sessionRequest(method, target, id, body string, tenant uuid.UUID) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	if id != "" {
		req.SetPathValue("id", id)
	}
	return req.WithContext(withTenant(req.Context(), tenant))
}

func TestCreateSession(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		mockSetup      func(*mockStore)
		expectedStatus int
		expectedInBody string
	}{
		{
			name:           "Generated ID",
			body:           `{"name": "sales"}`,
			expectedStatus: http.StatusCreated,
			expectedInBody: `"status":"pending"`,
		},
		{
			name:           "Explicit ID",
			body:           `{"id": "ws_new", "name": "sales"}`,
			expectedStatus: http.StatusCreated,
			expectedInBody: `"id":"ws_new"`,
		},
		{
			name:           "Re-registration Keeps Status",
			body:           `{"id": "ws_a", "name": "renamed"}`,
			expectedStatus: http.StatusCreated,
			expectedInBody: `"status":"ready"`,
		},
		{
			name:           "ID Owned By Another Tenant",
			body:           `{"id": "ws_b"}`,
			expectedStatus: http.StatusConflict,
			expectedInBody: "already taken",
		},
		{
			name:           "Invalid ID",
			body:           `{"id": "ws 1/../x"}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "id must be",
		},
		{
			name:           "Invalid JSON",
			body:           `{`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Invalid request body",
		},
		{
			name:           "Upsert Error",
			body:           `{"name": "sales"}`,
			mockSetup:      func(m *mockStore) { m.upsertErr = errors.New("db down") },
			expectedStatus: http.StatusInternalServerError,
			expectedInBody: "Failed to create session",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := seededStore()
			if tt.mockSetup != nil {
				tt.mockSetup(mock)
			}
			h := New(mock)

			rr := httptest.NewRecorder()
			h.CreateSession(rr, sessionRequest(http.MethodPost, "/sessions", "", tt.body, tenantA))

			if rr.Code != tt.expectedStatus {
				t.Errorf("wrong status code: got %d want %d (%s)", rr.Code, tt.expectedStatus, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("body %s does not contain %s", rr.Body.String(), tt.expectedInBody)
			}
			if tt.expectedStatus != http.StatusCreated {
				return
			}

			var resp api.CreateSessionResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if !strings.HasPrefix(resp.ApiKey, auth.SessionKeyPrefix) {
				t.Errorf("api_key must start with %q, got %s", auth.SessionKeyPrefix, resp.ApiKey)
			}
			captured := mock.capturedSession
			if captured == nil || captured.APIKey == nil || *captured.APIKey != auth.HashKey(resp.ApiKey) {
				t.Fatalf("session must be stored with the hashed api key")
			}
			if captured.OwnerID == nil || *captured.OwnerID != tenantA {
				t.Errorf("session must be owned by the caller")
			}
			if captured.WebhookURL != nil || captured.WebhookSecret != nil {
				t.Errorf("registration must not touch webhook settings")
			}
		})
	}
}

func TestCreateSession_GeneratedIDFormat(t *testing.T) {
	mock := seededStore()
	h := New(mock)

	rr := httptest.NewRecorder()
	h.CreateSession(rr, sessionRequest(http.MethodPost, "/sessions", "", `{}`, tenantA))

	if rr.Code != http.StatusCreated {
		t.Fatalf("got %d", rr.Code)
	}
	if !regexp.MustCompile(`^ws_[0-9a-f]{8}$`).MatchString(mock.capturedSession.ID) {
		t.Errorf("unexpected generated id %q", mock.capturedSession.ID)
	}
	if mock.capturedSession.Name != mock.capturedSession.ID {
		t.Errorf("name should default to the id, got %q", mock.capturedSession.Name)
	}
}

func TestCreateSession_NoTenant(t *testing.T) {
	h := New(seededStore())
	rr := httptest.NewRecorder()
	h.CreateSession(rr, httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString(`{}`)))

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got %d want 401", rr.Code)
	}
}

func TestListSessions_ScopedToTenant(t *testing.T) {
	mock := seededStore()
	h := New(mock)

	rr := httptest.NewRecorder()
	h.ListSessions(rr, sessionRequest(http.MethodGet, "/sessions", "", "", tenantA))

	if rr.Code != http.StatusOK {
		t.Fatalf("got %d", rr.Code)
	}
	if mock.capturedListOwner == nil || *mock.capturedListOwner != tenantA {
		t.Errorf("listing must be scoped to the caller")
	}

	var resp api.ListSessionsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].ID != "ws_a" || !resp.Sessions[0].HasWebhook {
		t.Errorf("unexpected sessions: %+v", resp.Sessions)
	}
	if strings.Contains(rr.Body.String(), "s3cret") {
		t.Errorf("secrets must never be returned")
	}
}

func TestGetSession(t *testing.T) {
	tests := []struct {
		name           string
		id             string
		mockSetup      func(*mockStore)
		expectedStatus int
	}{
		{name: "Own Session", id: "ws_a", expectedStatus: http.StatusOK},
		{name: "Foreign Session", id: "ws_b", expectedStatus: http.StatusNotFound},
		{name: "Missing Session", id: "ws_zz", expectedStatus: http.StatusNotFound},
		{
			name:           "Store Error",
			id:             "ws_a",
			mockSetup:      func(m *mockStore) { m.getSessionErr = errors.New("db down") },
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := seededStore()
			if tt.mockSetup != nil {
				tt.mockSetup(mock)
			}
			h := New(mock)

			rr := httptest.NewRecorder()
			h.GetSession(rr, sessionRequest(http.MethodGet, "/sessions/"+tt.id, tt.id, "", tenantA))

			if rr.Code != tt.expectedStatus {
				t.Errorf("got %d want %d", rr.Code, tt.expectedStatus)
			}
		})
	}
}

func TestDeleteSession_DropsLease(t *testing.T) {
	mock := seededStore()
	leases := &mockLeases{}
	h := New(mock, WithLeases(leases))

	rr := httptest.NewRecorder()
	h.DeleteSession(rr, sessionRequest(http.MethodDelete, "/sessions/ws_a", "ws_a", "", tenantA))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("got %d want 204", rr.Code)
	}
	if mock.deletedSessionID != "ws_a" {
		t.Errorf("row not deleted")
	}
	if len(leases.deleted) != 1 || leases.deleted[0] != "lock:session:ws_a" {
		t.Errorf("lease not dropped: %v", leases.deleted)
	}
}

func TestDeleteSession_LeaseErrorIsNotFatal(t *testing.T) {
	mock := seededStore()
	h := New(mock, WithLeases(&mockLeases{err: errors.New("redis down")}))

	rr := httptest.NewRecorder()
	h.DeleteSession(rr, sessionRequest(http.MethodDelete, "/sessions/ws_a", "ws_a", "", tenantA))

	if rr.Code != http.StatusNoContent {
		t.Errorf("got %d want 204", rr.Code)
	}
}

func TestDeleteSession_ForeignSession(t *testing.T) {
	mock := seededStore()
	leases := &mockLeases{}
	h := New(mock, WithLeases(leases))

	rr := httptest.NewRecorder()
	h.DeleteSession(rr, sessionRequest(http.MethodDelete, "/sessions/ws_b", "ws_b", "", tenantA))

	if rr.Code != http.StatusNotFound {
		t.Errorf("got %d want 404", rr.Code)
	}
	if mock.deletedSessionID != "" || len(leases.deleted) != 0 {
		t.Errorf("foreign session must not be touched")
	}
}

func TestSetWebhook(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		wantSecret     bool
	}{
		{name: "With Secret", body: `{"url": "https://example.com/hook", "secret": "k"}`, expectedStatus: http.StatusOK, wantSecret: true},
		{name: "Without Secret", body: `{"url": "http://example.com/hook"}`, expectedStatus: http.StatusOK},
		{name: "Relative URL", body: `{"url": "/hook"}`, expectedStatus: http.StatusBadRequest},
		{name: "Bad Scheme", body: `{"url": "ftp://example.com"}`, expectedStatus: http.StatusBadRequest},
		{name: "Invalid JSON", body: `nope`, expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := seededStore()
			h := New(mock)

			rr := httptest.NewRecorder()
			h.SetWebhook(rr, sessionRequest(http.MethodPut, "/sessions/ws_a/webhook", "ws_a", tt.body, tenantA))

			if rr.Code != tt.expectedStatus {
				t.Fatalf("got %d want %d (%s)", rr.Code, tt.expectedStatus, rr.Body.String())
			}
			if tt.expectedStatus != http.StatusOK {
				if mock.capturedWebhookURL != nil {
					t.Errorf("invalid input must not be stored")
				}
				return
			}
			if mock.capturedWebhookURL == nil {
				t.Fatalf("webhook not stored")
			}
			if (mock.capturedSecret != nil) != tt.wantSecret {
				t.Errorf("secret stored = %v, want %v", mock.capturedSecret != nil, tt.wantSecret)
			}
		})
	}
}

func TestGetWebhook_HidesSecret(t *testing.T) {
	h := New(seededStore())

	rr := httptest.NewRecorder()
	h.GetWebhook(rr, sessionRequest(http.MethodGet, "/sessions/ws_a/webhook", "ws_a", "", tenantA))

	if rr.Code != http.StatusOK {
		t.Fatalf("got %d", rr.Code)
	}
	var resp api.WebhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.WebhookURL == nil || *resp.WebhookURL != "https://hooks.example.com/a" || !resp.HasSecret {
		t.Errorf("unexpected response %+v", resp)
	}
	if strings.Contains(rr.Body.String(), "s3cret") {
		t.Errorf("secret leaked")
	}
}

func TestRotateAPIKey(t *testing.T) {
	mock := seededStore()
	h := New(mock)

	rr := httptest.NewRecorder()
	h.RotateAPIKey(rr, sessionRequest(http.MethodPost, "/sessions/ws_a/api-key", "ws_a", "", tenantA))

	if rr.Code != http.StatusOK {
		t.Fatalf("got %d", rr.Code)
	}
	var resp api.RotateKeyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if mock.capturedAPIKey != auth.HashKey(resp.ApiKey) {
		t.Errorf("stored key must be the hash of the returned key")
	}
}

func TestRotateAPIKey_StoreError(t *testing.T) {
	mock := seededStore()
	mock.setAPIKeyErr = errors.New("db down")
	h := New(mock)

	rr := httptest.NewRecorder()
	h.RotateAPIKey(rr, sessionRequest(http.MethodPost, "/sessions/ws_a/api-key", "ws_a", "", tenantA))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("got %d want 500", rr.Code)
	}
}
