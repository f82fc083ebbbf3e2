package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"sessionplane/internal/auth"
	"sessionplane/internal/controller/middleware"
	"sessionplane/internal/lease"
	"sessionplane/internal/logger"
	"sessionplane/internal/store"
	"sessionplane/pkg/api"

	"github.com/google/uuid"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// newSessionID returns "ws_" followed by the first 8 hex characters of a UUID.
func newSessionID() string {
	return "ws_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func toSessionResponse(s *store.Session) api.SessionResponse {
	return api.SessionResponse{
		ID:         s.ID,
		Name:       s.Name,
		Status:     string(s.Status),
		HasWebhook: s.WebhookURL != nil && *s.WebhookURL != "",
		CreatedAt:  s.CreatedAt,
	}
}

// CreateSession handles POST /sessions.
// It registers (or re-registers) a pending session for the tenant and issues
// a session API key, returned only in this response.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := middleware.TenantIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = newSessionID()
	}
	if !sessionIDPattern.MatchString(req.ID) {
		h.httpError(w, "id must be 1-64 letters, digits, '_' or '-'", http.StatusBadRequest)
		return
	}

	sess := &store.Session{
		ID:        req.ID,
		Name:      strings.TrimSpace(req.Name),
		Status:    store.SessionStatusPending,
		OwnerID:   &tenantID,
		CreatedAt: time.Now(),
	}

	existing, err := h.store.GetSession(ctx, req.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		h.internalError(w, r, "Failed to load session", err)
		return
	case existing.OwnerID == nil || *existing.OwnerID != tenantID:
		h.httpError(w, "Session id already taken", http.StatusConflict)
		return
	default:
		// Re-registration keeps whatever the owning worker last reported.
		sess.Status = existing.Status
		sess.CreatedAt = existing.CreatedAt
	}
	if sess.Name == "" {
		sess.Name = sess.ID
	}

	apiKey, err := auth.GenerateKey(auth.SessionKeyPrefix)
	if err != nil {
		h.httpError(w, "Entropy failure", http.StatusInternalServerError)
		return
	}
	hashed := auth.HashKey(apiKey)
	sess.APIKey = &hashed

	if err := h.store.UpsertSession(ctx, sess); err != nil {
		h.internalError(w, r, "Failed to create session", err)
		return
	}

	h.respondJson(w, http.StatusCreated, api.CreateSessionResponse{
		Session: toSessionResponse(sess),
		ApiKey:  apiKey,
	})
}

// ListSessions handles GET /sessions.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sessions, err := h.store.ListSessions(r.Context(), &tenantID)
	if err != nil {
		h.internalError(w, r, "Failed to list sessions", err)
		return
	}

	resp := api.ListSessionsResponse{Sessions: make([]api.SessionResponse, 0, len(sessions))}
	for i := range sessions {
		resp.Sessions = append(resp.Sessions, toSessionResponse(&sessions[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetSession handles GET /sessions/{id}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	h.respondJson(w, http.StatusOK, toSessionResponse(sess))
}

// DeleteSession handles DELETE /sessions/{id}.
// The owning worker tears its supervisor down once the row is gone; dropping
// the lease as well lets that happen on its next renewal.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteSession(r.Context(), sess.ID); err != nil {
		h.internalError(w, r, "Failed to delete session", err)
		return
	}

	if h.leases != nil {
		if err := h.leases.Delete(r.Context(), lease.SessionKey(sess.ID)); err != nil {
			logger.FromContext(r.Context(), nil).Warn("failed to drop session lease",
				"session_id", sess.ID, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetWebhook handles PUT /sessions/{id}/webhook.
func (h *Handlers) SetWebhook(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	var req api.SetWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateWebhookURL(req.URL); err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	hookURL := req.URL
	var secret *string
	if req.Secret != "" {
		secret = &req.Secret
	}

	if err := h.store.SetWebhook(r.Context(), sess.ID, &hookURL, secret); err != nil {
		h.internalError(w, r, "Failed to set webhook", err)
		return
	}

	h.respondJson(w, http.StatusOK, api.WebhookResponse{WebhookURL: &hookURL, HasSecret: secret != nil})
}

// GetWebhook handles GET /sessions/{id}/webhook. The secret is never returned.
func (h *Handlers) GetWebhook(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	h.respondJson(w, http.StatusOK, api.WebhookResponse{
		WebhookURL: sess.WebhookURL,
		HasSecret:  sess.WebhookSecret != nil && *sess.WebhookSecret != "",
	})
}

// RotateAPIKey handles POST /sessions/{id}/api-key.
func (h *Handlers) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	apiKey, err := auth.GenerateKey(auth.SessionKeyPrefix)
	if err != nil {
		h.httpError(w, "Entropy failure", http.StatusInternalServerError)
		return
	}
	if err := h.store.SetAPIKey(r.Context(), sess.ID, auth.HashKey(apiKey)); err != nil {
		h.internalError(w, r, "Failed to rotate api key", err)
		return
	}

	h.respondJson(w, http.StatusOK, api.RotateKeyResponse{ApiKey: apiKey})
}

// ownedSession loads the {id} session and answers 404 unless the
// authenticated tenant owns it. Foreign sessions are indistinguishable from
// missing ones.
func (h *Handlers) ownedSession(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	tenantID, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	sess, err := h.store.GetSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.internalError(w, r, "Failed to load session", err)
		return nil, false
	}
	if sess.OwnerID == nil || *sess.OwnerID != tenantID {
		h.httpError(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be an absolute http(s) URL")
	}
	return nil
}
