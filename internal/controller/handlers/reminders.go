package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"sessionplane/internal/controller/middleware"
	"sessionplane/internal/scheduler"
	"sessionplane/internal/store"
	"sessionplane/pkg/api"

	"github.com/google/uuid"
)

func toReminderResponse(r *store.Reminder) api.ReminderResponse {
	return api.ReminderResponse{
		ID:         r.ID.String(),
		SessionID:  r.SessionID,
		Recipient:  r.Recipient,
		Message:    r.Message,
		RunAt:      r.RunAt,
		Status:     string(r.Status),
		Timezone:   r.Timezone,
		Recurrence: r.Recurrence,
		Attempts:   r.Attempts,
		CreatedAt:  r.CreatedAt,
	}
}

// CreateReminder handles POST /reminders.
func (h *Handlers) CreateReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := middleware.TenantIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.CreateReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req.Recipient = strings.TrimSpace(req.Recipient)
	req.Recurrence = strings.TrimSpace(req.Recurrence)
	if req.Recipient == "" || strings.TrimSpace(req.Message) == "" {
		h.httpError(w, "recipient and message are required", http.StatusBadRequest)
		return
	}
	if req.RunAt.IsZero() {
		h.httpError(w, "run_at is required", http.StatusBadRequest)
		return
	}
	if req.Recurrence != "" {
		if err := scheduler.ValidateRecurrence(req.Recurrence, req.Timezone); err != nil {
			h.httpError(w, "Invalid recurrence: "+err.Error(), http.StatusBadRequest)
			return
		}
	} else if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			h.httpError(w, "Invalid timezone", http.StatusBadRequest)
			return
		}
	}

	reminder := &store.Reminder{
		ID:        uuid.New(),
		OwnerID:   tenantID,
		Recipient: req.Recipient,
		Message:   req.Message,
		RunAt:     req.RunAt.UTC(),
		Status:    store.ReminderStatusPlanned,
	}
	reminder.CreatedAt = time.Now().UTC()
	reminder.UpdatedAt = reminder.CreatedAt

	if req.SessionID != "" {
		owned, err := h.store.SessionOwnedBy(ctx, tenantID, req.SessionID)
		if err != nil {
			h.internalError(w, r, "Failed to verify session", err)
			return
		}
		if !owned {
			h.httpError(w, "Session not found", http.StatusNotFound)
			return
		}
		reminder.SessionID = &req.SessionID
	}
	if req.Timezone != "" {
		reminder.Timezone = &req.Timezone
	}
	if req.Recurrence != "" {
		reminder.Recurrence = &req.Recurrence
	}

	if err := h.store.CreateReminder(ctx, reminder); err != nil {
		h.internalError(w, r, "Failed to create reminder", err)
		return
	}

	h.respondJson(w, http.StatusCreated, toReminderResponse(reminder))
}

// ListReminders handles GET /reminders.
func (h *Handlers) ListReminders(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	reminders, err := h.store.ListReminders(r.Context(), tenantID)
	if err != nil {
		h.internalError(w, r, "Failed to list reminders", err)
		return
	}

	resp := api.ListRemindersResponse{Reminders: make([]api.ReminderResponse, 0, len(reminders))}
	for i := range reminders {
		resp.Reminders = append(resp.Reminders, toReminderResponse(&reminders[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// DeleteReminder handles DELETE /reminders/{id}.
func (h *Handlers) DeleteReminder(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid reminder ID", http.StatusBadRequest)
		return
	}

	err = h.store.DeleteReminder(r.Context(), tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Reminder not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, r, "Failed to delete reminder", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListReminderRuns handles GET /reminders/{id}/runs.
func (h *Handlers) ListReminderRuns(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.TenantIDFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid reminder ID", http.StatusBadRequest)
		return
	}

	reminder, err := h.store.GetReminder(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && reminder.OwnerID != tenantID) {
		h.httpError(w, "Reminder not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, r, "Failed to load reminder", err)
		return
	}

	runs, err := h.store.ListRuns(r.Context(), id)
	if err != nil {
		h.internalError(w, r, "Failed to list runs", err)
		return
	}

	resp := api.ListReminderRunsResponse{Runs: make([]api.ReminderRunResponse, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, api.ReminderRunResponse{
			Attempt: run.Attempt,
			Status:  string(run.Status),
			Error:   run.Error,
			RunAt:   run.RunAt,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}
