// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"sessionplane/internal/logger"
	"sessionplane/internal/store"
	"sessionplane/pkg/api"
)

// StoreFactory combines the interfaces needed for the controller to function.
type StoreFactory interface {
	Ping(ctx context.Context) error
	store.TenantStore
	store.SessionStore
	store.ReminderStore
}

// LeaseDeleter removes a session's lease key regardless of its holder.
type LeaseDeleter interface {
	Delete(ctx context.Context, key string) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store  StoreFactory
	leases LeaseDeleter
}

// Option configures optional handler dependencies.
type Option func(*Handlers)

// WithLeases lets session deletion drop the lease immediately instead of
// waiting for the owning worker to notice the row is gone.
func WithLeases(l LeaseDeleter) Option {
	return func(h *Handlers) { h.leases = l }
}

// New creates a new Handlers instance with the given store dependency.
func New(s StoreFactory, opts ...Option) *Handlers {
	h := &Handlers{store: s}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// internalError logs err with the request's context and answers 500.
func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	logger.FromContext(r.Context(), nil).Error(message, "error", err)
	h.httpError(w, message, http.StatusInternalServerError)
}
