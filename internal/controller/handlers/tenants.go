package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"sessionplane/internal/auth"
	"sessionplane/internal/store"
	"sessionplane/pkg/api"

	"github.com/google/uuid"
)

// CreateTenant handles POST /tenants (Admin Only).
// It generates a new API Key, hashes it for storage, and returns the raw key ONCE.
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.httpError(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.RateLimit < 0 || req.RateLimitBurst < 0 {
		h.httpError(w, "rate limits must not be negative", http.StatusBadRequest)
		return
	}

	apiKey, err := auth.GenerateKey(auth.TenantKeyPrefix)
	if err != nil {
		h.httpError(w, "Entropy failure", http.StatusInternalServerError)
		return
	}

	tenant := &store.Tenant{
		ID:             uuid.New(),
		Name:           req.Name,
		RateLimit:      req.RateLimit,
		RateLimitBurst: req.RateLimitBurst,
		CreatedAt:      time.Now(),
	}

	if err := h.store.CreateTenant(ctx, tenant, auth.HashKey(apiKey)); err != nil {
		h.internalError(w, r, "Failed to create tenant", err)
		return
	}

	// Return the Raw Key (This is the only time the user sees it)
	resp := api.CreateTenantResponse{
		ID:     tenant.ID.String(),
		Name:   tenant.Name,
		ApiKey: apiKey,
	}
	h.respondJson(w, http.StatusCreated, resp)
}
