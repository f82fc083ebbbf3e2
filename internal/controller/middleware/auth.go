// Package middleware contains HTTP middleware shared by the controller and worker surfaces.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"sessionplane/internal/auth"
	"sessionplane/internal/logger"
	"sessionplane/internal/store"
	"sessionplane/pkg/api"

	"github.com/google/uuid"
)

// tenantKey is the context key for the authenticated tenant.
type tenantKey struct{}

// TenantLookup resolves a hashed API key to its tenant.
type TenantLookup interface {
	GetTenantByAPIKeyHash(ctx context.Context, hash string) (*store.Tenant, error)
}

// AuthMiddleware authenticates "Authorization: Bearer <key>" against the tenant store.
// Every operation behind it is scoped by the resolved tenant.
func AuthMiddleware(s TenantLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := bearerToken(r)
			if !ok {
				writeError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			tenant, err := s.GetTenantByAPIKeyHash(r.Context(), auth.HashKey(key))
			if errors.Is(err, store.ErrNotFound) || (err == nil && tenant == nil) {
				writeError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if err != nil {
				logger.FromContext(r.Context(), nil).Error("tenant lookup failed", "error", err)
				writeError(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithTenant(r.Context(), tenant)))
		})
	}
}

// RequestID tags every request context with the X-Request-ID header or a fresh id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// NewContextWithTenant returns a context carrying the authenticated tenant.
func NewContextWithTenant(ctx context.Context, tenant *store.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFromContext extracts the authenticated tenant from the context.
func TenantFromContext(ctx context.Context) (*store.Tenant, bool) {
	tenant, ok := ctx.Value(tenantKey{}).(*store.Tenant)
	return tenant, ok && tenant != nil
}

// TenantIDFromContext extracts the authenticated tenant ID from the context.
func TenantIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	tenant, ok := TenantFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return tenant.ID, true
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
