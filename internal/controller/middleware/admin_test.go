package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireAdminToken_RejectsBadHeaders(t *testing.T) {
	handler := RequireAdminToken("admin-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not have been called")
	}))

	headers := []string{
		"",
		"Basic admin-secret",
		"Bearer",
		"admin-secret",
		"Bearer  admin-secret", // Double space
		"Bearer wrong-secret",
	}

	for _, h := range headers {
		req := httptest.NewRequest(http.MethodPost, "/tenants", nil)
		if h != "" {
			req.Header.Set("Authorization", h)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("header %q: got status %d, want %d", h, rr.Code, http.StatusUnauthorized)
		}
	}
}

func TestRequireAdminToken_Success(t *testing.T) {
	called := false
	handler := RequireAdminToken("admin-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/tenants", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || !called {
		t.Errorf("got status %d (called=%v), want 200", rr.Code, called)
	}
}

func TestRequireAdminToken_EmptyTokenDisablesGuard(t *testing.T) {
	called := false
	handler := RequireAdminToken("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/owned", nil))
	if !called {
		t.Error("expected handler to be called when no admin token is configured")
	}
}
