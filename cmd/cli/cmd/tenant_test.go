package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestTenantCreate_UsesAdminToken(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tenants" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer admin-secret" {
			t.Errorf("expected admin token, got: %s", r.Header.Get("Authorization"))
		}

		var reqBody map[string]interface{}
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody["name"] != "Acme" || reqBody["rate_limit"] != float64(20) {
			t.Errorf("unexpected body: %v", reqBody)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"tenant_id": "t-1", "name": "Acme", "api_key": "sp_abc"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("admin_token", "admin-secret")

	output := execute(t, "tenant", "create", "--name", "Acme", "--rate-limit", "20", "--burst", "40")

	if !strings.Contains(output, "Tenant created") || !strings.Contains(output, "sp_abc") {
		t.Errorf("expected tenant and key in output, got: %s", output)
	}
}

func TestTenantCreate_RequiresName(t *testing.T) {
	resetViper()

	output := execute(t, "tenant", "create", "--name", "")

	if !strings.Contains(output, "--name is required") {
		t.Errorf("expected validation message, got: %s", output)
	}
}

func TestTenantCreate_APIError(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Invalid admin token","code":"401"}`))
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	output := execute(t, "tenant", "create", "--name", "Acme")

	if !strings.Contains(output, "Error (401): Invalid admin token") {
		t.Errorf("expected api error in output, got: %s", output)
	}
}
