package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestRemindCreate_Success(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/reminders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var reqBody map[string]interface{}
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody["recipient"] != "905551112233" || reqBody["recurrence"] != "monthly" || reqBody["session_id"] != "ws_a" {
			t.Errorf("unexpected body: %v", reqBody)
		}
		if reqBody["run_at"] != "2026-11-01T10:00:00Z" {
			t.Errorf("unexpected run_at: %v", reqBody["run_at"])
		}

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"r-1","recipient":"905551112233","message":"pay rent","run_at":"2026-11-01T10:00:00Z","status":"planned"}`))
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "remind", "create", "--session", "ws_a", "--to", "905551112233",
		"--message", "pay rent", "--at", "2026-11-01T10:00:00Z", "--repeat", "monthly", "--tz", "")

	if !strings.Contains(output, "Reminder scheduled") || !strings.Contains(output, "r-1") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestRemindCreate_Validation(t *testing.T) {
	resetViper()
	viper.Set("token", "test-token")

	output := execute(t, "remind", "create", "--session", "", "--to", "1", "--message", "x", "--at", "tomorrow", "--repeat", "", "--tz", "")
	if !strings.Contains(output, "--at must be RFC3339") {
		t.Errorf("expected time format error, got: %s", output)
	}

	output = execute(t, "remind", "create", "--session", "", "--to", "", "--message", "x", "--at", "2026-11-01T10:00:00Z", "--repeat", "", "--tz", "")
	if !strings.Contains(output, "are required") {
		t.Errorf("expected required flags error, got: %s", output)
	}
}

func TestRemindList_Table(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"reminders":[
			{"id":"r-1","session_id":"ws_a","recipient":"1","message":"m","run_at":"2026-11-01T10:00:00Z","status":"planned","recurrence":"daily","attempts":0},
			{"id":"r-2","recipient":"2","message":"m","run_at":"2026-11-02T10:00:00Z","status":"failed","attempts":3}
		]}`))
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "remind", "list")

	for _, want := range []string{"r-1", "daily", "r-2", "failed"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestRemindRuns(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reminders/r-1/runs" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"runs":[{"attempt":1,"status":"failed","error":"session not ready","run_at":"2026-11-01T10:00:00Z"}]}`))
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	if output := execute(t, "remind", "runs", "r-1"); !strings.Contains(output, "session not ready") {
		t.Errorf("expected run error in output, got: %s", output)
	}
}

func TestRemindDelete(t *testing.T) {
	resetViper()

	var deleted bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deleted = r.Method == http.MethodDelete && r.URL.Path == "/reminders/r-1"
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output := execute(t, "remind", "delete", "r-1")

	if !deleted || !strings.Contains(output, "deleted") {
		t.Errorf("expected delete request and confirmation, got: %s", output)
	}
}
