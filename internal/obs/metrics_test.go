package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/metrics":                           "/metrics",
		"/api/auth/login":                    "/api/auth/login",
		"/api/workspaces":                    "/api/workspaces",
		"/api/workspaces/abc":                "/api/workspaces/:id",
		"/api/workspaces/abc/members":        "/api/workspaces/:id/members",
		"/api/workspaces/abc/members/u1":     "/api/workspaces/:id/members/:id",
		"/api/projects/p1/archive":           "/api/projects/:id/archive",
		"/api/projects?workspaceId=w1":       "/api/projects",
		"/api/roles/users/u-42":              "/api/roles/users/:id",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentPassesStatusThrough(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/workspaces/w1", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rr.Code)
	}
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	Logger().Info("hello", "k", "v")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "hello" || entry["k"] != "v" || entry["ts"] == nil {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
