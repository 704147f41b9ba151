package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"daybook/api/internal/genai"
)

func newTestServer(gen *fakeGen) (*HTTPServer, *memStore) {
	svc, ms, _ := newTestService(gen)
	return NewHTTPServer(svc, nil, "*"), ms
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func loginFor(t *testing.T, handler http.Handler, name string) (token, userID string) {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/session/login", "", map[string]any{"name": name})
	if rec.Code != http.StatusOK {
		t.Fatalf("login returned %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Token  string `json:"token"`
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	return payload.Token, payload.UserID
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(&fakeGen{})
	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestPreflightHasNoBody(t *testing.T) {
	server, _ := newTestServer(&fakeGen{})
	rec := doJSON(t, server.Handler(), http.MethodOptions, "/api/journal", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("preflight must not carry a body, got %q", rec.Body.String())
	}
}

func TestJournalRequiresSession(t *testing.T) {
	server, _ := newTestServer(&fakeGen{})
	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/journal?month=2026-08", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestEntryLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestServer(&fakeGen{})
	handler := server.Handler()
	token, userID := loginFor(t, handler, "Alex")

	rec := doJSON(t, handler, http.MethodPost, "/api/journal/entries", token, map[string]any{
		"date": "2026-08-28",
		"text": "first entry",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID       string `json:"id"`
		AuthorID string `json:"authorId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.AuthorID != userID {
		t.Errorf("author mismatch: %s vs %s", created.AuthorID, userID)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/journal?month=2026-08", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("month returned %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "first entry") {
		t.Errorf("month view missing entry: %s", rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/journal/entries/"+created.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete returned %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/journal?month=2026-08", token, nil)
	if strings.Contains(rec.Body.String(), "first entry") {
		t.Error("deleted entry still in month view")
	}
}

func TestAccountDeletionCascades(t *testing.T) {
	server, ms := newTestServer(&fakeGen{})
	handler := server.Handler()
	token, _ := loginFor(t, handler, "Alex")

	rec := doJSON(t, handler, http.MethodPost, "/api/journal/entries", token, map[string]any{
		"date": "2026-08-28",
		"text": "to be removed",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/profile", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete account returned %d: %s", rec.Code, rec.Body.String())
	}
	if len(ms.entries) != 0 {
		t.Errorf("expected entries removed with the account, got %d", len(ms.entries))
	}

	// The access token is revoked alongside the account.
	rec = doJSON(t, handler, http.MethodGet, "/api/journal?month=2026-08", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 after deletion, got %d", rec.Code)
	}
}

func TestCallbackEndpointIsUnauthenticated(t *testing.T) {
	gen := &fakeGen{tokens: []string{"tok_a"}}
	server, ms := newTestServer(gen)
	handler := server.Handler()
	token, _ := loginFor(t, handler, "Alex")

	rec := doJSON(t, handler, http.MethodPost, "/api/generate", token, map[string]any{"prompt": "rainy day"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("dispatch returned %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"request_id":"tok_a"`) {
		t.Errorf("dispatch response missing request_id: %s", rec.Body.String())
	}

	// No Authorization header on the webhook.
	body := callbackBody("tok_a", "a generated entry")
	req := httptest.NewRequest(http.MethodPost, "/api/callbacks/generation", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("callback returned %d: %s", rec2.Code, rec2.Body.String())
	}
	if len(ms.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(ms.entries))
	}
}

func TestCallbackEndpointStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed body", `{`, http.StatusBadRequest},
		{"missing request_id", `{"status":"success","output":"x"}`, http.StatusBadRequest},
		{"error status", `{"request_id":"tok_x","status":"error"}`, http.StatusBadRequest},
		{"unknown token", `{"request_id":"tok_unknown","status":"success","output":"x"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, _ := newTestServer(&fakeGen{})
			req := httptest.NewRequest(http.MethodPost, "/api/callbacks/generation", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGenerateEndpointMapsUpstreamFailure(t *testing.T) {
	gen := &fakeGen{err: fmt.Errorf("%w: down", genai.ErrUpstream)}
	server, _ := newTestServer(gen)
	handler := server.Handler()
	token, _ := loginFor(t, handler, "Alex")

	rec := doJSON(t, handler, http.MethodPost, "/api/generate", token, map[string]any{"prompt": "x"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSearchUnavailableWithoutBackend(t *testing.T) {
	server, _ := newTestServer(&fakeGen{})
	handler := server.Handler()
	token, _ := loginFor(t, handler, "Alex")

	rec := doJSON(t, handler, http.MethodGet, "/api/search?q=rain", token, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}
