package genai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDispatchSuccess(t *testing.T) {
	var captured request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "request_id": "req_abc"})
	}))
	defer server.Close()

	client := NewClient(ClientOptions{
		BaseURL:     server.URL,
		Model:       "test-model",
		TopP:        0.8,
		CallbackURL: "http://api.local/api/callbacks/generation",
	})

	requestID, err := client.Dispatch(context.Background(), FreeTextMessages("write about rain", 120))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if requestID != "req_abc" {
		t.Errorf("expected req_abc, got %q", requestID)
	}

	if captured.Model != "test-model" {
		t.Errorf("expected model test-model, got %q", captured.Model)
	}
	if captured.TopP != 0.8 {
		t.Errorf("expected top_p 0.8, got %v", captured.TopP)
	}
	if captured.CallbackURL != "http://api.local/api/callbacks/generation" {
		t.Errorf("callback_url not forwarded: %q", captured.CallbackURL)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Errorf("unexpected messages: %+v", captured.Messages)
	}
}

func TestDispatchUpstreamErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "error", "request_id": "req_abc"})
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL})
	_, err := client.Dispatch(context.Background(), FreeTextMessages("x", 0))
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("expected ErrUpstream, got %v", err)
	}
}

func TestDispatchMissingRequestID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success"})
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL})
	_, err := client.Dispatch(context.Background(), FreeTextMessages("x", 0))
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("expected ErrUpstream, got %v", err)
	}
}

func TestDispatchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL})
	_, err := client.Dispatch(context.Background(), FreeTextMessages("x", 0))
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("expected ErrUpstream, got %v", err)
	}
}

func TestVoteMessagesEnumerateOptions(t *testing.T) {
	messages := VoteMessages("Where to eat?", []VoteOption{
		{ID: "7c3de1f0-0000-4000-8000-000000000001", Text: "Ramen"},
		{ID: "7c3de1f0-0000-4000-8000-000000000002", Text: "Tacos"},
	})
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	user := messages[1].Content[0].Text
	for _, want := range []string{"Where to eat?", "7c3de1f0-0000-4000-8000-000000000001: Ramen", "7c3de1f0-0000-4000-8000-000000000002: Tacos"} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q:\n%s", want, user)
		}
	}
	if !strings.Contains(messages[0].Content[0].Text, "only that option's identifier") {
		t.Errorf("system prompt must constrain the answer to an identifier")
	}
}

func TestReplyMessagesFallbackContext(t *testing.T) {
	messages := ReplyMessages("female", "")
	if !strings.Contains(messages[1].Content[0].Text, "no entries yet") {
		t.Errorf("expected fallback context, got %q", messages[1].Content[0].Text)
	}
	if !strings.Contains(messages[0].Content[0].Text, "voice of a woman") {
		t.Errorf("persona not applied: %q", messages[0].Content[0].Text)
	}
}
