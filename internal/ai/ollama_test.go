package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOllamaAnswer(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaResponse{Response: "  light absorption  "})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "phi", 5*time.Second)
	answer, err := o.Answer(context.Background(), "what does chlorophyll do", QueryContext{"video_topic": "Biology"})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answer != "light absorption" {
		t.Errorf("answer must be trimmed, got %q", answer)
	}
	if got.Model != "phi" || got.Stream {
		t.Errorf("unexpected request: %+v", got)
	}
	if !strings.Contains(got.Prompt, "Current Topic: Biology") {
		t.Error("prompt must include the video context")
	}
	if !strings.Contains(got.Prompt, "USER: what does chlorophyll do") {
		t.Error("prompt must include the question")
	}
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "phi", 5*time.Second)
	if _, err := o.Answer(context.Background(), "q", nil); err == nil {
		t.Error("non-200 status must be an error")
	}
}

func TestOllamaEmptyResponseIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{Response: "   "})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "phi", 5*time.Second)
	if _, err := o.Answer(context.Background(), "q", nil); err == nil {
		t.Error("blank model output must be an error")
	}
}

func TestChatCompletionsAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "an answer"}},
			},
		})
	}))
	defer srv.Close()

	c := NewChatCompletions(srv.URL+"/v1", "sk-test", "gpt-4o-mini", 5*time.Second)
	answer, err := c.Answer(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answer != "an answer" {
		t.Errorf("unexpected answer %q", answer)
	}
}

func TestOllamaHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "phi", 5*time.Second)
	if !o.Healthy(context.Background()) {
		t.Error("expected healthy daemon")
	}

	srv.Close()
	if o.Healthy(context.Background()) {
		t.Error("expected unhealthy after server shutdown")
	}
}
