package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cellsage/ai-engine/internal/provider"
)

func TestGenerate(t *testing.T) {
	var gotReq ollamaChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(`{
			"model": "llama3.1:8b",
			"message": {"role": "assistant", "content": "a short answer"},
			"done": true,
			"prompt_eval_count": 18,
			"eval_count": 5
		}`))
	}))
	defer server.Close()

	p := New(server.URL, nil)
	env, err := p.Generate(context.Background(), provider.Request{
		Model:     "llama3.1:8b",
		System:    "be brief",
		Prompt:    "sum column B",
		MaxTokens: 128,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if gotReq.Stream {
		t.Error("stream must be disabled")
	}
	if gotReq.Options == nil || gotReq.Options.NumPredict != 128 {
		t.Errorf("options = %+v", gotReq.Options)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}

	if env.Content != "a short answer" {
		t.Errorf("content = %q", env.Content)
	}
	if env.InputTokens != 18 || env.OutputTokens != 5 {
		t.Errorf("usage = %d/%d", env.InputTokens, env.OutputTokens)
	}
}

func TestHealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"models": []}`))
	}))
	defer server.Close()

	p := New(server.URL, nil)
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestMultimodal(t *testing.T) {
	p := New("http://localhost:11434", nil)
	if p.Multimodal() {
		t.Error("ollama provider must report text only")
	}
}
