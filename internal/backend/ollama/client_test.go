package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/streamchat/internal/core/domain"
)

func ndjsonHandler(t *testing.T, lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("request did not ask for streaming")
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}
}

func TestStreamChatDeliversTokensInOrder(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(t, []string{
		`{"model":"m","message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"model":"m","message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"model":"m","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":2}`,
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))

	var got []string
	usage, err := client.StreamChat(context.Background(), "m",
		[]*domain.Message{{Role: "user", Content: "hi"}},
		func(tok string) error { got = append(got, tok); return nil },
		nil,
	)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if strings.Join(got, "") != "Hello" {
		t.Errorf("tokens = %v, want Hel+lo", got)
	}
	if usage.PromptTokens != 12 || usage.CompletionTokens != 2 || usage.Estimated {
		t.Errorf("usage = %+v, want exact 12/2", usage)
	}
}

func TestStreamChatStopMidStream(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(t, []string{
		`{"message":{"role":"assistant","content":"a"},"done":false}`,
		`{"message":{"role":"assistant","content":"b"},"done":false}`,
		`{"message":{"role":"assistant","content":"c"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"eval_count":3}`,
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))

	count := 0
	usage, err := client.StreamChat(context.Background(), "m", nil,
		func(string) error { count++; return nil },
		func() bool { return count >= 2 },
	)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if count != 2 {
		t.Errorf("delivered %d tokens, want pull to stop after 2", count)
	}
	if !usage.Estimated || usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v, want estimated count 2", usage)
	}
}

func TestStreamChatServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model is busy", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))

	_, err := client.StreamChat(context.Background(), "m", nil, func(string) error { return nil }, nil)
	if domain.KindOf(err) != domain.KindUnavailable {
		t.Fatalf("kind = %s, want unavailable", domain.KindOf(err))
	}
	if !domain.IsRetryable(err) {
		t.Error("5xx from the backend should be retryable")
	}
}

func TestStreamChatUnknownModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model \"nope\" not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))

	_, err := client.StreamChat(context.Background(), "nope", nil, func(string) error { return nil }, nil)
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("kind = %s, want not_found", domain.KindOf(err))
	}
	if domain.IsRetryable(err) {
		t.Error("missing model must not be retried")
	}
}

func TestStreamChatInlineError(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(t, []string{
		`{"message":{"role":"assistant","content":"par"},"done":false}`,
		`{"error":"out of memory"}`,
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))

	var got []string
	_, err := client.StreamChat(context.Background(), "m", nil,
		func(tok string) error { got = append(got, tok); return nil }, nil)
	if err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Fatalf("err = %v, want inline stream error", err)
	}
	if len(got) != 1 || got[0] != "par" {
		t.Errorf("tokens before error = %v, want [par]", got)
	}
}

func TestStreamChatTruncatedStreamEstimatesUsage(t *testing.T) {
	srv := httptest.NewServer(ndjsonHandler(t, []string{
		`{"message":{"role":"assistant","content":"half"},"done":false}`,
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))

	usage, err := client.StreamChat(context.Background(), "m",
		[]*domain.Message{{Role: "user", Content: "question"}},
		func(string) error { return nil }, nil)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if !usage.Estimated || usage.CompletionTokens != 1 {
		t.Errorf("usage = %+v, want estimated completion 1", usage)
	}
	if usage.PromptTokens <= 0 {
		t.Errorf("prompt tokens = %d, want a positive estimate", usage.PromptTokens)
	}
}

func TestStreamChatSendsHistory(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"eval_count":0}`)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))

	history := []*domain.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
	}
	if _, err := client.StreamChat(context.Background(), "llama3", history, func(string) error { return nil }, nil); err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	if gotReq.Model != "llama3" {
		t.Errorf("model = %q, want llama3", gotReq.Model)
	}
	if len(gotReq.Messages) != 3 || gotReq.Messages[1].Role != "assistant" || gotReq.Messages[2].Content != "second" {
		t.Errorf("messages = %+v, want the full history in order", gotReq.Messages)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s, want /api/tags", r.URL.Path)
		}
		fmt.Fprintln(w, `{"models":[{"name":"llama3:8b"},{"name":"mistral:7b"}]}`)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))

	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3:8b" || models[1] != "mistral:7b" {
		t.Errorf("models = %v", models)
	}
}

func TestTokenEstimatorCounts(t *testing.T) {
	est := NewTokenEstimator()

	if n := est.Count("hello world"); n <= 0 {
		t.Errorf("Count = %d, want positive", n)
	}

	msgs := []*domain.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	single := est.Count("hello") + est.Count("hi there")
	if total := est.CountMessages(msgs); total != single+2*perMessageOverhead {
		t.Errorf("CountMessages = %d, want content plus per-message overhead", total)
	}
}
