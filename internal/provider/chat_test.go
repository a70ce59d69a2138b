package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChatProviderComplete(t *testing.T) {
	t.Parallel()

	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization header = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "gpt-4o-2024",
			"choices": []map[string]any{
				{
					"message":       map[string]any{"role": "assistant", "content": `{"message":"hello","done":true}`},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]any{
				"prompt_tokens":         120,
				"completion_tokens":     30,
				"prompt_tokens_details": map[string]any{"cached_tokens": 64},
			},
		})
	}))
	defer server.Close()

	p := NewChatProvider("openai", "sk-test", WithChatEndpoint(server.URL))
	resp, err := p.Complete(context.Background(), CompletionRequest{
		Model:        "gpt-4o",
		SystemPrompt: "you are a conductor",
		Messages: []Message{
			{Role: RoleUser, Content: "begin"},
		},
		MaxTokens: 512,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if captured.Model != "gpt-4o" || captured.MaxTokens != 512 {
		t.Errorf("request = %+v", captured)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", captured.Messages)
	}

	if resp.Content != `{"message":"hello","done":true}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 120 || resp.Usage.OutputTokens != 30 || resp.Usage.CacheReadTokens != 64 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Model != "gpt-4o-2024" || resp.StopReason != "stop" {
		t.Errorf("model=%q stop=%q", resp.Model, resp.StopReason)
	}
}

func TestChatProviderAPIError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit","message":"slow down"}}`))
	}))
	defer server.Close()

	p := NewChatProvider("openai", "sk-test", WithChatEndpoint(server.URL))
	_, err := p.Complete(context.Background(), CompletionRequest{
		Model:     "gpt-4o",
		Messages:  []Message{{Role: RoleUser, Content: "begin"}},
		MaxTokens: 64,
	})
	if err == nil {
		t.Fatal("expected an error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not an APIError", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Message != "slow down" {
		t.Errorf("api error = %+v", apiErr)
	}
	if !IsTransient(err) {
		t.Error("rate limit should read as transient")
	}
}

func TestChatProviderValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    *ChatProvider
		req  CompletionRequest
	}{
		{
			name: "missing api key",
			p:    NewChatProvider("openai", ""),
			req:  CompletionRequest{Model: "gpt-4o", MaxTokens: 64, Messages: []Message{{Role: RoleUser, Content: "x"}}},
		},
		{
			name: "missing model",
			p:    NewChatProvider("openai", "sk"),
			req:  CompletionRequest{MaxTokens: 64, Messages: []Message{{Role: RoleUser, Content: "x"}}},
		},
		{
			name: "zero max tokens",
			p:    NewChatProvider("openai", "sk"),
			req:  CompletionRequest{Model: "gpt-4o", Messages: []Message{{Role: RoleUser, Content: "x"}}},
		},
		{
			name: "no messages",
			p:    NewChatProvider("openai", "sk"),
			req:  CompletionRequest{Model: "gpt-4o", MaxTokens: 64},
		},
		{
			name: "bad role",
			p:    NewChatProvider("openai", "sk"),
			req:  CompletionRequest{Model: "gpt-4o", MaxTokens: 64, Messages: []Message{{Role: "tool", Content: "x"}}},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tc.p.Complete(context.Background(), tc.req); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestChatProviderEmptyContent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  "}}]}`))
	}))
	defer server.Close()

	p := NewChatProvider("openai", "sk-test", WithChatEndpoint(server.URL))
	_, err := p.Complete(context.Background(), CompletionRequest{
		Model:     "gpt-4o",
		Messages:  []Message{{Role: RoleUser, Content: "begin"}},
		MaxTokens: 64,
	})
	if err == nil {
		t.Fatal("expected an error for blank content")
	}
}
