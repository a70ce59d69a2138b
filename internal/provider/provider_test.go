package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

type fakeNetError struct{ timeout bool }

func (e *fakeNetError) Error() string   { return "dial tcp: connection refused" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("bad request body"), want: false},
		{name: "rate limited", err: &APIError{Provider: "openai", StatusCode: http.StatusTooManyRequests}, want: true},
		{name: "server error", err: &APIError{Provider: "openai", StatusCode: http.StatusBadGateway}, want: true},
		{name: "client error", err: &APIError{Provider: "openai", StatusCode: http.StatusBadRequest}, want: false},
		{name: "auth error", err: &APIError{Provider: "openai", StatusCode: http.StatusUnauthorized}, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "network", err: &fakeNetError{}, want: true},
		{name: "wrapped network", err: errors.Join(errors.New("call api"), &fakeNetError{timeout: true}), want: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	stub := &ChatProvider{name: "stub"}

	r.Register("  OpenAI  ", stub)
	if got, ok := r.Get("openai"); !ok || got != Provider(stub) {
		t.Errorf("Get after Register = %v ok=%v", got, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) reported a provider")
	}
	if _, ok := r.Get(""); ok {
		t.Error("Get with empty id reported a provider")
	}

	var seenKey string
	r.RegisterFactory("custom", func(apiKey string) Provider {
		seenKey = apiKey
		return stub
	})
	if _, ok := r.New("custom", "sk-test"); !ok {
		t.Fatal("New(custom) failed")
	}
	if seenKey != "sk-test" {
		t.Errorf("factory saw key %q", seenKey)
	}
	if _, ok := r.New("unknown", "sk"); ok {
		t.Error("New(unknown) reported a provider")
	}
}

func TestRateTableCost(t *testing.T) {
	t.Parallel()

	table := NormalizeRateTable(RateTable{
		"OpenAI/GPT-4o": {InputPerMTok: 2.5, OutputPerMTok: 10, CacheReadPerMTok: 1.25},
		"anthropic":     {InputPerMTok: 3, OutputPerMTok: 15},
	})

	usage := Usage{InputTokens: 1_000_000, OutputTokens: 500_000, CacheReadTokens: 2_000_000}

	if got, want := table.Cost("openai", "gpt-4o", usage), 2.5+5.0+2.5; got != want {
		t.Errorf("exact match cost = %v, want %v", got, want)
	}
	// Unknown model falls back to the provider-wide rate.
	if got, want := table.Cost("anthropic", "claude-x", usage), 3.0+7.5; got != want {
		t.Errorf("provider fallback cost = %v, want %v", got, want)
	}
	if got := table.Cost("unknown", "model", usage); got != 0 {
		t.Errorf("unknown provider cost = %v, want 0", got)
	}
}

func TestIsTransientHonorsClientTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	if !IsTransient(ctx.Err()) {
		t.Error("deadline exceeded should read as transient")
	}
}
