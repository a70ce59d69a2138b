package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"agentstack.local/projects/agent-conductor/internal/subscribers"
)

func newTestEvent(eventType subscribers.EventType) subscribers.Event {
	return subscribers.Event{
		EventID:   "evt_1",
		EventType: eventType,
		SessionID: "ses_1",
		Phase:     "closed",
	}
}

func TestHandleSuccessfulPost(t *testing.T) {
	var (
		gotMethod      string
		gotPath        string
		gotContentType string
		gotBody        []byte
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read request body: %v", err)
		}
		gotBody = body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	event := newTestEvent(subscribers.EventSessionClosed)
	wantBody, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	subscriber := New("webhook-test", server.URL+"/events")
	if err := subscriber.Handle(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Fatalf("unexpected method: %s", gotMethod)
	}
	if gotPath != "/events" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected content-type: %s", gotContentType)
	}
	if !bytes.Equal(gotBody, wantBody) {
		t.Fatalf("unexpected body: got=%s want=%s", gotBody, wantBody)
	}
}

func TestHandleNon2xxReturnsErrorWithBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream failed"))
	}))
	defer server.Close()

	subscriber := New("webhook-test", server.URL)
	err := subscriber.Handle(context.Background(), newTestEvent(subscribers.EventSessionClosed))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status code in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "upstream failed") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestHandleEventFilterSkipsNonMatching(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	subscriber := New(
		"webhook-test",
		server.URL,
		WithEventFilter(func(eventType subscribers.EventType) bool {
			return eventType == subscribers.EventSessionClosed
		}),
	)

	if err := subscriber.Handle(context.Background(), newTestEvent(subscribers.EventSessionStateChanged)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no webhook call, got %d", calls)
	}

	if err := subscriber.Handle(context.Background(), newTestEvent(subscribers.EventSessionClosed)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one webhook call, got %d", calls)
	}
}

func TestDefaultName(t *testing.T) {
	if got := New("", "http://localhost").Name(); got != "webhook" {
		t.Fatalf("default name = %q", got)
	}
}
