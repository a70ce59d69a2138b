package logging

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"

	"agentstack.local/projects/agent-conductor/internal/subscribers"
)

func TestSubscriberHandle(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	s := New(logger)

	event := subscribers.Event{
		EventID:   "evt_1",
		EventType: subscribers.EventSessionStateChanged,
		SessionID: "ses_1",
		Phase:     "calling_ai",
	}
	if err := s.Handle(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name() != "logging" {
		t.Fatalf("unexpected name: %s", s.Name())
	}
	if !strings.Contains(buf.String(), "evt_1") || !strings.Contains(buf.String(), "calling_ai") {
		t.Fatalf("expected log output to contain event details, got %q", buf.String())
	}
}

func TestSubscriberHandleClosedSession(t *testing.T) {
	var buf bytes.Buffer
	s := New(log.New(&buf, "", 0))

	event := subscribers.Event{
		EventID:   "evt_2",
		EventType: subscribers.EventSessionClosed,
		SessionID: "ses_1",
		Phase:     "closed",
		EndReason: "completed",
		CostUSD:   0.42,
	}
	if err := s.Handle(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "end_reason=completed") {
		t.Fatalf("expected end reason in output, got %q", buf.String())
	}
}
