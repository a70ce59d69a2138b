package subscribers

import (
	"context"
	"time"
)

type EventType string

const (
	EventSessionCreated      EventType = "session.created"
	EventSessionStateChanged EventType = "session.state_changed"
	EventSessionClosed       EventType = "session.closed"
)

// Event is the envelope published on every persisted session change. Phase
// and counters reflect the row after the transition.
type Event struct {
	EventID         string    `json:"event_id"`
	EventType       EventType `json:"event_type"`
	OccurredAt      time.Time `json:"occurred_at"`
	SessionID       string    `json:"session_id"`
	SessionKind     string    `json:"session_kind"`
	AutomationID    string    `json:"automation_id,omitempty"`
	Phase           string    `json:"phase"`
	EndReason       string    `json:"end_reason,omitempty"`
	TotalRoundtrips int64     `json:"total_roundtrips"`
	CostUSD         float64   `json:"cost_usd"`
}

type Subscriber interface {
	Name() string
	Handle(context.Context, Event) error
}
