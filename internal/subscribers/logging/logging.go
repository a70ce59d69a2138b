package logging

import (
	"context"
	"io"
	"log"

	"agentstack.local/projects/agent-conductor/internal/subscribers"
)

type Subscriber struct {
	logger *log.Logger
}

func New(logger *log.Logger) *Subscriber {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Subscriber{logger: logger}
}

func (s *Subscriber) Name() string {
	return "logging"
}

func (s *Subscriber) Handle(_ context.Context, event subscribers.Event) error {
	if event.EndReason != "" {
		s.logger.Printf("event=%s id=%s session=%s phase=%s end_reason=%s roundtrips=%d cost_usd=%.4f",
			event.EventType, event.EventID, event.SessionID, event.Phase, event.EndReason, event.TotalRoundtrips, event.CostUSD)
		return nil
	}
	s.logger.Printf("event=%s id=%s session=%s phase=%s roundtrips=%d",
		event.EventType, event.EventID, event.SessionID, event.Phase, event.TotalRoundtrips)
	return nil
}
