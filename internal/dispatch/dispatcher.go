package dispatch

import (
	"context"
	"io"
	"log"
	"time"

	"agentstack.local/projects/agent-conductor/internal/subscribers"
)

// Dispatcher fans each event out to all subscribers concurrently. A failing
// subscriber is retried a few times and then dropped; event delivery never
// blocks or fails the session that produced it.
type Dispatcher struct {
	logger       *log.Logger
	subscribers  []subscribers.Subscriber
	retryCount   int
	retryBackoff time.Duration
}

func New(logger *log.Logger, subs []subscribers.Subscriber) *Dispatcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Dispatcher{
		logger:       logger,
		subscribers:  subs,
		retryCount:   3,
		retryBackoff: 150 * time.Millisecond,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, event subscribers.Event) {
	for _, sub := range d.subscribers {
		s := sub
		go d.dispatchOne(ctx, s, event)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub subscribers.Subscriber, event subscribers.Event) {
	for attempt := 1; attempt <= d.retryCount; attempt++ {
		err := sub.Handle(ctx, event)
		if err == nil {
			return
		}

		d.logger.Printf("subscriber=%s event_id=%s attempt=%d err=%v", sub.Name(), event.EventID, attempt, err)
		if attempt == d.retryCount {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryBackoff):
		}
	}
}
