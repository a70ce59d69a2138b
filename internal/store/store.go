package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSlotBusy      = errors.New("another session is active")
	ErrSessionClosed = errors.New("session is closed")
)

// Store is the durable record of sessions, rounds and automations. Session
// rows are mutated only through ApplyTransition/ActivateSession/CloseSession;
// a closed row is immutable history.
type Store interface {
	CreateSession(ctx context.Context, rec SessionRecord) (SessionRecord, error)
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)

	// ActiveSession returns the session currently holding the slot, if any.
	ActiveSession(ctx context.Context) (SessionRecord, bool, error)

	// ActivateSession grants the single slot to the given session. It fails
	// with ErrSlotBusy when a different session is active and with
	// ErrSessionClosed when the target has a terminal end reason. A session
	// closed with a resumable end reason reopens: its end reason clears.
	ActivateSession(ctx context.Context, id string) (SessionRecord, error)

	// ApplyTransition persists one state-machine step atomically.
	ApplyTransition(ctx context.Context, id string, tr Transition) (SessionRecord, error)

	// CloseSession records the terminal end reason, releases the slot and
	// freezes the row.
	CloseSession(ctx context.Context, id string, reason EndReason) (SessionRecord, error)

	// ReleaseStaleActive clears IsActive on rows left behind by a dead
	// process, leaving their end reason null so the planner resumes them.
	ReleaseStaleActive(ctx context.Context) (int64, error)

	SetValidationRequired(ctx context.Context, id string, required bool) error

	// IncompleteAutomationSession finds a non-active session for the
	// automation whose end reason still allows a resume.
	IncompleteAutomationSession(ctx context.Context, automationID string) (SessionRecord, bool, error)

	// LastCompletedAutomationSession finds the most recently scheduled
	// session for the automation that closed with EndCompleted.
	LastCompletedAutomationSession(ctx context.Context, automationID string) (SessionRecord, bool, error)

	StartRound(ctx context.Context, sessionID, prompt string) (RoundRecord, error)
	CompleteRound(ctx context.Context, roundID string, responseJSON []byte, inputTokens, outputTokens int64) error
	FailRound(ctx context.Context, roundID, failure string) error
	GetRounds(ctx context.Context, sessionID string, limit int) ([]RoundRecord, error)

	CreateAutomation(ctx context.Context, rec AutomationRecord) (AutomationRecord, error)
	// UpdateAutomation persists a configuration change and bumps UpdatedAt.
	UpdateAutomation(ctx context.Context, rec AutomationRecord) (AutomationRecord, error)
	GetAutomation(ctx context.Context, id string) (AutomationRecord, error)
	ListAutomations(ctx context.Context) ([]AutomationRecord, error)
	ListEnabledAutomations(ctx context.Context) ([]AutomationRecord, error)
	DeleteAutomation(ctx context.Context, id string) error
	// RecordExecution links the automation to its latest session without
	// touching UpdatedAt.
	RecordExecution(ctx context.Context, automationID, sessionID string) error

	Close() error
}

func applyTransition(rec SessionRecord, tr Transition) (SessionRecord, error) {
	if rec.Closed() {
		return SessionRecord{}, ErrSessionClosed
	}
	rec.Phase = tr.Phase
	rec.Waiting = tr.Waiting
	if tr.IncrementRoundtrip {
		rec.TotalRoundtrips++
	}
	if tr.NetworkRetries != nil {
		rec.NetworkRetries = *tr.NetworkRetries
	}
	if tr.FormatRetries != nil {
		rec.FormatRetries = *tr.FormatRetries
	}
	if tr.ActionRetries != nil {
		rec.ActionRetries = *tr.ActionRetries
	}
	if tr.AddUsage != nil {
		rec.TokensInput += tr.AddUsage.InputTokens
		rec.TokensOutput += tr.AddUsage.OutputTokens
		rec.TokensCacheRead += tr.AddUsage.CacheReadTokens
		rec.TokensCacheWrite += tr.AddUsage.CacheWriteTokens
		rec.CostUSD += tr.AddUsage.CostUSD
	}
	return rec, nil
}
