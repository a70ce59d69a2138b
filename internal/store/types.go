package store

import "time"

type SessionKind string

const (
	KindChat       SessionKind = "chat"
	KindAutomation SessionKind = "automation"
)

// Phase is the current state of a session's execution state machine.
type Phase string

const (
	PhaseIdle                  Phase = "idle"
	PhaseExecutingEnrichments  Phase = "executing_enrichments"
	PhaseCallingAI             Phase = "calling_ai"
	PhaseParsingResponse       Phase = "parsing_ai_response"
	PhaseExecutingDataQueries  Phase = "executing_data_queries"
	PhaseExecutingActions      Phase = "executing_actions"
	PhaseWaitingValidation     Phase = "waiting_validation"
	PhaseWaitingCommunication  Phase = "waiting_communication_response"
	PhaseWaitingCompletion     Phase = "waiting_completion_confirmation"
	PhasePreparingContinuation Phase = "preparing_continuation"
	PhaseRetryingFormat        Phase = "retrying_after_format_error"
	PhaseRetryingAction        Phase = "retrying_after_action_failure"
	PhaseWaitingNetworkRetry   Phase = "waiting_network_retry"
	PhaseInterrupted           Phase = "interrupted"
	PhaseAwaitingClosure       Phase = "awaiting_session_closure"
	PhaseClosed                Phase = "closed"
)

func (p Phase) Terminal() bool {
	return p == PhaseClosed
}

// WaitingUserInput reports whether the phase blocks on external user input.
func (p Phase) WaitingUserInput() bool {
	switch p {
	case PhaseWaitingValidation, PhaseWaitingCommunication, PhaseWaitingCompletion:
		return true
	default:
		return false
	}
}

// EndReason is the closed vocabulary of terminal session outcomes. A nil
// EndReason on a non-active session means the process died mid-run.
type EndReason string

const (
	EndCompleted    EndReason = "completed"
	EndLimitReached EndReason = "limit_reached"
	EndTimeout      EndReason = "timeout"
	EndError        EndReason = "error"
	EndCancelled    EndReason = "cancelled"
	EndInterrupted  EndReason = "interrupted"
	EndNetworkError EndReason = "network_error"
	EndSuspended    EndReason = "suspended"
)

// Resumable reports whether a non-active session with this end reason should
// be picked up again by the planner. nil (crash) counts the same as a network
// pause or an explicit suspension.
func Resumable(reason *EndReason) bool {
	if reason == nil {
		return true
	}
	return *reason == EndNetworkError || *reason == EndSuspended
}

type WaitingKind string

const (
	WaitingValidation    WaitingKind = "validation"
	WaitingCommunication WaitingKind = "communication"
	WaitingCompletion    WaitingKind = "completion"
)

// WaitingContext describes what external input a session is blocked on. The
// Kind discriminant is always set; the remaining fields depend on it.
type WaitingContext struct {
	Kind     WaitingKind    `json:"kind"`
	Action   string         `json:"action,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Module   string         `json:"module,omitempty"`
	Question string         `json:"question,omitempty"`
	Summary  string         `json:"summary,omitempty"`
}

// Usage is an incremental token/cost delta from a single AI response.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CostUSD          float64
}

func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheReadTokens == 0 && u.CacheWriteTokens == 0 && u.CostUSD == 0
}

// SessionRecord is one unit of agent work, chat or automation.
type SessionRecord struct {
	ID           string
	Name         string
	Kind         SessionKind
	AutomationID *string
	ScheduledFor *time.Time
	ProviderID   string

	Phase   Phase
	Waiting *WaitingContext

	TotalRoundtrips int64
	NetworkRetries  int
	FormatRetries   int
	ActionRetries   int

	ValidationRequired bool
	IsActive           bool
	EndReason          *EndReason

	TokensInput      int64
	TokensOutput     int64
	TokensCacheRead  int64
	TokensCacheWrite int64
	CostUSD          float64

	LastEventAt     time.Time
	LastUserInputAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s SessionRecord) Closed() bool {
	return s.EndReason != nil
}

type RoundStatus string

const (
	RoundStatusInProgress RoundStatus = "in_progress"
	RoundStatusCompleted  RoundStatus = "completed"
	RoundStatusFailed     RoundStatus = "failed"
)

// RoundRecord is one AI-call-and-response cycle within a session.
type RoundRecord struct {
	RoundID      string
	SessionID    string
	Sequence     int64
	Prompt       string
	ResponseJSON []byte
	InputTokens  int64
	OutputTokens int64
	Status       RoundStatus
	Error        string
	CreatedAt    time.Time
	CompletedAt  time.Time
	UpdatedAt    time.Time
}

// AutomationRecord is a configured recurring unit of work. UpdatedAt moves on
// every configuration change and never on execution, so edits gate which
// historical occurrences are still eligible.
type AutomationRecord struct {
	ID              string
	Name            string
	ZoneID          string
	SeedSessionID   string
	Schedule        string
	Timezone        string
	StartAt         *time.Time
	EndAt           *time.Time
	Enabled         bool
	ProviderID      string
	LastExecutionID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Transition is one atomic state-machine step: phase, waiting context and
// counters land in a single row write so a crash between steps is always
// recoverable from persisted state alone.
type Transition struct {
	Phase              Phase
	Waiting            *WaitingContext
	IncrementRoundtrip bool
	NetworkRetries     *int
	FormatRetries      *int
	ActionRetries      *int
	AddUsage           *Usage
	UserInput          bool
}
