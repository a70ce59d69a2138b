package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"agentstack.local/projects/agent-conductor/internal/actions"
	"agentstack.local/projects/agent-conductor/internal/config"
	"agentstack.local/projects/agent-conductor/internal/dispatch"
	"agentstack.local/projects/agent-conductor/internal/ids"
	"agentstack.local/projects/agent-conductor/internal/planner"
	"agentstack.local/projects/agent-conductor/internal/provider"
	"agentstack.local/projects/agent-conductor/internal/store"
	"agentstack.local/projects/agent-conductor/internal/subscribers"
)

var (
	// ErrSlotBusy is the store's slot error; callers can check either package.
	ErrSlotBusy           = store.ErrSlotBusy
	ErrNoActiveSession    = errors.New("no active session")
	ErrNotWaiting         = errors.New("session is not waiting for this input")
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")
	ErrUserCancelled      = errors.New("cancelled by user")
)

// Engine owns the single active-session slot and drives the phase state
// machine for whichever session holds it. Every transition is persisted
// before the engine moves on, so a crash at any point leaves a row the
// planner can resume.
type Engine struct {
	logger     *log.Logger
	store      store.Store
	planner    *planner.Planner
	providers  *provider.Registry
	executor   *actions.Executor
	dispatcher *dispatch.Dispatcher

	limits          config.Limits
	rates           provider.RateTable
	defaultProvider string
	models          map[string]string
	maxTokens       int

	now func() time.Time

	// mu serializes lifecycle operations; the round loop runs while holding
	// it, so only one session ever executes at a time.
	mu sync.Mutex

	// pendingMu guards the interrupt request, which must be visible to a
	// loop already holding mu.
	pendingMu sync.Mutex
	pending   *store.EndReason
}

// Options carries the execution policy the engine cannot derive from its
// collaborators.
type Options struct {
	Limits          config.Limits
	Rates           provider.RateTable
	DefaultProvider string
	// Models maps a provider id to the model requested from it.
	Models    map[string]string
	MaxTokens int
}

func New(logger *log.Logger, st store.Store, pl *planner.Planner, providers *provider.Registry, executor *actions.Executor, dispatcher *dispatch.Dispatcher, opts Options) *Engine {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if st == nil {
		panic("orchestrator: store is required")
	}
	if providers == nil {
		providers = provider.NewRegistry()
	}

	models := make(map[string]string, len(opts.Models))
	for id, model := range opts.Models {
		models[strings.ToLower(strings.TrimSpace(id))] = model
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &Engine{
		logger:          logger,
		store:           st,
		planner:         pl,
		providers:       providers,
		executor:        executor,
		dispatcher:      dispatcher,
		limits:          opts.Limits,
		rates:           opts.Rates,
		defaultProvider: strings.TrimSpace(opts.DefaultProvider),
		models:          models,
		maxTokens:       maxTokens,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the engine clock. Tests use it to pin timestamps.
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.now = now
}

// CreateSession inserts a new idle chat session. Automation sessions are
// created by Tick when the planner finds a due occurrence, never directly.
func (e *Engine) CreateSession(ctx context.Context, name string, kind store.SessionKind) (store.SessionRecord, error) {
	switch kind {
	case "", store.KindChat:
		kind = store.KindChat
	case store.KindAutomation:
		return store.SessionRecord{}, fmt.Errorf("automation sessions are created by the scheduler")
	default:
		return store.SessionRecord{}, fmt.Errorf("unknown session kind %q", kind)
	}

	rec, err := e.store.CreateSession(ctx, store.SessionRecord{
		Name:               strings.TrimSpace(name),
		Kind:               kind,
		ProviderID:         e.defaultProvider,
		Phase:              store.PhaseIdle,
		ValidationRequired: true,
	})
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("create session: %w", err)
	}
	e.publish(ctx, subscribers.EventSessionCreated, rec)
	return rec, nil
}

// RequestControl grants the slot to the session and drives its state machine
// until it closes or suspends. input is the user's message for this turn and
// may be empty when merely re-attaching to a suspended session.
func (e *Engine) RequestControl(ctx context.Context, sessionID, input string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.store.ActivateSession(ctx, sessionID)
	if err != nil {
		return err
	}
	e.publish(ctx, subscribers.EventSessionStateChanged, sess)
	return e.drive(ctx, sess, input)
}

// StopActive closes the active session with the cancelled end reason. It is
// idempotent: with no active session it succeeds as a no-op. When a round is
// in flight the stop is honored cooperatively at the next phase boundary.
func (e *Engine) StopActive(ctx context.Context) error {
	e.requestInterrupt(store.EndCancelled)
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.clearInterrupt()

	sess, ok, err := e.store.ActiveSession(ctx)
	if err != nil {
		return fmt.Errorf("find active session: %w", err)
	}
	if !ok {
		return nil
	}

	reason := store.EndCancelled
	if pending, pendingSet := e.takeInterrupt(); pendingSet {
		reason = pending
	}
	return e.finish(ctx, sess, reason, true)
}

// InterruptActiveRound requests cooperative cancellation of the in-flight
// round. An interrupt posted while the AI call is on the wire is honored at
// the next phase boundary, after the response usage has been persisted.
func (e *Engine) InterruptActiveRound(ctx context.Context) error {
	e.requestInterrupt(store.EndInterrupted)
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.clearInterrupt()

	sess, ok, err := e.store.ActiveSession(ctx)
	if err != nil {
		return fmt.Errorf("find active session: %w", err)
	}
	if !ok {
		return nil
	}

	reason := store.EndInterrupted
	if pending, pendingSet := e.takeInterrupt(); pendingSet {
		reason = pending
	}
	return e.finish(ctx, sess, reason, true)
}

// ResumeWithValidation supplies the user's verdict for a session waiting in
// the validation phase. Approval executes the held actions; rejection skips
// them and lets the AI propose something else.
func (e *Engine) ResumeWithValidation(ctx context.Context, approved bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok, err := e.store.ActiveSession(ctx)
	if err != nil {
		return fmt.Errorf("find active session: %w", err)
	}
	if !ok {
		return ErrNoActiveSession
	}
	if sess.Phase != store.PhaseWaitingValidation {
		return ErrNotWaiting
	}

	if !approved {
		sess, err = e.step(ctx, sess, store.Transition{
			Phase:     store.PhasePreparingContinuation,
			UserInput: true,
		})
		if err != nil {
			return err
		}
		return e.runLoop(ctx, sess, rejectionPrompt, true)
	}

	dir, err := e.lastDirective(ctx, sess)
	if err != nil {
		e.logger.Printf("approved actions unrecoverable session=%s err=%v", sess.ID, err)
		return e.finish(ctx, sess, store.EndError, false)
	}

	prompt, halted, err := e.performActions(ctx, &sess, dir.Actions, true)
	if halted || err != nil {
		return err
	}
	if dir.Done {
		return e.complete(ctx, sess, dir)
	}
	sess, err = e.step(ctx, sess, store.Transition{Phase: store.PhasePreparingContinuation})
	if err != nil {
		return err
	}
	return e.runLoop(ctx, sess, prompt, true)
}

// ResumeWithResponse supplies the user's reply for a session waiting on a
// communication question or on completion confirmation. An empty answer
// cancels a communication wait and confirms a completion wait.
func (e *Engine) ResumeWithResponse(ctx context.Context, answer string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok, err := e.store.ActiveSession(ctx)
	if err != nil {
		return fmt.Errorf("find active session: %w", err)
	}
	if !ok {
		return ErrNoActiveSession
	}

	answer = strings.TrimSpace(answer)
	switch sess.Phase {
	case store.PhaseWaitingCommunication:
		if answer == "" {
			return e.finish(ctx, sess, store.EndCancelled, true)
		}
	case store.PhaseWaitingCompletion:
		if answer == "" {
			return e.finish(ctx, sess, store.EndCompleted, false)
		}
	default:
		return ErrNotWaiting
	}

	sess, err = e.step(ctx, sess, store.Transition{
		Phase:     store.PhasePreparingContinuation,
		UserInput: true,
	})
	if err != nil {
		return err
	}
	return e.runLoop(ctx, sess, answer, true)
}

// ToggleValidation flips the session's validation flag. It never touches the
// phase, so it is safe on suspended and idle sessions alike.
func (e *Engine) ToggleValidation(ctx context.Context, sessionID string, required bool) error {
	return e.store.SetValidationRequired(ctx, sessionID, required)
}

// Tick is the scheduler trigger surface. It is idempotent and safe to call
// at any cadence: a no-op while a session holds the slot, otherwise it asks
// the planner for at most one unit of work and acts on it.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok, err := e.store.ActiveSession(ctx); err != nil {
		return fmt.Errorf("find active session: %w", err)
	} else if ok {
		return nil
	}
	if e.planner == nil {
		return nil
	}

	decision, err := e.planner.Next(ctx, e.now())
	if err != nil {
		return fmt.Errorf("plan next session: %w", err)
	}

	switch decision.Action {
	case planner.ActionNone:
		return nil

	case planner.ActionResume:
		sess, err := e.store.ActivateSession(ctx, decision.SessionID)
		if err != nil {
			return fmt.Errorf("activate session %s: %w", decision.SessionID, err)
		}
		e.logger.Printf("resuming session=%s automation=%s phase=%s", sess.ID, decision.AutomationID, sess.Phase)
		e.publish(ctx, subscribers.EventSessionStateChanged, sess)
		return e.drive(ctx, sess, "")

	case planner.ActionCreate:
		automation, err := e.store.GetAutomation(ctx, decision.AutomationID)
		if err != nil {
			return fmt.Errorf("load automation %s: %w", decision.AutomationID, err)
		}
		scheduledFor := decision.ScheduledFor
		sess, err := e.store.CreateSession(ctx, store.SessionRecord{
			Name:         automation.Name,
			Kind:         store.KindAutomation,
			AutomationID: &automation.ID,
			ScheduledFor: &scheduledFor,
			ProviderID:   automation.ProviderID,
			Phase:        store.PhaseIdle,
		})
		if err != nil {
			return fmt.Errorf("create automation session: %w", err)
		}
		e.publish(ctx, subscribers.EventSessionCreated, sess)
		if err := e.store.RecordExecution(ctx, automation.ID, sess.ID); err != nil {
			return fmt.Errorf("record execution for automation %s: %w", automation.ID, err)
		}

		sess, err = e.store.ActivateSession(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("activate session %s: %w", sess.ID, err)
		}
		e.logger.Printf("starting automation=%s session=%s scheduled_for=%s", automation.ID, sess.ID, scheduledFor.Format(time.RFC3339))
		e.publish(ctx, subscribers.EventSessionStateChanged, sess)
		return e.drive(ctx, sess, e.seedPrompt(ctx, automation))

	default:
		return fmt.Errorf("unknown planner action %q", decision.Action)
	}
}

// drive re-enters the state machine at the session's persisted phase. Called
// with mu held and the session holding the slot.
func (e *Engine) drive(ctx context.Context, sess store.SessionRecord, input string) error {
	switch sess.Phase {
	case store.PhaseIdle:
		prompt := strings.TrimSpace(input)
		if prompt == "" {
			prompt = fmt.Sprintf("Start working on %q.", sess.Name)
		}
		return e.runLoop(ctx, sess, prompt, true)

	case store.PhaseWaitingNetworkRetry, store.PhaseCallingAI:
		// The call never finished; re-issue it with the same prompt. The
		// roundtrip was already counted when the phase was first entered.
		prompt, ok, err := e.lastPrompt(ctx, sess)
		if err != nil {
			return err
		}
		if !ok {
			return e.runLoop(ctx, sess, continuePrompt, true)
		}
		return e.runLoop(ctx, sess, prompt, false)

	case store.PhaseWaitingValidation, store.PhaseWaitingCommunication, store.PhaseWaitingCompletion:
		// Still blocked on user input; the resume APIs move it forward.
		return nil

	case store.PhaseInterrupted, store.PhaseAwaitingClosure:
		// Crashed mid-close; the original end reason is lost.
		return e.finish(ctx, sess, store.EndInterrupted, false)

	default:
		// Crashed mid-round after the response landed. Side effects of the
		// unfinished round must not be replayed, so ask for a fresh round.
		return e.runLoop(ctx, sess, continuePrompt, true)
	}
}

// finish drives the session through closure and releases the slot.
func (e *Engine) finish(ctx context.Context, sess store.SessionRecord, reason store.EndReason, interrupted bool) error {
	var err error
	if interrupted {
		sess, err = e.step(ctx, sess, store.Transition{Phase: store.PhaseInterrupted})
		if err != nil {
			return err
		}
	}
	sess, err = e.step(ctx, sess, store.Transition{Phase: store.PhaseAwaitingClosure})
	if err != nil {
		return err
	}

	closed, err := e.store.CloseSession(ctx, sess.ID, reason)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sess.ID, err)
	}
	e.logger.Printf("session closed session=%s reason=%s roundtrips=%d cost_usd=%.6f",
		closed.ID, reason, closed.TotalRoundtrips, closed.CostUSD)
	e.publish(ctx, subscribers.EventSessionClosed, closed)
	return nil
}

// step persists one transition and publishes the resulting snapshot.
func (e *Engine) step(ctx context.Context, sess store.SessionRecord, tr store.Transition) (store.SessionRecord, error) {
	updated, err := e.store.ApplyTransition(ctx, sess.ID, tr)
	if err != nil {
		return sess, fmt.Errorf("persist transition to %s: %w", tr.Phase, err)
	}
	e.publish(ctx, subscribers.EventSessionStateChanged, updated)
	return updated, nil
}

func (e *Engine) publish(ctx context.Context, eventType subscribers.EventType, sess store.SessionRecord) {
	if e.dispatcher == nil {
		return
	}
	event := subscribers.Event{
		EventID:         ids.New(),
		EventType:       eventType,
		OccurredAt:      e.now().UTC(),
		SessionID:       sess.ID,
		SessionKind:     string(sess.Kind),
		Phase:           string(sess.Phase),
		TotalRoundtrips: sess.TotalRoundtrips,
		CostUSD:         sess.CostUSD,
	}
	if sess.AutomationID != nil {
		event.AutomationID = *sess.AutomationID
	}
	if sess.EndReason != nil {
		event.EndReason = string(*sess.EndReason)
	}
	e.dispatcher.Dispatch(ctx, event)
}

func (e *Engine) requestInterrupt(reason store.EndReason) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.pending == nil {
		e.pending = &reason
	}
}

func (e *Engine) takeInterrupt() (store.EndReason, bool) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.pending == nil {
		return "", false
	}
	reason := *e.pending
	e.pending = nil
	return reason, true
}

func (e *Engine) clearInterrupt() {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	e.pending = nil
}

func (e *Engine) resolveProvider(id string) (provider.Provider, string, string, error) {
	providerID := strings.TrimSpace(id)
	if providerID == "" {
		providerID = e.defaultProvider
	}
	prov, ok := e.providers.Get(providerID)
	if !ok {
		return nil, "", "", fmt.Errorf("provider %q is not registered", providerID)
	}
	model := e.models[strings.ToLower(providerID)]
	if model == "" {
		return nil, "", "", fmt.Errorf("no model configured for provider %q", providerID)
	}
	return prov, model, providerID, nil
}

// seedPrompt recovers the automation's original instructions from its seed
// session's first round, falling back to the automation name.
func (e *Engine) seedPrompt(ctx context.Context, automation store.AutomationRecord) string {
	if seedID := strings.TrimSpace(automation.SeedSessionID); seedID != "" {
		rounds, err := e.store.GetRounds(ctx, seedID, 0)
		if err != nil {
			e.logger.Printf("seed session unreadable automation=%s err=%v", automation.ID, err)
		} else if len(rounds) > 0 && strings.TrimSpace(rounds[0].Prompt) != "" {
			return rounds[0].Prompt
		}
	}
	return fmt.Sprintf("Run the automation %q.", automation.Name)
}

func (e *Engine) lastPrompt(ctx context.Context, sess store.SessionRecord) (string, bool, error) {
	rounds, err := e.store.GetRounds(ctx, sess.ID, 1)
	if err != nil {
		return "", false, fmt.Errorf("load rounds for session %s: %w", sess.ID, err)
	}
	if len(rounds) == 0 || strings.TrimSpace(rounds[len(rounds)-1].Prompt) == "" {
		return "", false, nil
	}
	return rounds[len(rounds)-1].Prompt, true, nil
}

// lastDirective re-parses the most recent completed round's response. Resume
// paths use it so held actions survive a process restart.
func (e *Engine) lastDirective(ctx context.Context, sess store.SessionRecord) (directive, error) {
	rounds, err := e.store.GetRounds(ctx, sess.ID, 0)
	if err != nil {
		return directive{}, fmt.Errorf("load rounds for session %s: %w", sess.ID, err)
	}
	for i := len(rounds) - 1; i >= 0; i-- {
		if rounds[i].Status != store.RoundStatusCompleted || len(rounds[i].ResponseJSON) == 0 {
			continue
		}
		return parseDirective(string(rounds[i].ResponseJSON))
	}
	return directive{}, fmt.Errorf("session %s has no completed round", sess.ID)
}
