package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"agentstack.local/projects/agent-conductor/internal/ids"
)

type MemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]SessionRecord
	rounds      map[string][]RoundRecord
	roundIndex  map[string]roundLocation
	automations map[string]AutomationRecord
	closed      bool

	now func() time.Time
}

type roundLocation struct {
	sessionID string
	idx       int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]SessionRecord),
		rounds:      make(map[string][]RoundRecord),
		roundIndex:  make(map[string]roundLocation),
		automations: make(map[string]AutomationRecord),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// SetNowFunc overrides the store clock. Tests use it to pin timestamps.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) CreateSession(_ context.Context, rec SessionRecord) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, fmt.Errorf("memory store is closed")
	}

	now := s.now()
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if _, ok := s.sessions[rec.ID]; ok {
		return SessionRecord{}, fmt.Errorf("session %q already exists", rec.ID)
	}
	if rec.Phase == "" {
		rec.Phase = PhaseIdle
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastEventAt.IsZero() {
		rec.LastEventAt = now
	}
	rec.UpdatedAt = now

	s.sessions[rec.ID] = cloneSession(rec)
	return cloneSession(rec), nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, fmt.Errorf("memory store is closed")
	}

	rec, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return cloneSession(rec), nil
}

func (s *MemoryStore) ListSessions(_ context.Context, limit int) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	out := make([]SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, cloneSession(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ActiveSession(_ context.Context) (SessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, false, fmt.Errorf("memory store is closed")
	}

	for _, rec := range s.sessions {
		if rec.IsActive {
			return cloneSession(rec), true, nil
		}
	}
	return SessionRecord{}, false, nil
}

func (s *MemoryStore) ActivateSession(_ context.Context, id string) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, fmt.Errorf("memory store is closed")
	}

	rec, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	if rec.Closed() {
		if !Resumable(rec.EndReason) {
			return SessionRecord{}, ErrSessionClosed
		}
		// A network pause or suspension reopens; the end reason clears so
		// the row reads as in-progress again.
		rec.EndReason = nil
	}
	for _, other := range s.sessions {
		if other.IsActive && other.ID != id {
			return SessionRecord{}, ErrSlotBusy
		}
	}

	rec.IsActive = true
	rec.UpdatedAt = s.now()
	s.sessions[id] = cloneSession(rec)
	return cloneSession(rec), nil
}

func (s *MemoryStore) ApplyTransition(_ context.Context, id string, tr Transition) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, fmt.Errorf("memory store is closed")
	}

	rec, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	updated, err := applyTransition(rec, tr)
	if err != nil {
		return SessionRecord{}, err
	}

	now := s.now()
	updated.LastEventAt = now
	if tr.UserInput {
		updated.LastUserInputAt = now
	}
	updated.UpdatedAt = now
	s.sessions[id] = cloneSession(updated)
	return cloneSession(updated), nil
}

func (s *MemoryStore) CloseSession(_ context.Context, id string, reason EndReason) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, fmt.Errorf("memory store is closed")
	}

	rec, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	if rec.Closed() {
		return SessionRecord{}, ErrSessionClosed
	}

	now := s.now()
	rec.Phase = PhaseClosed
	rec.Waiting = nil
	rec.IsActive = false
	rec.EndReason = &reason
	rec.LastEventAt = now
	rec.UpdatedAt = now
	s.sessions[id] = cloneSession(rec)
	return cloneSession(rec), nil
}

func (s *MemoryStore) ReleaseStaleActive(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("memory store is closed")
	}

	var released int64
	now := s.now()
	for id, rec := range s.sessions {
		if !rec.IsActive {
			continue
		}
		rec.IsActive = false
		rec.UpdatedAt = now
		s.sessions[id] = rec
		released++
	}
	return released, nil
}

func (s *MemoryStore) SetValidationRequired(_ context.Context, id string, required bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	rec, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.ValidationRequired = required
	rec.UpdatedAt = s.now()
	s.sessions[id] = rec
	return nil
}

func (s *MemoryStore) IncompleteAutomationSession(_ context.Context, automationID string) (SessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, false, fmt.Errorf("memory store is closed")
	}

	var best SessionRecord
	found := false
	for _, rec := range s.sessions {
		if rec.Kind != KindAutomation || rec.AutomationID == nil || *rec.AutomationID != automationID {
			continue
		}
		if rec.IsActive || !Resumable(rec.EndReason) {
			continue
		}
		if !found || earlierScheduled(rec, best) {
			best = rec
			found = true
		}
	}
	if !found {
		return SessionRecord{}, false, nil
	}
	return cloneSession(best), true, nil
}

func (s *MemoryStore) LastCompletedAutomationSession(_ context.Context, automationID string) (SessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, false, fmt.Errorf("memory store is closed")
	}

	var best SessionRecord
	found := false
	for _, rec := range s.sessions {
		if rec.Kind != KindAutomation || rec.AutomationID == nil || *rec.AutomationID != automationID {
			continue
		}
		if rec.EndReason == nil || *rec.EndReason != EndCompleted {
			continue
		}
		if !found || earlierScheduled(best, rec) {
			best = rec
			found = true
		}
	}
	if !found {
		return SessionRecord{}, false, nil
	}
	return cloneSession(best), true, nil
}

func (s *MemoryStore) StartRound(_ context.Context, sessionID, prompt string) (RoundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return RoundRecord{}, fmt.Errorf("memory store is closed")
	}

	now := s.now()
	round := RoundRecord{
		RoundID:   ids.New(),
		SessionID: sessionID,
		Sequence:  int64(len(s.rounds[sessionID]) + 1),
		Prompt:    prompt,
		Status:    RoundStatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.rounds[sessionID] = append(s.rounds[sessionID], round)
	s.roundIndex[round.RoundID] = roundLocation{sessionID: sessionID, idx: len(s.rounds[sessionID]) - 1}
	return round, nil
}

func (s *MemoryStore) CompleteRound(_ context.Context, roundID string, responseJSON []byte, inputTokens, outputTokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	loc, ok := s.roundIndex[roundID]
	if !ok {
		return ErrNotFound
	}
	rounds := s.rounds[loc.sessionID]
	round := rounds[loc.idx]
	round.Status = RoundStatusCompleted
	round.ResponseJSON = append([]byte(nil), responseJSON...)
	round.InputTokens = inputTokens
	round.OutputTokens = outputTokens
	round.CompletedAt = s.now()
	round.UpdatedAt = round.CompletedAt
	rounds[loc.idx] = round
	s.rounds[loc.sessionID] = rounds
	return nil
}

func (s *MemoryStore) FailRound(_ context.Context, roundID, failure string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	loc, ok := s.roundIndex[roundID]
	if !ok {
		return ErrNotFound
	}
	rounds := s.rounds[loc.sessionID]
	round := rounds[loc.idx]
	round.Status = RoundStatusFailed
	round.Error = failure
	round.CompletedAt = s.now()
	round.UpdatedAt = round.CompletedAt
	rounds[loc.idx] = round
	s.rounds[loc.sessionID] = rounds
	return nil
}

func (s *MemoryStore) GetRounds(_ context.Context, sessionID string, limit int) ([]RoundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	rounds := s.rounds[sessionID]
	if limit > 0 && limit < len(rounds) {
		rounds = rounds[len(rounds)-limit:]
	}
	out := make([]RoundRecord, len(rounds))
	copy(out, rounds)
	return out, nil
}

func (s *MemoryStore) CreateAutomation(_ context.Context, rec AutomationRecord) (AutomationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return AutomationRecord{}, fmt.Errorf("memory store is closed")
	}

	now := s.now()
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if _, ok := s.automations[rec.ID]; ok {
		return AutomationRecord{}, fmt.Errorf("automation %q already exists", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.automations[rec.ID] = rec
	return rec, nil
}

func (s *MemoryStore) UpdateAutomation(_ context.Context, rec AutomationRecord) (AutomationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return AutomationRecord{}, fmt.Errorf("memory store is closed")
	}

	existing, ok := s.automations[rec.ID]
	if !ok {
		return AutomationRecord{}, ErrNotFound
	}
	rec.CreatedAt = existing.CreatedAt
	rec.LastExecutionID = existing.LastExecutionID
	rec.UpdatedAt = s.now()
	s.automations[rec.ID] = rec
	return rec, nil
}

func (s *MemoryStore) GetAutomation(_ context.Context, id string) (AutomationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return AutomationRecord{}, fmt.Errorf("memory store is closed")
	}

	rec, ok := s.automations[id]
	if !ok {
		return AutomationRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListAutomations(_ context.Context) ([]AutomationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}
	return s.sortedAutomations(func(AutomationRecord) bool { return true }), nil
}

func (s *MemoryStore) ListEnabledAutomations(_ context.Context) ([]AutomationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}
	return s.sortedAutomations(func(rec AutomationRecord) bool { return rec.Enabled }), nil
}

func (s *MemoryStore) DeleteAutomation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	if _, ok := s.automations[id]; !ok {
		return ErrNotFound
	}
	delete(s.automations, id)
	return nil
}

func (s *MemoryStore) RecordExecution(_ context.Context, automationID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	rec, ok := s.automations[automationID]
	if !ok {
		return ErrNotFound
	}
	// Deliberately leaves UpdatedAt alone: executions are not edits.
	rec.LastExecutionID = &sessionID
	s.automations[automationID] = rec
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) sortedAutomations(keep func(AutomationRecord) bool) []AutomationRecord {
	out := make([]AutomationRecord, 0, len(s.automations))
	for _, rec := range s.automations {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneSession(rec SessionRecord) SessionRecord {
	if rec.Waiting != nil {
		waiting := *rec.Waiting
		if waiting.Params != nil {
			params := make(map[string]any, len(waiting.Params))
			for k, v := range waiting.Params {
				params[k] = v
			}
			waiting.Params = params
		}
		rec.Waiting = &waiting
	}
	if rec.EndReason != nil {
		reason := *rec.EndReason
		rec.EndReason = &reason
	}
	if rec.AutomationID != nil {
		id := *rec.AutomationID
		rec.AutomationID = &id
	}
	if rec.ScheduledFor != nil {
		at := *rec.ScheduledFor
		rec.ScheduledFor = &at
	}
	return rec
}

// earlierScheduled orders automation sessions by their scheduled slot, then
// by creation time so repeated queries stay deterministic.
func earlierScheduled(a, b SessionRecord) bool {
	at := a.CreatedAt
	if a.ScheduledFor != nil {
		at = *a.ScheduledFor
	}
	bt := b.CreatedAt
	if b.ScheduledFor != nil {
		bt = *b.ScheduledFor
	}
	if at.Equal(bt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return at.Before(bt)
}
