package orchestrator

import (
	"context"
	"testing"
	"time"

	"agentstack.local/projects/agent-conductor/internal/store"
)

func pinClocks(f *fixture, at time.Time) {
	f.st.SetNowFunc(func() time.Time { return at })
	f.engine.SetNowFunc(func() time.Time { return at })
}

func automationSessions(t *testing.T, f *fixture, automationID string) []store.SessionRecord {
	t.Helper()
	all, err := f.st.ListSessions(context.Background(), 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	out := make([]store.SessionRecord, 0, len(all))
	for _, sess := range all {
		if sess.AutomationID != nil && *sess.AutomationID == automationID {
			out = append(out, sess)
		}
	}
	return out
}

func TestTickRunsDueAutomation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	pinClocks(f, created)

	seed, err := f.st.CreateSession(ctx, store.SessionRecord{Name: "digest seed", Kind: store.KindChat})
	if err != nil {
		t.Fatalf("create seed: %v", err)
	}
	if _, err := f.st.StartRound(ctx, seed.ID, "Compile the daily digest."); err != nil {
		t.Fatalf("seed round: %v", err)
	}

	automation, err := f.st.CreateAutomation(ctx, store.AutomationRecord{
		Name:          "daily digest",
		Schedule:      "0 9 * * *",
		Timezone:      "UTC",
		SeedSessionID: seed.ID,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("create automation: %v", err)
	}

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	pinClocks(f, now)

	f.prov.enqueue(respond(`{"done": true, "summary": "digest sent"}`))
	if err := f.engine.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	sessions := automationSessions(t, f, automation.ID)
	if len(sessions) != 1 {
		t.Fatalf("automation sessions = %d, want 1", len(sessions))
	}
	sess := sessions[0]
	if reason := endReason(t, sess); reason != store.EndCompleted {
		t.Errorf("end reason = %s, want completed", reason)
	}
	wantSlot := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if sess.ScheduledFor == nil || !sess.ScheduledFor.Equal(wantSlot) {
		t.Errorf("scheduled for = %v, want %v", sess.ScheduledFor, wantSlot)
	}
	if msg := f.prov.lastUserMessage(t); msg != "Compile the daily digest." {
		t.Errorf("seed prompt = %q", msg)
	}

	got, err := f.st.GetAutomation(ctx, automation.ID)
	if err != nil {
		t.Fatalf("get automation: %v", err)
	}
	if got.LastExecutionID == nil || *got.LastExecutionID != sess.ID {
		t.Errorf("last execution = %v, want %s", got.LastExecutionID, sess.ID)
	}
	if !got.UpdatedAt.Equal(created) {
		t.Errorf("UpdatedAt moved on execution: %v", got.UpdatedAt)
	}
}

func TestTickIsIdempotentWhenNothingDue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	pinClocks(f, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))

	if _, err := f.st.CreateAutomation(ctx, store.AutomationRecord{
		Name:     "later",
		Schedule: "0 23 * * *",
		Enabled:  true,
	}); err != nil {
		t.Fatalf("create automation: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := f.engine.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if len(f.prov.calls) != 0 {
		t.Errorf("provider called %d times with nothing due", len(f.prov.calls))
	}
	sessions, err := f.st.ListSessions(ctx, 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions created = %d, want 0", len(sessions))
	}
}

func TestTickNoopWhileSessionActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	pinClocks(f, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))

	if _, err := f.st.CreateAutomation(ctx, store.AutomationRecord{
		Name:     "due now",
		Schedule: "0 9 * * *",
		Enabled:  true,
	}); err != nil {
		t.Fatalf("create automation: %v", err)
	}

	chat := f.newChat(t, false)
	f.prov.enqueue(respond(`{"question": "still here?", "module": "conductor"}`))
	if err := f.engine.RequestControl(ctx, chat.ID, "hold the slot"); err != nil {
		t.Fatalf("request control: %v", err)
	}
	calls := len(f.prov.calls)

	if err := f.engine.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(f.prov.calls) != calls {
		t.Error("tick ran work while a session was active")
	}
}

func TestTickResumesCrashedAutomationSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	pinClocks(f, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))

	automation, err := f.st.CreateAutomation(ctx, store.AutomationRecord{
		Name:    "manual sync",
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("create automation: %v", err)
	}

	// A run that died while waiting out a network retry.
	slot := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	crashed, err := f.st.CreateSession(ctx, store.SessionRecord{
		Kind:            store.KindAutomation,
		AutomationID:    &automation.ID,
		ScheduledFor:    &slot,
		Phase:           store.PhaseWaitingNetworkRetry,
		TotalRoundtrips: 1,
		NetworkRetries:  1,
	})
	if err != nil {
		t.Fatalf("create crashed session: %v", err)
	}
	round, err := f.st.StartRound(ctx, crashed.ID, "Sync the workspace.")
	if err != nil {
		t.Fatalf("start round: %v", err)
	}
	if err := f.st.FailRound(ctx, round.RoundID, "connection reset"); err != nil {
		t.Fatalf("fail round: %v", err)
	}

	f.prov.enqueue(respond(`{"done": true, "summary": "synced"}`))
	if err := f.engine.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := f.session(t, crashed.ID)
	if reason := endReason(t, got); reason != store.EndCompleted {
		t.Errorf("end reason = %s, want completed", reason)
	}
	// Re-issuing the interrupted call must not count another roundtrip.
	if got.TotalRoundtrips != 1 {
		t.Errorf("roundtrips = %d, want 1", got.TotalRoundtrips)
	}
	if msg := f.prov.lastUserMessage(t); msg != "Sync the workspace." {
		t.Errorf("resume prompt = %q", msg)
	}
}

func TestTickReopensNetworkErrorSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	pinClocks(f, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))

	automation, err := f.st.CreateAutomation(ctx, store.AutomationRecord{
		Name:    "flaky sync",
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("create automation: %v", err)
	}

	slot := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	paused, err := f.st.CreateSession(ctx, store.SessionRecord{
		Kind:         store.KindAutomation,
		AutomationID: &automation.ID,
		ScheduledFor: &slot,
		Phase:        store.PhaseIdle,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := f.st.ActivateSession(ctx, paused.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := f.st.CloseSession(ctx, paused.ID, store.EndNetworkError); err != nil {
		t.Fatalf("close: %v", err)
	}

	f.prov.enqueue(respond(`{"done": true, "summary": "second attempt worked"}`))
	if err := f.engine.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := f.session(t, paused.ID)
	if reason := endReason(t, got); reason != store.EndCompleted {
		t.Errorf("end reason = %s, want completed", reason)
	}
}
