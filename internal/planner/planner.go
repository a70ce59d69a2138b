package planner

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"agentstack.local/projects/agent-conductor/internal/schedule"
	"agentstack.local/projects/agent-conductor/internal/store"
)

type Action string

const (
	ActionNone   Action = "none"
	ActionResume Action = "resume"
	ActionCreate Action = "create"
)

// Decision is the single unit of work the planner proposes: resume a specific
// incomplete session, create a session for a newly due occurrence, or nothing.
type Decision struct {
	Action       Action
	AutomationID string
	SessionID    string
	ScheduledFor time.Time
}

func None() Decision {
	return Decision{Action: ActionNone}
}

// Planner is the stateless scheduling decision component. It only reads the
// store; acting on a decision is the orchestrator's job.
type Planner struct {
	logger *log.Logger
	store  store.Store
}

func New(logger *log.Logger, st store.Store) *Planner {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if st == nil {
		panic("planner: store is required")
	}
	return &Planner{logger: logger, store: st}
}

type candidate struct {
	automationID string
	sessionID    string
	action       Action
	scheduledFor time.Time
}

// Next scans enabled automations and returns at most one decision. Incomplete
// sessions always win over new occurrences for their automation, and keep
// their original scheduled slot. Candidates merge across both passes sorted
// by scheduled time, ties broken by automation id.
func (p *Planner) Next(ctx context.Context, now time.Time) (Decision, error) {
	automations, err := p.store.ListEnabledAutomations(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("list enabled automations: %w", err)
	}
	sort.Slice(automations, func(i, j int) bool { return automations[i].ID < automations[j].ID })

	candidates := make([]candidate, 0, len(automations))
	for _, automation := range automations {
		// Pass 1: a crashed, network-paused or suspended run must finish
		// before anything new starts for this automation.
		if incomplete, ok, err := p.store.IncompleteAutomationSession(ctx, automation.ID); err != nil {
			return Decision{}, fmt.Errorf("find incomplete session for automation %s: %w", automation.ID, err)
		} else if ok {
			scheduledFor := incomplete.CreatedAt
			if incomplete.ScheduledFor != nil {
				scheduledFor = *incomplete.ScheduledFor
			}
			candidates = append(candidates, candidate{
				automationID: automation.ID,
				sessionID:    incomplete.ID,
				action:       ActionResume,
				scheduledFor: scheduledFor,
			})
			continue
		}

		// Pass 2: next due occurrence for automations that actually recur.
		due, ok, err := p.dueOccurrence(ctx, automation, now)
		if err != nil {
			p.logger.Printf("skipping automation %s for this pass: %v", automation.ID, err)
			continue
		}
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{
			automationID: automation.ID,
			action:       ActionCreate,
			scheduledFor: due,
		})
	}

	if len(candidates) == 0 {
		return None(), nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].scheduledFor.Equal(candidates[j].scheduledFor) {
			return candidates[i].automationID < candidates[j].automationID
		}
		return candidates[i].scheduledFor.Before(candidates[j].scheduledFor)
	})

	winner := candidates[0]
	return Decision{
		Action:       winner.action,
		AutomationID: winner.automationID,
		SessionID:    winner.sessionID,
		ScheduledFor: winner.scheduledFor,
	}, nil
}

// dueOccurrence computes the next occurrence for the automation and reports
// whether it is already due. The reference point is the latest of the last
// completed run's scheduled slot, the schedule's start date and the
// automation's own UpdatedAt, so configuration edits never resurrect
// occurrences that were skipped before the edit.
func (p *Planner) dueOccurrence(ctx context.Context, automation store.AutomationRecord, now time.Time) (time.Time, bool, error) {
	if strings.TrimSpace(automation.Schedule) == "" {
		return time.Time{}, false, nil
	}

	expr, err := schedule.ParseCronExpr(automation.Schedule)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse schedule %q: %w", automation.Schedule, err)
	}

	loc := time.UTC
	if tz := strings.TrimSpace(automation.Timezone); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = parsed
	}

	reference := automation.UpdatedAt
	if automation.StartAt != nil && automation.StartAt.After(reference) {
		reference = *automation.StartAt
	}
	if last, ok, err := p.store.LastCompletedAutomationSession(ctx, automation.ID); err != nil {
		return time.Time{}, false, fmt.Errorf("find last completed session: %w", err)
	} else if ok && last.ScheduledFor != nil && last.ScheduledFor.After(reference) {
		reference = *last.ScheduledFor
	}

	next, ok := schedule.Next(expr, loc, automation.StartAt, automation.EndAt, reference)
	if !ok {
		return time.Time{}, false, nil
	}
	if next.After(now) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}
