package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentstack.local/projects/agent-conductor/internal/actions"
	"agentstack.local/projects/agent-conductor/internal/provider"
	"agentstack.local/projects/agent-conductor/internal/store"
)

const (
	historyRoundLimit = 50

	continuePrompt  = "Continue from where you left off."
	rejectionPrompt = "The user rejected the proposed actions. Do not execute them; suggest an alternative or finish the session."

	systemPrompt = `You are the conductor of an agent session. Reply with exactly one JSON object, no prose around it:
{"message": string, "question": string, "module": string, "data_queries": [{"name": string, "module": string, "params": object}], "actions": [{"name": string, "module": string, "params": object}], "done": bool, "summary": string}
Use data_queries to read information and actions to change it. Set question (with module) to ask the user something. Set done with a summary once the work is finished.`
)

// directive is the contract the AI answers with each round.
type directive struct {
	Message     string               `json:"message,omitempty"`
	Question    string               `json:"question,omitempty"`
	Module      string               `json:"module,omitempty"`
	DataQueries []actions.Descriptor `json:"data_queries,omitempty"`
	Actions     []actions.Descriptor `json:"actions,omitempty"`
	Done        bool                 `json:"done,omitempty"`
	Summary     string               `json:"summary,omitempty"`
}

func parseDirective(content string) (directive, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if trimmed == "" {
		return directive{}, fmt.Errorf("empty response")
	}

	var dir directive
	if err := json.Unmarshal([]byte(trimmed), &dir); err != nil {
		return directive{}, fmt.Errorf("decode directive: %w", err)
	}
	return dir, nil
}

// runLoop executes rounds for the slot-holding session until it closes or
// suspends. fresh marks a full round (enrichments, ceiling check, roundtrip
// count); resuming a half-finished AI call passes false so the interrupted
// round is not counted twice. Called with mu held.
func (e *Engine) runLoop(ctx context.Context, sess store.SessionRecord, prompt string, fresh bool) error {
	isAutomation := sess.Kind == store.KindAutomation
	userInput := fresh && sess.Phase == store.PhaseIdle

	for {
		if reason, ok := e.takeInterrupt(); ok {
			if err := e.finish(ctx, sess, reason, true); err != nil {
				return err
			}
			return ErrUserCancelled
		}

		if fresh {
			var err error
			sess, err = e.step(ctx, sess, store.Transition{
				Phase:     store.PhaseExecutingEnrichments,
				UserInput: userInput,
			})
			if err != nil {
				return err
			}
			userInput = false
			prompt = e.enrich(ctx, sess, prompt)

			// The ceiling overrides whatever the round would have done next.
			if sess.TotalRoundtrips >= e.limits.MaxRoundtrips(isAutomation) {
				return e.finish(ctx, sess, store.EndLimitReached, false)
			}
		}

		resp, halted, err := e.callAI(ctx, &sess, prompt, fresh)
		if halted || err != nil {
			return err
		}
		fresh = true

		if reason, ok := e.takeInterrupt(); ok {
			if err := e.finish(ctx, sess, reason, true); err != nil {
				return err
			}
			return ErrUserCancelled
		}

		dir, parseErr := parseDirective(resp.Content)
		if parseErr != nil {
			retries := sess.FormatRetries + 1
			if retries > e.limits.MaxFormatRetries {
				e.logger.Printf("format retries exhausted session=%s err=%v", sess.ID, parseErr)
				if err := e.finish(ctx, sess, store.EndError, false); err != nil {
					return err
				}
				return ErrRetryLimitExceeded
			}
			sess, err = e.step(ctx, sess, store.Transition{
				Phase:         store.PhaseRetryingFormat,
				FormatRetries: &retries,
			})
			if err != nil {
				return err
			}
			prompt = fmt.Sprintf("Your last response could not be parsed (%v). Answer again with exactly one valid JSON directive object.", parseErr)
			continue
		}

		if len(dir.DataQueries) > 0 {
			sess, err = e.step(ctx, sess, store.Transition{Phase: store.PhaseExecutingDataQueries})
			if err != nil {
				return err
			}
			results, halted, err := e.runQueries(ctx, sess, dir.DataQueries)
			if halted || err != nil {
				return err
			}
			sess, err = e.step(ctx, sess, store.Transition{Phase: store.PhasePreparingContinuation})
			if err != nil {
				return err
			}
			prompt = encodeOutcomes("query_results", results)
			continue
		}

		if len(dir.Actions) > 0 {
			if sess.ValidationRequired {
				first := dir.Actions[0]
				_, err = e.step(ctx, sess, store.Transition{
					Phase: store.PhaseWaitingValidation,
					Waiting: &store.WaitingContext{
						Kind:   store.WaitingValidation,
						Action: first.Operation(),
						Params: first.Params,
					},
				})
				return err
			}

			actionPrompt, halted, err := e.performActions(ctx, &sess, dir.Actions, false)
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
			prompt = actionPrompt
			continue
		}

		if strings.TrimSpace(dir.Question) != "" {
			_, err = e.step(ctx, sess, store.Transition{
				Phase: store.PhaseWaitingCommunication,
				Waiting: &store.WaitingContext{
					Kind:     store.WaitingCommunication,
					Module:   dir.Module,
					Question: dir.Question,
				},
			})
			return err
		}

		if dir.Done {
			return e.complete(ctx, sess, dir)
		}

		sess, err = e.step(ctx, sess, store.Transition{Phase: store.PhasePreparingContinuation})
		if err != nil {
			return err
		}
		prompt = continuePrompt
	}
}

// complete closes the session or, for chat sessions with validation on,
// holds it until the user confirms the result.
func (e *Engine) complete(ctx context.Context, sess store.SessionRecord, dir directive) error {
	if sess.Kind == store.KindChat && sess.ValidationRequired {
		summary := strings.TrimSpace(dir.Summary)
		if summary == "" {
			summary = strings.TrimSpace(dir.Message)
		}
		_, err := e.step(ctx, sess, store.Transition{
			Phase: store.PhaseWaitingCompletion,
			Waiting: &store.WaitingContext{
				Kind:    store.WaitingCompletion,
				Summary: summary,
			},
		})
		return err
	}
	return e.finish(ctx, sess, store.EndCompleted, false)
}

// callAI issues one completion, persisting a round row and retrying
// transient failures up to the session kind's network ceiling. On success
// the usage delta lands on the session in the same transition that enters
// the parsing phase, so an interrupt right after still has the cost.
func (e *Engine) callAI(ctx context.Context, sess *store.SessionRecord, prompt string, increment bool) (provider.CompletionResponse, bool, error) {
	isAutomation := sess.Kind == store.KindAutomation

	prov, model, providerID, err := e.resolveProvider(sess.ProviderID)
	if err != nil {
		e.logger.Printf("provider resolution failed session=%s err=%v", sess.ID, err)
		return provider.CompletionResponse{}, true, e.finish(ctx, *sess, store.EndError, false)
	}

	messages, err := e.buildMessages(ctx, *sess, prompt)
	if err != nil {
		return provider.CompletionResponse{}, false, err
	}

	for {
		*sess, err = e.step(ctx, *sess, store.Transition{
			Phase:              store.PhaseCallingAI,
			IncrementRoundtrip: increment,
		})
		if err != nil {
			return provider.CompletionResponse{}, false, err
		}
		increment = false

		round, err := e.store.StartRound(ctx, sess.ID, prompt)
		if err != nil {
			return provider.CompletionResponse{}, false, fmt.Errorf("start round: %w", err)
		}

		resp, callErr := prov.Complete(ctx, provider.CompletionRequest{
			Model:        model,
			Messages:     messages,
			MaxTokens:    e.maxTokens,
			SystemPrompt: systemPrompt,
		})
		if callErr == nil {
			if err := e.store.CompleteRound(ctx, round.RoundID, []byte(resp.Content), resp.Usage.InputTokens, resp.Usage.OutputTokens); err != nil {
				return provider.CompletionResponse{}, false, fmt.Errorf("complete round: %w", err)
			}
			usage := store.Usage{
				InputTokens:      resp.Usage.InputTokens,
				OutputTokens:     resp.Usage.OutputTokens,
				CacheReadTokens:  resp.Usage.CacheReadTokens,
				CacheWriteTokens: resp.Usage.CacheWriteTokens,
				CostUSD:          e.rates.Cost(providerID, resp.Model, resp.Usage),
			}
			networkRetries := 0
			*sess, err = e.step(ctx, *sess, store.Transition{
				Phase:          store.PhaseParsingResponse,
				AddUsage:       &usage,
				NetworkRetries: &networkRetries,
			})
			if err != nil {
				return provider.CompletionResponse{}, false, err
			}
			return resp, false, nil
		}

		if failErr := e.store.FailRound(ctx, round.RoundID, callErr.Error()); failErr != nil {
			e.logger.Printf("round failure not persisted round=%s err=%v", round.RoundID, failErr)
		}

		if !provider.IsTransient(callErr) {
			e.logger.Printf("ai call failed session=%s provider=%s err=%v", sess.ID, providerID, callErr)
			return provider.CompletionResponse{}, true, e.finish(ctx, *sess, store.EndError, false)
		}

		retries := sess.NetworkRetries + 1
		if retries > e.limits.MaxNetworkRetries(isAutomation) {
			e.logger.Printf("network retries exhausted session=%s provider=%s err=%v", sess.ID, providerID, callErr)
			if err := e.finish(ctx, *sess, store.EndNetworkError, false); err != nil {
				return provider.CompletionResponse{}, false, err
			}
			return provider.CompletionResponse{}, true, ErrRetryLimitExceeded
		}
		*sess, err = e.step(ctx, *sess, store.Transition{
			Phase:          store.PhaseWaitingNetworkRetry,
			NetworkRetries: &retries,
		})
		if err != nil {
			return provider.CompletionResponse{}, false, err
		}
		e.logger.Printf("transient ai failure session=%s attempt=%d err=%v", sess.ID, retries, callErr)

		if err := e.wait(ctx, e.limits.NetworkRetryBackoff); err != nil {
			return provider.CompletionResponse{}, false, err
		}
		if reason, ok := e.takeInterrupt(); ok {
			if err := e.finish(ctx, *sess, reason, true); err != nil {
				return provider.CompletionResponse{}, false, err
			}
			return provider.CompletionResponse{}, true, ErrUserCancelled
		}
	}
}

// performActions runs the AI's requested actions in order against the
// command façade. A failing action is retried up to the session's action
// ceiling; past that the failure is reported back to the AI instead of
// closing the session.
func (e *Engine) performActions(ctx context.Context, sess *store.SessionRecord, descriptors []actions.Descriptor, userInput bool) (string, bool, error) {
	var err error
	*sess, err = e.step(ctx, *sess, store.Transition{
		Phase:     store.PhaseExecutingActions,
		UserInput: userInput,
	})
	if err != nil {
		return "", false, err
	}

	results := make([]outcome, 0, len(descriptors))
	for _, action := range descriptors {
		if reason, ok := e.takeInterrupt(); ok {
			if err := e.finish(ctx, *sess, reason, true); err != nil {
				return "", false, err
			}
			return "", true, ErrUserCancelled
		}

		result, actErr := e.executor.Execute(ctx, action)
		for actErr != nil {
			retries := sess.ActionRetries + 1
			if retries > e.limits.MaxActionRetries {
				break
			}
			*sess, err = e.step(ctx, *sess, store.Transition{
				Phase:         store.PhaseRetryingAction,
				ActionRetries: &retries,
			})
			if err != nil {
				return "", false, err
			}
			result, actErr = e.executor.Execute(ctx, action)
		}

		if actErr != nil {
			e.logger.Printf("action failed session=%s op=%s err=%v", sess.ID, action.Operation(), actErr)
			results = append(results, outcome{Name: action.Operation(), Error: actErr.Error()})
			continue
		}
		results = append(results, outcome{Name: action.Operation(), Output: result.Output})
	}

	return encodeOutcomes("action_results", results), false, nil
}

// runQueries executes the AI's read-only lookups. Query failures are fed
// back as results so the AI can route around them.
func (e *Engine) runQueries(ctx context.Context, sess store.SessionRecord, descriptors []actions.Descriptor) ([]outcome, bool, error) {
	results := make([]outcome, 0, len(descriptors))
	for _, query := range descriptors {
		if reason, ok := e.takeInterrupt(); ok {
			if err := e.finish(ctx, sess, reason, true); err != nil {
				return nil, false, err
			}
			return nil, true, ErrUserCancelled
		}

		result, err := e.executor.Query(ctx, query)
		if err != nil {
			results = append(results, outcome{Name: query.Operation(), Error: err.Error()})
			continue
		}
		results = append(results, outcome{Name: query.Operation(), Output: result.Output})
	}
	return results, false, nil
}

// enrich asks the command façade for ambient context to prefix onto the
// round prompt. Enrichment is best-effort and never fails the round.
func (e *Engine) enrich(ctx context.Context, sess store.SessionRecord, prompt string) string {
	if e.executor == nil {
		return prompt
	}
	result, err := e.executor.Query(ctx, actions.Descriptor{
		Name:   "enrich_context",
		Module: "conductor",
		Params: map[string]any{"session_id": sess.ID, "kind": string(sess.Kind)},
	})
	if err != nil {
		e.logger.Printf("context enrichment skipped session=%s err=%v", sess.ID, err)
		return prompt
	}
	if len(result.Output) == 0 {
		return prompt
	}
	return "Context:\n" + string(result.Output) + "\n\n" + prompt
}

// buildMessages reconstructs the conversation from completed rounds plus the
// prompt for the round about to start.
func (e *Engine) buildMessages(ctx context.Context, sess store.SessionRecord, prompt string) ([]provider.Message, error) {
	rounds, err := e.store.GetRounds(ctx, sess.ID, historyRoundLimit)
	if err != nil {
		return nil, fmt.Errorf("load rounds for session %s: %w", sess.ID, err)
	}

	messages := make([]provider.Message, 0, len(rounds)*2+1)
	for _, round := range rounds {
		if round.Status != store.RoundStatusCompleted {
			continue
		}
		if strings.TrimSpace(round.Prompt) != "" {
			messages = append(messages, provider.Message{Role: provider.RoleUser, Content: round.Prompt})
		}
		if len(round.ResponseJSON) > 0 {
			messages = append(messages, provider.Message{Role: provider.RoleAssistant, Content: string(round.ResponseJSON)})
		}
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: prompt})
	return messages, nil
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// outcome is one action or query result as reported back to the AI.
type outcome struct {
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func encodeOutcomes(key string, results []outcome) string {
	data, err := json.Marshal(map[string][]outcome{key: results})
	if err != nil {
		return fmt.Sprintf(`{"%s": []}`, key)
	}
	return string(data)
}
