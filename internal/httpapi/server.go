package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentstack.local/projects/agent-conductor/internal/orchestrator"
	"agentstack.local/projects/agent-conductor/internal/schedule"
	"agentstack.local/projects/agent-conductor/internal/store"
)

const maxRequestBytes int64 = 1 << 20

type server struct {
	logger *log.Logger
	engine *orchestrator.Engine
	store  store.Store
}

// NewServer binds the conductor's HTTP surface to addr. stream, when non-nil,
// is mounted at /v1/stream for websocket observers.
func NewServer(logger *log.Logger, addr string, engine *orchestrator.Engine, st store.Store, stream http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(logger, engine, st, stream),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// NewHandler builds the route table without binding a listener; tests serve
// it through httptest.
func NewHandler(logger *log.Logger, engine *orchestrator.Engine, st store.Store, stream http.Handler) http.Handler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	h := &server{logger: logger, engine: engine, store: st}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/sessions", h.handleSessions)
	mux.HandleFunc("/v1/sessions/", h.handleSessionSubtree)
	mux.HandleFunc("/v1/automations", h.handleAutomations)
	mux.HandleFunc("/v1/automations/", h.handleAutomationByID)
	mux.HandleFunc("/v1/tick", h.handleTick)
	if stream != nil {
		mux.Handle("/v1/stream", stream)
	}
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = parsed
		}
		sessions, err := s.store.ListSessions(r.Context(), limit)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out := make([]sessionBody, 0, len(sessions))
		for _, sess := range sessions {
			out = append(out, toSessionBody(sess))
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": out})

	case http.MethodPost:
		var req createSessionBody
		if !s.decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		sess, err := s.engine.CreateSession(r.Context(), req.Name, store.SessionKind(req.Kind))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, toSessionBody(sess))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionSubtree routes everything under /v1/sessions/. The "active"
// segment addresses whichever session holds the slot.
func (s *server) handleSessionSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	id, op, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}

	if id == "active" {
		s.handleActiveOp(w, r, op)
		return
	}

	switch op {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleGetSession(w, r, id)
	case "start":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req startSessionBody
		if !s.decodeJSON(w, r, &req) {
			return
		}
		s.writeRunOutcome(w, s.engine.RequestControl(r.Context(), id, req.Input))
	case "validation-required":
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req validationRequiredBody
		if !s.decodeJSON(w, r, &req) {
			return
		}
		if req.Required == nil {
			http.Error(w, "required is required", http.StatusBadRequest)
			return
		}
		if err := s.engine.ToggleValidation(r.Context(), id, *req.Required); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *server) handleActiveOp(w http.ResponseWriter, r *http.Request, op string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch op {
	case "stop":
		s.writeRunOutcome(w, s.engine.StopActive(r.Context()))
	case "interrupt":
		s.writeRunOutcome(w, s.engine.InterruptActiveRound(r.Context()))
	case "validation":
		var req validationVerdictBody
		if !s.decodeJSON(w, r, &req) {
			return
		}
		if req.Approved == nil {
			http.Error(w, "approved is required", http.StatusBadRequest)
			return
		}
		s.writeRunOutcome(w, s.engine.ResumeWithValidation(r.Context(), *req.Approved))
	case "response":
		var req userResponseBody
		if !s.decodeJSON(w, r, &req) {
			return
		}
		s.writeRunOutcome(w, s.engine.ResumeWithResponse(r.Context(), req.Answer))
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rounds, err := s.store.GetRounds(r.Context(), id, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]roundBody, 0, len(rounds))
	for _, round := range rounds {
		out = append(out, toRoundBody(round))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": toSessionBody(sess),
		"rounds":  out,
	})
}

func (s *server) handleAutomations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		automations, err := s.store.ListAutomations(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		out := make([]automationBody, 0, len(automations))
		for _, automation := range automations {
			out = append(out, toAutomationBody(automation))
		}
		writeJSON(w, http.StatusOK, map[string]any{"automations": out})

	case http.MethodPost:
		var req automationConfigBody
		if !s.decodeJSON(w, r, &req) {
			return
		}
		if err := validateAutomationConfig(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec := store.AutomationRecord{
			Name:          strings.TrimSpace(req.Name),
			ZoneID:        strings.TrimSpace(req.ZoneID),
			SeedSessionID: strings.TrimSpace(req.SeedSessionID),
			Schedule:      strings.TrimSpace(req.Schedule),
			Timezone:      strings.TrimSpace(req.Timezone),
			StartAt:       req.StartAt,
			EndAt:         req.EndAt,
			Enabled:       true,
			ProviderID:    strings.TrimSpace(req.ProviderID),
		}
		if req.Enabled != nil {
			rec.Enabled = *req.Enabled
		}
		created, err := s.store.CreateAutomation(r.Context(), rec)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAutomationBody(created))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleAutomationByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/automations/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		automation, err := s.store.GetAutomation(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAutomationBody(automation))

	case http.MethodPut:
		var req automationConfigBody
		if !s.decodeJSON(w, r, &req) {
			return
		}
		if err := validateAutomationConfig(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		automation, err := s.store.GetAutomation(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		automation.Name = strings.TrimSpace(req.Name)
		automation.ZoneID = strings.TrimSpace(req.ZoneID)
		automation.SeedSessionID = strings.TrimSpace(req.SeedSessionID)
		automation.Schedule = strings.TrimSpace(req.Schedule)
		automation.Timezone = strings.TrimSpace(req.Timezone)
		automation.StartAt = req.StartAt
		automation.EndAt = req.EndAt
		automation.ProviderID = strings.TrimSpace(req.ProviderID)
		if req.Enabled != nil {
			automation.Enabled = *req.Enabled
		}
		updated, err := s.store.UpdateAutomation(r.Context(), automation)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAutomationBody(updated))

	case http.MethodDelete:
		if err := s.store.DeleteAutomation(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeRunOutcome(w, s.engine.Tick(r.Context()))
}

// writeRunOutcome maps an engine lifecycle result to a response. A run that
// the engine itself ended (cancel, retry ceiling) is a handled outcome, not a
// request failure; the session row carries the end reason.
func (s *server) writeRunOutcome(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, orchestrator.ErrUserCancelled),
		errors.Is(err, orchestrator.ErrRetryLimitExceeded):
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "detail": err.Error()})
	default:
		s.writeError(w, err)
	}
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, orchestrator.ErrNoActiveSession):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrSlotBusy),
		errors.Is(err, orchestrator.ErrNotWaiting),
		errors.Is(err, store.ErrSessionClosed):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Printf("request failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return false
	}
	if dec.More() {
		http.Error(w, "invalid json: trailing content", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func validateAutomationConfig(req automationConfigBody) error {
	if strings.TrimSpace(req.Name) == "" {
		return errors.New("name is required")
	}
	if expr := strings.TrimSpace(req.Schedule); expr != "" {
		if _, err := schedule.ParseCronExpr(expr); err != nil {
			return fmt.Errorf("invalid schedule: %v", err)
		}
	}
	if tz := strings.TrimSpace(req.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("invalid timezone %q", tz)
		}
	}
	if req.StartAt != nil && req.EndAt != nil && req.EndAt.Before(*req.StartAt) {
		return errors.New("end_at must not precede start_at")
	}
	return nil
}

type createSessionBody struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type startSessionBody struct {
	Input string `json:"input"`
}

type validationVerdictBody struct {
	Approved *bool `json:"approved"`
}

type userResponseBody struct {
	Answer string `json:"answer"`
}

type validationRequiredBody struct {
	Required *bool `json:"required"`
}

type automationConfigBody struct {
	Name          string     `json:"name"`
	ZoneID        string     `json:"zone_id"`
	SeedSessionID string     `json:"seed_session_id"`
	Schedule      string     `json:"schedule"`
	Timezone      string     `json:"timezone"`
	StartAt       *time.Time `json:"start_at"`
	EndAt         *time.Time `json:"end_at"`
	Enabled       *bool      `json:"enabled"`
	ProviderID    string     `json:"provider_id"`
}

type sessionBody struct {
	ID                 string                `json:"id"`
	Name               string                `json:"name"`
	Kind               string                `json:"kind"`
	AutomationID       *string               `json:"automation_id,omitempty"`
	ScheduledFor       *time.Time            `json:"scheduled_for,omitempty"`
	ProviderID         string                `json:"provider_id,omitempty"`
	Phase              string                `json:"phase"`
	Waiting            *store.WaitingContext `json:"waiting,omitempty"`
	TotalRoundtrips    int64                 `json:"total_roundtrips"`
	ValidationRequired bool                  `json:"validation_required"`
	IsActive           bool                  `json:"is_active"`
	EndReason          string                `json:"end_reason,omitempty"`
	TokensInput        int64                 `json:"tokens_input"`
	TokensOutput       int64                 `json:"tokens_output"`
	TokensCacheRead    int64                 `json:"tokens_cache_read"`
	TokensCacheWrite   int64                 `json:"tokens_cache_write"`
	CostUSD            float64               `json:"cost_usd"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

func toSessionBody(rec store.SessionRecord) sessionBody {
	body := sessionBody{
		ID:                 rec.ID,
		Name:               rec.Name,
		Kind:               string(rec.Kind),
		AutomationID:       rec.AutomationID,
		ScheduledFor:       rec.ScheduledFor,
		ProviderID:         rec.ProviderID,
		Phase:              string(rec.Phase),
		Waiting:            rec.Waiting,
		TotalRoundtrips:    rec.TotalRoundtrips,
		ValidationRequired: rec.ValidationRequired,
		IsActive:           rec.IsActive,
		TokensInput:        rec.TokensInput,
		TokensOutput:       rec.TokensOutput,
		TokensCacheRead:    rec.TokensCacheRead,
		TokensCacheWrite:   rec.TokensCacheWrite,
		CostUSD:            rec.CostUSD,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
	if rec.EndReason != nil {
		body.EndReason = string(*rec.EndReason)
	}
	return body
}

type roundBody struct {
	ID           string          `json:"id"`
	Sequence     int64           `json:"sequence"`
	Prompt       string          `json:"prompt"`
	Response     json.RawMessage `json:"response,omitempty"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Status       string          `json:"status"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  time.Time       `json:"completed_at,omitempty"`
}

func toRoundBody(rec store.RoundRecord) roundBody {
	return roundBody{
		ID:           rec.RoundID,
		Sequence:     rec.Sequence,
		Prompt:       rec.Prompt,
		Response:     json.RawMessage(rec.ResponseJSON),
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		Status:       string(rec.Status),
		Error:        rec.Error,
		CreatedAt:    rec.CreatedAt,
		CompletedAt:  rec.CompletedAt,
	}
}

type automationBody struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	ZoneID          string     `json:"zone_id,omitempty"`
	SeedSessionID   string     `json:"seed_session_id,omitempty"`
	Schedule        string     `json:"schedule,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
	StartAt         *time.Time `json:"start_at,omitempty"`
	EndAt           *time.Time `json:"end_at,omitempty"`
	Enabled         bool       `json:"enabled"`
	ProviderID      string     `json:"provider_id,omitempty"`
	LastExecutionID *string    `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toAutomationBody(rec store.AutomationRecord) automationBody {
	return automationBody{
		ID:              rec.ID,
		Name:            rec.Name,
		ZoneID:          rec.ZoneID,
		SeedSessionID:   rec.SeedSessionID,
		Schedule:        rec.Schedule,
		Timezone:        rec.Timezone,
		StartAt:         rec.StartAt,
		EndAt:           rec.EndAt,
		Enabled:         rec.Enabled,
		ProviderID:      rec.ProviderID,
		LastExecutionID: rec.LastExecutionID,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}
