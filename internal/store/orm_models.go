package store

import (
	"encoding/json"
	"fmt"
	"time"
)

type sessionRow struct {
	ID           string     `gorm:"primaryKey;size:191"`
	Name         string     `gorm:"size:191"`
	Kind         string     `gorm:"size:32;not null;index"`
	AutomationID *string    `gorm:"size:191;index"`
	ScheduledFor *time.Time `gorm:""`
	ProviderID   string     `gorm:"size:191"`

	Phase       string `gorm:"size:64;not null"`
	WaitingJSON string `gorm:"type:text"`

	TotalRoundtrips int64 `gorm:"not null;default:0"`
	NetworkRetries  int   `gorm:"not null;default:0"`
	FormatRetries   int   `gorm:"not null;default:0"`
	ActionRetries   int   `gorm:"not null;default:0"`

	ValidationRequired bool    `gorm:"not null;default:false"`
	IsActive           bool    `gorm:"not null;default:false;index"`
	EndReason          *string `gorm:"size:32;index"`

	TokensInput      int64   `gorm:"not null;default:0"`
	TokensOutput     int64   `gorm:"not null;default:0"`
	TokensCacheRead  int64   `gorm:"not null;default:0"`
	TokensCacheWrite int64   `gorm:"not null;default:0"`
	CostUSD          float64 `gorm:"not null;default:0"`

	LastEventAt     time.Time `gorm:"not null"`
	LastUserInputAt time.Time `gorm:""`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (sessionRow) TableName() string {
	return "sessions"
}

func (r sessionRow) toRecord() (SessionRecord, error) {
	var waiting *WaitingContext
	if r.WaitingJSON != "" {
		var decoded WaitingContext
		if err := json.Unmarshal([]byte(r.WaitingJSON), &decoded); err != nil {
			return SessionRecord{}, fmt.Errorf("decode waiting context for session %s: %w", r.ID, err)
		}
		waiting = &decoded
	}
	var reason *EndReason
	if r.EndReason != nil {
		value := EndReason(*r.EndReason)
		reason = &value
	}
	return SessionRecord{
		ID:                 r.ID,
		Name:               r.Name,
		Kind:               SessionKind(r.Kind),
		AutomationID:       r.AutomationID,
		ScheduledFor:       r.ScheduledFor,
		ProviderID:         r.ProviderID,
		Phase:              Phase(r.Phase),
		Waiting:            waiting,
		TotalRoundtrips:    r.TotalRoundtrips,
		NetworkRetries:     r.NetworkRetries,
		FormatRetries:      r.FormatRetries,
		ActionRetries:      r.ActionRetries,
		ValidationRequired: r.ValidationRequired,
		IsActive:           r.IsActive,
		EndReason:          reason,
		TokensInput:        r.TokensInput,
		TokensOutput:       r.TokensOutput,
		TokensCacheRead:    r.TokensCacheRead,
		TokensCacheWrite:   r.TokensCacheWrite,
		CostUSD:            r.CostUSD,
		LastEventAt:        r.LastEventAt,
		LastUserInputAt:    r.LastUserInputAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}

func sessionRowFromRecord(rec SessionRecord) (sessionRow, error) {
	waitingJSON := ""
	if rec.Waiting != nil {
		encoded, err := json.Marshal(rec.Waiting)
		if err != nil {
			return sessionRow{}, fmt.Errorf("encode waiting context for session %s: %w", rec.ID, err)
		}
		waitingJSON = string(encoded)
	}
	var reason *string
	if rec.EndReason != nil {
		value := string(*rec.EndReason)
		reason = &value
	}
	return sessionRow{
		ID:                 rec.ID,
		Name:               rec.Name,
		Kind:               string(rec.Kind),
		AutomationID:       rec.AutomationID,
		ScheduledFor:       rec.ScheduledFor,
		ProviderID:         rec.ProviderID,
		Phase:              string(rec.Phase),
		WaitingJSON:        waitingJSON,
		TotalRoundtrips:    rec.TotalRoundtrips,
		NetworkRetries:     rec.NetworkRetries,
		FormatRetries:      rec.FormatRetries,
		ActionRetries:      rec.ActionRetries,
		ValidationRequired: rec.ValidationRequired,
		IsActive:           rec.IsActive,
		EndReason:          reason,
		TokensInput:        rec.TokensInput,
		TokensOutput:       rec.TokensOutput,
		TokensCacheRead:    rec.TokensCacheRead,
		TokensCacheWrite:   rec.TokensCacheWrite,
		CostUSD:            rec.CostUSD,
		LastEventAt:        rec.LastEventAt,
		LastUserInputAt:    rec.LastUserInputAt,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}, nil
}

type roundRow struct {
	RoundID      string    `gorm:"primaryKey;size:191"`
	SessionID    string    `gorm:"size:191;not null;index"`
	Sequence     int64     `gorm:"not null"`
	Prompt       string    `gorm:"type:text"`
	ResponseJSON string    `gorm:"type:text"`
	InputTokens  int64     `gorm:"not null;default:0"`
	OutputTokens int64     `gorm:"not null;default:0"`
	Status       string    `gorm:"size:32;not null"`
	Error        string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime:false"`
	CompletedAt  *time.Time
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (roundRow) TableName() string {
	return "rounds"
}

func (r roundRow) toRecord() RoundRecord {
	rec := RoundRecord{
		RoundID:      r.RoundID,
		SessionID:    r.SessionID,
		Sequence:     r.Sequence,
		Prompt:       r.Prompt,
		ResponseJSON: []byte(r.ResponseJSON),
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		Status:       RoundStatus(r.Status),
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.ResponseJSON == "" {
		rec.ResponseJSON = nil
	}
	if r.CompletedAt != nil {
		rec.CompletedAt = *r.CompletedAt
	}
	return rec
}

type automationRow struct {
	ID              string `gorm:"primaryKey;size:191"`
	Name            string `gorm:"size:191;not null"`
	ZoneID          string `gorm:"size:191;index"`
	SeedSessionID   string `gorm:"size:191"`
	Schedule        string `gorm:"size:191"`
	Timezone        string `gorm:"size:64"`
	StartAt         *time.Time
	EndAt           *time.Time
	Enabled         bool    `gorm:"not null;default:false;index"`
	ProviderID      string  `gorm:"size:191"`
	LastExecutionID *string   `gorm:"size:191"`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime:false"`
	// autoUpdateTime is off so that recording an execution never counts as a
	// configuration edit.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (automationRow) TableName() string {
	return "automations"
}

func (r automationRow) toRecord() AutomationRecord {
	return AutomationRecord{
		ID:              r.ID,
		Name:            r.Name,
		ZoneID:          r.ZoneID,
		SeedSessionID:   r.SeedSessionID,
		Schedule:        r.Schedule,
		Timezone:        r.Timezone,
		StartAt:         r.StartAt,
		EndAt:           r.EndAt,
		Enabled:         r.Enabled,
		ProviderID:      r.ProviderID,
		LastExecutionID: r.LastExecutionID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func automationRowFromRecord(rec AutomationRecord) automationRow {
	return automationRow{
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
