package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"agentstack.local/projects/agent-conductor/internal/db"
	"agentstack.local/projects/agent-conductor/internal/ids"
)

// GormStore persists sessions, rounds and automations in sqlite or postgres.
// Every state-machine transition is a single-row transactional write so phase,
// waiting context and counters always move together.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := db.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	store := &GormStore{
		db: gormDB,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&sessionRow{}, &roundRow{}, &automationRow{})
}

func (s *GormStore) CreateSession(ctx context.Context, rec SessionRecord) (SessionRecord, error) {
	now := s.now()
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		rec.ID = ids.New()
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

	row, err := sessionRowFromRecord(rec)
	if err != nil {
		return SessionRecord{}, err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return SessionRecord{}, fmt.Errorf("create session: %w", err)
	}
	return rec, nil
}

func (s *GormStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord()
}

func (s *GormStore) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	query := s.db.WithContext(ctx).Model(&sessionRow{}).Order("created_at DESC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []sessionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]SessionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *GormStore) ActiveSession(ctx context.Context) (SessionRecord, bool, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, fmt.Errorf("get active session: %w", err)
	}
	rec, err := row.toRecord()
	if err != nil {
		return SessionRecord{}, false, err
	}
	return rec, true, nil
}

func (s *GormStore) ActivateSession(ctx context.Context, id string) (SessionRecord, error) {
	var out SessionRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&sessionRow{}).
			Where("is_active = ? AND id <> ?", true, id).
			Count(&active).Error; err != nil {
			return fmt.Errorf("count active sessions: %w", err)
		}
		if active > 0 {
			return ErrSlotBusy
		}

		var row sessionRow
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get session: %w", err)
		}
		if row.EndReason != nil {
			reason := EndReason(*row.EndReason)
			if !Resumable(&reason) {
				return ErrSessionClosed
			}
		}

		now := s.now()
		// Reopening a network-paused or suspended row clears its end reason.
		if err := tx.Model(&sessionRow{}).Where("id = ?", id).Updates(map[string]any{
			"is_active":  true,
			"end_reason": nil,
			"updated_at": now,
		}).Error; err != nil {
			return fmt.Errorf("activate session: %w", err)
		}

		row.IsActive = true
		row.EndReason = nil
		row.UpdatedAt = now
		rec, err := row.toRecord()
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return SessionRecord{}, err
	}
	return out, nil
}

func (s *GormStore) ApplyTransition(ctx context.Context, id string, tr Transition) (SessionRecord, error) {
	var out SessionRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sessionRow
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get session: %w", err)
		}

		rec, err := row.toRecord()
		if err != nil {
			return err
		}
		updated, err := applyTransition(rec, tr)
		if err != nil {
			return err
		}

		now := s.now()
		updated.LastEventAt = now
		if tr.UserInput {
			updated.LastUserInputAt = now
		}
		updated.UpdatedAt = now

		updatedRow, err := sessionRowFromRecord(updated)
		if err != nil {
			return err
		}
		if err := tx.Save(&updatedRow).Error; err != nil {
			return fmt.Errorf("persist transition: %w", err)
		}
		out = updated
		return nil
	})
	if err != nil {
		return SessionRecord{}, err
	}
	return out, nil
}

func (s *GormStore) CloseSession(ctx context.Context, id string, reason EndReason) (SessionRecord, error) {
	var out SessionRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sessionRow
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get session: %w", err)
		}
		if row.EndReason != nil {
			return ErrSessionClosed
		}

		now := s.now()
		reasonValue := string(reason)
		if err := tx.Model(&sessionRow{}).Where("id = ?", id).Updates(map[string]any{
			"phase":         string(PhaseClosed),
			"waiting_json":  "",
			"is_active":     false,
			"end_reason":    &reasonValue,
			"last_event_at": now,
			"updated_at":    now,
		}).Error; err != nil {
			return fmt.Errorf("close session: %w", err)
		}

		row.Phase = string(PhaseClosed)
		row.WaitingJSON = ""
		row.IsActive = false
		row.EndReason = &reasonValue
		row.LastEventAt = now
		row.UpdatedAt = now
		rec, err := row.toRecord()
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return SessionRecord{}, err
	}
	return out, nil
}

func (s *GormStore) ReleaseStaleActive(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("is_active = ?", true).
		Updates(map[string]any{
			"is_active":  false,
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("release stale active sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) SetValidationRequired(ctx context.Context, id string, required bool) error {
	res := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", id).Updates(map[string]any{
		"validation_required": required,
		"updated_at":          s.now(),
	})
	if res.Error != nil {
		return fmt.Errorf("set validation required: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) IncompleteAutomationSession(ctx context.Context, automationID string) (SessionRecord, bool, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Where("kind = ? AND automation_id = ? AND is_active = ?", string(KindAutomation), automationID, false).
		Where("end_reason IS NULL OR end_reason IN ?", []string{string(EndNetworkError), string(EndSuspended)}).
		Order("scheduled_for ASC, created_at ASC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("find incomplete session: %w", err)
	}
	if len(rows) == 0 {
		return SessionRecord{}, false, nil
	}
	rec, err := rows[0].toRecord()
	if err != nil {
		return SessionRecord{}, false, err
	}
	return rec, true, nil
}

func (s *GormStore) LastCompletedAutomationSession(ctx context.Context, automationID string) (SessionRecord, bool, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Where("kind = ? AND automation_id = ? AND end_reason = ?", string(KindAutomation), automationID, string(EndCompleted)).
		Order("scheduled_for DESC, created_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("find last completed session: %w", err)
	}
	if len(rows) == 0 {
		return SessionRecord{}, false, nil
	}
	rec, err := rows[0].toRecord()
	if err != nil {
		return SessionRecord{}, false, err
	}
	return rec, true, nil
}

func (s *GormStore) StartRound(ctx context.Context, sessionID, prompt string) (RoundRecord, error) {
	var out RoundRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&roundRow{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("sequence lookup: %w", err)
		}

		now := s.now()
		row := roundRow{
			RoundID:   ids.New(),
			SessionID: sessionID,
			Sequence:  maxSeq + 1,
			Prompt:    prompt,
			Status:    string(RoundStatusInProgress),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create round: %w", err)
		}
		out = row.toRecord()
		return nil
	})
	if err != nil {
		return RoundRecord{}, err
	}
	return out, nil
}

func (s *GormStore) CompleteRound(ctx context.Context, roundID string, responseJSON []byte, inputTokens, outputTokens int64) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&roundRow{}).Where("round_id = ?", roundID).Updates(map[string]any{
		"status":        string(RoundStatusCompleted),
		"response_json": string(responseJSON),
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"completed_at":  &now,
		"updated_at":    now,
	})
	if res.Error != nil {
		return fmt.Errorf("complete round: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) FailRound(ctx context.Context, roundID, failure string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&roundRow{}).Where("round_id = ?", roundID).Updates(map[string]any{
		"status":       string(RoundStatusFailed),
		"error":        failure,
		"completed_at": &now,
		"updated_at":   now,
	})
	if res.Error != nil {
		return fmt.Errorf("fail round: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetRounds(ctx context.Context, sessionID string, limit int) ([]RoundRecord, error) {
	query := s.db.WithContext(ctx).
		Model(&roundRow{}).
		Where("session_id = ?", sessionID).
		Order("sequence ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []roundRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get rounds: %w", err)
	}
	out := make([]RoundRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) CreateAutomation(ctx context.Context, rec AutomationRecord) (AutomationRecord, error) {
	now := s.now()
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	row := automationRowFromRecord(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return AutomationRecord{}, fmt.Errorf("create automation: %w", err)
	}
	return rec, nil
}

func (s *GormStore) UpdateAutomation(ctx context.Context, rec AutomationRecord) (AutomationRecord, error) {
	var out AutomationRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current automationRow
		if err := tx.Where("id = ?", rec.ID).Take(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get automation: %w", err)
		}

		rec.CreatedAt = current.CreatedAt
		rec.LastExecutionID = current.LastExecutionID
		rec.UpdatedAt = s.now()
		row := automationRowFromRecord(rec)
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("update automation: %w", err)
		}
		out = rec
		return nil
	})
	if err != nil {
		return AutomationRecord{}, err
	}
	return out, nil
}

func (s *GormStore) GetAutomation(ctx context.Context, id string) (AutomationRecord, error) {
	var row automationRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return AutomationRecord{}, ErrNotFound
		}
		return AutomationRecord{}, fmt.Errorf("get automation: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ListAutomations(ctx context.Context) ([]AutomationRecord, error) {
	return s.listAutomations(ctx, false)
}

func (s *GormStore) ListEnabledAutomations(ctx context.Context) ([]AutomationRecord, error) {
	return s.listAutomations(ctx, true)
}

func (s *GormStore) listAutomations(ctx context.Context, enabledOnly bool) ([]AutomationRecord, error) {
	query := s.db.WithContext(ctx).Model(&automationRow{}).Order("id ASC")
	if enabledOnly {
		query = query.Where("enabled = ?", true)
	}

	var rows []automationRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	out := make([]AutomationRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) DeleteAutomation(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&automationRow{})
	if res.Error != nil {
		return fmt.Errorf("delete automation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) RecordExecution(ctx context.Context, automationID, sessionID string) error {
	// last_execution_id only; updated_at is reserved for configuration edits.
	res := s.db.WithContext(ctx).Model(&automationRow{}).
		Where("id = ?", automationID).
		Update("last_execution_id", &sessionID)
	if res.Error != nil {
		return fmt.Errorf("record execution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
