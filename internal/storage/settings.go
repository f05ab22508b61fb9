package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seclab/seclab/internal/intercept"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ intercept.SettingsStore = (*DB)(nil)

const settingsRowID = 1

// LoadSettings returns zero Settings when none have been saved yet.
func (db *DB) LoadSettings(ctx context.Context) (intercept.Settings, error) {
	var rec settingsRecord
	err := db.gorm.WithContext(ctx).Where("id = ?", settingsRowID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return intercept.Settings{}, nil
	}
	if err != nil {
		return intercept.Settings{}, fmt.Errorf("load intercept settings: %w", err)
	}

	s := intercept.Settings{
		RequestsEnabled:  rec.RequestsEnabled,
		ResponsesEnabled: rec.ResponsesEnabled,
	}
	if err := decodeJSON(rec.ResponseWatch, &s.ResponseWatch); err != nil {
		return intercept.Settings{}, fmt.Errorf("decode response watch list: %w", err)
	}
	return s, nil
}

func (db *DB) SaveSettings(ctx context.Context, s intercept.Settings) error {
	watch, err := json.Marshal(s.ResponseWatch)
	if err != nil {
		return fmt.Errorf("encode response watch list: %w", err)
	}
	rec := settingsRecord{
		ID:               settingsRowID,
		RequestsEnabled:  s.RequestsEnabled,
		ResponsesEnabled: s.ResponsesEnabled,
		ResponseWatch:    string(watch),
	}
	return db.gorm.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}
