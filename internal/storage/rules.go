package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/seclab/seclab/internal/rule"
	"gorm.io/gorm"
)

var _ rule.Persister = (*DB)(nil)

func (db *DB) LoadRules(ctx context.Context) ([]rule.Rule, error) {
	var recs []ruleRecord
	if err := db.gorm.WithContext(ctx).Order("position ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	rules := make([]rule.Rule, 0, len(recs))
	for _, rec := range recs {
		var r rule.Rule
		if err := json.Unmarshal([]byte(rec.Data), &r); err != nil {
			slog.Warn("Skipping undecodable rule", slog.String("id", rec.ID), slog.Any("error", err))
			continue
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// SaveRules replaces the stored list in one transaction.
func (db *DB) SaveRules(ctx context.Context, rules []rule.Rule) error {
	recs := make([]ruleRecord, len(rules))
	for i, r := range rules {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode rule %s: %w", r.ID, err)
		}
		recs[i] = ruleRecord{Position: i + 1, ID: r.ID, Data: string(data)}
	}

	return db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM rules").Error; err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		return tx.Create(&recs).Error
	})
}
