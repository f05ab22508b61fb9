package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seclab/seclab/internal/ledger"
	"gorm.io/gorm"
)

var _ ledger.Store = (*DB)(nil)

func (db *DB) AppendFlow(ctx context.Context, f ledger.Flow) error {
	rec, err := newFlowRecord(f)
	if err != nil {
		return err
	}
	return db.gorm.WithContext(ctx).Create(&rec).Error
}

// ListFlows returns newest first. Rows that cannot be decoded are logged and skipped.
func (db *DB) ListFlows(ctx context.Context) ([]ledger.Flow, error) {
	var recs []flowRecord
	if err := db.gorm.WithContext(ctx).Order("seq DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	flows := make([]ledger.Flow, 0, len(recs))
	for _, rec := range recs {
		f, err := rec.flow()
		if err != nil {
			slog.Warn("Skipping undecodable flow", slog.String("id", rec.ID), slog.Any("error", err))
			continue
		}
		flows = append(flows, f)
	}
	return flows, nil
}

func (db *DB) GetFlow(ctx context.Context, id string) (ledger.Flow, error) {
	var rec flowRecord
	err := db.gorm.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Flow{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Flow{}, fmt.Errorf("get flow %s: %w", id, err)
	}
	return rec.flow()
}

func (db *DB) AppendFinding(ctx context.Context, f ledger.Finding) error {
	rec := findingRecord{
		ID:        f.ID,
		Timestamp: f.Timestamp,
		Type:      string(f.Type),
		Title:     f.Title,
		Severity:  string(f.Severity),
		URL:       f.URL,
		Details:   f.Details,
		FlowID:    f.FlowID,
		Plugin:    f.Plugin,
	}
	return db.gorm.WithContext(ctx).Create(&rec).Error
}

func (db *DB) ListFindings(ctx context.Context) ([]ledger.Finding, error) {
	var recs []findingRecord
	if err := db.gorm.WithContext(ctx).Order("seq DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	out := make([]ledger.Finding, len(recs))
	for i, rec := range recs {
		out[i] = ledger.Finding{
			ID:        rec.ID,
			Timestamp: rec.Timestamp,
			Type:      ledger.FindingType(rec.Type),
			Title:     rec.Title,
			Severity:  ledger.Severity(rec.Severity),
			URL:       rec.URL,
			Details:   rec.Details,
			FlowID:    rec.FlowID,
			Plugin:    rec.Plugin,
		}
	}
	return out, nil
}

func newFlowRecord(f ledger.Flow) (flowRecord, error) {
	reqHeaders, err := json.Marshal(f.RequestHeaders)
	if err != nil {
		return flowRecord{}, fmt.Errorf("encode request headers: %w", err)
	}
	respHeaders, err := json.Marshal(f.ResponseHeaders)
	if err != nil {
		return flowRecord{}, fmt.Errorf("encode response headers: %w", err)
	}
	tags, err := json.Marshal(f.Tags)
	if err != nil {
		return flowRecord{}, fmt.Errorf("encode tags: %w", err)
	}
	return flowRecord{
		ID:                  f.ID,
		Timestamp:           f.Timestamp,
		Method:              f.Method,
		URL:                 f.URL,
		RequestHeaders:      string(reqHeaders),
		RequestBody:         f.RequestBody,
		ResponseStatus:      f.ResponseStatus,
		ResponseHeaders:     string(respHeaders),
		ResponseBodyPreview: f.ResponseBodyPreview,
		Tags:                string(tags),
		Source:              string(f.Source),
	}, nil
}

func (rec flowRecord) flow() (ledger.Flow, error) {
	f := ledger.Flow{
		ID:                  rec.ID,
		Timestamp:           rec.Timestamp,
		Method:              rec.Method,
		URL:                 rec.URL,
		RequestBody:         rec.RequestBody,
		ResponseStatus:      rec.ResponseStatus,
		ResponseBodyPreview: rec.ResponseBodyPreview,
		Source:              ledger.Source(rec.Source),
	}
	if err := decodeJSON(rec.RequestHeaders, &f.RequestHeaders); err != nil {
		return ledger.Flow{}, fmt.Errorf("decode request headers: %w", err)
	}
	if err := decodeJSON(rec.ResponseHeaders, &f.ResponseHeaders); err != nil {
		return ledger.Flow{}, fmt.Errorf("decode response headers: %w", err)
	}
	if err := decodeJSON(rec.Tags, &f.Tags); err != nil {
		return ledger.Flow{}, fmt.Errorf("decode tags: %w", err)
	}
	return f, nil
}

func decodeJSON(s string, v any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
