package database

import (
	"context"
	"fmt"

	"bronco-trade-agent-go/internal/dispatch"
	"bronco-trade-agent-go/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DecisionRepository stores the decision record log.
type DecisionRepository struct {
	db *gorm.DB
}

var _ dispatch.RecordStore = (*DecisionRepository)(nil)

func NewDecisionRepository(db *gorm.DB) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// Transition closes and opens records in one database transaction.
func (r *DecisionRepository) Transition(ctx context.Context, closed *dispatch.ClosedRecord, opened *dispatch.OpenRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if closed != nil {
			res := tx.Model(&models.DecisionRecord{}).
				Where("id = ? AND status = ?", closed.ID, string(dispatch.StatusActive)).
				Updates(map[string]interface{}{
					"status":         string(closed.Status),
					"end_time":       closed.EndTime,
					"final_price":    decimal.NewNullDecimal(closed.FinalPrice),
					"pnl":            decimal.NewNullDecimal(closed.PnL),
					"pnl_percentage": decimal.NewNullDecimal(closed.PnLPercentage),
					"stop_reason":    closed.StopReason,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to close decision record %s: %w", closed.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("close %s: %w", closed.ID, dispatch.ErrRecordNotOpen)
			}
		}

		if opened != nil {
			var open int64
			err := tx.Model(&models.DecisionRecord{}).
				Where("instrument = ? AND status = ?", opened.Instrument, string(dispatch.StatusActive)).
				Count(&open).Error
			if err != nil {
				return fmt.Errorf("failed to count open records for %s: %w", opened.Instrument, err)
			}
			if open > 0 {
				return fmt.Errorf("open %s: %w", opened.ID, dispatch.ErrOpenRecordExists)
			}
			row := fromOpenRecord(*opened)
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to open decision record %s: %w", opened.ID, err)
			}
		}
		return nil
	})
}

// OpenRecords returns the active records of instrument, oldest first.
func (r *DecisionRepository) OpenRecords(ctx context.Context, instrument string) ([]dispatch.OpenRecord, error) {
	var rows []models.DecisionRecord
	err := r.db.WithContext(ctx).
		Where("instrument = ? AND status = ?", instrument, string(dispatch.StatusActive)).
		Order("start_time").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query open records for %s: %w", instrument, err)
	}
	out := make([]dispatch.OpenRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, toOpenRecord(row))
	}
	return out, nil
}

// List returns the newest records first, optionally for one instrument.
func (r *DecisionRepository) List(ctx context.Context, instrument string, limit int) ([]models.DecisionRecord, error) {
	q := r.db.WithContext(ctx).Order("start_time DESC")
	if instrument != "" {
		q = q.Where("instrument = ?", instrument)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.DecisionRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list decision records: %w", err)
	}
	return rows, nil
}

func fromOpenRecord(r dispatch.OpenRecord) models.DecisionRecord {
	return models.DecisionRecord{
		ID:            r.ID,
		Instrument:    r.Instrument,
		StrategyID:    r.StrategyID,
		Status:        string(dispatch.StatusActive),
		Reason:        r.Reason,
		ModelVersion:  r.ModelVersion,
		RiskWeight:    r.RiskWeight,
		StartTime:     r.StartTime,
		StartSequence: r.StartSequence,
		InitialPrice:  r.InitialPrice,
	}
}

func toOpenRecord(row models.DecisionRecord) dispatch.OpenRecord {
	return dispatch.OpenRecord{
		ID:            row.ID,
		Instrument:    row.Instrument,
		StrategyID:    row.StrategyID,
		Reason:        row.Reason,
		ModelVersion:  row.ModelVersion,
		RiskWeight:    row.RiskWeight,
		StartTime:     row.StartTime.UTC(),
		InitialPrice:  row.InitialPrice,
		StartSequence: row.StartSequence,
	}
}
