package database

import (
	"context"
	"fmt"

	"bronco-trade-agent-go/internal/models"
	"bronco-trade-agent-go/internal/strategy"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FillRepository stores virtual fills, the source of truth for performance.
type FillRepository struct {
	db *gorm.DB
}

func NewFillRepository(db *gorm.DB) *FillRepository {
	return &FillRepository{db: db}
}

// Append stores fills. A fill already stored for the same strategy and
// sequence is skipped, so replays after a restart are harmless.
func (r *FillRepository) Append(ctx context.Context, fills []strategy.VirtualFill) error {
	if len(fills) == 0 {
		return nil
	}
	rows := make([]models.VirtualFill, 0, len(fills))
	for _, f := range fills {
		rows = append(rows, models.VirtualFill{
			Instrument:  f.Instrument,
			StrategyID:  f.StrategyID,
			Sequence:    f.Sequence,
			Timestamp:   f.Timestamp,
			Side:        string(f.Side),
			Price:       f.Price,
			Size:        f.Size,
			RealizedPnL: f.RealizedPnL,
			Opening:     f.Opening,
		})
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to store %d virtual fills: %w", len(fills), err)
	}
	return nil
}

// ListByInstrument returns every fill of instrument in sequence order.
func (r *FillRepository) ListByInstrument(ctx context.Context, instrument string) ([]strategy.VirtualFill, error) {
	var rows []models.VirtualFill
	err := r.db.WithContext(ctx).
		Where("instrument = ?", instrument).
		Order("sequence, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load virtual fills for %s: %w", instrument, err)
	}
	out := make([]strategy.VirtualFill, 0, len(rows))
	for _, row := range rows {
		out = append(out, strategy.VirtualFill{
			StrategyID:  row.StrategyID,
			Instrument:  row.Instrument,
			Sequence:    row.Sequence,
			Timestamp:   row.Timestamp.UTC(),
			Side:        strategy.Side(row.Side),
			Price:       row.Price,
			Size:        row.Size,
			RealizedPnL: row.RealizedPnL,
			Opening:     row.Opening,
		})
	}
	return out, nil
}

// DeleteStrategy removes the fill history of an unregistered strategy.
func (r *FillRepository) DeleteStrategy(ctx context.Context, instrument, strategyID string) error {
	err := r.db.WithContext(ctx).Unscoped().
		Where("instrument = ? AND strategy_id = ?", instrument, strategyID).
		Delete(&models.VirtualFill{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete fills of %s/%s: %w", instrument, strategyID, err)
	}
	return nil
}
