package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DecisionRecord is one activation interval of a strategy for an instrument.
// End fields stay NULL while Status is active.
type DecisionRecord struct {
	ID            string              `gorm:"primaryKey;size:36" json:"id"`
	Instrument    string              `gorm:"size:16;not null;index:idx_decision_instrument_status" json:"instrument"`
	StrategyID    string              `gorm:"size:64;not null" json:"strategy_id"`
	Status        string              `gorm:"size:32;not null;default:active;index:idx_decision_instrument_status" json:"status"`
	Reason        string              `gorm:"type:text" json:"reason"`
	ModelVersion  string              `gorm:"size:32" json:"model_version"`
	RiskWeight    float64             `json:"risk_weight"`
	StartTime     time.Time           `gorm:"not null;index" json:"start_time"`
	EndTime       *time.Time          `gorm:"index" json:"end_time,omitempty"`
	StartSequence uint64              `json:"start_sequence"`
	InitialPrice  decimal.Decimal     `gorm:"type:text;not null" json:"initial_price"`
	FinalPrice    decimal.NullDecimal `gorm:"type:text" json:"final_price"`
	PnL           decimal.NullDecimal `gorm:"column:pnl;type:text" json:"pnl"`
	PnLPercentage decimal.NullDecimal `gorm:"column:pnl_percentage;type:text" json:"pnl_percentage"`
	StopReason    string              `gorm:"type:text" json:"stop_reason,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}
