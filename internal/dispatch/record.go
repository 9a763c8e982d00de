package dispatch

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status of a decision record.
type Status string

const (
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusForceStopped Status = "force_stopped"
)

// OpenRecord is the interval during which a strategy is active. It has no end
// fields; closing it produces a ClosedRecord.
type OpenRecord struct {
	ID           string          `json:"id"`
	Instrument   string          `json:"instrument"`
	StrategyID   string          `json:"strategy_id"`
	Reason       string          `json:"reason"`
	ModelVersion string          `json:"model_version"`
	RiskWeight   float64         `json:"risk_weight"`
	StartTime    time.Time       `json:"start_time"`
	InitialPrice decimal.Decimal `json:"initial_price"`
	// StartSequence is the last accepted observation when the record opened.
	// Fills after it count toward the record's P&L.
	StartSequence uint64 `json:"start_sequence"`
}

// ClosedRecord is immutable. Status is completed or force_stopped.
type ClosedRecord struct {
	OpenRecord
	Status        Status          `json:"status"`
	EndTime       time.Time       `json:"end_time"`
	FinalPrice    decimal.Decimal `json:"final_price"`
	PnL           decimal.Decimal `json:"pnl"`
	PnLPercentage decimal.Decimal `json:"pnl_percentage"`
	StopReason    string          `json:"stop_reason,omitempty"`
}

// Complete closes the record because another strategy superseded it.
func (r OpenRecord) Complete(at time.Time, finalPrice, pnl decimal.Decimal) ClosedRecord {
	return r.close(StatusCompleted, at, finalPrice, pnl, "")
}

// ForceStop closes the record without a successor.
func (r OpenRecord) ForceStop(at time.Time, finalPrice, pnl decimal.Decimal, reason string) ClosedRecord {
	return r.close(StatusForceStopped, at, finalPrice, pnl, reason)
}

func (r OpenRecord) close(status Status, at time.Time, finalPrice, pnl decimal.Decimal, reason string) ClosedRecord {
	return ClosedRecord{
		OpenRecord:    r,
		Status:        status,
		EndTime:       at,
		FinalPrice:    finalPrice,
		PnL:           pnl,
		PnLPercentage: pnlPercentage(pnl, r.InitialPrice),
		StopReason:    reason,
	}
}

// pnlPercentage expresses pnl relative to the price the record opened at.
func pnlPercentage(pnl, initial decimal.Decimal) decimal.Decimal {
	if initial.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(initial).Mul(decimal.NewFromInt(100)).Round(4)
}
