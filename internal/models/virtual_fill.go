package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// VirtualFill is a persisted simulated execution. A strategy never fills
// twice on the same observation, hence the unique index.
type VirtualFill struct {
	gorm.Model
	Instrument  string          `gorm:"size:16;not null;uniqueIndex:idx_fill_unique"`
	StrategyID  string          `gorm:"size:64;not null;uniqueIndex:idx_fill_unique"`
	Sequence    uint64          `gorm:"not null;uniqueIndex:idx_fill_unique"`
	Timestamp   time.Time       `gorm:"not null;index"`
	Side        string          `gorm:"size:4;not null"` // "BUY" or "SELL"
	Price       decimal.Decimal `gorm:"type:text;not null"`
	Size        decimal.Decimal `gorm:"type:text;not null"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:text;not null"`
	Opening     bool
}
