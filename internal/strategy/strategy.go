package strategy

import (
	"fmt"
	"time"

	"bronco-trade-agent-go/internal/market"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Kind tags one of the built-in strategy logics.
type Kind string

const (
	KindTrend         Kind = "trend"
	KindMeanReversion Kind = "mean_reversion"
	KindBuyAndHold    Kind = "buy_and_hold"
)

// Side is the direction of a virtual fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Direction of an open position.
type Direction int8

const (
	Flat  Direction = 0
	Long  Direction = 1
	Short Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// Position is a strategy's virtual holding. The zero value is flat.
type Position struct {
	Direction  Direction       `json:"direction"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Size       decimal.Decimal `json:"size"`
	OpenedAt   time.Time       `json:"opened_at"`
}

func (p Position) IsFlat() bool { return p.Direction == Flat }

// UnrealizedPnL marks the position at price.
func (p Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if p.IsFlat() {
		return decimal.Zero
	}
	return price.Sub(p.EntryPrice).Mul(p.Size).Mul(decimal.NewFromInt(int64(p.Direction)))
}

// VirtualFill is an immutable simulated execution. Opening fills carry a zero
// RealizedPnL; closing fills carry the P&L against the strategy's own entry.
type VirtualFill struct {
	StrategyID  string          `json:"strategy_id"`
	Instrument  string          `json:"instrument"`
	Sequence    uint64          `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Opening     bool            `json:"opening"`
}

// Strategy is the capability set shared by every logic variant.
// Implementations are not safe for concurrent use; the pool confines each
// strategy to its instrument's worker.
type Strategy interface {
	ID() string
	Kind() Kind
	// OnObservation advances the strategy and returns the fill it produced, if any.
	OnObservation(obs market.Observation) (VirtualFill, bool)
	CurrentPosition() Position
	// Fills returns the fill history in sequence order. Callers must not modify it.
	Fills() []VirtualFill
	Reset()
	// Restore rebuilds position and history from persisted fills.
	// Indicator state starts cold.
	Restore(fills []VirtualFill)
}

// Spec describes one strategy registration.
type Spec struct {
	ID     string
	Kind   Kind
	Size   float64
	Params map[string]float64
}

// New builds the variant selected by spec.Kind.
func New(spec Spec, logger *zap.Logger) (Strategy, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("strategy id is required")
	}
	size := spec.Size
	if size <= 0 {
		size = 1
	}

	var (
		l   logic
		err error
	)
	switch spec.Kind {
	case KindTrend:
		l, err = newTrend(spec.Params)
	case KindMeanReversion:
		l, err = newMeanReversion(spec.Params)
	case KindBuyAndHold:
		l = &buyAndHold{}
	default:
		return nil, fmt.Errorf("unknown strategy kind %q for %s", spec.Kind, spec.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid params for strategy %s: %w", spec.ID, err)
	}

	return &virtualStrategy{
		id:     spec.ID,
		kind:   spec.Kind,
		logic:  l,
		size:   decimal.NewFromFloat(size),
		logger: logger.With(zap.String("strategy", spec.ID), zap.String("kind", string(spec.Kind))),
	}, nil
}

func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}
