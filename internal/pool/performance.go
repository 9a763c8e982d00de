package pool

import (
	"time"

	"bronco-trade-agent-go/internal/strategy"
	"github.com/shopspring/decimal"
)

// WindowStats summarizes one strategy over one trailing window.
type WindowStats struct {
	Window      time.Duration   `json:"window"`
	Return      decimal.Decimal `json:"return"`
	MaxDrawdown decimal.Decimal `json:"max_drawdown"`
	Fills       int             `json:"fills"`
}

// StrategyPerformance is one row of the matrix.
type StrategyPerformance struct {
	StrategyID string            `json:"strategy_id"`
	Kind       strategy.Kind     `json:"kind"`
	Position   strategy.Position `json:"position"`
	Windows    []WindowStats     `json:"windows"`
}

// Matrix is the performance of every registered strategy over every
// configured window, as of a point in time. Rows follow registration order and
// columns follow the configured window order.
type Matrix struct {
	Instrument string                `json:"instrument"`
	AsOf       time.Time             `json:"as_of"`
	Strategies []StrategyPerformance `json:"strategies"`
}

// Lookup returns the stats of a strategy over a window.
func (m Matrix) Lookup(strategyID string, window time.Duration) (WindowStats, bool) {
	for _, row := range m.Strategies {
		if row.StrategyID != strategyID {
			continue
		}
		for _, ws := range row.Windows {
			if ws.Window == window {
				return ws, true
			}
		}
	}
	return WindowStats{}, false
}

// Snapshot computes the performance matrix as of asOf from fill history alone.
// Windows are wall-clock trailing windows [asOf-window, asOf]; closed-market
// hours inside a window count like any other time. It never mutates the pool.
func (p *Pool) Snapshot(asOf time.Time) Matrix {
	m := Matrix{
		Instrument: p.instrument,
		AsOf:       asOf,
		Strategies: make([]StrategyPerformance, 0, len(p.strategies)),
	}
	for _, s := range p.strategies {
		row := StrategyPerformance{
			StrategyID: s.ID(),
			Kind:       s.Kind(),
			Position:   s.CurrentPosition(),
			Windows:    make([]WindowStats, 0, len(p.windows)),
		}
		fills := s.Fills()
		for _, w := range p.windows {
			row.Windows = append(row.Windows, ComputeWindow(fills, asOf.Add(-w), asOf, w))
		}
		m.Strategies = append(m.Strategies, row)
	}
	return m
}

// ComputeWindow accumulates realized P&L over fills stamped within [from, to]
// and the largest peak-to-trough decline of that cumulative curve. The curve
// starts at zero, so a first losing fill is a drawdown. No fills yields zeros.
func ComputeWindow(fills []strategy.VirtualFill, from, to time.Time, window time.Duration) WindowStats {
	ws := WindowStats{Window: window, Return: decimal.Zero, MaxDrawdown: decimal.Zero}

	cum := decimal.Zero
	peak := decimal.Zero
	for _, f := range fills {
		if f.Timestamp.Before(from) || f.Timestamp.After(to) {
			continue
		}
		ws.Fills++
		cum = cum.Add(f.RealizedPnL)
		if cum.GreaterThan(peak) {
			peak = cum
		}
		if dd := peak.Sub(cum); dd.GreaterThan(ws.MaxDrawdown) {
			ws.MaxDrawdown = dd
		}
	}
	ws.Return = cum
	return ws
}
