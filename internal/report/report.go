package report

import (
	"sort"
	"time"

	"bronco-trade-agent-go/internal/dispatch"
	"bronco-trade-agent-go/internal/models"
	"github.com/shopspring/decimal"
)

// Stats summarizes closed decision records.
type Stats struct {
	Records    int64           `json:"records"`
	Profitable int64           `json:"profitable"`
	WinRate    float64         `json:"win_rate"`
	TotalPnL   decimal.Decimal `json:"total_pnl"`
	ForceStops int64           `json:"force_stops"`
}

func (s *Stats) add(r models.DecisionRecord) {
	s.Records++
	if r.PnL.Decimal.IsPositive() {
		s.Profitable++
	}
	s.TotalPnL = s.TotalPnL.Add(r.PnL.Decimal)
	if r.Status == string(dispatch.StatusForceStopped) {
		s.ForceStops++
	}
}

func (s *Stats) finish() {
	if s.Records > 0 {
		s.WinRate = float64(s.Profitable) / float64(s.Records)
	}
}

// StrategyStats is the breakdown for one strategy on one instrument.
type StrategyStats struct {
	Instrument string `json:"instrument"`
	StrategyID string `json:"strategy_id"`
	Since24h   Stats  `json:"since_24h"`
	AllTime    Stats  `json:"all_time"`
}

// Statistics is the structure served by the statistics endpoint.
type Statistics struct {
	Since24h   Stats           `json:"since_24h"`
	AllTime    Stats           `json:"all_time"`
	Strategies []StrategyStats `json:"strategies"`
}

// Compute aggregates the closed records. Records still active are skipped; a
// record counts toward the last 24 hours when it ended inside them.
func Compute(records []models.DecisionRecord, now time.Time) Statistics {
	since24h := now.Add(-24 * time.Hour)
	out := Statistics{}
	rows := make(map[[2]string]*StrategyStats)

	for _, r := range records {
		if r.EndTime == nil || !r.PnL.Valid {
			continue
		}
		key := [2]string{r.Instrument, r.StrategyID}
		row, ok := rows[key]
		if !ok {
			row = &StrategyStats{Instrument: r.Instrument, StrategyID: r.StrategyID}
			rows[key] = row
		}

		out.AllTime.add(r)
		row.AllTime.add(r)
		if r.EndTime.After(since24h) {
			out.Since24h.add(r)
			row.Since24h.add(r)
		}
	}

	out.AllTime.finish()
	out.Since24h.finish()
	out.Strategies = make([]StrategyStats, 0, len(rows))
	for _, row := range rows {
		row.AllTime.finish()
		row.Since24h.finish()
		out.Strategies = append(out.Strategies, *row)
	}
	sort.Slice(out.Strategies, func(i, j int) bool {
		a, b := out.Strategies[i], out.Strategies[j]
		if a.Instrument != b.Instrument {
			return a.Instrument < b.Instrument
		}
		return a.StrategyID < b.StrategyID
	})
	return out
}
