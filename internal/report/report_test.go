package report

import (
	"bytes"
	"testing"
	"time"

	"bronco-trade-agent-go/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func closed(instrument, strategyID, status string, pnl int64, end time.Time) models.DecisionRecord {
	return models.DecisionRecord{
		Instrument: instrument,
		StrategyID: strategyID,
		Status:     status,
		EndTime:    &end,
		PnL:        decimal.NewNullDecimal(decimal.NewFromInt(pnl)),
	}
}

func TestCompute(t *testing.T) {
	now := time.Date(2025, 7, 2, 16, 0, 0, 0, time.UTC)
	records := []models.DecisionRecord{
		closed("MSFT", "msft-trend", "completed", 4, now.Add(-time.Hour)),
		closed("AAPL", "aapl-trend", "completed", -5, now.Add(-2*time.Hour)),
		closed("AAPL", "aapl-trend", "force_stopped", 3, now.Add(-48*time.Hour)),
		closed("AAPL", "aapl-hold", "completed", 0, now.Add(-30*time.Hour)),
		{Instrument: "AAPL", StrategyID: "aapl-hold", Status: "active"},
	}

	stats := Compute(records, now)

	assert.Equal(t, int64(4), stats.AllTime.Records)
	assert.Equal(t, int64(2), stats.AllTime.Profitable)
	assert.Equal(t, 0.5, stats.AllTime.WinRate)
	assert.Equal(t, "2", stats.AllTime.TotalPnL.String())
	assert.Equal(t, int64(1), stats.AllTime.ForceStops)

	assert.Equal(t, int64(2), stats.Since24h.Records)
	assert.Equal(t, "-1", stats.Since24h.TotalPnL.String())

	require.Len(t, stats.Strategies, 3)
	assert.Equal(t, "aapl-hold", stats.Strategies[0].StrategyID)
	assert.Equal(t, "aapl-trend", stats.Strategies[1].StrategyID)
	assert.Equal(t, "MSFT", stats.Strategies[2].Instrument)

	trend := stats.Strategies[1]
	assert.Equal(t, int64(2), trend.AllTime.Records)
	assert.Equal(t, "-2", trend.AllTime.TotalPnL.String())
	assert.Equal(t, int64(1), trend.Since24h.Records)
	assert.Equal(t, 0.0, trend.Since24h.WinRate)
}

func TestCompute_Empty(t *testing.T) {
	stats := Compute(nil, time.Now())
	assert.Zero(t, stats.AllTime.Records)
	assert.Zero(t, stats.AllTime.WinRate)
	assert.True(t, stats.AllTime.TotalPnL.IsZero())
	assert.Empty(t, stats.Strategies)
}

func TestWriteXLSX(t *testing.T) {
	now := time.Date(2025, 7, 2, 16, 0, 0, 0, time.UTC)
	records := []models.DecisionRecord{
		closed("AAPL", "aapl-trend", "completed", -5, now.Add(-time.Hour)),
		{ID: "open-1", Instrument: "AAPL", StrategyID: "aapl-hold", Status: "active", StartTime: now, InitialPrice: decimal.NewFromInt(100)},
	}
	records[0].ID = "closed-1"

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, Compute(records, now), records))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{summarySheet, decisionsSheet}, f.GetSheetList())

	v, err := f.GetCellValue(summarySheet, "F2")
	require.NoError(t, err)
	assert.Equal(t, "-5", v)

	v, err = f.GetCellValue(decisionsSheet, "A3")
	require.NoError(t, err)
	assert.Equal(t, "open-1", v)
	v, err = f.GetCellValue(decisionsSheet, "I3")
	require.NoError(t, err)
	assert.Empty(t, v)
}
