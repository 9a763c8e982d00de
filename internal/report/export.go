package report

import (
	"io"
	"time"

	"bronco-trade-agent-go/internal/models"
	"github.com/xuri/excelize/v2"
)

const (
	summarySheet   = "summary"
	decisionsSheet = "decisions"
)

// WriteXLSX renders the statistics and the decision log as a workbook.
func WriteXLSX(w io.Writer, stats Statistics, records []models.DecisionRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(decisionsSheet); err != nil {
		return err
	}

	summaryHeader := []string{"Instrument", "Strategy", "Records", "Profitable", "Win Rate", "Total P&L", "Force Stops"}
	for i, h := range summaryHeader {
		_ = f.SetCellValue(summarySheet, cell(i+1, 1), h)
	}
	row := 2
	writeStats := func(instrument, strategyID string, s Stats) {
		values := []interface{}{instrument, strategyID, s.Records, s.Profitable, s.WinRate, s.TotalPnL.String(), s.ForceStops}
		for i, v := range values {
			_ = f.SetCellValue(summarySheet, cell(i+1, row), v)
		}
		row++
	}
	writeStats("ALL", "ALL", stats.AllTime)
	for _, s := range stats.Strategies {
		writeStats(s.Instrument, s.StrategyID, s.AllTime)
	}

	decisionHeader := []string{"ID", "Instrument", "Strategy", "Status", "Start", "End", "Initial Price", "Final Price", "P&L", "P&L %", "Reason", "Stop Reason"}
	for i, h := range decisionHeader {
		_ = f.SetCellValue(decisionsSheet, cell(i+1, 1), h)
	}
	for i, r := range records {
		end := ""
		if r.EndTime != nil {
			end = r.EndTime.UTC().Format(time.RFC3339)
		}
		values := []interface{}{
			r.ID, r.Instrument, r.StrategyID, r.Status,
			r.StartTime.UTC().Format(time.RFC3339), end,
			r.InitialPrice.String(), nullString(r.FinalPrice.Valid, r.FinalPrice.Decimal.String()),
			nullString(r.PnL.Valid, r.PnL.Decimal.String()), nullString(r.PnLPercentage.Valid, r.PnLPercentage.Decimal.String()),
			r.Reason, r.StopReason,
		}
		for j, v := range values {
			_ = f.SetCellValue(decisionsSheet, cell(j+1, i+2), v)
		}
	}

	return f.Write(w)
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

func nullString(valid bool, v string) string {
	if !valid {
		return ""
	}
	return v
}
