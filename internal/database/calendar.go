package database

import (
	"context"
	"fmt"

	"bronco-trade-agent-go/internal/clock"
	"bronco-trade-agent-go/internal/config"
	"bronco-trade-agent-go/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CalendarRepository serves market calendar rows to the session clock.
type CalendarRepository struct {
	db   *gorm.DB
	seed *calendarSeed
}

type calendarSeed struct {
	holidays    []string
	earlyCloses []config.EarlyClose
}

var _ clock.CalendarSource = (*CalendarRepository)(nil)

func NewCalendarRepository(db *gorm.DB) *CalendarRepository {
	return &CalendarRepository{db: db}
}

// SeedOnRead makes every read insert the missing days of its range first, so
// a refreshing calendar never runs past the seeded horizon.
func (r *CalendarRepository) SeedOnRead(holidays []string, earlyCloses []config.EarlyClose) *CalendarRepository {
	r.seed = &calendarSeed{holidays: holidays, earlyCloses: earlyCloses}
	return r
}

func (r *CalendarRepository) CalendarEntries(ctx context.Context, from, to clock.Date) ([]clock.RawEntry, error) {
	if r.seed != nil {
		if _, err := SeedCalendar(r.db.WithContext(ctx), from, to, r.seed.holidays, r.seed.earlyCloses); err != nil {
			return nil, err
		}
	}

	var rows []models.MarketCalendar
	err := r.db.WithContext(ctx).
		Where("date >= ? AND date <= ?", from.String(), to.String()).
		Order("date").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query market calendar: %w", err)
	}

	out := make([]clock.RawEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, clock.RawEntry{
			Date:        row.Date,
			Status:      row.Status,
			OpenTime:    row.OpenTime,
			CloseTime:   row.CloseTime,
			Description: row.Description,
		})
	}
	return out, nil
}

// SeedCalendar inserts a row for every day in [from, to] that has none yet:
// weekends and holidays closed, configured early closes, other days open.
// Rows already present are left untouched. It returns the number inserted.
func SeedCalendar(db *gorm.DB, from, to clock.Date, holidays []string, earlyCloses []config.EarlyClose) (int64, error) {
	closedDays := make(map[string]struct{}, len(holidays))
	for _, h := range holidays {
		if _, err := clock.ParseDate(h); err != nil {
			return 0, fmt.Errorf("invalid holiday: %w", err)
		}
		closedDays[h] = struct{}{}
	}
	early := make(map[string]string, len(earlyCloses))
	for _, ec := range earlyCloses {
		if _, err := clock.ParseDate(ec.Date); err != nil {
			return 0, fmt.Errorf("invalid early close: %w", err)
		}
		if _, err := clock.ParseTimeOfDay(ec.Close); err != nil {
			return 0, fmt.Errorf("invalid early close for %s: %w", ec.Date, err)
		}
		early[ec.Date] = ec.Close
	}

	var rows []models.MarketCalendar
	for d := from; !d.After(to); d = d.AddDays(1) {
		key := d.String()
		row := models.MarketCalendar{Date: key, Status: string(clock.StatusOpen)}
		if _, ok := closedDays[key]; ok {
			row.Status, row.Description = string(clock.StatusClosed), "Holiday"
		} else if d.IsWeekend() {
			row.Status, row.Description = string(clock.StatusClosed), "Weekend"
		} else if closeAt, ok := early[key]; ok {
			row.Status, row.CloseTime, row.Description = string(clock.StatusEarlyClose), closeAt, "Early close"
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to seed market calendar: %w", res.Error)
	}
	return res.RowsAffected, nil
}
