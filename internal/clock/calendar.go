package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bronco-trade-agent-go/internal/metrics"
	"go.uber.org/zap"
)

// DayStatus is the trading status of a calendar date.
type DayStatus string

const (
	StatusOpen       DayStatus = "open"
	StatusClosed     DayStatus = "closed"
	StatusEarlyClose DayStatus = "early_close"
)

// RawEntry is a calendar row as stored. Times are "15:04" or empty.
type RawEntry struct {
	Date        string
	Status      string
	OpenTime    string
	CloseTime   string
	Description string
}

// Entry is a parsed calendar row. OpenTime overrides the regular open when
// set; CloseTime is the early close and is always set for early_close days.
type Entry struct {
	Date        Date
	Status      DayStatus
	OpenTime    *TimeOfDay
	CloseTime   *TimeOfDay
	Description string
}

// CalendarSource reads calendar rows for [from, to].
type CalendarSource interface {
	CalendarEntries(ctx context.Context, from, to Date) ([]RawEntry, error)
}

// ParseEntry validates a raw row.
func ParseEntry(raw RawEntry) (Entry, error) {
	d, err := ParseDate(raw.Date)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Date: d, Status: DayStatus(raw.Status), Description: raw.Description}
	switch e.Status {
	case StatusOpen, StatusClosed, StatusEarlyClose:
	default:
		return Entry{}, fmt.Errorf("unknown status %q for %s", raw.Status, raw.Date)
	}
	if raw.OpenTime != "" {
		t, err := ParseTimeOfDay(raw.OpenTime)
		if err != nil {
			return Entry{}, fmt.Errorf("open time for %s: %w", raw.Date, err)
		}
		e.OpenTime = &t
	}
	if raw.CloseTime != "" {
		t, err := ParseTimeOfDay(raw.CloseTime)
		if err != nil {
			return Entry{}, fmt.Errorf("close time for %s: %w", raw.Date, err)
		}
		e.CloseTime = &t
	}
	if e.Status == StatusEarlyClose && e.CloseTime == nil {
		return Entry{}, fmt.Errorf("early close without close time for %s", raw.Date)
	}
	return e, nil
}

// Calendar caches the entries for today and the lookahead horizon. It is
// loaded explicitly and replaced wholesale on Refresh; readers see either the
// old or the new set.
type Calendar struct {
	source    CalendarSource
	loc       *time.Location
	lookahead int
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.RWMutex
	entries   map[Date]Entry
	from, to  Date
	loaded    bool
	malformed int
}

func NewCalendar(source CalendarSource, loc *time.Location, lookaheadDays int, logger *zap.Logger) *Calendar {
	return &Calendar{
		source:    source,
		loc:       loc,
		lookahead: lookaheadDays,
		logger:    logger.Named("calendar"),
		now:       time.Now,
		entries:   make(map[Date]Entry),
	}
}

// Load performs the initial read. Until it succeeds every date reads as missing.
func (c *Calendar) Load(ctx context.Context) error {
	return c.Refresh(ctx)
}

// Refresh re-reads [today, today+lookahead]. On error the previous entries stay.
func (c *Calendar) Refresh(ctx context.Context) error {
	from := DateOf(c.now().In(c.loc))
	to := from.AddDays(c.lookahead)

	rows, err := c.source.CalendarEntries(ctx, from, to)
	if err != nil {
		return fmt.Errorf("failed to read calendar %s..%s: %w", from, to, err)
	}

	entries := make(map[Date]Entry, len(rows))
	bad := 0
	for _, raw := range rows {
		e, err := ParseEntry(raw)
		if err != nil {
			bad++
			c.logger.Warn("Skipping malformed calendar entry", zap.Error(err))
			continue
		}
		entries[e.Date] = e
	}
	metrics.AddCalendarMalformed(bad)

	c.mu.Lock()
	c.entries = entries
	c.from, c.to = from, to
	c.loaded = true
	c.malformed = bad
	c.mu.Unlock()

	c.logger.Info("Market calendar loaded",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("entries", len(entries)),
		zap.Int("malformed", bad))
	return nil
}

// Entry returns the parsed entry for d.
func (c *Calendar) Entry(d Date) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[d]
	return e, ok
}

// Horizon is the loaded date range.
func (c *Calendar) Horizon() (from, to Date, loaded bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.from, c.to, c.loaded
}

// Malformed is the number of rows skipped by the last load.
func (c *Calendar) Malformed() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.malformed
}
