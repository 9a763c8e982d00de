package clock

import (
	"context"
	"fmt"
	"time"

	"bronco-trade-agent-go/internal/config"
)

// Phase of the trading session.
type Phase string

const (
	PhasePreMarket  Phase = "PRE_MARKET"
	PhaseRegular    Phase = "REGULAR"
	PhaseAfterHours Phase = "AFTER_HOURS"
	PhaseClosed     Phase = "CLOSED"
)

// State is the clock's answer for an instant.
type State struct {
	Phase    Phase `json:"phase"`
	Tradable bool  `json:"tradable"`
}

// Hours are the default session bands of a normal trading day.
type Hours struct {
	PreMarketOpen   TimeOfDay
	RegularOpen     TimeOfDay
	RegularClose    TimeOfDay
	AfterHoursClose TimeOfDay
}

// Clock classifies instants into session phases using the calendar.
type Clock struct {
	loc                  *time.Location
	hours                Hours
	includeExtended      bool
	earlyCloseAfterHours bool
	calendar             *Calendar
}

// Options configure a Clock.
type Options struct {
	Location *time.Location
	Hours    Hours
	// IncludeExtended makes pre-market and after-hours tradable.
	IncludeExtended bool
	// EarlyCloseAfterHours keeps an after-hours band on early close days,
	// from the early close until the regular after-hours close.
	EarlyCloseAfterHours bool
}

func New(opts Options, calendar *Calendar) *Clock {
	return &Clock{
		loc:                  opts.Location,
		hours:                opts.Hours,
		includeExtended:      opts.IncludeExtended,
		earlyCloseAfterHours: opts.EarlyCloseAfterHours,
		calendar:             calendar,
	}
}

// OptionsFromConfig parses the market section.
func OptionsFromConfig(cfg *config.Market) (Options, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return Options{}, fmt.Errorf("failed to load timezone %s: %w", cfg.Timezone, err)
	}
	var h Hours
	for _, f := range []struct {
		dst *TimeOfDay
		src string
	}{
		{&h.PreMarketOpen, cfg.PreMarketOpen},
		{&h.RegularOpen, cfg.RegularOpen},
		{&h.RegularClose, cfg.RegularClose},
		{&h.AfterHoursClose, cfg.AfterHoursClose},
	} {
		if *f.dst, err = ParseTimeOfDay(f.src); err != nil {
			return Options{}, err
		}
	}
	if !(h.PreMarketOpen.Before(h.RegularOpen) && h.RegularOpen.Before(h.RegularClose) && !h.AfterHoursClose.Before(h.RegularClose)) {
		return Options{}, fmt.Errorf("market hours out of order: %s %s %s %s", h.PreMarketOpen, h.RegularOpen, h.RegularClose, h.AfterHoursClose)
	}
	return Options{
		Location:             loc,
		Hours:                h,
		IncludeExtended:      cfg.IncludeExtended,
		EarlyCloseAfterHours: cfg.EarlyCloseAfterHours,
	}, nil
}

func (c *Clock) Location() *time.Location { return c.loc }

func (c *Clock) Calendar() *Calendar { return c.calendar }

// At classifies now. Dates without a calendar entry are CLOSED.
func (c *Clock) At(now time.Time) State {
	phase := c.phase(now.In(c.loc))
	return State{Phase: phase, Tradable: c.tradable(phase)}
}

func (c *Clock) tradable(p Phase) bool {
	switch p {
	case PhaseRegular:
		return true
	case PhasePreMarket, PhaseAfterHours:
		return c.includeExtended
	default:
		return false
	}
}

func (c *Clock) phase(local time.Time) Phase {
	entry, ok := c.calendar.Entry(DateOf(local))
	if !ok || entry.Status == StatusClosed {
		return PhaseClosed
	}

	open, close, afterClose := c.bands(entry)
	tod := TimeOfDayOf(local)
	switch {
	case tod.within(c.hours.PreMarketOpen, open):
		return PhasePreMarket
	case tod.within(open, close):
		return PhaseRegular
	case tod.within(close, afterClose):
		return PhaseAfterHours
	default:
		return PhaseClosed
	}
}

// bands returns the regular open, regular close and after-hours close for an
// open or early close day.
func (c *Clock) bands(e Entry) (open, close, afterClose TimeOfDay) {
	open, close, afterClose = c.hours.RegularOpen, c.hours.RegularClose, c.hours.AfterHoursClose
	if e.OpenTime != nil {
		open = *e.OpenTime
	}
	if e.Status == StatusEarlyClose {
		close = *e.CloseTime
		if !c.earlyCloseAfterHours {
			afterClose = close
		}
	}
	return open, close, afterClose
}

// TimeUntilNextOpen returns the time until the next REGULAR start strictly
// after now. It reports false when no such start lies within the loaded
// calendar horizon.
func (c *Clock) TimeUntilNextOpen(now time.Time) (time.Duration, bool) {
	_, to, loaded := c.calendar.Horizon()
	if !loaded {
		return 0, false
	}
	for d := DateOf(now.In(c.loc)); !d.After(to); d = d.AddDays(1) {
		entry, ok := c.calendar.Entry(d)
		if !ok || entry.Status == StatusClosed {
			continue
		}
		open, _, _ := c.bands(entry)
		start := Resolve(c.loc, d, open)
		if start.After(now) {
			return start.Sub(now), true
		}
	}
	return 0, false
}

// TimeUntilNextTradable is like TimeUntilNextOpen but targets the first
// tradable band, which is the pre-market start when extended hours count.
func (c *Clock) TimeUntilNextTradable(now time.Time) (time.Duration, bool) {
	if !c.includeExtended {
		return c.TimeUntilNextOpen(now)
	}
	_, to, loaded := c.calendar.Horizon()
	if !loaded {
		return 0, false
	}
	for d := DateOf(now.In(c.loc)); !d.After(to); d = d.AddDays(1) {
		entry, ok := c.calendar.Entry(d)
		if !ok || entry.Status == StatusClosed {
			continue
		}
		open, _, _ := c.bands(entry)
		start := c.hours.PreMarketOpen
		if open.Before(start) {
			start = open
		}
		if at := Resolve(c.loc, d, start); at.After(now) {
			return at.Sub(now), true
		}
	}
	return 0, false
}

// Refresh reloads the calendar.
func (c *Clock) Refresh(ctx context.Context) error {
	return c.calendar.Refresh(ctx)
}
