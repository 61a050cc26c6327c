// Package businesstime converts between wall-clock intervals and business-hours clock time.
package businesstime

import (
	"fmt"
	"time"

	"github.com/rickar/cal/v2"

	"github.com/t77yq/sla-tracker/internal/model"
)

const (
	defaultOpen  = "09:00"
	defaultClose = "17:00"

	// maxScanDays bounds the day walk so a calendar without reachable workdays cannot loop forever
	maxScanDays = 3660
)

var defaultWorkdays = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
}

// Calendar is a business calendar: working weekdays, a daily [open, close) window and holidays,
// all interpreted in one timezone. Workday and holiday classification is delegated to rickar/cal.
type Calendar struct {
	cal      *cal.BusinessCalendar
	loc      *time.Location
	openMin  int
	closeMin int
}

// NewCalendar builds a Calendar from configuration
func NewCalendar(cfg model.BusinessHoursConfig) (*Calendar, error) {
	openStr, closeStr := cfg.Start, cfg.End
	if openStr == "" {
		openStr = defaultOpen
	}
	if closeStr == "" {
		closeStr = defaultClose
	}

	openMin, err := parseClock(openStr)
	if err != nil {
		return nil, &model.ConfigurationError{Field: "business_hours_start", Reason: err.Error()}
	}
	closeMin, err := parseClock(closeStr)
	if err != nil {
		return nil, &model.ConfigurationError{Field: "business_hours_end", Reason: err.Error()}
	}
	if closeMin <= openMin {
		return nil, &model.ConfigurationError{
			Field:  "business_hours",
			Reason: fmt.Sprintf("end %s must be after start %s", closeStr, openStr),
		}
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, &model.ConfigurationError{Field: "timezone", Reason: err.Error()}
		}
	}

	workdays := cfg.Workdays
	if len(workdays) == 0 {
		workdays = defaultWorkdays
	}

	bc := cal.NewBusinessCalendar()
	for d := time.Sunday; d <= time.Saturday; d++ {
		bc.SetWorkday(d, false)
	}
	for _, d := range workdays {
		if d < time.Sunday || d > time.Saturday {
			return nil, &model.ConfigurationError{Field: "workdays", Reason: fmt.Sprintf("invalid weekday %d", d)}
		}
		bc.SetWorkday(d, true)
	}
	bc.SetWorkHours(time.Duration(openMin)*time.Minute, time.Duration(closeMin)*time.Minute)

	for _, h := range cfg.Holidays {
		date, err := time.Parse("2006-01-02", h)
		if err != nil {
			return nil, &model.ConfigurationError{Field: "holidays", Reason: fmt.Sprintf("bad date %q", h)}
		}
		// One-time holiday: pinned to its own year
		bc.AddHoliday(&cal.Holiday{
			Name:      "holiday " + h,
			Type:      cal.ObservancePublic,
			Month:     date.Month(),
			Day:       date.Day(),
			Func:      cal.CalcDayOfMonth,
			StartYear: date.Year(),
			EndYear:   date.Year(),
		})
	}

	return &Calendar{
		cal:      bc,
		loc:      loc,
		openMin:  openMin,
		closeMin: closeMin,
	}, nil
}

// ForDefinition returns the calendar a definition's clock runs on, or nil when the definition
// counts wall-clock time. Definition hours override the org's; holidays are merged.
func ForDefinition(def *model.Definition, org *model.BusinessHoursConfig) (*Calendar, error) {
	if def == nil || !def.UseBusinessHours {
		return nil, nil
	}

	cfg := model.BusinessHoursConfig{}
	if org != nil {
		cfg = *org
		cfg.Holidays = append([]string(nil), org.Holidays...)
	}
	if def.BusinessHoursStart != "" {
		cfg.Start = def.BusinessHoursStart
	}
	if def.BusinessHoursEnd != "" {
		cfg.End = def.BusinessHoursEnd
	}
	cfg.Holidays = append(cfg.Holidays, def.Holidays...)

	return NewCalendar(cfg)
}

// Location returns the calendar's timezone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsWorkday reports whether the calendar day containing t is a business day
func (c *Calendar) IsWorkday(t time.Time) bool {
	t = t.In(c.loc)
	y, m, d := t.Date()
	return c.cal.IsWorkday(time.Date(y, m, d, 12, 0, 0, 0, c.loc))
}

// IsOpen reports whether t falls inside a business window
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsWorkday(t) {
		return false
	}
	open, close := c.window(t.In(c.loc))
	return !t.Before(open) && t.Before(close)
}

// Elapsed returns the business time between start and end. A reversed interval yields the
// negated forward amount.
func (c *Calendar) Elapsed(start, end time.Time) time.Duration {
	if end.Before(start) {
		return -c.Elapsed(end, start)
	}

	s, e := start.In(c.loc), end.In(c.loc)
	y, m, d := s.Date()

	var total time.Duration
	for i := 0; ; i++ {
		day := time.Date(y, m, d+i, 0, 0, 0, 0, c.loc)
		if !day.Before(e) {
			break
		}
		if !c.cal.IsWorkday(day) {
			continue
		}
		open, close := c.window(day)
		lo, hi := later(s, open), earlier(e, close)
		if hi.After(lo) {
			total += hi.Sub(lo)
		}
	}
	return total
}

// Add returns the instant at which offset business time has been consumed after start.
// Results that would fall on a window's close, or outside any window, move forward to
// the next business-day open. A calendar with no business window within maxScanDays
// yields a ConfigurationError.
func (c *Calendar) Add(start time.Time, offset time.Duration) (time.Time, error) {
	if offset < 0 {
		offset = 0
	}

	cur := start.In(c.loc)
	remaining := offset
	y, m, d := cur.Date()

	for i := 0; i < maxScanDays; i++ {
		day := time.Date(y, m, d+i, 0, 0, 0, 0, c.loc)
		if !c.cal.IsWorkday(day) {
			continue
		}
		open, close := c.window(day)
		if cur.Before(open) {
			cur = open
		}
		if !cur.Before(close) {
			continue
		}
		avail := close.Sub(cur)
		if remaining < avail {
			return cur.Add(remaining).In(start.Location()), nil
		}
		remaining -= avail
		cur = close
	}

	return time.Time{}, &model.ConfigurationError{
		Field:  "business_hours",
		Reason: fmt.Sprintf("no business time available within %d days of %s", maxScanDays, start.Format(time.RFC3339)),
	}
}

func (c *Calendar) window(day time.Time) (time.Time, time.Time) {
	y, m, d := day.Date()
	open := time.Date(y, m, d, c.openMin/60, c.openMin%60, 0, 0, c.loc)
	close := time.Date(y, m, d, c.closeMin/60, c.closeMin%60, 0, 0, c.loc)
	return open, close
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
