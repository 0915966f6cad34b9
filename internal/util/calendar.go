package util

import (
	"context"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// TradingCalendar is a static calendar: weekdays are trading days unless
// listed as holidays. Days are evaluated in the calendar's location.
type TradingCalendar struct {
	loc      *time.Location
	holidays map[string]bool
}

// NewTradingCalendar creates a TradingCalendar from YYYY-MM-DD holiday dates.
// A nil loc means UTC.
func NewTradingCalendar(holidays []string, loc *time.Location) (*TradingCalendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	tc := &TradingCalendar{loc: loc, holidays: make(map[string]bool, len(holidays))}
	for _, h := range holidays {
		d, err := time.Parse(dateLayout, h)
		if err != nil {
			return nil, fmt.Errorf("parsing holiday %q: %w", h, err)
		}
		tc.holidays[d.Format(dateLayout)] = true
	}
	return tc, nil
}

// IsTradingDay reports whether day is a weekday that is not a holiday.
func (tc *TradingCalendar) IsTradingDay(_ context.Context, day time.Time) (bool, error) {
	return tc.isOpen(day), nil
}

func (tc *TradingCalendar) isOpen(day time.Time) bool {
	d := day.In(tc.loc)
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !tc.holidays[d.Format(dateLayout)]
}

// PrevTradingDay returns the most recent trading day strictly before day,
// at midnight in the calendar's location.
func (tc *TradingCalendar) PrevTradingDay(day time.Time) time.Time {
	return tc.walk(day, -1)
}

// NextTradingDay returns the first trading day strictly after day, at
// midnight in the calendar's location.
func (tc *TradingCalendar) NextTradingDay(day time.Time) time.Time {
	return tc.walk(day, 1)
}

func (tc *TradingCalendar) walk(day time.Time, step int) time.Time {
	d := day.In(tc.loc)
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, tc.loc)
	for {
		d = d.AddDate(0, 0, step)
		if tc.isOpen(d) {
			return d
		}
	}
}
