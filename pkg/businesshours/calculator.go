// Package businesshours converts requested delays into timestamps bounded by a
// configured business-hour window in a fixed timezone.
//
// A Calculator is immutable and safe for concurrent use. Every Resolve result is
// inside a business window and never earlier than the reference time.
package businesshours

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"
)

const (
	DefaultTimezone = "America/Sao_Paulo"
	DefaultStart    = 9 * 60
	DefaultEnd      = 18 * 60
)

var (
	ErrInvalidWindow   = errors.New("business window start must be before end")
	ErrNoWeekdays      = errors.New("at least one business weekday is required")
	ErrInvalidWeekday  = errors.New("weekday must be between 1 (Monday) and 7 (Sunday)")
	ErrUnknownDelay    = errors.New("unknown delay kind")
	ErrNegativeDelay   = errors.New("delay amount must not be negative")
	ErrMissingAnchor   = errors.New("day_offset delay requires an anchor")
	ErrInvalidHour     = errors.New("hour must be between 0 and 23")
	ErrEmptyDayPattern = errors.New("day_pattern delay requires at least one weekday")
)

// Calculator resolves delays against a business-hour window [start, end) that
// applies on the configured weekdays.
type Calculator struct {
	loc      *time.Location
	start    int
	end      int
	weekdays [7]bool
}

// New builds a calculator. start and end are minutes after local midnight and
// weekdays use ISO numbering (1 = Monday ... 7 = Sunday).
func New(loc *time.Location, start, end int, weekdays []int) (*Calculator, error) {
	if loc == nil {
		loc = time.UTC
	}

	if start < 0 || end > 24*60 || start >= end {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidWindow, start, end)
	}

	if len(weekdays) == 0 {
		return nil, ErrNoWeekdays
	}

	calc := &Calculator{loc: loc, start: start, end: end}

	for _, day := range weekdays {
		weekday, err := ISOWeekday(day)
		if err != nil {
			return nil, err
		}

		calc.weekdays[weekday] = true
	}

	return calc, nil
}

// Default returns the Monday-Friday 09:00-18:00 America/Sao_Paulo calculator.
func Default() *Calculator {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}

	calc, _ := New(loc, DefaultStart, DefaultEnd, []int{1, 2, 3, 4, 5})

	return calc
}

// ISOWeekday converts 1..7 (Monday..Sunday) to time.Weekday.
func ISOWeekday(day int) (time.Weekday, error) {
	if day < 1 || day > 7 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidWeekday, day)
	}

	return time.Weekday(day % 7), nil
}

func (c *Calculator) Location() *time.Location {
	return c.loc
}

// IsBusinessTime reports whether t falls inside a business window.
func (c *Calculator) IsBusinessTime(t time.Time) bool {
	local := t.In(c.loc)
	if !c.weekdays[local.Weekday()] {
		return false
	}

	minute := local.Hour()*60 + local.Minute()

	return minute >= c.start && minute < c.end
}

// RollForward returns t when it is inside business hours, otherwise the start
// of the next business window. It never moves backwards.
func (c *Calculator) RollForward(t time.Time) time.Time {
	local := t.In(c.loc)

	if c.IsBusinessTime(local) {
		return local
	}

	if c.weekdays[local.Weekday()] && local.Before(c.windowStart(local)) {
		return c.windowStart(local)
	}

	day := local

	for range 8 {
		day = c.midnight(day).AddDate(0, 0, 1)
		if c.weekdays[day.Weekday()] {
			return c.windowStart(day)
		}
	}

	return local
}

// AddBusinessMinutes consumes n minutes of business time starting at from.
func (c *Calculator) AddBusinessMinutes(from time.Time, n int) time.Time {
	current := c.RollForward(from)
	remaining := time.Duration(n) * time.Minute

	for remaining > 0 {
		windowEnd := c.windowEnd(current)

		available := windowEnd.Sub(current)
		if remaining < available {
			return current.Add(remaining)
		}

		remaining -= available
		current = c.RollForward(windowEnd)
	}

	return current
}

// AddBusinessDays moves n business days past the local date of from.
func (c *Calculator) AddBusinessDays(from time.Time, n int) time.Time {
	day := c.midnight(from.In(c.loc))

	for n > 0 {
		day = day.AddDate(0, 0, 1)
		if c.weekdays[day.Weekday()] {
			n--
		}
	}

	return day
}

func (c *Calculator) midnight(t time.Time) time.Time {
	y, m, d := t.Date()

	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

func (c *Calculator) at(day time.Time, minuteOfDay int) time.Time {
	y, m, d := day.In(c.loc).Date()

	return time.Date(y, m, d, minuteOfDay/60, minuteOfDay%60, 0, 0, c.loc)
}

func (c *Calculator) windowStart(day time.Time) time.Time {
	return c.at(day, c.start)
}

func (c *Calculator) windowEnd(day time.Time) time.Time {
	return c.at(day, c.end)
}
