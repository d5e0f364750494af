package businesshours

import (
	"fmt"
	"slices"
	"time"
)

type DelayKind string

const (
	// DelayMinutes waits calendar minutes, then rolls into business hours.
	DelayMinutes DelayKind = "minutes"
	// DelayBusinessMinutes consumes minutes only while inside business windows.
	DelayBusinessMinutes DelayKind = "business_minutes"
	// DelayBusinessDays lands N business days after the reference date at Hour.
	DelayBusinessDays DelayKind = "business_days"
	// DelayDayPattern lands on the next listed weekday at Hour.
	DelayDayPattern DelayKind = "day_pattern"
	// DelayDayOffset lands on business day N counted from Anchor (day 1 is the
	// first business day on or after Anchor).
	DelayDayOffset DelayKind = "day_offset"
)

// Delay is a requested delay. Kind selects which of the remaining fields apply.
type Delay struct {
	Kind     DelayKind  `json:"kind" yaml:"kind" validate:"omitempty,oneof=minutes business_minutes business_days day_pattern day_offset"`
	Minutes  int        `json:"minutes,omitempty" yaml:"minutes,omitempty" validate:"gte=0"`
	Days     int        `json:"days,omitempty" yaml:"days,omitempty" validate:"gte=0"`
	Weekdays []int      `json:"weekdays,omitempty" yaml:"weekdays,omitempty" validate:"omitempty,dive,min=1,max=7"`
	Hour     *int       `json:"hour,omitempty" yaml:"hour,omitempty" validate:"omitempty,min=0,max=23"`
	Anchor   *time.Time `json:"anchor,omitempty" yaml:"anchor,omitempty"`
}

func Minutes(n int) Delay         { return Delay{Kind: DelayMinutes, Minutes: n} }
func BusinessMinutes(n int) Delay { return Delay{Kind: DelayBusinessMinutes, Minutes: n} }
func BusinessDays(n int) Delay    { return Delay{Kind: DelayBusinessDays, Days: n} }

// DayPattern lands on the next of the given ISO weekdays at hour.
func DayPattern(hour int, weekdays ...int) Delay {
	return Delay{Kind: DelayDayPattern, Weekdays: weekdays, Hour: &hour}
}

// DayOffset lands on business day n of a sequence anchored at anchor.
func DayOffset(anchor time.Time, n int) Delay {
	return Delay{Kind: DelayDayOffset, Days: n, Anchor: &anchor}
}

// WithHour returns a copy of d landing at the given local hour.
func (d Delay) WithHour(hour int) Delay {
	d.Hour = &hour

	return d
}

// IsZero reports a delay that resolves to "now, rolled into business hours".
func (d Delay) IsZero() bool {
	return d.Kind == "" && d.Minutes == 0 && d.Days == 0
}

func (d Delay) Validate() error {
	if d.Minutes < 0 || d.Days < 0 {
		return ErrNegativeDelay
	}

	if d.Hour != nil && (*d.Hour < 0 || *d.Hour > 23) {
		return fmt.Errorf("%w: %d", ErrInvalidHour, *d.Hour)
	}

	switch d.Kind {
	case "", DelayMinutes, DelayBusinessMinutes, DelayBusinessDays:
		return nil
	case DelayDayPattern:
		if len(d.Weekdays) == 0 {
			return ErrEmptyDayPattern
		}

		for _, day := range d.Weekdays {
			if _, err := ISOWeekday(day); err != nil {
				return err
			}
		}

		return nil
	case DelayDayOffset:
		if d.Anchor == nil {
			return ErrMissingAnchor
		}

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDelay, d.Kind)
	}
}

// Resolve converts delay into a concrete due time relative to now. An empty
// Kind is treated as calendar minutes. Invalid delays resolve as if zero; call
// Validate at definition time.
func (c *Calculator) Resolve(delay Delay, now time.Time) time.Time {
	var candidate time.Time

	switch delay.Kind {
	case DelayBusinessMinutes:
		candidate = c.AddBusinessMinutes(now, delay.Minutes)
	case DelayBusinessDays:
		candidate = c.at(c.AddBusinessDays(now, delay.Days), c.hourMinute(delay.Hour))
	case DelayDayPattern:
		candidate = c.nextPatternDay(delay, now)
	case DelayDayOffset:
		candidate = c.dayOffset(delay, now)
	default:
		candidate = now.Add(time.Duration(delay.Minutes) * time.Minute)
	}

	if candidate.Before(now) {
		candidate = now
	}

	return c.RollForward(candidate)
}

func (c *Calculator) hourMinute(hour *int) int {
	if hour == nil {
		return c.start
	}

	return *hour * 60
}

func (c *Calculator) nextPatternDay(delay Delay, now time.Time) time.Time {
	local := now.In(c.loc)
	minute := c.hourMinute(delay.Hour)

	for offset := range 8 {
		day := c.midnight(local).AddDate(0, 0, offset)

		iso := int(day.Weekday())
		if iso == 0 {
			iso = 7
		}

		if !slices.Contains(delay.Weekdays, iso) {
			continue
		}

		candidate := c.at(day, minute)
		if !candidate.Before(local) {
			return candidate
		}
	}

	return local
}

func (c *Calculator) dayOffset(delay Delay, now time.Time) time.Time {
	if delay.Anchor == nil {
		return now
	}

	day := c.midnight(delay.Anchor.In(c.loc))
	for !c.weekdays[day.Weekday()] {
		day = day.AddDate(0, 0, 1)
	}

	if delay.Days > 1 {
		day = c.AddBusinessDays(day, delay.Days-1)
	}

	return c.at(day, c.hourMinute(delay.Hour))
}
