package processor

import (
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

// Calendar classifies event timestamps against the static business calendar.
type Calendar struct {
	weekdays  map[time.Weekday]bool
	startHour int
	endHour   int
}

// NewCalendar builds a calendar from configuration.
func NewCalendar(cfg domain.CalendarConfig) *Calendar {
	days := make(map[time.Weekday]bool, len(cfg.Weekdays))
	for _, d := range cfg.Weekdays {
		days[d] = true
	}
	return &Calendar{
		weekdays:  days,
		startHour: cfg.StartHour,
		endHour:   cfg.EndHour,
	}
}

// BusinessHours reports whether t falls inside working days and hours.
func (c *Calendar) BusinessHours(t time.Time) bool {
	if !c.weekdays[t.Weekday()] {
		return false
	}
	h := t.Hour()
	return h >= c.startHour && h <= c.endHour
}

// Weekend reports whether t falls on a non-working day.
func (c *Calendar) Weekend(t time.Time) bool {
	return !c.weekdays[t.Weekday()]
}

// Shift maps an hour of day to a working shift.
func (c *Calendar) Shift(t time.Time) domain.Shift {
	switch h := t.Hour(); {
	case h >= 6 && h < 14:
		return domain.ShiftMorning
	case h >= 14 && h < 22:
		return domain.ShiftAfternoon
	default:
		return domain.ShiftNight
	}
}

// Season maps a month to a season name.
func Season(t time.Time) string {
	switch t.Month() {
	case time.December, time.January, time.February:
		return "winter"
	case time.March, time.April, time.May:
		return "spring"
	case time.June, time.July, time.August:
		return "summer"
	default:
		return "fall"
	}
}
